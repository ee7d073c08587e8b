package ot

import "strings"

// Transform rebases l so that it applies after r, where l and r were created
// against the same document state. Applying r then Transform(l, r) yields the
// same document as applying l then Transform(r, l).
//
// Transform is total: every pair has a defined result, which may be a no-op.
// An insert strictly inside a concurrent delete becomes a no-op rather than
// being clamped to the delete's start; only that pairing converges with a
// delete that grows over the inserted text.
func Transform(l, r Operation) Operation {
	if r.IsNoop() {
		return l
	}
	out := l
	switch {
	case l.Kind == KindInsert && r.Kind == KindInsert:
		if r.Pos.Less(l.Pos) || (r.Pos == l.Pos && precedes(r, l)) {
			out.Pos = shiftForInsert(l.Pos, r)
		}
	case l.Kind == KindInsert && r.Kind == KindDelete:
		// Delete wins: text inserted strictly inside a concurrently deleted
		// range is dropped. The delete side extends over that text, so
		// clamping the insert to the range start instead would diverge.
		if r.Pos.Less(l.Pos) && l.Pos.Less(r.End) {
			out.Text = ""
		}
		out.Pos = shiftForDelete(l.Pos, r)
	case l.Kind == KindDelete && r.Kind == KindInsert:
		switch {
		case !l.Pos.Less(r.Pos):
			out.Pos = shiftForInsert(l.Pos, r)
			out.End = shiftForInsert(l.End, r)
		case r.Pos.Less(l.End):
			out.End = shiftForInsert(l.End, r)
		}
	case l.Kind == KindDelete && r.Kind == KindDelete:
		out.Pos = shiftForDelete(l.Pos, r)
		out.End = shiftForDelete(l.End, r)
	}
	return out
}

// TransformPair returns both sides of the transformation square.
func TransformPair(a, b Operation) (ap, bp Operation) {
	return Transform(a, b), Transform(b, a)
}

// TransformAll rebases op past each operation of history in order.
func TransformAll(op Operation, history []Operation) Operation {
	for _, h := range history {
		op = Transform(op, h)
	}
	return op
}

// TransformCursor re-anchors a cursor after op has been applied. A cursor is a
// zero-width insert point; text inserted exactly at it lands before it.
func TransformCursor(c LineCol, op Operation) LineCol {
	if op.IsNoop() {
		return c
	}
	switch op.Kind {
	case KindInsert:
		if !c.Less(op.Pos) {
			return shiftForInsert(c, op)
		}
	case KindDelete:
		return shiftForDelete(c, op)
	}
	return c
}

// precedes is the total order used to break ties between inserts at the same
// position: lower author id first, then lower op id.
func precedes(a, b Operation) bool {
	if a.Author != b.Author {
		return a.Author < b.Author
	}
	return strings.Compare(a.OpID.String(), b.OpID.String()) < 0
}

// shiftForInsert moves p, which must not precede ins.Pos, past the inserted text.
func shiftForInsert(p LineCol, ins Operation) LineCol {
	if p.Less(ins.Pos) {
		return p
	}
	nl, tail := textExtent(ins.Text)
	switch {
	case p.Line != ins.Pos.Line:
		p.Line += nl
	case nl == 0:
		p.Column += tail
	default:
		p = LineCol{Line: p.Line + nl, Column: tail + (p.Column - ins.Pos.Column)}
	}
	return p
}

// shiftForDelete maps p into the document after del removed [Pos, End).
// Points inside the range collapse to its start.
func shiftForDelete(p LineCol, del Operation) LineCol {
	s, e := del.Pos, del.End
	if !s.Less(e) || !s.Less(p) {
		return p
	}
	if !e.Less(p) {
		return s
	}
	if p.Line == e.Line {
		return LineCol{Line: s.Line, Column: s.Column + (p.Column - e.Column)}
	}
	return LineCol{Line: p.Line - (e.Line - s.Line), Column: p.Column}
}
