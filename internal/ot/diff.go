package ot

// Diff converts a local edit into the smallest delete/insert pair covering the
// change. Positions are in oldText coordinates. cursor, when known, is the
// caret in newText after the edit; it disambiguates edits inside runs of
// repeated characters so the operation lands where the user typed.
//
// An unchanged text yields no operations.
func Diff(author string, revision uint64, oldText, newText string, cursor *LineCol) ([]Operation, error) {
	o, n := []rune(oldText), []rune(newText)

	prefix := 0
	for prefix < len(o) && prefix < len(n) && o[prefix] == n[prefix] {
		prefix++
	}
	if cursor != nil {
		limit := offsetAt(n, *cursor) - max(0, len(n)-len(o))
		prefix = min(prefix, max(limit, 0))
	}
	suffix := 0
	for suffix < len(o)-prefix && suffix < len(n)-prefix && o[len(o)-1-suffix] == n[len(n)-1-suffix] {
		suffix++
	}

	start := lineColAt(o, prefix)
	end := lineColAt(o, len(o)-suffix)
	inserted := string(n[prefix : len(n)-suffix])

	var ops []Operation
	if start != end {
		del, err := NewDelete(author, revision, start, end)
		if err != nil {
			return nil, err
		}
		ops = append(ops, del)
	}
	if inserted != "" {
		ins, err := NewInsert(author, revision, start, inserted)
		if err != nil {
			return nil, err
		}
		ops = append(ops, ins)
	}
	return ops, nil
}

func lineColAt(text []rune, offset int) LineCol {
	var p LineCol
	for _, r := range text[:offset] {
		if r == '\n' {
			p.Line++
			p.Column = 0
			continue
		}
		p.Column++
	}
	return p
}

// offsetAt converts p to a rune offset in text, clamping to the text.
func offsetAt(text []rune, p LineCol) int {
	var line, col uint32
	for i, r := range text {
		if line == p.Line && col == p.Column {
			return i
		}
		if r == '\n' {
			if line == p.Line {
				return i
			}
			line++
			col = 0
			continue
		}
		col++
	}
	return len(text)
}
