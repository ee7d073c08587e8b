package ot

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Snapshot is a rendered view of a document.
type Snapshot struct {
	Lines    []string `json:"lines"`
	Revision uint64   `json:"revision"`
}

func (s Snapshot) Text() string { return strings.Join(s.Lines, "\n") }

// Document is the authoritative line sequence and its revision counter. It is
// not safe for concurrent use; callers serialize access through one apply
// path per document.
type Document struct {
	lines    []string
	revision uint64
	applied  map[uuid.UUID]uint64
}

// NewDocument creates a document at revision 0 holding text.
func NewDocument(text string) *Document {
	return &Document{
		lines:   SplitLines(text),
		applied: make(map[uuid.UUID]uint64),
	}
}

// SplitLines splits text into lines. The result always has at least one line.
func SplitLines(text string) []string {
	return strings.Split(text, "\n")
}

func (d *Document) Revision() uint64 { return d.revision }

func (d *Document) Snapshot() Snapshot {
	lines := make([]string, len(d.lines))
	copy(lines, d.lines)
	return Snapshot{Lines: lines, Revision: d.revision}
}

// AppliedRevision returns the revision an op id was applied at.
func (d *Document) AppliedRevision(id uuid.UUID) (uint64, bool) {
	rev, ok := d.applied[id]
	return rev, ok
}

// Apply applies op and advances the revision by one. Re-applying a known op id
// returns the unchanged snapshot. Out-of-bounds operations are rejected and
// leave the document untouched.
func (d *Document) Apply(op Operation) (Snapshot, error) {
	if _, ok := d.applied[op.OpID]; ok {
		return d.Snapshot(), nil
	}
	if err := op.Validate(); err != nil {
		return Snapshot{}, err
	}
	lines, err := ApplyLines(d.lines, op)
	if err != nil {
		return Snapshot{}, err
	}
	d.lines = lines
	d.revision++
	d.applied[op.OpID] = d.revision
	return d.Snapshot(), nil
}

// ApplyLines returns the lines produced by applying op to lines. The input
// slice is not modified. No-op operations return a copy of lines.
func ApplyLines(lines []string, op Operation) ([]string, error) {
	switch op.Kind {
	case KindInsert:
		if err := checkBounds(lines, op.Pos); err != nil {
			return nil, err
		}
		if op.Text == "" {
			return cloneLines(lines), nil
		}
		line := []rune(lines[op.Pos.Line])
		before, after := string(line[:op.Pos.Column]), string(line[op.Pos.Column:])
		parts := SplitLines(op.Text)
		parts[0] = before + parts[0]
		parts[len(parts)-1] += after
		return splice(lines, int(op.Pos.Line), int(op.Pos.Line)+1, parts), nil
	case KindDelete:
		if err := checkBounds(lines, op.Pos); err != nil {
			return nil, err
		}
		if err := checkBounds(lines, op.End); err != nil {
			return nil, err
		}
		if !op.Pos.Less(op.End) {
			return cloneLines(lines), nil
		}
		head := []rune(lines[op.Pos.Line])[:op.Pos.Column]
		tail := []rune(lines[op.End.Line])[op.End.Column:]
		return splice(lines, int(op.Pos.Line), int(op.End.Line)+1, []string{string(head) + string(tail)}), nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
}

func checkBounds(lines []string, p LineCol) error {
	if int(p.Line) >= len(lines) {
		return fmt.Errorf("%w: line %d of %d", ErrOutOfBounds, p.Line, len(lines))
	}
	if n := utf8.RuneCountInString(lines[p.Line]); int(p.Column) > n {
		return fmt.Errorf("%w: column %d of %d on line %d", ErrOutOfBounds, p.Column, n, p.Line)
	}
	return nil
}

// splice replaces lines[from:to] with repl in a fresh slice.
func splice(lines []string, from, to int, repl []string) []string {
	out := make([]string, 0, len(lines)-(to-from)+len(repl))
	out = append(out, lines[:from]...)
	out = append(out, repl...)
	return append(out, lines[to:]...)
}

func cloneLines(lines []string) []string {
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}
