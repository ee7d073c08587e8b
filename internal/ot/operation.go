package ot

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// LineCol addresses a character slot. Column counts runes, not bytes.
type LineCol struct {
	Line   uint32 `json:"line"`
	Column uint32 `json:"column"`
}

// Compare orders positions by line then column.
func (p LineCol) Compare(q LineCol) int {
	switch {
	case p.Line < q.Line:
		return -1
	case p.Line > q.Line:
		return 1
	case p.Column < q.Column:
		return -1
	case p.Column > q.Column:
		return 1
	}
	return 0
}

func (p LineCol) Less(q LineCol) bool { return p.Compare(q) < 0 }

func (p LineCol) String() string { return fmt.Sprintf("(%d,%d)", p.Line, p.Column) }

// Operation is an immutable edit. An insert uses Pos and Text; a delete
// removes the range [Pos, End).
type Operation struct {
	Kind     Kind      `json:"kind"`
	Pos      LineCol   `json:"pos"`
	End      LineCol   `json:"end,omitempty"`
	Text     string    `json:"text,omitempty"`
	Author   string    `json:"author"`
	Revision uint64    `json:"revision"`
	OpID     uuid.UUID `json:"op_id"`
}

// NewInsert builds a validated insert with a fresh op id.
func NewInsert(author string, revision uint64, pos LineCol, text string) (Operation, error) {
	op := Operation{Kind: KindInsert, Pos: pos, Text: text, Author: author, Revision: revision, OpID: uuid.New()}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// NewDelete builds a validated delete of [start, end) with a fresh op id.
func NewDelete(author string, revision uint64, start, end LineCol) (Operation, error) {
	op := Operation{Kind: KindDelete, Pos: start, End: end, Author: author, Revision: revision, OpID: uuid.New()}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Validate rejects malformed and no-op edits.
func (op Operation) Validate() error {
	if op.OpID == uuid.Nil {
		return fmt.Errorf("%w: missing op id", ErrInvalidOperation)
	}
	switch op.Kind {
	case KindInsert:
		if op.Text == "" {
			return fmt.Errorf("%w: empty insert", ErrInvalidOperation)
		}
	case KindDelete:
		if op.Pos == op.End {
			return fmt.Errorf("%w: empty delete at %s", ErrInvalidOperation, op.Pos)
		}
		if op.End.Less(op.Pos) {
			return fmt.Errorf("%w: delete end %s before start %s", ErrInvalidOperation, op.End, op.Pos)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}

// IsNoop reports whether applying op would leave any document unchanged.
// Transformation may produce such operations; they are filtered before
// reapplication.
func (op Operation) IsNoop() bool {
	switch op.Kind {
	case KindInsert:
		return op.Text == ""
	case KindDelete:
		return !op.Pos.Less(op.End)
	}
	return true
}

// WithRevision returns a copy of op tagged with revision.
func (op Operation) WithRevision(revision uint64) Operation {
	op.Revision = revision
	return op
}

func (op Operation) String() string {
	if op.Kind == KindInsert {
		return fmt.Sprintf("insert%s%q@%d/%s", op.Pos, op.Text, op.Revision, op.Author)
	}
	return fmt.Sprintf("delete%s-%s@%d/%s", op.Pos, op.End, op.Revision, op.Author)
}

// textExtent returns the number of newlines in s and the rune length of the
// text after the last newline.
func textExtent(s string) (newlines uint32, tail uint32) {
	i := strings.LastIndexByte(s, '\n')
	if i < 0 {
		return 0, uint32(utf8.RuneCountInString(s))
	}
	return uint32(strings.Count(s, "\n")), uint32(utf8.RuneCountInString(s[i+1:]))
}

// InsertEnd is the position just after the inserted text.
func (op Operation) InsertEnd() LineCol {
	nl, tail := textExtent(op.Text)
	if nl == 0 {
		return LineCol{Line: op.Pos.Line, Column: op.Pos.Column + tail}
	}
	return LineCol{Line: op.Pos.Line + nl, Column: tail}
}
