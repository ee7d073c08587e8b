package ot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyAll(t *testing.T, text string, ops []Operation) string {
	t.Helper()
	lines := SplitLines(text)
	for _, op := range ops {
		var err error
		lines, err = ApplyLines(lines, op)
		require.NoError(t, err)
	}
	return strings.Join(lines, "\n")
}

func TestDiff(t *testing.T) {
	cases := []struct {
		name     string
		old, new string
		ops      int
	}{
		{"append", "hello", "hello world", 1},
		{"remove", "hello world", "hello", 1},
		{"replace middle", "il était une fois", "il était deux fois", 2},
		{"new line", "ab\ncd", "ab\nc\nd", 1},
		{"join lines", "ab\ncd\nef", "abef", 1},
		{"unchanged", "same", "same", 0},
		{"from empty", "", "x", 1},
		{"to empty", "xyz", "", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ops, err := Diff("me", 4, tc.old, tc.new, nil)
			require.NoError(t, err)
			assert.Len(t, ops, tc.ops)
			for _, op := range ops {
				assert.Equal(t, "me", op.Author)
				assert.Equal(t, uint64(4), op.Revision)
			}
			assert.Equal(t, tc.new, applyAll(t, tc.old, ops))
		})
	}
}

func TestDiffIsMinimal(t *testing.T) {
	ops, err := Diff("me", 0, "ab\ncd\nef", "ab\ncXd\nef", nil)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, KindInsert, ops[0].Kind)
	assert.Equal(t, LineCol{1, 1}, ops[0].Pos)
	assert.Equal(t, "X", ops[0].Text)
}

func TestDiffUsesCursorHint(t *testing.T) {
	// Typing "a" after the first "a" of "aa": the caret ends at column 2.
	ops, err := Diff("me", 0, "aa", "aaa", &LineCol{0, 2})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, LineCol{0, 1}, ops[0].Pos)

	// Backspace on the second "a" of "aaa" leaves the caret at column 1.
	ops, err = Diff("me", 0, "aaa", "aa", &LineCol{0, 1})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, KindDelete, ops[0].Kind)
	assert.Equal(t, LineCol{0, 1}, ops[0].Pos)
	assert.Equal(t, LineCol{0, 2}, ops[0].End)
}
