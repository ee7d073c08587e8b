package ot

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentApplyAdvancesRevision(t *testing.T) {
	doc := NewDocument("hello")
	assert.Equal(t, uint64(0), doc.Revision())

	snap, err := doc.Apply(ins("a", 0, 5, " world"))
	require.NoError(t, err)
	assert.Equal(t, []string{"hello world"}, snap.Lines)
	assert.Equal(t, uint64(1), snap.Revision)

	snap, err = doc.Apply(ins("a", 0, 5, "\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", " world"}, snap.Lines)
	assert.Equal(t, uint64(2), snap.Revision)

	snap, err = doc.Apply(del("a", 0, 4, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"hellworld"}, snap.Lines)
	assert.Equal(t, uint64(3), snap.Revision)
}

func TestDocumentApplyIsIdempotent(t *testing.T) {
	doc := NewDocument("abc")
	op := ins("a", 0, 1, "X")

	first, err := doc.Apply(op)
	require.NoError(t, err)
	second, err := doc.Apply(op)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, uint64(1), doc.Revision())
	rev, ok := doc.AppliedRevision(op.OpID)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), rev)
}

func TestDocumentApplyOutOfBounds(t *testing.T) {
	doc := NewDocument("abc\nd")
	for _, op := range []Operation{
		ins("a", 2, 0, "x"),
		ins("a", 0, 4, "x"),
		del("a", 0, 1, 1, 2),
		del("a", 1, 0, 3, 0),
	} {
		_, err := doc.Apply(op)
		assert.ErrorIs(t, err, ErrOutOfBounds, "op %s", op)
	}
	assert.Equal(t, uint64(0), doc.Revision())
	assert.Equal(t, []string{"abc", "d"}, doc.Snapshot().Lines)
}

func TestDocumentRejectsInvalidOperations(t *testing.T) {
	doc := NewDocument("abc")
	for _, op := range []Operation{
		ins("a", 0, 0, ""),
		del("a", 0, 1, 0, 1),
		del("a", 0, 2, 0, 1),
		{Kind: "replace", OpID: uuid.New()},
		{Kind: KindInsert, Text: "x"},
	} {
		_, err := doc.Apply(op)
		assert.ErrorIs(t, err, ErrInvalidOperation, "op %s", op)
	}
	assert.Equal(t, uint64(0), doc.Revision())
}

func TestNewOperationsValidate(t *testing.T) {
	_, err := NewInsert("a", 0, LineCol{}, "")
	assert.ErrorIs(t, err, ErrInvalidOperation)
	_, err = NewDelete("a", 0, LineCol{0, 2}, LineCol{0, 2})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	op, err := NewInsert("a", 3, LineCol{0, 1}, "x")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, op.OpID)
	assert.Equal(t, uint64(3), op.Revision)
}

func TestOperationJSONRoundTrip(t *testing.T) {
	op, err := NewDelete("alice", 42, LineCol{1, 2}, LineCol{3, 4})
	require.NoError(t, err)

	b, err := json.Marshal(op)
	require.NoError(t, err)
	var got Operation
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, op, got)
}

func TestConcurrentScenarioConverges(t *testing.T) {
	insertA := ins("a", 0, 5, " world")
	deleteB := del("b", 0, 0, 0, 5)

	left := NewDocument("hello")
	_, err := left.Apply(insertA)
	require.NoError(t, err)
	_, err = left.Apply(Transform(deleteB, insertA))
	require.NoError(t, err)

	right := NewDocument("hello")
	_, err = right.Apply(deleteB)
	require.NoError(t, err)
	_, err = right.Apply(Transform(insertA, deleteB))
	require.NoError(t, err)

	assert.Equal(t, Snapshot{Lines: []string{" world"}, Revision: 2}, left.Snapshot())
	assert.Equal(t, left.Snapshot(), right.Snapshot())
}
