package service

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naskahsync/internal/ot"
)

func insertAt(author string, base uint64, col uint32, text string) ot.Operation {
	return ot.Operation{Kind: ot.KindInsert, Pos: ot.LineCol{Column: col}, Text: text, Author: author, Revision: base, OpID: uuid.New()}
}

func deleteRange(author string, base uint64, from, to uint32) ot.Operation {
	return ot.Operation{Kind: ot.KindDelete, Pos: ot.LineCol{Column: from}, End: ot.LineCol{Column: to}, Author: author, Revision: base, OpID: uuid.New()}
}

func TestCreateAndSnapshot(t *testing.T) {
	svc := NewDocumentService(0)

	id, snap, err := svc.CreateDocument("", "hello\nworld")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, []string{"hello", "world"}, snap.Lines)

	_, _, err = svc.CreateDocument(id, "")
	assert.ErrorIs(t, err, ErrDocumentExists)

	got, err := svc.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	_, err = svc.Snapshot("missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	require.NoError(t, svc.DeleteDocument(id))
	assert.ErrorIs(t, svc.DeleteDocument(id), ErrDocumentNotFound)
}

func TestOpenCreatesEmptyDocument(t *testing.T) {
	svc := NewDocumentService(0)
	snap := svc.Open("room")
	assert.Equal(t, ot.Snapshot{Lines: []string{""}, Revision: 0}, snap)
	assert.Equal(t, []string{"room"}, svc.Documents())
}

func TestSubmitRebasesConcurrentOperations(t *testing.T) {
	svc := NewDocumentService(0)
	id, _, err := svc.CreateDocument("doc", "hello")
	require.NoError(t, err)

	first, err := svc.Submit(id, insertAt("alice", 0, 5, " world"))
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.Equal(t, uint64(1), first.Revision)
	assert.Equal(t, uint64(1), first.Op.Revision)

	// Bob deletes "hello" without having seen alice's insert.
	second, err := svc.Submit(id, deleteRange("bob", 0, 0, 5))
	require.NoError(t, err)
	assert.True(t, second.Applied)
	assert.Equal(t, uint64(2), second.Revision)

	snap, err := svc.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, []string{" world"}, snap.Lines)
	assert.Equal(t, uint64(2), snap.Revision)
}

func TestSubmitDuplicateIsAcknowledgedAgain(t *testing.T) {
	svc := NewDocumentService(0)
	id, _, _ := svc.CreateDocument("doc", "abc")
	op := insertAt("alice", 0, 1, "X")

	first, err := svc.Submit(id, op)
	require.NoError(t, err)
	again, err := svc.Submit(id, op)
	require.NoError(t, err)

	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Revision, again.Revision)
	assert.Equal(t, first.Op, again.Op)
	snap, _ := svc.Snapshot(id)
	assert.Equal(t, []string{"aXbc"}, snap.Lines)
	assert.Equal(t, uint64(1), snap.Revision)
}

func TestSubmitAbsorbedOperationIsNotApplied(t *testing.T) {
	svc := NewDocumentService(0)
	id, _, _ := svc.CreateDocument("doc", "abcdef")

	_, err := svc.Submit(id, deleteRange("alice", 0, 0, 6))
	require.NoError(t, err)

	op := deleteRange("bob", 0, 2, 3)
	res, err := svc.Submit(id, op)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, uint64(1), res.Revision)

	again, err := svc.Submit(id, op)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.False(t, again.Applied)

	snap, _ := svc.Snapshot(id)
	assert.Equal(t, uint64(1), snap.Revision)
}

func TestSubmitProtocolViolations(t *testing.T) {
	svc := NewDocumentService(0)
	id, _, _ := svc.CreateDocument("doc", "abc")

	_, err := svc.Submit(id, insertAt("alice", 3, 0, "x"))
	assert.ErrorIs(t, err, ot.ErrProtocolViolation, "base ahead of head")

	_, err = svc.Submit(id, insertAt("alice", 0, 0, "x"))
	require.NoError(t, err)
	_, err = svc.Submit(id, insertAt("alice", 0, 0, "y"))
	assert.ErrorIs(t, err, ot.ErrProtocolViolation, "own revision not integrated")

	_, err = svc.Submit(id, insertAt("bob", 0, 0, ""))
	assert.ErrorIs(t, err, ot.ErrInvalidOperation)

	_, err = svc.Submit("missing", insertAt("bob", 0, 0, "x"))
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestSubmitOutOfBoundsLeavesDocument(t *testing.T) {
	svc := NewDocumentService(0)
	id, _, _ := svc.CreateDocument("doc", "abc")

	_, err := svc.Submit(id, insertAt("alice", 0, 9, "x"))
	assert.ErrorIs(t, err, ot.ErrOutOfBounds)

	snap, _ := svc.Snapshot(id)
	assert.Equal(t, uint64(0), snap.Revision)
	assert.Equal(t, []string{"abc"}, snap.Lines)
}

func TestOpsSince(t *testing.T) {
	svc := NewDocumentService(0)
	id, _, _ := svc.CreateDocument("doc", "")
	for i, author := range []string{"a", "b", "c"} {
		_, err := svc.Submit(id, insertAt(author, uint64(i), 0, author))
		require.NoError(t, err)
	}

	ops, err := svc.OpsSince(id, 1)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(2), ops[0].Revision)
	assert.Equal(t, uint64(3), ops[1].Revision)

	ops, err = svc.OpsSince(id, 3)
	require.NoError(t, err)
	assert.Empty(t, ops)

	_, err = svc.OpsSince(id, 4)
	assert.ErrorIs(t, err, ot.ErrProtocolViolation)
}

func TestHistoryCap(t *testing.T) {
	svc := NewDocumentService(2)
	id, _, _ := svc.CreateDocument("doc", "")
	for i := 0; i < 4; i++ {
		_, err := svc.Submit(id, insertAt("a", uint64(i), 0, "x"))
		require.NoError(t, err)
	}

	_, err := svc.OpsSince(id, 1)
	assert.ErrorIs(t, err, ErrHistoryTrimmed)

	ops, err := svc.OpsSince(id, 2)
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	_, err = svc.Submit(id, insertAt("b", 0, 0, "y"))
	assert.ErrorIs(t, err, ErrHistoryTrimmed)
}

func TestSubmitDuplicateAfterTrim(t *testing.T) {
	svc := NewDocumentService(1)
	id, _, _ := svc.CreateDocument("doc", "")
	first := insertAt("a", 0, 0, "x")
	_, err := svc.Submit(id, first)
	require.NoError(t, err)
	_, err = svc.Submit(id, insertAt("a", 1, 1, "y"))
	require.NoError(t, err)

	res, err := svc.Submit(id, first)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, uint64(1), res.Revision)
	assert.Equal(t, first.OpID, res.Op.OpID)
	assert.Equal(t, uint64(1), res.Op.Revision)
	assert.Equal(t, "x", res.Op.Text)
}
