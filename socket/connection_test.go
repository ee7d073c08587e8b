package socket

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naskahsync/internal/ot"
	"naskahsync/internal/session"
)

func connect(t *testing.T, ctx context.Context, wsURL, docID, participant string, opts ConnectionOptions) *Connection {
	t.Helper()
	conn, err := NewConnection(wsURL+"?docId="+docID, participant, opts)
	require.NoError(t, err)
	go conn.Run(ctx)
	select {
	case <-conn.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never received a snapshot", participant)
	}
	return conn
}

func converged(t *testing.T, hub *Hub, docID string, conns ...*Connection) func() bool {
	return func() bool {
		snap, err := hub.Docs.Snapshot(docID)
		if err != nil {
			return false
		}
		for _, c := range conns {
			sess := c.Session()
			if sess.State() != session.Synced || sess.Text() != snap.Text() || sess.Revision() != snap.Revision {
				return false
			}
		}
		return true
	}
}

func TestConnectionsConverge(t *testing.T) {
	hub, wsURL := newTestServer(t, HubOptions{})
	_, _, err := hub.Docs.CreateDocument("doc-c", "il était une fois")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var remote, chats atomic.Int32
	alice := connect(t, ctx, wsURL, "doc-c", "alice", ConnectionOptions{DisplayName: "Alice"})
	bob := connect(t, ctx, wsURL, "doc-c", "bob", ConnectionOptions{
		OnRemote: func(ot.Operation) { remote.Add(1) },
		OnMessage: func(msg WSMessage) {
			if msg.Type == ChatType {
				chats.Add(1)
			}
		},
	})

	_, err = alice.Session().Insert(ctx, ot.LineCol{Column: 17}, " un roi")
	require.NoError(t, err)
	_, err = bob.Session().Delete(ctx, ot.LineCol{Column: 0}, ot.LineCol{Column: 3})
	require.NoError(t, err)
	_, err = alice.Session().Insert(ctx, ot.LineCol{Column: 0}, "Il ")
	require.NoError(t, err)

	require.Eventually(t, converged(t, hub, "doc-c", alice, bob), 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Il était une fois un roi", bob.Session().Text())
	assert.Equal(t, uint64(3), bob.Session().Revision())
	assert.Equal(t, int32(2), remote.Load())

	require.NoError(t, alice.MoveCursor(ot.LineCol{Column: 2}))
	require.Eventually(t, func() bool {
		for _, p := range bob.Participants() {
			if p.ID == "alice" {
				return p.DisplayName == "Alice" && len(bob.Participants()) == 2
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Chat("bonjour"))
	require.Eventually(t, func() bool { return chats.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionResyncsAfterDrop(t *testing.T) {
	hub, wsURL := newTestServer(t, HubOptions{})
	_, _, err := hub.Docs.CreateDocument("doc-r", "hello")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := ConnectionOptions{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
	alice := connect(t, ctx, wsURL, "doc-r", "alice", opts)
	bob := connect(t, ctx, wsURL, "doc-r", "bob", opts)

	alice.Drop()
	_, err = alice.Session().Insert(ctx, ot.LineCol{Column: 5}, " world")
	if err != nil {
		// The send raced the closing socket; the edit stays pending.
		assert.ErrorIs(t, err, ot.ErrTransportFailure)
	}
	_, err = bob.Session().Insert(ctx, ot.LineCol{Column: 0}, ">")
	require.NoError(t, err)

	require.Eventually(t, converged(t, hub, "doc-r", alice, bob), 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, ">hello world", alice.Session().Text())
}

func TestConnectionResetsAfterRefusal(t *testing.T) {
	ctx := context.Background()
	c, err := NewConnection("ws://127.0.0.1:1/ws?docId=doc", "alice", ConnectionOptions{})
	require.NoError(t, err)

	c.onSnapshot(ctx, SnapshotPayload{Lines: []string{"abc"}})
	sess := c.Session()
	require.NotNil(t, sess)
	op, err := sess.Insert(ctx, ot.LineCol{Column: 3}, "d")
	assert.ErrorIs(t, err, ot.ErrTransportFailure, "nothing is dialled yet")
	assert.Equal(t, "abcd", sess.Text())

	c.onError(ErrorPayload{Code: CodeInvalidOperation, OpID: op.OpID})
	c.onSnapshot(ctx, SnapshotPayload{Lines: []string{"xyz"}, Revision: 2})

	assert.Same(t, sess, c.Session())
	assert.Equal(t, "xyz", sess.Text())
	assert.Equal(t, uint64(2), sess.Revision())
	assert.Empty(t, sess.Pending())
	assert.Equal(t, session.Synced, sess.State())
}

func TestNewConnectionNeedsDocument(t *testing.T) {
	_, err := NewConnection("ws://localhost/ws", "alice", ConnectionOptions{})
	assert.Error(t, err)
}

func TestRunGivesUpAfterRetries(t *testing.T) {
	c, err := NewConnection("ws://127.0.0.1:1/ws?docId=doc", "alice", ConnectionOptions{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})
	require.NoError(t, err)

	err = c.Run(context.Background())
	assert.ErrorIs(t, err, ot.ErrTransportFailure)
}
