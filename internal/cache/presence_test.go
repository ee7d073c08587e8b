package cache

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naskahsync/internal/ot"
	"naskahsync/internal/presence"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "presence:room:{doc-1}", roomKey("doc-1"))
	assert.Equal(t, "presence:room:state:{doc-1}", stateKey("doc-1"))
	assert.Equal(t, "presence:docs", docsKey())
}

func TestRedisPresenceRoundTrip(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	docID := "test-" + time.Now().Format("150405.000000")
	p := NewRedisPresence(rdb, time.Minute)
	t.Cleanup(func() { _ = p.Drop(ctx, docID) })

	alice := presence.Participant{ID: "alice", DisplayName: "Alice", Color: presence.Palette[0], Cursor: ot.LineCol{Line: 1, Column: 4}, IsTyping: true, OpCount: 3}
	bob := presence.Participant{ID: "bob", DisplayName: "Bob", Color: presence.Palette[1]}
	require.NoError(t, p.Upsert(ctx, docID, bob))
	require.NoError(t, p.Upsert(ctx, docID, alice))

	got, err := p.Participants(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, []presence.Participant{alice, bob}, got)

	require.NoError(t, p.Remove(ctx, docID, "bob"))
	got, err = p.Participants(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, []presence.Participant{alice}, got)

	isMember, err := rdb.SIsMember(ctx, docsKey(), docID).Result()
	require.NoError(t, err)
	assert.True(t, isMember)
}

func TestRedisPresenceExpiry(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	docID := "test-exp-" + time.Now().Format("150405.000000")
	p := NewRedisPresence(rdb, time.Second)
	t.Cleanup(func() { _ = p.Drop(ctx, docID) })

	require.NoError(t, p.Upsert(ctx, docID, presence.Participant{ID: "ghost"}))
	require.Eventually(t, func() bool {
		got, err := p.Participants(ctx, docID)
		return err == nil && len(got) == 0
	}, 5*time.Second, 200*time.Millisecond)
}
