package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"naskahsync/internal/presence"
)

// RedisPresence mirrors each room's participants into Redis so other
// processes can see who is editing. Entries carry a logical TTL in the ZSet
// score and are refreshed on every update.
type RedisPresence struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisPresence(rdb *redis.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisPresence{rdb: rdb, ttl: ttl}
}

// Upsert stores a participant's state and refreshes its expiry.
func (p *RedisPresence) Upsert(ctx context.Context, docID string, part presence.Participant) error {
	b, err := json.Marshal(part)
	if err != nil {
		return err
	}
	expireAt := time.Now().Add(p.ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: part.ID})
	tx.HSet(ctx, stateKey(docID), part.ID, b)
	tx.SAdd(ctx, docsKey(), docID)
	tx.Expire(ctx, roomKey(docID), 2*p.ttl)
	tx.Expire(ctx, stateKey(docID), 2*p.ttl)
	_, err = tx.Exec(ctx)
	return err
}

func (p *RedisPresence) Remove(ctx context.Context, docID, participantID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), participantID)
	tx.HDel(ctx, stateKey(docID), participantID)
	_, err := tx.Exec(ctx)
	return err
}

// Drop forgets a whole room.
func (p *RedisPresence) Drop(ctx context.Context, docID string) error {
	tx := p.rdb.TxPipeline()
	tx.Del(ctx, roomKey(docID), stateKey(docID))
	tx.SRem(ctx, docsKey(), docID)
	_, err := tx.Exec(ctx)
	return err
}

// Participants returns the unexpired participants of a room ordered by id.
// Expired members are pruned first.
func (p *RedisPresence) Participants(ctx context.Context, docID string) ([]presence.Participant, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)

	expired, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(expired) > 0 {
		tx := p.rdb.TxPipeline()
		tx.ZRemRangeByScore(ctx, roomKey(docID), "-inf", now)
		tx.HDel(ctx, stateKey(docID), expired...)
		if _, err := tx.Exec(ctx); err != nil {
			return nil, err
		}
	}

	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}
	states, err := p.rdb.HMGet(ctx, stateKey(docID), alive...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]presence.Participant, 0, len(states))
	for _, v := range states {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var part presence.Participant
		if err := json.Unmarshal([]byte(s), &part); err != nil {
			continue
		}
		out = append(out, part)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
