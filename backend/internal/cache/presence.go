package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache mirrors the in-process session registry into Redis so that
// other services can read who is editing which document. It is a cache,
// not the source of truth.
type PresenceCache interface {
	AddMember(ctx context.Context, docID, sessionID, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, sessionID string) error
	GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, docID, sessionID string, data []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, docID, sessionID string) ([]byte, error)
}

type PresenceMember struct {
	SessionID   string
	DisplayName string
}

type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, docID, sessionID, displayName string, ttl time.Duration) error {
	// Refreshing the TTL is the same call: ZADD overwrites the score.
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: sessionID})
	tx.HSet(ctx, namesKey(docID), sessionID, displayName)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, sessionID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), sessionID)
	tx.HDel(ctx, namesKey(docID), sessionID)
	tx.Del(ctx, cursorKey(docID, sessionID))
	_, err := tx.Exec(ctx)
	return err
}

// cleanupScript drops members whose logical TTL (ZSet score) has passed,
// together with their name entries.
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	now := time.Now().Unix()
	if _, err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // strictly greater than now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{SessionID: id, DisplayName: name})
	}
	return members, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, docID, sessionID string, data []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, sessionID), data, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, docID, sessionID string) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(docID, sessionID)).Bytes()
}
