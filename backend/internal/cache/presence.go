package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache presence 条目的存储边界。条目纯 ephemeral：
// 不落库，断连/过期即消失，可由活跃连接重建。
type PresenceCache interface {
	// UpsertEntry 覆盖写条目并刷新逻辑 TTL
	UpsertEntry(ctx context.Context, entityKey string, userID uint64, entry []byte, ttl time.Duration) error
	RemoveEntry(ctx context.Context, entityKey string, userID uint64) error
	// AliveEntries 返回未过期成员的条目，userId → entry JSON
	AliveEntries(ctx context.Context, entityKey string) (map[uint64][]byte, error)
	// HarvestExpired 原子地摘除过期成员并返回其 userId，供清扫器广播移除事件
	HarvestExpired(ctx context.Context, entityKey string) ([]uint64, error)
	// Rooms 当前有 presence 记录的 entityKey 列表
	Rooms(ctx context.Context) ([]string, error)
}

// 基于 redis 的实现：ZSET 的 score 存 expireAt（Unix 秒）做逻辑 TTL，
// 条目本体放在 Hash 里。
type redisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) UpsertEntry(ctx context.Context, entityKey string, userID uint64, entry []byte, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(entityKey), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, entriesKey(entityKey), userID, entry)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveEntry(ctx context.Context, entityKey string, userID uint64) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(entityKey), userID)
	tx.HDel(ctx, entriesKey(entityKey), strconv.FormatUint(userID, 10))
	_, err := tx.Exec(ctx)
	return err
}

// harvestScript 摘除 score <= now 的成员并连带删掉条目，返回被摘成员。
// KEYS[1] = roomKey, KEYS[2] = entriesKey, ARGV[1] = now (unix seconds)
var harvestScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return expired
`)

func (p *redisPresence) HarvestExpired(ctx context.Context, entityKey string) ([]uint64, error) {
	now := time.Now().Unix()
	raw, err := harvestScript.Run(ctx, p.rdb, []string{roomKey(entityKey), entriesKey(entityKey)}, now).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	expired := make([]uint64, 0, len(raw))
	for _, s := range raw {
		uid, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		expired = append(expired, uid)
	}
	return expired, nil
}

func (p *redisPresence) AliveEntries(ctx context.Context, entityKey string) (map[uint64][]byte, error) {
	now := time.Now().Unix()

	// score > now 的成员视为存活
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(entityKey), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	values, err := p.rdb.HMGet(ctx, entriesKey(entityKey), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	entries := make(map[uint64][]byte, len(aliveIDs))
	for i, v := range values {
		if v == nil {
			continue
		}
		uid, err := strconv.ParseUint(aliveIDs[i], 10, 64)
		if err != nil {
			continue
		}
		if s, ok := v.(string); ok {
			entries[uid] = []byte(s)
		}
	}
	return entries, nil
}

func (p *redisPresence) Rooms(ctx context.Context) ([]string, error) {
	var rooms []string
	iter := p.rdb.Scan(ctx, 0, "presence:room:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		entityKey := strings.TrimPrefix(k, "presence:room:")
		if entityKey != "" {
			rooms = append(rooms, entityKey)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return rooms, nil
}
