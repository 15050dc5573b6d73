package cache

import "fmt"

// 键语义：
// - roomKey(entityKey):    房间成员集合（ZSET，score = expireAt Unix 秒，表达逻辑 TTL）
// - entriesKey(entityKey): 房间内 userId → presence 条目 JSON（Hash）
//
// entityKey 形如 "task:42"（entityType:entityId）。

const (
	keyRoomFmt    = "presence:room:%s"    // ZSET<userId, expireAt>
	keyEntriesFmt = "presence:entries:%s" // Hash<userId -> entry JSON>
)

func roomKey(entityKey string) string    { return fmt.Sprintf(keyRoomFmt, entityKey) }
func entriesKey(entityKey string) string { return fmt.Sprintf(keyEntriesFmt, entityKey) }
