package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"strconv"
	"strings"
	"time"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/collab"
)

type Status string

const (
	StatusViewing Status = "viewing"
	StatusEditing Status = "editing"
	StatusIdle    Status = "idle"
)

func ValidStatus(s Status) bool {
	switch s {
	case StatusViewing, StatusEditing, StatusIdle:
		return true
	}
	return false
}

type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Entry 每个 (userId, entity) 一条，覆盖写，过期或显式离开即删除。
type Entry struct {
	UserID     uint64  `json:"userId"`
	EntityType string  `json:"entityType"`
	EntityID   string  `json:"entityId"`
	Status     Status  `json:"status"`
	Cursor     *Cursor `json:"cursor,omitempty"`
	ColorHash  string  `json:"colorHash"`
	LastSeen   int64   `json:"lastSeen"` // Unix 毫秒
}

// Broadcaster 房间扇出的回调边界，由 ws.Hub 实现。
// 所有房间成员（包括同一用户的其他标签页）收到同样的事件，
// 由前端按 userId 自行去重。
type Broadcaster interface {
	BroadcastPresence(entityType, entityID string, entry Entry)
	BroadcastPresenceRemoved(entityType, entityID string, userID uint64)
}

// Tracker presence 跟踪器：条目存 redis（逻辑 TTL），
// 后台清扫器按固定间隔摘除过期条目并广播移除事件，
// 兜住没来得及发 leave 的异常断连。
type Tracker struct {
	cache       cache.PresenceCache
	broadcaster Broadcaster
	ttl         time.Duration
	sweepEvery  time.Duration
	stop        chan struct{}
}

func NewTracker(c cache.PresenceCache, b Broadcaster, ttl, sweepEvery time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if sweepEvery <= 0 {
		sweepEvery = 30 * time.Second
	}
	return &Tracker{cache: c, broadcaster: b, ttl: ttl, sweepEvery: sweepEvery, stop: make(chan struct{})}
}

// Upsert 覆盖写条目、刷新 lastSeen，并向房间广播。
func (t *Tracker) Upsert(ctx context.Context, userID uint64, entityType, entityID string, status Status, cursor *Cursor) (Entry, error) {
	if !ValidStatus(status) {
		status = StatusViewing
	}
	entry := Entry{
		UserID:     userID,
		EntityType: entityType,
		EntityID:   entityID,
		Status:     status,
		Cursor:     cursor,
		ColorHash:  ColorHash(userID),
		LastSeen:   time.Now().UnixMilli(),
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, err
	}
	key := collab.EntityKey(entityType, entityID)
	if err := t.cache.UpsertEntry(ctx, key, userID, b, t.ttl); err != nil {
		return Entry{}, err
	}
	if t.broadcaster != nil {
		t.broadcaster.BroadcastPresence(entityType, entityID, entry)
	}
	return entry, nil
}

// Remove 显式离开（leave / disconnect），与 TTL 过期发同样的移除广播。
func (t *Tracker) Remove(ctx context.Context, userID uint64, entityType, entityID string) error {
	key := collab.EntityKey(entityType, entityID)
	if err := t.cache.RemoveEntry(ctx, key, userID); err != nil {
		return err
	}
	if t.broadcaster != nil {
		t.broadcaster.BroadcastPresenceRemoved(entityType, entityID, userID)
	}
	return nil
}

// Snapshot 房间内存活条目，供新加入的连接初始化成员列表。
func (t *Tracker) Snapshot(ctx context.Context, entityType, entityID string) ([]Entry, error) {
	raw, err := t.cache.AliveEntries(ctx, collab.EntityKey(entityType, entityID))
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, b := range raw {
		var e Entry
		if err := json.Unmarshal(b, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// StartSweeper 启动后台清扫循环；Stop 之前一直运行。
func (t *Tracker) StartSweeper() {
	go func() {
		ticker := time.NewTicker(t.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweepOnce()
			case <-t.stop:
				return
			}
		}
	}()
}

func (t *Tracker) Stop() {
	close(t.stop)
}

func (t *Tracker) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rooms, err := t.cache.Rooms(ctx)
	if err != nil {
		// presence 非关键路径，失败只记日志，下一轮重试
		log.Printf("presence sweep: list rooms failed: %v", err)
		return
	}
	for _, key := range rooms {
		expired, err := t.cache.HarvestExpired(ctx, key)
		if err != nil {
			log.Printf("presence sweep: harvest %s failed: %v", key, err)
			continue
		}
		entityType, entityID := splitEntityKey(key)
		for _, uid := range expired {
			if t.broadcaster != nil {
				t.broadcaster.BroadcastPresenceRemoved(entityType, entityID, uid)
			}
		}
	}
}

func splitEntityKey(key string) (entityType, entityID string) {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// ColorHash 由 userId 稳定导出的展示颜色，所有端算出同一个值。
func ColorHash(userID uint64) string {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatUint(userID, 10)))
	return fmt.Sprintf("#%06x", h.Sum32()&0xFFFFFF)
}
