package ws

import (
	"sync"

	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/presence"
)

// Hub 房间表：entityKey → 订阅连接集合。
// 房间只有成员关系，不持有其他状态；成员变化都经过这里，可审计。
// 存的是连接而不是 userID——同一用户可开多个标签页，广播要逐连接发。
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Join(entityKey string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[entityKey] == nil {
		h.rooms[entityKey] = make(map[*Conn]struct{})
	}
	h.rooms[entityKey][c] = struct{}{}
}

func (h *Hub) Leave(entityKey string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[entityKey]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, entityKey)
		}
	}
}

// RoomSize 房间当前连接数，用于判断是否该释放 authority。
func (h *Hub) RoomSize(entityKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[entityKey])
}

// broadcast 逐连接扇出；except 里的连接跳过（提交方拿 ack 不拿广播）。
func (h *Hub) broadcast(entityKey string, msg OutboundMessage, except *Conn) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[entityKey]))
	for c := range h.rooms[entityKey] {
		if c != except {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.SendMessage_Enqueue(msg)
	}
}

// BroadcastOperation 把已应用操作推给同房间的其他协作者，
// 顺序即 Authority 的应用顺序。
func (h *Hub) BroadcastOperation(entityType, entityID string, applied collab.AppliedOp, except *Conn) {
	h.broadcast(collab.EntityKey(entityType, entityID), OperationBroadcastMessage{
		Type:       "operation_broadcast",
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  applied.Operation,
		Version:    applied.Version,
	}, except)
}

// BroadcastPresence 实现 presence.Broadcaster。发给包括行为方
// 其他标签页在内的所有房间成员，前端按 userId 去重。
func (h *Hub) BroadcastPresence(entityType, entityID string, entry presence.Entry) {
	h.broadcast(collab.EntityKey(entityType, entityID), PresenceBroadcastMessage{
		Type:       "presence_broadcast",
		UserID:     entry.UserID,
		EntityType: entityType,
		EntityID:   entityID,
		Status:     entry.Status,
		Cursor:     entry.Cursor,
		ColorHash:  entry.ColorHash,
		LastSeen:   entry.LastSeen,
	}, nil)
}

func (h *Hub) BroadcastPresenceRemoved(entityType, entityID string, userID uint64) {
	h.broadcast(collab.EntityKey(entityType, entityID), PresenceRemovedMessage{
		Type:       "presence_removed",
		UserID:     userID,
		EntityType: entityType,
		EntityID:   entityID,
	}, nil)
}
