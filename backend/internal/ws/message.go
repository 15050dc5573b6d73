package ws

import (
	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/ot"
	"syncServer/backend/internal/presence"
)

// 客户端入站消息（所有 C→S 事件共用一个信封，按 Type 分发）
type ClientMessage struct {
	Type          string          `json:"type"`
	EntityType    string          `json:"entityType,omitempty"`
	EntityID      string          `json:"entityId,omitempty"`
	Operation     *ot.Operation   `json:"operation,omitempty"`
	ClientVersion uint64          `json:"clientVersion,omitempty"`
	FromVersion   uint64          `json:"fromVersion,omitempty"`
	Limit         int             `json:"limit,omitempty"`
	Status        presence.Status `json:"status,omitempty"`
	Cursor        *presence.Cursor `json:"cursor,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m WelcomeMessage) MessageType() string            { return m.Type }
func (m JoinAckMessage) MessageType() string            { return m.Type }
func (m OperationAckMessage) MessageType() string       { return m.Type }
func (m OperationErrorMessage) MessageType() string     { return m.Type }
func (m OperationBroadcastMessage) MessageType() string { return m.Type }
func (m PresenceBroadcastMessage) MessageType() string  { return m.Type }
func (m PresenceRemovedMessage) MessageType() string    { return m.Type }
func (m OpsSinceResultMessage) MessageType() string     { return m.Type }
func (m ErrorMessage) MessageType() string              { return m.Type }

type WelcomeMessage struct {
	Type   string `json:"type"` // 固定 "welcome"
	UserID uint64 `json:"userId"`
}

// 加入房间的应答：当前内容快照 + 版本 + 在场成员，
// 客户端以此初始化本地文档与成员列表
type JoinAckMessage struct {
	Type       string           `json:"type"` // 固定 "join_ack"
	EntityType string           `json:"entityType"`
	EntityID   string           `json:"entityId"`
	Content    string           `json:"content"`
	Version    uint64           `json:"version"`
	Members    []presence.Entry `json:"members,omitempty"`
}

type OperationAckMessage struct {
	Type        string `json:"type"` // 固定 "operation_ack"
	OperationID string `json:"operationId"`
	Version     uint64 `json:"version"`
}

// 仅发给提交方，不广播
type OperationErrorMessage struct {
	Type        string `json:"type"` // 固定 "operation_error"
	OperationID string `json:"operationId"`
	ErrorCode   string `json:"errorCode"`
}

// 广播给同房间其他连接的“已应用操作”。收到后在本地应用
// operation 并把版本对齐到 version。
type OperationBroadcastMessage struct {
	Type       string       `json:"type"` // 固定 "operation_broadcast"
	EntityType string       `json:"entityType"`
	EntityID   string       `json:"entityId"`
	Operation  ot.Operation `json:"operation"`
	Version    uint64       `json:"version"`
}

type PresenceBroadcastMessage struct {
	Type       string           `json:"type"` // 固定 "presence_broadcast"
	UserID     uint64           `json:"userId"`
	EntityType string           `json:"entityType"`
	EntityID   string           `json:"entityId"`
	Status     presence.Status  `json:"status"`
	Cursor     *presence.Cursor `json:"cursor,omitempty"`
	ColorHash  string           `json:"colorHash"`
	LastSeen   int64            `json:"lastSeen"`
}

type PresenceRemovedMessage struct {
	Type       string `json:"type"` // 固定 "presence_removed"
	UserID     uint64 `json:"userId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

// 重连追平：fromVersion 之后的已应用操作
type OpsSinceResultMessage struct {
	Type       string             `json:"type"` // 固定 "ops_since_result"
	EntityType string             `json:"entityType"`
	EntityID   string             `json:"entityId"`
	Ops        []collab.AppliedOp `json:"ops"`
	Version    uint64             `json:"version"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // 固定 "error"
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
