package collab

import (
	"time"

	"syncServer/backend/internal/ot"
)

// OpAppliedEvent 发往 Kafka 的“已应用操作”事件，下游按 entity 分区消费。
type OpAppliedEvent struct {
	EventType  string       `json:"eventType"` // 固定 "OP_APPLIED"
	EntityType string       `json:"entityType"`
	EntityID   string       `json:"entityId"`
	Operation  ot.Operation `json:"operation"`
	Version    uint64       `json:"version"` // 应用后的实体版本
	AuthorID   uint64       `json:"authorId"`
	AppliedAt  time.Time    `json:"appliedAt"`
}

// EntityKey 实体在各处（房间、authority 表、Kafka key）的统一键。
func EntityKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}
