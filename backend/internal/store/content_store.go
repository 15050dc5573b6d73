package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EntityContent 实体内容快照表。引擎只关心 (type, id) → 当前文本。
type EntityContent struct {
	EntityType string `gorm:"primaryKey;size:64"`
	EntityID   string `gorm:"primaryKey;size:64"`
	Content    string `gorm:"type:longtext"`
	Version    uint64
	UpdatedAt  time.Time
}

func (EntityContent) TableName() string { return "entity_contents" }

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&EntityContent{}); err != nil {
		return nil, err
	}
	return db, nil
}

type ContentStore struct{ db *gorm.DB }

func NewContentStore(db *gorm.DB) *ContentStore {
	return &ContentStore{db: db}
}

// Load 实体首次加入时取快照；没有记录按空内容处理（全新实体）。
func (s *ContentStore) Load(ctx context.Context, entityType, entityID string) (string, uint64, error) {
	var rec EntityContent
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return rec.Content, rec.Version, nil
}

// Flush 覆盖写快照（upsert）。
func (s *ContentStore) Flush(ctx context.Context, entityType, entityID, content string, version uint64) error {
	rec := EntityContent{
		EntityType: entityType,
		EntityID:   entityID,
		Content:    content,
		Version:    version,
		UpdatedAt:  time.Now(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
}
