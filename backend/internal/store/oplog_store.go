package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-sql-driver/mysql"

	"syncServer/backend/internal/collab"
)

// OpLogStore 已应用操作的审计日志。主键 operation_id，
// 重复插入（客户端重传已入库的操作）视为成功。
type OpLogStore struct{ db *sql.DB }

func NewOpLogStore(db *sql.DB) *OpLogStore {
	return &OpLogStore{db: db}
}

// InitOpLog 建表。operation_id 做主键即天然的幂等约束。
func InitOpLog(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS applied_ops (
		operation_id VARCHAR(64) PRIMARY KEY,
		entity_type  VARCHAR(64) NOT NULL,
		entity_id    VARCHAR(64) NOT NULL,
		version      BIGINT UNSIGNED NOT NULL,
		author_id    BIGINT UNSIGNED NOT NULL,
		payload      JSON NOT NULL,
		applied_at   DATETIME(3) NOT NULL,
		KEY idx_entity_version (entity_type, entity_id, version)
	)`)
	return err
}

func (s *OpLogStore) SaveAppliedOp(ctx context.Context, entityType, entityID string, op collab.AppliedOp) error {
	payload, err := json.Marshal(op.Operation)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO applied_ops (operation_id, entity_type, entity_id, version, author_id, payload, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.Operation.ID,
		entityType,
		entityID,
		op.Version,
		op.Operation.AuthorID,
		payload,
		op.AppliedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}
