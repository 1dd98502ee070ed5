package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// HistoryStore 版本历史，append-only：每次保存落一行。
type HistoryStore struct{ db *sql.DB }

func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func (s *HistoryStore) RecordVersion(ctx context.Context, docID string, version uint64, content string, authorID uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_versions (document_id, version, content, author_id)
		VALUES (?, ?, ?, ?)`,
		docID,
		version,
		content,
		authorID,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		// 同版本重复落历史不算错（比如手动保存和自动保存撞在一起）
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}
