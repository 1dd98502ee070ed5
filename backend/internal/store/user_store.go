package store

import (
	"context"
	"database/sql"

	"collabEngine/backend/internal/collab"
)

// UserStore 外部身份服务的本地读接口：只查展示信息。
type UserStore struct{ db *sql.DB }

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) GetUser(ctx context.Context, userID uint64) (collab.UserInfo, error) {
	var username string
	err := s.db.QueryRowContext(ctx,
		`SELECT username FROM users WHERE id = ?`,
		userID,
	).Scan(&username)
	if err != nil {
		return collab.UserInfo{}, err
	}
	return collab.UserInfo{UserID: userID, Username: username}, nil
}
