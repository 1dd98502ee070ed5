package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabEngine/backend/internal/collab"
)

// DocumentRecord 持久层文档行。所有权、标题等元数据归外部系统管，
// 这里只关心协作引擎要读写的内容和版本。
type DocumentRecord struct {
	DocID     string    `gorm:"column:document_id;primaryKey;size:64"`
	Content   string    `gorm:"column:content;type:longtext"`
	Version   uint64    `gorm:"column:version;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (DocumentRecord) TableName() string { return "documents" }

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) GetDocument(ctx context.Context, docID string) (collab.PersistedDocument, error) {
	var rec DocumentRecord
	err := s.db.WithContext(ctx).First(&rec, "document_id = ?", docID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return collab.PersistedDocument{}, collab.ErrDocumentNotFound
	}
	if err != nil {
		return collab.PersistedDocument{}, err
	}
	return collab.PersistedDocument{
		DocID:     rec.DocID,
		Content:   rec.Content,
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

func (s *DocumentStore) SaveDocument(ctx context.Context, docID, content string, version uint64) error {
	rec := DocumentRecord{DocID: docID, Content: content, Version: version}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "version", "updated_at"}),
	}).Create(&rec).Error
}
