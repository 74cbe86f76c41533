package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/collab"
)

// MySQLStore is the durable side of the persistence gateway. All methods
// are synchronous; the Saver in front of it provides the write-behind
// behaviour the engine requires.
type MySQLStore struct {
	db *gorm.DB
}

func OpenMySQL(dsn string) (*MySQLStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.AutoMigrate(&DocumentModel{}, &SnapshotModel{}, &CommentModel{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) LoadDocument(ctx context.Context, docID string) (collab.Snapshot, bool, error) {
	var row DocumentModel
	err := s.db.WithContext(ctx).First(&row, "id = ?", docID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return collab.Snapshot{}, false, nil
	}
	if err != nil {
		return collab.Snapshot{}, false, err
	}
	return collab.Snapshot{Title: row.Title, Content: row.Content, Version: row.Version}, true, nil
}

// SaveSnapshot upserts the document head and appends a history row.
func (s *MySQLStore) SaveSnapshot(ctx context.Context, docID string, snap collab.Snapshot) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		head := DocumentModel{ID: docID, Title: snap.Title, Content: snap.Content, Version: snap.Version}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "content", "version", "updated_at"}),
		}).Create(&head).Error; err != nil {
			return err
		}
		hist := SnapshotModel{DocumentID: docID, Version: snap.Version, Content: snap.Content}
		// Same (document, version) pair re-saved is not an error.
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&hist).Error
	})
}

func (s *MySQLStore) SaveComment(ctx context.Context, c collab.Comment) error {
	row := CommentModel{
		ID:             c.ID,
		DocumentID:     c.DocumentID,
		AuthorID:       c.AuthorID,
		AuthorName:     c.AuthorName,
		Content:        c.Content,
		AnchorPosition: c.AnchorPosition,
		AnchorVersion:  c.AnchorVersion,
		Resolved:       c.Resolved,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "anchor_position", "anchor_version", "resolved", "updated_at"}),
	}).Create(&row).Error
}

func (s *MySQLStore) DeleteComment(ctx context.Context, docID, commentID string) error {
	return s.db.WithContext(ctx).
		Where("document_id = ? AND id = ?", docID, commentID).
		Delete(&CommentModel{}).Error
}

func (s *MySQLStore) LoadComments(ctx context.Context, docID string) ([]collab.Comment, error) {
	var rows []CommentModel
	if err := s.db.WithContext(ctx).Where("document_id = ?", docID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]collab.Comment, 0, len(rows))
	for _, r := range rows {
		out = append(out, collab.Comment{
			ID:             r.ID,
			DocumentID:     r.DocumentID,
			AuthorID:       r.AuthorID,
			AuthorName:     r.AuthorName,
			Content:        r.Content,
			AnchorPosition: r.AnchorPosition,
			AnchorVersion:  r.AnchorVersion,
			Resolved:       r.Resolved,
			CreatedAt:      r.CreatedAt,
			UpdatedAt:      r.UpdatedAt,
		})
	}
	return out, nil
}
