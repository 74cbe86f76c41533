package store

import "time"

// DocumentModel is the durable head row for a document: latest content and
// version. Snapshots keep the append-only history.
type DocumentModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Title     string `gorm:"size:255"`
	Content   string `gorm:"type:longtext"`
	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DocumentModel) TableName() string { return "collab_documents" }

// SnapshotModel is one persisted {content, version} checkpoint. The unique
// index makes a re-save of the same version a no-op instead of a duplicate.
type SnapshotModel struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID string `gorm:"size:64;uniqueIndex:idx_doc_version"`
	Version    uint64 `gorm:"uniqueIndex:idx_doc_version"`
	Content    string `gorm:"type:longtext"`
	CreatedAt  time.Time
}

func (SnapshotModel) TableName() string { return "collab_snapshots" }

type CommentModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	DocumentID     string `gorm:"size:64;index"`
	AuthorID       string `gorm:"size:64"`
	AuthorName     string `gorm:"size:255"`
	Content        string `gorm:"type:text"`
	AnchorPosition int
	AnchorVersion  uint64
	Resolved       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (CommentModel) TableName() string { return "collab_comments" }
