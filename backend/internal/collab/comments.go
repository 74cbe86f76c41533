package collab

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

var ErrCommentNotFound = errors.New("comment not found")

// Comment is a position-anchored annotation. AnchorPosition is meaningful
// relative to AnchorVersion and is rebased in step with every applied edit,
// atomically with the edit itself.
type Comment struct {
	ID             string    `json:"id"`
	DocumentID     string    `json:"documentId"`
	AuthorID       string    `json:"authorId"`
	AuthorName     string    `json:"authorName,omitempty"`
	Content        string    `json:"content"`
	AnchorPosition int       `json:"anchorPosition"`
	AnchorVersion  uint64    `json:"anchorVersion"`
	Resolved       bool      `json:"resolved"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// rebaseAnchors shifts every comment anchor on d past the just-applied op.
// Caller holds d.mu.
func (d *document) rebaseAnchors(op Operation) {
	for _, c := range d.comments {
		switch op.Kind {
		case KindInsert:
			if op.Position < c.AnchorPosition {
				c.AnchorPosition += op.textLen()
			}
		case KindDelete:
			if op.Position < c.AnchorPosition {
				overlap := min(op.Position+op.Length, c.AnchorPosition) - op.Position
				c.AnchorPosition -= overlap
				if c.AnchorPosition < 0 {
					c.AnchorPosition = 0
				}
			}
		case KindReplace:
			if c.AnchorPosition > len(d.content) {
				c.AnchorPosition = len(d.content)
			}
		}
		c.AnchorVersion = d.version
	}
}

// AddComment creates a comment anchored at the document's current version.
func (e *Engine) AddComment(ctx context.Context, docID, authorID, authorName, content string, anchorPosition int) (Comment, error) {
	ds, err := e.getOrLoad(ctx, docID)
	if err != nil {
		return Comment{}, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := time.Now().UTC()
	c := &Comment{
		ID:             uuid.NewString(),
		DocumentID:     docID,
		AuthorID:       authorID,
		AuthorName:     authorName,
		Content:        content,
		AnchorPosition: clamp(anchorPosition, 0, len(ds.content)),
		AnchorVersion:  ds.version,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	ds.comments[c.ID] = c
	e.gateway.PutComment(*c)
	return *c, nil
}

// UpdateComment edits content and/or the resolved flag.
func (e *Engine) UpdateComment(ctx context.Context, docID, commentID string, content *string, resolved *bool) (Comment, error) {
	ds, err := e.getOrLoad(ctx, docID)
	if err != nil {
		return Comment{}, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	c, ok := ds.comments[commentID]
	if !ok {
		return Comment{}, ErrCommentNotFound
	}
	if content != nil {
		c.Content = *content
	}
	if resolved != nil {
		c.Resolved = *resolved
	}
	c.UpdatedAt = time.Now().UTC()
	e.gateway.PutComment(*c)
	return *c, nil
}

func (e *Engine) DeleteComment(ctx context.Context, docID, commentID string) error {
	ds, err := e.getOrLoad(ctx, docID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if _, ok := ds.comments[commentID]; !ok {
		return ErrCommentNotFound
	}
	delete(ds.comments, commentID)
	e.gateway.DeleteComment(docID, commentID)
	return nil
}

// Comments returns the document's comments ordered by creation time.
func (e *Engine) Comments(ctx context.Context, docID string) ([]Comment, error) {
	ds, err := e.getOrLoad(ctx, docID)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	out := make([]Comment, 0, len(ds.comments))
	for _, c := range ds.comments {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
