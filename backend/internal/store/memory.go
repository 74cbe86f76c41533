package store

import (
	"context"
	"sync"

	"github.com/kunalkaushik1982/veritus-legal-intelligence-sub000/backend/internal/collab"
)

// MemoryGateway is the no-database persistence gateway: process-local maps
// behind the same contract. Used when no MySQL DSN is configured, and by
// tests.
type MemoryGateway struct {
	mu       sync.Mutex
	docs     map[string]collab.Snapshot
	comments map[string]map[string]collab.Comment
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		docs:     make(map[string]collab.Snapshot),
		comments: make(map[string]map[string]collab.Comment),
	}
}

func (m *MemoryGateway) Load(_ context.Context, docID string) (collab.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.docs[docID]
	return snap, ok, nil
}

func (m *MemoryGateway) Save(docID string, snap collab.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docID] = snap
}

func (m *MemoryGateway) Flush(_ context.Context, docID string, snap collab.Snapshot) error {
	m.Save(docID, snap)
	return nil
}

func (m *MemoryGateway) PutComment(c collab.Comment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.comments[c.DocumentID] == nil {
		m.comments[c.DocumentID] = make(map[string]collab.Comment)
	}
	m.comments[c.DocumentID][c.ID] = c
}

func (m *MemoryGateway) DeleteComment(docID, commentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.comments[docID], commentID)
}

func (m *MemoryGateway) LoadComments(_ context.Context, docID string) ([]collab.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]collab.Comment, 0, len(m.comments[docID]))
	for _, c := range m.comments[docID] {
		out = append(out, c)
	}
	return out, nil
}
