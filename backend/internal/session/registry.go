package session

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrRoomFull = errors.New("document session limit reached")

// presenceColors is the palette cycled through for remote cursors.
var presenceColors = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#9a6324",
}

// Session is one authenticated connection editing one document. Ids are
// issued server-side; client-chosen identifiers are never trusted.
type Session struct {
	ID             string    `json:"sessionId"`
	UserID         string    `json:"userId"`
	DisplayName    string    `json:"displayName"`
	DocumentID     string    `json:"documentId"`
	CursorPosition int       `json:"cursorPosition"`
	SelectionStart int       `json:"selectionStart"`
	SelectionEnd   int       `json:"selectionEnd"`
	PresenceColor  string    `json:"presenceColor"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
}

// Mirror is the optional write-through presence cache (Redis) that lets
// sibling services observe who is editing what. Mirror failures degrade
// the mirror only; the in-process registry stays authoritative.
type Mirror interface {
	AddMember(ctx context.Context, docID, sessionID, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, sessionID string) error
	SetCursor(ctx context.Context, docID, sessionID string, data []byte, ttl time.Duration) error
}

type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	MaxPerDoc     int
}

// Registry tracks the active sessions per document. Access to a document's
// session set is serialized by the registry mutex; a periodic sweep evicts
// sessions whose lastSeenAt exceeded the TTL.
type Registry struct {
	mu    sync.Mutex
	byDoc map[string]map[string]*Session

	opts   Options
	mirror Mirror
	log    zerolog.Logger

	// onEvict is invoked after the sweep removed sessions from a document,
	// outside the registry lock. Used for presence-changed broadcasts.
	onEvict func(docID string, evicted []Session)
}

func NewRegistry(opts Options, mirror Mirror, log zerolog.Logger) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	return &Registry{
		byDoc:  make(map[string]map[string]*Session),
		opts:   opts,
		mirror: mirror,
		log:    log.With().Str("component", "registry").Logger(),
	}
}

func (r *Registry) SetEvictHook(fn func(docID string, evicted []Session)) {
	r.onEvict = fn
}

// Register creates a session for an authenticated user on a document.
func (r *Registry) Register(ctx context.Context, docID, userID, displayName string) (Session, error) {
	r.mu.Lock()
	room := r.byDoc[docID]
	if room == nil {
		room = make(map[string]*Session)
		r.byDoc[docID] = room
	}
	if r.opts.MaxPerDoc > 0 && len(room) >= r.opts.MaxPerDoc {
		r.mu.Unlock()
		return Session{}, ErrRoomFull
	}
	s := &Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		DisplayName:   displayName,
		DocumentID:    docID,
		PresenceColor: colorFor(userID),
		LastSeenAt:    time.Now().UTC(),
	}
	room[s.ID] = s
	snapshot := *s
	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.AddMember(ctx, docID, snapshot.ID, displayName, r.opts.TTL); err != nil {
			r.log.Warn().Err(err).Str("docId", docID).Msg("presence mirror add failed")
		}
	}
	return snapshot, nil
}

// Unregister removes a session (disconnect).
func (r *Registry) Unregister(ctx context.Context, docID, sessionID string) {
	r.mu.Lock()
	if room, ok := r.byDoc[docID]; ok {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(r.byDoc, docID)
		}
	}
	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.RemoveMember(ctx, docID, sessionID); err != nil {
			r.log.Warn().Err(err).Str("docId", docID).Msg("presence mirror remove failed")
		}
	}
}

// Heartbeat refreshes lastSeenAt. Every inbound message counts as one.
func (r *Registry) Heartbeat(ctx context.Context, docID, sessionID string) {
	r.mu.Lock()
	s, ok := r.lookup(docID, sessionID)
	if ok {
		s.LastSeenAt = time.Now().UTC()
	}
	var name string
	if ok {
		name = s.DisplayName
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if r.mirror != nil {
		if err := r.mirror.AddMember(ctx, docID, sessionID, name, r.opts.TTL); err != nil {
			r.log.Warn().Err(err).Str("docId", docID).Msg("presence mirror refresh failed")
		}
	}
}

// cursorMirrorPayload is the JSON stored at the Redis cursor key.
type cursorMirrorPayload struct {
	Position       int `json:"position"`
	SelectionStart int `json:"selectionStart"`
	SelectionEnd   int `json:"selectionEnd"`
}

// UpdateCursor records the session's cursor and selection and refreshes
// lastSeenAt. The mirror payload is marshalled only when a mirror is
// configured; without one the call stays allocation-free.
func (r *Registry) UpdateCursor(ctx context.Context, docID, sessionID string, cursor, selStart, selEnd int) bool {
	r.mu.Lock()
	s, ok := r.lookup(docID, sessionID)
	if ok {
		s.CursorPosition = cursor
		s.SelectionStart = selStart
		s.SelectionEnd = selEnd
		s.LastSeenAt = time.Now().UTC()
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	if r.mirror != nil {
		payload, err := json.Marshal(cursorMirrorPayload{
			Position:       cursor,
			SelectionStart: selStart,
			SelectionEnd:   selEnd,
		})
		if err == nil {
			err = r.mirror.SetCursor(ctx, docID, sessionID, payload, r.opts.TTL)
		}
		if err != nil {
			r.log.Warn().Err(err).Str("docId", docID).Msg("presence mirror cursor failed")
		}
	}
	return true
}

// ListActive returns copies of the document's sessions, stable by id.
func (r *Registry) ListActive(docID string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.byDoc[docID]
	out := make([]Session, 0, len(room))
	for _, s := range room {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Count(docID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byDoc[docID])
}

// Run drives the eviction sweep until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep evicts sessions idle past the TTL and fires the evict hook per
// affected document.
func (r *Registry) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.opts.TTL)

	r.mu.Lock()
	evicted := make(map[string][]Session)
	for docID, room := range r.byDoc {
		for id, s := range room {
			if s.LastSeenAt.Before(cutoff) {
				evicted[docID] = append(evicted[docID], *s)
				delete(room, id)
			}
		}
		if len(room) == 0 {
			delete(r.byDoc, docID)
		}
	}
	r.mu.Unlock()

	for docID, sessions := range evicted {
		r.log.Info().Str("docId", docID).Int("count", len(sessions)).Msg("evicted idle sessions")
		if r.mirror != nil {
			for _, s := range sessions {
				if err := r.mirror.RemoveMember(ctx, docID, s.ID); err != nil {
					r.log.Warn().Err(err).Str("docId", docID).Msg("presence mirror remove failed")
				}
			}
		}
		if r.onEvict != nil {
			r.onEvict(docID, sessions)
		}
	}
}

// lookup requires r.mu held.
func (r *Registry) lookup(docID, sessionID string) (*Session, bool) {
	room, ok := r.byDoc[docID]
	if !ok {
		return nil, false
	}
	s, ok := room[sessionID]
	return s, ok
}

func colorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return presenceColors[int(h.Sum32())%len(presenceColors)]
}
