package collab

import (
	"sync"
	"time"
)

// document is the authoritative in-memory state for one document id.
// All mutation goes through mu: apply + version bump + broadcast enqueue
// form a single critical section (single-writer per document).
type document struct {
	mu sync.Mutex

	id             string
	title          string
	createdBy      string
	content        []rune
	version        uint64
	lastModifiedAt time.Time

	// lockedBy holds the owning session id while the document is locked.
	lockedBy string

	// dirty is set on every applied operation and cleared on save.
	dirty bool

	// history keeps recently applied operations for rebasing stale
	// submissions. Oldest entries fall off once the window is full.
	history []Operation

	seen     *opLRU
	comments map[string]*Comment
}

func newDocument(id, title, createdBy, content string, version uint64) *document {
	return &document{
		id:        id,
		title:     title,
		createdBy: createdBy,
		content:   []rune(content),
		version:   version,
		seen:      newOpLRU(dedupWindow),
		comments:  make(map[string]*Comment),
	}
}

// historySince returns applied operations with version > base, in order.
// ok is false when the window no longer covers base.
func (d *document) historySince(base uint64) ([]Operation, bool) {
	if base == d.version {
		return nil, true
	}
	need := int(d.version - base)
	if need > len(d.history) {
		return nil, false
	}
	return d.history[len(d.history)-need:], true
}

func (d *document) pushHistory(op Operation, cap_ int) {
	if len(d.history) >= cap_ {
		copy(d.history, d.history[1:])
		d.history = d.history[:len(d.history)-1]
	}
	d.history = append(d.history, op)
}

const dedupWindow = 256

// appliedOutcome is what a duplicate submission gets back.
type appliedOutcome struct {
	version uint64
	noop    bool
}

// opLRU is a fixed-size window of recently applied operation ids, used to
// make at-least-once delivery across reconnects idempotent.
type opLRU struct {
	cap     int
	order   []string
	results map[string]appliedOutcome
}

func newOpLRU(capacity int) *opLRU {
	return &opLRU{cap: capacity, results: make(map[string]appliedOutcome, capacity)}
}

func (l *opLRU) get(id string) (appliedOutcome, bool) {
	out, ok := l.results[id]
	return out, ok
}

func (l *opLRU) put(id string, out appliedOutcome) {
	if _, ok := l.results[id]; !ok {
		if len(l.order) >= l.cap {
			oldest := l.order[0]
			copy(l.order, l.order[1:])
			l.order = l.order[:len(l.order)-1]
			delete(l.results, oldest)
		}
		l.order = append(l.order, id)
	}
	l.results[id] = out
}

// DocumentInfo is the read-only listing view of a document.
type DocumentInfo struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Version        uint64    `json:"version"`
	ContentLength  int       `json:"contentLength"`
	LockedBy       string    `json:"lockedBy,omitempty"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
}
