package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentLocked   = errors.New("document locked by another session")
	ErrNotLockHolder    = errors.New("lock not held by this session")
	ErrRevisionConflict = errors.New("base version ahead of document")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrDocumentExists   = errors.New("document already exists")
)

// Snapshot is the persisted {content, version} pair for a document.
type Snapshot struct {
	Title   string
	Content string
	Version uint64
}

// Gateway is the persistence boundary. Load is synchronous (document open);
// Save is write-behind and must never block the caller; Flush is the
// synchronous path used on teardown and explicit checkpoints.
type Gateway interface {
	Load(ctx context.Context, docID string) (Snapshot, bool, error)
	Save(docID string, snap Snapshot)
	Flush(ctx context.Context, docID string, snap Snapshot) error
	PutComment(c Comment)
	DeleteComment(docID, commentID string)
	LoadComments(ctx context.Context, docID string) ([]Comment, error)
}

// EventSink receives applied-operation events. Implementations must not
// block: the engine emits from inside the per-document critical section.
type EventSink interface {
	Emit(evt DocOpEvent)
}

// ApplyResult is the outcome of Engine.Apply.
type ApplyResult struct {
	// Op is the operation as applied, after rebasing, with the server
	// timestamp, author session and new version stamped in.
	Op      Operation
	Version uint64
	Content string
	// Duplicate means the opId was already applied; no mutation happened.
	Duplicate bool
	// NeedsResync means the rebase was structurally impossible and the op
	// became a no-op; the sender should be handed a fresh snapshot.
	NeedsResync bool
}

type Options struct {
	// CreateMissing makes an unknown document id on open create an empty
	// document instead of failing.
	CreateMissing bool
	// HistoryWindow bounds the per-document applied-ops ring used for
	// rebasing; clients further behind than this are resynced.
	HistoryWindow int
}

// Engine validates, rebases and applies edit operations. One Engine owns
// all in-memory document state for the process.
type Engine struct {
	mu   sync.RWMutex
	docs map[string]*document

	gateway Gateway
	events  EventSink
	opts    Options
	log     zerolog.Logger

	// onApplied runs inside the document critical section so that the
	// broadcast enqueue order matches the version order exactly.
	onApplied func(docID string, res ApplyResult)
}

func NewEngine(gateway Gateway, events EventSink, opts Options, log zerolog.Logger) *Engine {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 1024
	}
	return &Engine{
		docs:    make(map[string]*document),
		gateway: gateway,
		events:  events,
		opts:    opts,
		log:     log.With().Str("component", "engine").Logger(),
	}
}

// SetAppliedHook registers the broadcast enqueue callback. Must be called
// before any connection is served.
func (e *Engine) SetAppliedHook(fn func(docID string, res ApplyResult)) {
	e.onApplied = fn
}

func (e *Engine) getOrLoad(ctx context.Context, docID string) (*document, error) {
	e.mu.RLock()
	ds := e.docs[docID]
	e.mu.RUnlock()
	if ds != nil {
		return ds, nil
	}

	snap, found, err := e.gateway.Load(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", docID, err)
	}
	if !found && !e.opts.CreateMissing {
		return nil, ErrDocumentNotFound
	}

	var comments []Comment
	if found {
		comments, err = e.gateway.LoadComments(ctx, docID)
		if err != nil {
			// Comments degrade; the document itself stays editable.
			e.log.Warn().Err(err).Str("docId", docID).Msg("comment load failed")
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ds = e.docs[docID]; ds != nil {
		return ds, nil
	}
	ds = newDocument(docID, snap.Title, "", snap.Content, snap.Version)
	for i := range comments {
		c := comments[i]
		ds.comments[c.ID] = &c
	}
	e.docs[docID] = ds
	e.log.Info().Str("docId", docID).Uint64("version", snap.Version).Bool("created", !found).Msg("document loaded")
	return ds, nil
}

// CreateDocument registers a new empty document. Explicit creation path for
// the REST surface; connecting to an unknown id goes through getOrLoad.
func (e *Engine) CreateDocument(ctx context.Context, docID, title, createdBy string) (DocumentInfo, error) {
	if docID == "" {
		docID = uuid.NewString()
	}
	e.mu.Lock()
	if _, ok := e.docs[docID]; ok {
		e.mu.Unlock()
		return DocumentInfo{}, ErrDocumentExists
	}
	ds := newDocument(docID, title, createdBy, "", 0)
	ds.dirty = true
	e.docs[docID] = ds
	e.mu.Unlock()

	e.gateway.Save(docID, Snapshot{Title: title})
	return e.info(ds), nil
}

// Delete drops a document from memory and stops tracking it. Durable rows
// are kept; documents are never implicitly destroyed.
func (e *Engine) Delete(docID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.docs[docID]; !ok {
		return ErrDocumentNotFound
	}
	delete(e.docs, docID)
	return nil
}

// SnapshotOf returns the current {content, version} for a document,
// loading (or creating) it if needed.
func (e *Engine) SnapshotOf(ctx context.Context, docID string) (string, uint64, error) {
	ds, err := e.getOrLoad(ctx, docID)
	if err != nil {
		return "", 0, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return string(ds.content), ds.version, nil
}

// Info returns listing metadata for one document.
func (e *Engine) Info(ctx context.Context, docID string) (DocumentInfo, error) {
	ds, err := e.getOrLoad(ctx, docID)
	if err != nil {
		return DocumentInfo{}, err
	}
	return e.info(ds), nil
}

func (e *Engine) info(ds *document) DocumentInfo {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return DocumentInfo{
		ID:             ds.id,
		Title:          ds.title,
		Version:        ds.version,
		ContentLength:  len(ds.content),
		LockedBy:       ds.lockedBy,
		LastModifiedAt: ds.lastModifiedAt,
	}
}

// List returns metadata for every loaded document, ordered by id.
func (e *Engine) List() []DocumentInfo {
	e.mu.RLock()
	docs := make([]*document, 0, len(e.docs))
	for _, ds := range e.docs {
		docs = append(docs, ds)
	}
	e.mu.RUnlock()

	out := make([]DocumentInfo, 0, len(docs))
	for _, ds := range docs {
		out = append(out, e.info(ds))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Apply validates, rebases and applies one operation. Stale operations are
// transparently rebased against everything applied since baseVersion; the
// client never has to resend. Exactly one version is minted per effective
// mutation.
func (e *Engine) Apply(ctx context.Context, docID, sessionID string, baseVersion uint64, op Operation) (ApplyResult, error) {
	if op.Kind != KindInsert && op.Kind != KindDelete && op.Kind != KindReplace {
		return ApplyResult{}, fmt.Errorf("%w: kind %q", ErrInvalidOperation, op.Kind)
	}
	if op.Kind == KindDelete && op.Length <= 0 {
		return ApplyResult{}, fmt.Errorf("%w: delete needs a positive length", ErrInvalidOperation)
	}

	ds, err := e.getOrLoad(ctx, docID)
	if err != nil {
		return ApplyResult{}, err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if op.ID != "" {
		if prev, ok := ds.seen.get(op.ID); ok {
			return ApplyResult{
				Op:          op,
				Version:     prev.version,
				Content:     string(ds.content),
				Duplicate:   true,
				NeedsResync: prev.noop,
			}, nil
		}
	}

	if ds.lockedBy != "" && ds.lockedBy != sessionID {
		return ApplyResult{}, ErrDocumentLocked
	}
	if baseVersion > ds.version {
		return ApplyResult{}, fmt.Errorf("%w: base %d, document at %d", ErrRevisionConflict, baseVersion, ds.version)
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.AuthorSessionID = sessionID
	op.ServerTimestamp = time.Now().UTC()

	if baseVersion < ds.version {
		rebased, ok := e.rebase(ds, op, baseVersion)
		if !ok {
			ds.seen.put(op.ID, appliedOutcome{version: ds.version, noop: true})
			return ApplyResult{Op: op, Version: ds.version, Content: string(ds.content), NeedsResync: true}, nil
		}
		op = rebased
	}

	ds.content = spliceContent(ds.content, op)
	ds.version++
	op.Version = ds.version
	ds.lastModifiedAt = op.ServerTimestamp
	ds.dirty = true

	ds.rebaseAnchors(op)
	ds.pushHistory(op, e.opts.HistoryWindow)
	ds.seen.put(op.ID, appliedOutcome{version: ds.version})

	res := ApplyResult{Op: op, Version: ds.version, Content: string(ds.content)}

	if e.events != nil {
		e.events.Emit(DocOpEvent{
			EventType:       "OP_APPLIED",
			DocID:           docID,
			OperationID:     op.ID,
			Kind:            string(op.Kind),
			Position:        op.Position,
			Length:          op.Length,
			Text:            op.Text,
			Version:         op.Version,
			BaseVersion:     baseVersion,
			AuthorSessionID: sessionID,
			AppliedAt:       op.ServerTimestamp,
		})
	}
	if e.onApplied != nil {
		e.onApplied(docID, res)
	}
	return res, nil
}

// rebase transforms op against every operation applied after baseVersion.
// Caller holds ds.mu. ok is false when the op cannot be rebased (whole-doc
// replace, range fully consumed, or base older than the history window).
func (e *Engine) rebase(ds *document, op Operation, baseVersion uint64) (Operation, bool) {
	if op.Kind == KindReplace {
		// Replace is reserved for bulk paste / initial load; merging it
		// over concurrent edits would silently discard them.
		return op, false
	}
	history, covered := ds.historySince(baseVersion)
	if !covered {
		return op, false
	}
	return transformHistory(op, history)
}

// Lock marks the document as locked by sessionID. Fails when another
// session already holds it.
func (e *Engine) Lock(ctx context.Context, docID, sessionID string) error {
	ds, err := e.getOrLoad(ctx, docID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.lockedBy != "" && ds.lockedBy != sessionID {
		return ErrDocumentLocked
	}
	ds.lockedBy = sessionID
	return nil
}

// Unlock releases the lock; only the holder may release.
func (e *Engine) Unlock(ctx context.Context, docID, sessionID string) error {
	ds, err := e.getOrLoad(ctx, docID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.lockedBy == "" {
		return nil
	}
	if ds.lockedBy != sessionID {
		return ErrNotLockHolder
	}
	ds.lockedBy = ""
	return nil
}

// ReleaseLocks drops any lock held by sessionID (disconnect cleanup).
func (e *Engine) ReleaseLocks(sessionID string) {
	e.mu.RLock()
	docs := make([]*document, 0, len(e.docs))
	for _, ds := range e.docs {
		docs = append(docs, ds)
	}
	e.mu.RUnlock()
	for _, ds := range docs {
		ds.mu.Lock()
		if ds.lockedBy == sessionID {
			ds.lockedBy = ""
		}
		ds.mu.Unlock()
	}
}

// Save enqueues an asynchronous snapshot write for one document.
func (e *Engine) Save(ctx context.Context, docID string) error {
	ds, err := e.getOrLoad(ctx, docID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	snap := Snapshot{Title: ds.title, Content: string(ds.content), Version: ds.version}
	ds.dirty = false
	ds.mu.Unlock()

	e.gateway.Save(docID, snap)
	return nil
}

// Run drives the checkpoint timer: dirty documents are saved every
// interval. Returns when ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.checkpoint()
		}
	}
}

func (e *Engine) checkpoint() {
	e.mu.RLock()
	docs := make([]*document, 0, len(e.docs))
	for _, ds := range e.docs {
		docs = append(docs, ds)
	}
	e.mu.RUnlock()

	for _, ds := range docs {
		ds.mu.Lock()
		if !ds.dirty {
			ds.mu.Unlock()
			continue
		}
		snap := Snapshot{Title: ds.title, Content: string(ds.content), Version: ds.version}
		ds.dirty = false
		ds.mu.Unlock()
		e.gateway.Save(ds.id, snap)
	}
}

// Teardown synchronously flushes every dirty document. Called once on
// shutdown, after the connection layer has stopped.
func (e *Engine) Teardown(ctx context.Context) error {
	e.mu.RLock()
	docs := make([]*document, 0, len(e.docs))
	for _, ds := range e.docs {
		docs = append(docs, ds)
	}
	e.mu.RUnlock()

	var firstErr error
	for _, ds := range docs {
		ds.mu.Lock()
		dirty := ds.dirty
		snap := Snapshot{Title: ds.title, Content: string(ds.content), Version: ds.version}
		ds.dirty = false
		ds.mu.Unlock()
		if !dirty {
			continue
		}
		if err := e.gateway.Flush(ctx, ds.id, snap); err != nil {
			e.log.Error().Err(err).Str("docId", ds.id).Msg("teardown flush failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
