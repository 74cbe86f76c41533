package collab

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway is an in-memory Gateway for engine tests.
type fakeGateway struct {
	mu       sync.Mutex
	docs     map[string]Snapshot
	comments map[string]map[string]Comment
	flushes  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		docs:     make(map[string]Snapshot),
		comments: make(map[string]map[string]Comment),
	}
}

func (g *fakeGateway) Load(_ context.Context, docID string) (Snapshot, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap, ok := g.docs[docID]
	return snap, ok, nil
}

func (g *fakeGateway) Save(docID string, snap Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.docs[docID] = snap
}

func (g *fakeGateway) Flush(_ context.Context, docID string, snap Snapshot) error {
	g.Save(docID, snap)
	g.mu.Lock()
	g.flushes++
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) PutComment(c Comment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.comments[c.DocumentID] == nil {
		g.comments[c.DocumentID] = make(map[string]Comment)
	}
	g.comments[c.DocumentID][c.ID] = c
}

func (g *fakeGateway) DeleteComment(docID, commentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.comments[docID], commentID)
}

func (g *fakeGateway) LoadComments(_ context.Context, docID string) ([]Comment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Comment, 0, len(g.comments[docID]))
	for _, c := range g.comments[docID] {
		out = append(out, c)
	}
	return out, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []DocOpEvent
}

func (s *recordingSink) Emit(evt DocOpEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeGateway) {
	t.Helper()
	gw := newFakeGateway()
	return NewEngine(gw, nil, opts, zerolog.Nop()), gw
}

func TestApplySequentialInserts(t *testing.T) {
	e, _ := newTestEngine(t, Options{CreateMissing: true})
	ctx := context.Background()

	res, err := e.Apply(ctx, "doc", "a", 0, Operation{Kind: KindInsert, Position: 0, Text: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Version)
	assert.Equal(t, "Hello", res.Content)

	// A second session still at version 0 appends; the engine rebases.
	res, err = e.Apply(ctx, "doc", "b", 0, Operation{Kind: KindInsert, Position: 5, Text: " World"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Version)
	assert.Equal(t, "Hello World", res.Content)
	assert.False(t, res.NeedsResync)
}

func TestApplyConcurrentSamePositionIsDeterministic(t *testing.T) {
	e, _ := newTestEngine(t, Options{CreateMissing: true})
	ctx := context.Background()

	// Both sessions submit at position 0 against version 0. The first
	// arrival gets the earlier server timestamp and keeps the position;
	// the second is shifted past it.
	res, err := e.Apply(ctx, "doc", "alice", 0, Operation{Kind: KindInsert, Position: 0, Text: "AAA"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Version)

	res, err = e.Apply(ctx, "doc", "bob", 0, Operation{Kind: KindInsert, Position: 0, Text: "BBB"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Version)
	assert.Equal(t, "AAABBB", res.Content)
}

func TestApplyDuplicateOpIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, Options{CreateMissing: true})
	ctx := context.Background()

	op := Operation{ID: "op-1", Kind: KindInsert, Position: 0, Text: "x"}
	first, err := e.Apply(ctx, "doc", "a", 0, op)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	// A reconnecting client resends the same opId.
	second, err := e.Apply(ctx, "doc", "a", 1, op)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, "x", second.Content)
}

func TestApplyBaseVersionAheadFails(t *testing.T) {
	e, _ := newTestEngine(t, Options{CreateMissing: true})
	_, err := e.Apply(context.Background(), "doc", "a", 7, Operation{Kind: KindInsert, Text: "x"})
	assert.ErrorIs(t, err, ErrRevisionConflict)
}

func TestApplyInvalidOperation(t *testing.T) {
	e, _ := newTestEngine(t, Options{CreateMissing: true})
	ctx := context.Background()

	_, err := e.Apply(ctx, "doc", "a", 0, Operation{Kind: "move", Position: 0})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = e.Apply(ctx, "doc", "a", 0, Operation{Kind: KindDelete, Position: 0, Length: 0})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestApplyStaleReplaceResyncs(t *testing.T) {
	e, _ := newTestEngine(t, Options{CreateMissing: true})
	ctx := context.Background()

	_, err := e.Apply(ctx, "doc", "a", 0, Operation{Kind: KindInsert, Position: 0, Text: "hello"})
	require.NoError(t, err)

	// Replace against a stale base would discard the concurrent edit.
	res, err := e.Apply(ctx, "doc", "b", 0, Operation{Kind: KindReplace, Text: "mine"})
	require.NoError(t, err)
	assert.True(t, res.NeedsResync)
	assert.Equal(t, uint64(1), res.Version)
	assert.Equal(t, "hello", res.Content)

	// No version was minted for the no-op.
	_, version, err := e.SnapshotOf(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
}

func TestApplyFullyConsumedDeleteResyncs(t *testing.T) {
	e, _ := newTestEngine(t, Options{CreateMissing: true})
	ctx := context.Background()

	_, err := e.Apply(ctx, "doc", "a", 0, Operation{Kind: KindInsert, Position: 0, Text: "abcdef"})
	require.NoError(t, err)
	_, err = e.Apply(ctx, "doc", "a", 1, Operation{Kind: KindDelete, Position: 1, Length: 4})
	require.NoError(t, err)

	// b tries to delete a sub-range a already removed.
	res, err := e.Apply(ctx, "doc", "b", 1, Operation{Kind: KindDelete, Position: 2, Length: 2})
	require.NoError(t, err)
	assert.True(t, res.NeedsResync)
	assert.Equal(t, "af", res.Content)
	assert.Equal(t, uint64(2), res.Version)
}

func TestApplyBeyondHistoryWindowResyncs(t *testing.T) {
	e, _ := newTestEngine(t, Options{CreateMissing: true, HistoryWindow: 2})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.Apply(ctx, "doc", "a", uint64(i), Operation{Kind: KindInsert, Position: i, Text: "x"})
		require.NoError(t, err)
	}

	res, err := e.Apply(ctx, "doc", "b", 0, Operation{Kind: KindInsert, Position: 0, Text: "y"})
	require.NoError(t, err)
	assert.True(t, res.NeedsResync)
	assert.Equal(t, uint64(3), res.Version)
}

func TestLockBlocksOtherSessions(t *testing.T) {
	e, _ := newTestEngine(t, Options{CreateMissing: true})
	ctx := context.Background()

	require.NoError(t, e.Lock(ctx, "doc", "holder"))

	_, err := e.Apply(ctx, "doc", "other", 0, Operation{Kind: KindInsert, Text: "x"})
	assert.ErrorIs(t, err, ErrDocumentLocked)

	// The holder keeps editing.
	_, err = e.Apply(ctx, "doc", "holder", 0, Operation{Kind: KindInsert, Text: "x"})
	require.NoError(t, err)

	assert.ErrorIs(t, e.Unlock(ctx, "doc", "other"), ErrNotLockHolder)
	assert.ErrorIs(t, e.Lock(ctx, "doc", "other"), ErrDocumentLocked)

	require.NoError(t, e.Unlock(ctx, "doc", "holder"))
	_, err = e.Apply(ctx, "doc", "other", 1, Operation{Kind: KindInsert, Position: 1, Text: "y"})
	require.NoError(t, err)
}

func TestReleaseLocksOnDisconnect(t *testing.T) {
	e, _ := newTestEngine(t, Options{CreateMissing: true})
	ctx := context.Background()

	require.NoError(t, e.Lock(ctx, "doc", "s1"))
	e.ReleaseLocks("s1")

	_, err := e.Apply(ctx, "doc", "s2", 0, Operation{Kind: KindInsert, Text: "x"})
	require.NoError(t, err)
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	gw := newFakeGateway()
	e := NewEngine(gw, nil, Options{CreateMissing: true}, zerolog.Nop())
	ctx := context.Background()

	_, err := e.Apply(ctx, "doc", "a", 0, Operation{Kind: KindInsert, Position: 0, Text: "persist me"})
	require.NoError(t, err)
	require.NoError(t, e.Save(ctx, "doc"))

	// A freshly initialized engine sees the identical snapshot.
	e2 := NewEngine(gw, nil, Options{}, zerolog.Nop())
	content, version, err := e2.SnapshotOf(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "persist me", content)
	assert.Equal(t, uint64(1), version)
}

func TestUnknownDocumentWithoutCreateMissing(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	_, _, err := e.SnapshotOf(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestCreateDocument(t *testing.T) {
	e, gw := newTestEngine(t, Options{})
	ctx := context.Background()

	info, err := e.CreateDocument(ctx, "doc", "Notes", "u1")
	require.NoError(t, err)
	assert.Equal(t, "doc", info.ID)
	assert.Equal(t, "Notes", info.Title)

	_, err = e.CreateDocument(ctx, "doc", "Again", "u1")
	assert.ErrorIs(t, err, ErrDocumentExists)

	// Auto-generated ids are unique.
	a, err := e.CreateDocument(ctx, "", "A", "u1")
	require.NoError(t, err)
	b, err := e.CreateDocument(ctx, "", "B", "u1")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	gw.mu.Lock()
	_, saved := gw.docs["doc"]
	gw.mu.Unlock()
	assert.True(t, saved)
}

func TestListOrdersByID(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		_, err := e.CreateDocument(ctx, id, "", "")
		require.NoError(t, err)
	}
	infos := e.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, "b", infos[1].ID)
	assert.Equal(t, "c", infos[2].ID)
}

func TestTeardownFlushesDirtyDocuments(t *testing.T) {
	gw := newFakeGateway()
	e := NewEngine(gw, nil, Options{CreateMissing: true}, zerolog.Nop())
	ctx := context.Background()

	_, err := e.Apply(ctx, "doc", "a", 0, Operation{Kind: KindInsert, Text: "dirty"})
	require.NoError(t, err)

	require.NoError(t, e.Teardown(ctx))

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, 1, gw.flushes)
	assert.Equal(t, "dirty", gw.docs["doc"].Content)
}

func TestApplyEmitsEvents(t *testing.T) {
	gw := newFakeGateway()
	sink := &recordingSink{}
	e := NewEngine(gw, sink, Options{CreateMissing: true}, zerolog.Nop())
	ctx := context.Background()

	_, err := e.Apply(ctx, "doc", "a", 0, Operation{Kind: KindInsert, Position: 0, Text: "x"})
	require.NoError(t, err)
	_, err = e.Apply(ctx, "doc", "a", 1, Operation{Kind: KindInsert, Position: 1, Text: "y"})
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 2)
	assert.Equal(t, "OP_APPLIED", sink.events[0].EventType)
	assert.Equal(t, uint64(1), sink.events[0].Version)
	assert.Equal(t, uint64(2), sink.events[1].Version)
	assert.Equal(t, "doc", sink.events[0].DocID)
}

func TestAppliedHookRunsPerMutation(t *testing.T) {
	e, _ := newTestEngine(t, Options{CreateMissing: true})
	ctx := context.Background()

	var got []uint64
	e.SetAppliedHook(func(docID string, res ApplyResult) {
		got = append(got, res.Version)
	})

	op := Operation{ID: "op-1", Kind: KindInsert, Text: "x"}
	_, err := e.Apply(ctx, "doc", "a", 0, op)
	require.NoError(t, err)
	// Duplicate resubmission must not re-broadcast.
	_, err = e.Apply(ctx, "doc", "a", 1, op)
	require.NoError(t, err)

	assert.Equal(t, []uint64{1}, got)
}

func TestConcurrentSessionsConverge(t *testing.T) {
	e, _ := newTestEngine(t, Options{CreateMissing: true})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sessionID := string(rune('a' + n))
			for j := 0; j < 25; j++ {
				_, err := e.Apply(ctx, "doc", sessionID, 0, Operation{
					Kind: KindInsert, Position: 0, Text: "x",
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	content, version, err := e.SnapshotOf(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), version)
	assert.Len(t, content, 200)
}
