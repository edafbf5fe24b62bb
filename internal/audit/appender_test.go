package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testInput(actor, action string, payload interface{}) EntryInput {
	return EntryInput{
		ActorID:      actor,
		Action:       action,
		ResourceType: "document",
		ResourceID:   "doc-1",
		Payload:      payload,
	}
}

func TestAppendGenesis(t *testing.T) {
	store := NewMemoryStore()
	app := NewAppender(store, AppenderConfig{})

	entry, err := app.Append(context.Background(), "tenant-1", testInput("user-1", "document.create", map[string]interface{}{"op": "create"}))
	require.NoError(t, err)

	require.Equal(t, uint64(0), entry.Sequence)
	require.Equal(t, GenesisSentinel, entry.PrevHash)
	require.NotEmpty(t, entry.EntryHash)
	require.NotEmpty(t, entry.ID)

	// The committed hash must recompute from the stored fields.
	recomputed, err := ComputeEntryHash(entry.PrevHash, entry)
	require.NoError(t, err)
	require.Equal(t, entry.EntryHash, recomputed)
}

func TestAppendLinksEntries(t *testing.T) {
	store := NewMemoryStore()
	app := NewAppender(store, AppenderConfig{})
	ctx := context.Background()

	var prev *AuditEntry
	for i, op := range []string{"create", "update", "delete"} {
		e, err := app.Append(ctx, "tenant-1", testInput("user-1", "document."+op, map[string]interface{}{"op": op}))
		require.NoError(t, err)
		require.Equal(t, uint64(i), e.Sequence)
		if prev != nil {
			require.Equal(t, prev.EntryHash, e.PrevHash)
		}
		prev = e
	}

	head, err := store.Head(ctx, "tenant-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), head.Sequence)
}

func TestAppendValidatesInput(t *testing.T) {
	app := NewAppender(NewMemoryStore(), AppenderConfig{})
	ctx := context.Background()

	_, err := app.Append(ctx, "", testInput("user-1", "a", nil))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = app.Append(ctx, "tenant-1", testInput("", "a", nil))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = app.Append(ctx, "tenant-1", testInput("user-1", "", nil))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestAppendRejectsUnencodablePayload(t *testing.T) {
	store := NewMemoryStore()
	app := NewAppender(store, AppenderConfig{})
	ctx := context.Background()

	_, err := app.Append(ctx, "tenant-1", testInput("user-1", "a", map[string]interface{}{"ch": make(chan int)}))
	require.ErrorIs(t, err, ErrSerialization)

	// Nothing may be committed when no hash could be computed.
	_, err = store.Head(ctx, "tenant-1")
	require.ErrorIs(t, err, ErrNotFound)
}

// conflictStore simulates a competing writer: the first n appends fail with
// a sequence conflict, as if another process committed the position first.
type conflictStore struct {
	Store
	mu        sync.Mutex
	conflicts int
}

func (c *conflictStore) AppendEntry(ctx context.Context, e *AuditEntry) error {
	c.mu.Lock()
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return ErrSequenceConflict
	}
	c.mu.Unlock()
	return c.Store.AppendEntry(ctx, e)
}

func TestAppendRetriesSequenceConflict(t *testing.T) {
	store := &conflictStore{Store: NewMemoryStore(), conflicts: 2}
	app := NewAppender(store, AppenderConfig{MaxAttempts: 4, BaseBackoff: time.Millisecond})

	entry, err := app.Append(context.Background(), "tenant-1", testInput("user-1", "a", nil))
	require.NoError(t, err)
	require.Equal(t, uint64(0), entry.Sequence)
}

func TestAppendConflictBudgetExhausted(t *testing.T) {
	store := &conflictStore{Store: NewMemoryStore(), conflicts: 10}
	app := NewAppender(store, AppenderConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond})

	_, err := app.Append(context.Background(), "tenant-1", testInput("user-1", "a", nil))
	require.ErrorIs(t, err, ErrConcurrentAppend)
}

func TestConcurrentAppendsStayContiguous(t *testing.T) {
	store := NewMemoryStore()
	app := NewAppender(store, AppenderConfig{})
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = app.Append(ctx, "tenant-1", testInput("user-1", "concurrent.append", map[string]interface{}{"i": i}))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	it, err := store.Range(ctx, "tenant-1", 0, 0)
	require.NoError(t, err)
	defer it.Close()

	prevHashes := map[string]bool{}
	var seq uint64
	for it.Next() {
		e := it.Entry()
		require.Equal(t, seq, e.Sequence, "sequences must be contiguous")
		require.False(t, prevHashes[e.PrevHash], "no two entries may share a prev_hash")
		prevHashes[e.PrevHash] = true
		seq++
	}
	require.NoError(t, it.Err())
	require.Equal(t, uint64(n), seq)
}

func TestAppendsOnDifferentChainsAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	app := NewAppender(store, AppenderConfig{})
	ctx := context.Background()

	a, err := app.Append(ctx, "tenant-a", testInput("user-1", "a", nil))
	require.NoError(t, err)
	b, err := app.Append(ctx, "tenant-b", testInput("user-1", "b", nil))
	require.NoError(t, err)

	require.Equal(t, uint64(0), a.Sequence)
	require.Equal(t, uint64(0), b.Sequence)
	require.Equal(t, GenesisSentinel, a.PrevHash)
	require.Equal(t, GenesisSentinel, b.PrevHash)
}
