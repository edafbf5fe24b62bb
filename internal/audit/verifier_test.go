package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildChain appends the given payload ops to a fresh chain and returns the
// store and committed entries.
func buildChain(t *testing.T, chainID string, ops ...string) (*MemoryStore, []*AuditEntry) {
	t.Helper()
	store := NewMemoryStore()
	app := NewAppender(store, AppenderConfig{})
	entries := make([]*AuditEntry, 0, len(ops))
	for _, op := range ops {
		e, err := app.Append(context.Background(), chainID, testInput("user-1", "document."+op, map[string]interface{}{"op": op}))
		require.NoError(t, err)
		entries = append(entries, e)
	}
	return store, entries
}

func TestVerifyRoundTrip(t *testing.T) {
	store, _ := buildChain(t, "tenant-1", "create", "update", "delete")
	v := NewVerifier(store)

	res, err := v.VerifyChain(context.Background(), "tenant-1", nil)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, uint64(0), res.From)
	require.Equal(t, uint64(2), res.To)
	require.Equal(t, 3, res.Checked)
	require.False(t, res.Partial)
	require.NoError(t, res.Err())
}

func TestVerifyDetectsPayloadTamper(t *testing.T) {
	store, _ := buildChain(t, "tenant-1", "create", "update", "delete")
	v := NewVerifier(store)

	// Overwrite entry 1's payload in storage without touching its hash, as
	// a privileged storage writer would.
	store.entries["tenant-1"][1].Payload = map[string]interface{}{"op": "update", "x": 1}

	res, err := v.VerifyChain(context.Background(), "tenant-1", nil)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.NotNil(t, res.Break)
	require.Equal(t, uint64(1), res.Break.Sequence)
	require.Equal(t, ReasonHashMismatch, res.Break.Reason)

	var integrity *IntegrityError
	require.ErrorAs(t, res.Err(), &integrity)
	require.Equal(t, uint64(1), integrity.Sequence)
}

func TestVerifyDetectsTamperAtEverySequence(t *testing.T) {
	ops := []string{"create", "update", "update", "delete"}
	for seq := 0; seq < len(ops); seq++ {
		store, _ := buildChain(t, "tenant-1", ops...)
		store.entries["tenant-1"][uint64(seq)].Payload = map[string]interface{}{"tampered": true}

		res, err := NewVerifier(store).VerifyChain(context.Background(), "tenant-1", nil)
		require.NoError(t, err)
		require.False(t, res.Valid)
		require.Equal(t, uint64(seq), res.Break.Sequence)
		require.Equal(t, ReasonHashMismatch, res.Break.Reason)
	}
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	store, _ := buildChain(t, "tenant-1", "create", "update", "delete")
	delete(store.entries["tenant-1"], 1)

	res, err := NewVerifier(store).VerifyChain(context.Background(), "tenant-1", nil)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, uint64(2), res.Break.Sequence)
	require.Equal(t, ReasonLinkageMismatch, res.Break.Reason)
}

func TestVerifyDetectsMissingGenesis(t *testing.T) {
	store, _ := buildChain(t, "tenant-1", "create", "update")
	delete(store.entries["tenant-1"], 0)

	res, err := NewVerifier(store).VerifyChain(context.Background(), "tenant-1", nil)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, ReasonGenesisMissing, res.Break.Reason)
}

func TestVerifyDetectsRewrittenLinkage(t *testing.T) {
	store, entries := buildChain(t, "tenant-1", "create", "update", "delete")

	// Point entry 2 at a forged predecessor and rehash it, simulating an
	// operator grafting a fork. The linkage check catches the break.
	forged := store.entries["tenant-1"][2]
	forged.PrevHash = entries[0].EntryHash
	h, err := ComputeEntryHash(forged.PrevHash, forged)
	require.NoError(t, err)
	forged.EntryHash = h

	res, err := NewVerifier(store).VerifyChain(context.Background(), "tenant-1", nil)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, uint64(2), res.Break.Sequence)
	require.Equal(t, ReasonLinkageMismatch, res.Break.Reason)
}

func TestVerifyEmptyChain(t *testing.T) {
	store := NewMemoryStore()
	res, err := NewVerifier(store).VerifyChain(context.Background(), "tenant-1", nil)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, 0, res.Checked)
}

func TestVerifyFromCheckpoint(t *testing.T) {
	store, entries := buildChain(t, "tenant-1", "create", "update", "update", "delete", "create")
	v := NewVerifier(store)
	ctx := context.Background()

	anchor := &Checkpoint{ChainID: "tenant-1", Sequence: 2, RootHash: entries[2].EntryHash}

	anchored, err := v.VerifyChain(ctx, "tenant-1", anchor)
	require.NoError(t, err)
	require.True(t, anchored.Valid)
	require.Equal(t, uint64(2), anchored.From)
	require.Equal(t, uint64(4), anchored.To)

	full, err := v.VerifyChain(ctx, "tenant-1", nil)
	require.NoError(t, err)
	require.True(t, full.Valid)
	require.Equal(t, anchored.To, full.To)
}

func TestVerifyFromCheckpointAgreesOnTamper(t *testing.T) {
	store, entries := buildChain(t, "tenant-1", "create", "update", "update", "delete")
	store.entries["tenant-1"][3].Payload = map[string]interface{}{"tampered": true}

	anchor := &Checkpoint{ChainID: "tenant-1", Sequence: 1, RootHash: entries[1].EntryHash}
	ctx := context.Background()
	v := NewVerifier(store)

	anchored, err := v.VerifyChain(ctx, "tenant-1", anchor)
	require.NoError(t, err)
	full, err := v.VerifyChain(ctx, "tenant-1", nil)
	require.NoError(t, err)

	require.False(t, anchored.Valid)
	require.False(t, full.Valid)
	require.Equal(t, full.Break.Sequence, anchored.Break.Sequence)
	require.Equal(t, full.Break.Reason, anchored.Break.Reason)
}

func TestVerifyUnknownPredecessorAnchor(t *testing.T) {
	store, _ := buildChain(t, "tenant-1", "create", "update")
	v := NewVerifier(store)
	ctx := context.Background()

	// Root hash that matches no stored entry.
	bad := &Checkpoint{ChainID: "tenant-1", Sequence: 1, RootHash: HashHex([]byte("forged"))}
	res, err := v.VerifyChain(ctx, "tenant-1", bad)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, ReasonUnknownPredecessor, res.Break.Reason)

	// Sequence beyond the stored chain.
	beyond := &Checkpoint{ChainID: "tenant-1", Sequence: 99, RootHash: HashHex([]byte("x"))}
	res, err = v.VerifyChain(ctx, "tenant-1", beyond)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, ReasonUnknownPredecessor, res.Break.Reason)
}

func TestVerifyRejectsForeignCheckpoint(t *testing.T) {
	store, entries := buildChain(t, "tenant-1", "create")
	anchor := &Checkpoint{ChainID: "tenant-2", Sequence: 0, RootHash: entries[0].EntryHash}
	_, err := NewVerifier(store).VerifyChain(context.Background(), "tenant-1", anchor)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestVerifyIdempotent(t *testing.T) {
	store, _ := buildChain(t, "tenant-1", "create", "update", "delete")
	v := NewVerifier(store)
	ctx := context.Background()

	r1, err := v.VerifyChain(ctx, "tenant-1", nil)
	require.NoError(t, err)
	r2, err := v.VerifyChain(ctx, "tenant-1", nil)
	require.NoError(t, err)
	require.Equal(t, r1, r2)
}

// cancellingStore cancels the supplied context after a fixed number of
// entries has been streamed, simulating a caller aborting mid-verification.
type cancellingStore struct {
	Store
	cancel context.CancelFunc
	after  int
}

func (c *cancellingStore) Range(ctx context.Context, chainID string, from, to uint64) (EntryIterator, error) {
	it, err := c.Store.Range(ctx, chainID, from, to)
	if err != nil {
		return nil, err
	}
	return &cancellingIterator{EntryIterator: it, cancel: c.cancel, after: c.after}, nil
}

type cancellingIterator struct {
	EntryIterator
	cancel context.CancelFunc
	after  int
	seen   int
}

func (it *cancellingIterator) Next() bool {
	if it.seen == it.after {
		it.cancel()
	}
	it.seen++
	return it.EntryIterator.Next()
}

func TestVerifyCancellationReturnsPartialRange(t *testing.T) {
	inner, _ := buildChain(t, "tenant-1", "create", "update", "update", "delete", "create")
	ctx, cancel := context.WithCancel(context.Background())
	store := &cancellingStore{Store: inner, cancel: cancel, after: 2}

	res, err := NewVerifier(store).VerifyChain(ctx, "tenant-1", nil)
	require.NoError(t, err, "cancellation must not be an error")
	require.True(t, res.Partial)
	require.True(t, res.Valid)
	require.Equal(t, 2, res.Checked)
	require.Equal(t, uint64(1), res.To)
}

func TestVerifySegments(t *testing.T) {
	store, entries := buildChain(t, "tenant-1", "create", "update", "update", "delete", "create", "update")
	v := NewVerifier(store)
	ctx := context.Background()

	cps := []*Checkpoint{
		{ChainID: "tenant-1", Sequence: 1, RootHash: entries[1].EntryHash},
		{ChainID: "tenant-1", Sequence: 3, RootHash: entries[3].EntryHash},
	}

	res, err := v.VerifySegments(ctx, "tenant-1", cps, 2)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, uint64(0), res.From)
	require.Equal(t, uint64(5), res.To)
}

func TestVerifySegmentsReportsLowestBreak(t *testing.T) {
	store, entries := buildChain(t, "tenant-1", "create", "update", "update", "delete", "create", "update")
	store.entries["tenant-1"][2].Payload = map[string]interface{}{"tampered": true}
	store.entries["tenant-1"][5].Payload = map[string]interface{}{"tampered": true}

	cps := []*Checkpoint{
		{ChainID: "tenant-1", Sequence: 1, RootHash: entries[1].EntryHash},
		{ChainID: "tenant-1", Sequence: 3, RootHash: entries[3].EntryHash},
	}

	res, err := NewVerifier(store).VerifySegments(context.Background(), "tenant-1", cps, 2)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, uint64(2), res.Break.Sequence)
	require.Equal(t, ReasonHashMismatch, res.Break.Reason)
}
