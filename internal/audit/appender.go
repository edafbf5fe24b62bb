package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// AppenderConfig tunes the append retry loop. The retry path only fires on
// sequencing races (another writer committed the same sequence first, e.g.
// a second process appending to the same chain); encoding failures and store
// unavailability are surfaced immediately.
type AppenderConfig struct {
	// MaxAttempts bounds how many times an append is retried after a
	// sequence conflict. Defaults to 5 if <= 0.
	MaxAttempts int

	// BaseBackoff is the first retry delay; doubled per attempt. Defaults
	// to 25ms if zero.
	BaseBackoff time.Duration

	// MaxBackoff caps the exponential backoff. Defaults to 1s if zero.
	MaxBackoff time.Duration
}

// Appender is the sequencer for all chains: it assigns sequence numbers,
// links each new entry to the current head, and computes entry hashes.
// Appends to the same chain are strictly serialized by a per-chain mutex;
// chains for different tenants proceed independently. The store's
// (chain_id, sequence) uniqueness acts as the optimistic backstop when a
// second process appends to the same chain.
type Appender struct {
	store Store
	cfg   AppenderConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAppender constructs an Appender over the given store. Zero config
// fields take defaults.
func NewAppender(store Store, cfg AppenderConfig) *Appender {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 25 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Second
	}
	return &Appender{
		store: store,
		cfg:   cfg,
		locks: map[string]*sync.Mutex{},
	}
}

// chainLock returns the mutex serializing appends for one chain, creating
// it on first use.
func (a *Appender) chainLock(chainID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[chainID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[chainID] = l
	}
	return l
}

// Append commits one new entry at the tip of chainID and returns it.
//
// Algorithm: read the current head (genesis sentinel if none), encode the
// logical fields canonically, compute
// SHA-256(prevHashBytes || encoded fields), and insert. A sequence conflict
// means another writer won the position; the head read and hash computation
// are redone after a capped exponential backoff, up to MaxAttempts, after
// which ErrConcurrentAppend is returned.
func (a *Appender) Append(ctx context.Context, chainID string, in EntryInput) (*AuditEntry, error) {
	if err := validateInput(chainID, in); err != nil {
		return nil, err
	}

	lock := a.chainLock(chainID)
	lock.Lock()
	defer lock.Unlock()

	backoff := a.cfg.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		entry, err := a.tryAppend(ctx, chainID, in)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrSequenceConflict) {
			return nil, err
		}

		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < a.cfg.MaxBackoff {
			backoff *= 2
			if backoff > a.cfg.MaxBackoff {
				backoff = a.cfg.MaxBackoff
			}
		}
	}
	return nil, fmt.Errorf("%w: chain %s after %d attempts: %v", ErrConcurrentAppend, chainID, a.cfg.MaxAttempts, lastErr)
}

func (a *Appender) tryAppend(ctx context.Context, chainID string, in EntryInput) (*AuditEntry, error) {
	prevHash := GenesisSentinel
	var sequence uint64

	head, err := a.store.Head(ctx, chainID)
	switch {
	case err == nil:
		prevHash = head.EntryHash
		sequence = head.Sequence + 1
	case errors.Is(err, ErrNotFound):
		// fresh chain: genesis entry
	default:
		return nil, fmt.Errorf("fetch head: %w", err)
	}

	ts := in.Ts
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	entry := &AuditEntry{
		ID:           NewUUID(),
		ChainID:      chainID,
		Sequence:     sequence,
		Ts:           ts.UTC().Truncate(time.Microsecond),
		ActorID:      in.ActorID,
		Action:       in.Action,
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		Payload:      in.Payload,
		PrevHash:     prevHash,
	}

	hash, err := ComputeEntryHash(prevHash, entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	if err := a.store.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
