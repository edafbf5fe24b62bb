package audit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// CheckpointManagerConfig configures the checkpoint scheduler.
type CheckpointManagerConfig struct {
	// Interval between scheduler passes. Defaults to 1m.
	Interval time.Duration

	// MinNewEntries is how far a chain's head must have advanced past the
	// last checkpoint before a new one is taken. Defaults to 1.
	MinNewEntries uint64

	// StaleAfter is the age past which an unexported checkpoint is
	// reported as a persistent export failure by Status. Defaults to 15m.
	StaleAfter time.Duration

	// RetryBatch bounds how many unexported checkpoints are retried per
	// pass. Defaults to 20.
	RetryBatch int
}

// CheckpointManager periodically snapshots each chain's tip hash, persists
// the checkpoint, and exports it to destinations outside the chain store's
// trust boundary. Exports run in their own loop and never block appends.
//
// A checkpoint whose export fails stays persisted and flagged unexported;
// it is retried on the next pass, and once older than StaleAfter it is
// surfaced through Status as a CheckpointExportFailure.
type CheckpointManager struct {
	store     Store
	exporters []Exporter
	attestor  *Attestor
	cfg       CheckpointManagerConfig
}

// NewCheckpointManager constructs a manager. attestor may be nil, in which
// case artifacts carry no attestation token. With no exporters configured,
// checkpoints are persisted locally and reported unexported.
func NewCheckpointManager(store Store, exporters []Exporter, attestor *Attestor, cfg CheckpointManagerConfig) *CheckpointManager {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MinNewEntries == 0 {
		cfg.MinNewEntries = 1
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.RetryBatch <= 0 {
		cfg.RetryBatch = 20
	}
	return &CheckpointManager{
		store:     store,
		exporters: exporters,
		attestor:  attestor,
		cfg:       cfg,
	}
}

// Checkpoint snapshots the current tip of chainID. If the head has not
// advanced past the latest checkpoint, the existing checkpoint is returned
// unchanged. The new checkpoint is persisted before export is attempted;
// export failure is logged, not returned, because the local record already
// satisfies the durability contract.
func (m *CheckpointManager) Checkpoint(ctx context.Context, chainID string) (*Checkpoint, error) {
	head, err := m.store.Head(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}

	last, err := m.store.LatestCheckpoint(ctx, chainID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("fetch latest checkpoint: %w", err)
	}
	if last != nil && head.Sequence < last.Sequence+m.cfg.MinNewEntries {
		return last, nil
	}

	c := &Checkpoint{
		ChainID:   chainID,
		Sequence:  head.Sequence,
		RootHash:  head.EntryHash,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.SaveCheckpoint(ctx, c); err != nil {
		if errors.Is(err, ErrSequenceConflict) {
			// A concurrent pass checkpointed the same or a later tip.
			return m.store.LatestCheckpoint(ctx, chainID)
		}
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}

	if err := m.export(ctx, c); err != nil {
		log.Printf("[checkpoint.manager] export chain=%s seq=%d failed, will retry: %v", c.ChainID, c.Sequence, err)
	}
	return c, nil
}

// export builds the artifact, pushes it through every configured exporter,
// and marks the checkpoint exported once all destinations accepted it.
func (m *CheckpointManager) export(ctx context.Context, c *Checkpoint) error {
	if len(m.exporters) == 0 {
		return nil
	}
	exportedAt := time.Now().UTC()
	artifact, err := ExportArtifact(c, exportedAt, m.attestor)
	if err != nil {
		return err
	}

	destinations := make([]string, 0, len(m.exporters))
	for _, exp := range m.exporters {
		expCtx, cancel := context.WithTimeout(ctx, exportTimeout)
		dest, err := exp.ExportCheckpoint(expCtx, c, artifact)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: chain %s seq %d: %v", ErrCheckpointExport, c.ChainID, c.Sequence, err)
		}
		destinations = append(destinations, dest)
	}

	dest := strings.Join(destinations, ",")
	if err := m.store.MarkCheckpointExported(ctx, c.ChainID, c.Sequence, dest, exportedAt); err != nil {
		return fmt.Errorf("mark exported: %w", err)
	}
	c.ExportedAt = &exportedAt
	c.Destination = dest
	return nil
}

// retryUnexported re-attempts export for checkpoints whose previous export
// failed, oldest first.
func (m *CheckpointManager) retryUnexported(ctx context.Context) {
	pending, err := m.store.UnexportedCheckpoints(ctx, m.cfg.RetryBatch)
	if err != nil {
		log.Printf("[checkpoint.manager] fetch unexported: %v", err)
		return
	}
	for _, c := range pending {
		if err := m.export(ctx, c); err != nil {
			log.Printf("[checkpoint.manager] retry export chain=%s seq=%d: %v", c.ChainID, c.Sequence, err)
		}
	}
}

// CheckpointStatus reports checkpoints that remain unexported past
// StaleAfter. A non-empty Stale slice means export to the external trust
// destination is failing persistently; Status then returns an error
// wrapping ErrCheckpointExport.
type CheckpointStatus struct {
	Pending int
	Stale   []*Checkpoint
}

func (m *CheckpointManager) Status(ctx context.Context) (*CheckpointStatus, error) {
	pending, err := m.store.UnexportedCheckpoints(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch unexported: %w", err)
	}
	st := &CheckpointStatus{Pending: len(pending)}
	cutoff := time.Now().UTC().Add(-m.cfg.StaleAfter)
	for _, c := range pending {
		if c.CreatedAt.Before(cutoff) {
			st.Stale = append(st.Stale, c)
		}
	}
	if len(st.Stale) > 0 {
		return st, fmt.Errorf("%w: %d checkpoints unexported for more than %s", ErrCheckpointExport, len(st.Stale), m.cfg.StaleAfter)
	}
	return st, nil
}

// Run drives the scheduler until ctx is cancelled: each pass checkpoints
// every chain whose head advanced, retries unexported checkpoints, and
// logs stale export failures. Safe to run in a goroutine.
func (m *CheckpointManager) Run(ctx context.Context) error {
	log.Printf("[checkpoint.manager] starting (interval=%s staleAfter=%s)", m.cfg.Interval, m.cfg.StaleAfter)
	defer log.Printf("[checkpoint.manager] stopped")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		chains, err := m.store.ListChains(ctx)
		if err != nil {
			log.Printf("[checkpoint.manager] list chains: %v", err)
			continue
		}
		for _, chainID := range chains {
			if _, err := m.Checkpoint(ctx, chainID); err != nil {
				log.Printf("[checkpoint.manager] checkpoint chain=%s: %v", chainID, err)
			}
		}

		m.retryUnexported(ctx)

		if _, err := m.Status(ctx); err != nil {
			log.Printf("[checkpoint.manager] %v", err)
		}
	}
}
