package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/josedab/complianceagent/internal/canonical"
)

// Store is the persistence abstraction for chains and checkpoints. A Store
// guarantees durability of a successful AppendEntry before returning, and
// that Head always reflects the most recently committed append for a chain.
// It enforces uniqueness of (chain_id, sequence) — returning
// ErrSequenceConflict on violation — but owns no hashing or linkage logic;
// that is the Appender's job.
type Store interface {
	// AppendEntry persists a fully-populated entry. The entry is immutable
	// once this returns nil.
	AppendEntry(ctx context.Context, e *AuditEntry) error

	// Head returns the entry with the highest sequence for the chain, or
	// ErrNotFound if the chain has no entries.
	Head(ctx context.Context, chainID string) (*AuditEntry, error)

	// Range streams entries of a chain with from <= sequence <= to, in
	// ascending sequence order. to == 0 with from == 0 means the full chain;
	// otherwise to is inclusive.
	Range(ctx context.Context, chainID string, from, to uint64) (EntryIterator, error)

	// Query returns committed entries matching the filter in ascending
	// sequence order.
	Query(ctx context.Context, f QueryFilter) ([]*AuditEntry, error)

	// ListChains returns the ids of all chains with at least one entry.
	ListChains(ctx context.Context) ([]string, error)

	// SaveCheckpoint persists a checkpoint record. Checkpoints are
	// append-only; a sequence at or below the chain's latest checkpoint is
	// rejected with ErrSequenceConflict.
	SaveCheckpoint(ctx context.Context, c *Checkpoint) error

	// LatestCheckpoint returns the highest-sequence checkpoint for a chain,
	// or ErrNotFound.
	LatestCheckpoint(ctx context.Context, chainID string) (*Checkpoint, error)

	// Checkpoints returns all checkpoints for a chain in ascending sequence
	// order.
	Checkpoints(ctx context.Context, chainID string) ([]*Checkpoint, error)

	// UnexportedCheckpoints returns checkpoints across all chains that have
	// not been exported yet, oldest first, up to limit.
	UnexportedCheckpoints(ctx context.Context, limit int) ([]*Checkpoint, error)

	// MarkCheckpointExported records a completed export.
	MarkCheckpointExported(ctx context.Context, chainID string, sequence uint64, destination string, exportedAt time.Time) error

	// Ping validates the store is reachable/healthy.
	Ping(ctx context.Context) error
}

// EntryIterator streams a range of entries without materializing the whole
// chain. Usage mirrors database/sql rows: Next, Entry, then Err and Close.
type EntryIterator interface {
	Next() bool
	Entry() *AuditEntry
	Err() error
	Close() error
}

// HashBytes computes the SHA-256 digest bytes for input data.
func HashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// HashHex returns the hex-encoded SHA-256 of the input bytes.
func HashHex(b []byte) string {
	return hex.EncodeToString(HashBytes(b))
}

// ComputeEntryHash recomputes the hash an entry must carry:
// SHA-256(prevHashBytes || canonical(logical fields)). prevHash is the hex
// digest of the predecessor, or GenesisSentinel for sequence 0.
func ComputeEntryHash(prevHash string, e *AuditEntry) (string, error) {
	prevBytes, err := hex.DecodeString(prevHash)
	if err != nil {
		return "", fmt.Errorf("decode prev hash: %w", err)
	}
	encoded, err := canonical.EncodeEntry(canonical.EntryFields{
		ChainID:      e.ChainID,
		Sequence:     e.Sequence,
		Timestamp:    e.Ts,
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Payload:      e.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	concat := make([]byte, 0, len(prevBytes)+len(encoded))
	concat = append(concat, prevBytes...)
	concat = append(concat, encoded...)
	return HashHex(concat), nil
}
