package audit

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested chain, entry or checkpoint cannot
// be located.
var ErrNotFound = errors.New("not found")

// ErrInvalidInput marks caller mistakes in the logical fields of a new entry.
var ErrInvalidInput = errors.New("invalid input")

// ErrSerialization marks logical fields that could not be canonically
// encoded. The caller's input is invalid; the append is never retried and no
// hash is computed.
var ErrSerialization = errors.New("serialization error")

// ErrSequenceConflict is returned by a Store when a write would violate
// uniqueness of (chain_id, sequence). It signals that another writer
// committed the same position first; the Appender treats it as retryable.
var ErrSequenceConflict = errors.New("sequence conflict")

// ErrConcurrentAppend is surfaced when the append retry budget is exhausted
// while racing other writers on the same chain.
var ErrConcurrentAppend = errors.New("concurrent append conflict")

// ErrStoreUnavailable is returned when the underlying storage did not
// respond. The core propagates it immediately; retry policy belongs to the
// caller or the surrounding infrastructure.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrCheckpointExport marks a checkpoint whose export to the external trust
// destination has not completed. The local record is retained and export is
// retried on the next scheduled run.
var ErrCheckpointExport = errors.New("checkpoint export failure")

func errInputf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// BreakReason classifies the first violation found by the Verifier.
type BreakReason string

const (
	// ReasonHashMismatch: stored entry_hash does not match the hash
	// recomputed from prev_hash and the canonical logical fields — the
	// entry's content was altered without rehashing.
	ReasonHashMismatch BreakReason = "hash_mismatch"

	// ReasonLinkageMismatch: prev_hash does not equal the predecessor's
	// entry_hash, or sequences are not contiguous — the chain was
	// reordered, truncated or forked.
	ReasonLinkageMismatch BreakReason = "linkage_mismatch"

	// ReasonGenesisMissing: the chain's first entry does not carry the
	// genesis sentinel at sequence 0.
	ReasonGenesisMissing BreakReason = "genesis_missing"

	// ReasonUnknownPredecessor: the verification anchor (checkpoint) names
	// a sequence or root hash that matches no stored entry.
	ReasonUnknownPredecessor BreakReason = "unknown_predecessor"
)

// IntegrityError reports the first broken point found while verifying a
// chain. It is never auto-repaired and never downgraded to a warning.
type IntegrityError struct {
	ChainID  string
	Sequence uint64
	Reason   BreakReason
	Detail   string
}

func (e *IntegrityError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("chain %s broken at sequence %d (%s): %s", e.ChainID, e.Sequence, e.Reason, e.Detail)
	}
	return fmt.Sprintf("chain %s broken at sequence %d (%s)", e.ChainID, e.Sequence, e.Reason)
}
