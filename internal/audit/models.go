// package audit contains the canonical models used by the tamper-evident
// audit trail: hash-linked entries, per-chain checkpoints, and the error
// taxonomy shared by the append, verification and checkpoint subsystems.
package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenesisSentinel is the prev_hash of the first entry in every chain:
// the hex encoding of 32 zero bytes, matching the SHA-256 digest width.
const GenesisSentinel = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditEntry is one committed, immutable record in a tenant's chain.
//
// EntryHash = SHA-256(prevHashBytes || canonical(logical fields)), where the
// logical fields are everything except PrevHash and EntryHash themselves.
// The core never updates or deletes a committed entry.
type AuditEntry struct {
	ID           string      `json:"id"`
	ChainID      string      `json:"chainId"`
	Sequence     uint64      `json:"sequence"`
	Ts           time.Time   `json:"ts"`
	ActorID      string      `json:"actorId"`
	Action       string      `json:"action"`
	ResourceType string      `json:"resourceType,omitempty"`
	ResourceID   string      `json:"resourceId,omitempty"`
	Payload      interface{} `json:"payload"`
	PrevHash     string      `json:"prevHash"`
	EntryHash    string      `json:"entryHash"`
}

// EntryInput carries the caller-supplied logical content of a new entry.
// Sequence, hashes and ID are assigned by the Appender.
type EntryInput struct {
	ActorID      string      `json:"actorId"`
	Action       string      `json:"action"`
	ResourceType string      `json:"resourceType,omitempty"`
	ResourceID   string      `json:"resourceId,omitempty"`
	Payload      interface{} `json:"payload"`
	Ts           time.Time   `json:"ts,omitempty"`
}

// Checkpoint is a periodic witness of a chain's tip. RootHash is the
// EntryHash of the entry at Sequence at the time the checkpoint was taken.
// Checkpoints are append-only and strictly increasing in Sequence per chain.
type Checkpoint struct {
	ChainID     string     `json:"chainId"`
	Sequence    uint64     `json:"sequence"`
	RootHash    string     `json:"rootHash"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExportedAt  *time.Time `json:"exportedAt,omitempty"`
	Destination string     `json:"destination,omitempty"`
}

// Exported reports whether the checkpoint has been pushed outside the chain
// store's trust boundary.
func (c *Checkpoint) Exported() bool {
	return c.ExportedAt != nil
}

// QueryFilter selects entries for the query interface. Zero values mean
// "no filter"; populated fields are AND-combined. Results are always in
// ascending sequence order.
type QueryFilter struct {
	ChainID      string
	ActorID      string
	ResourceType string
	ResourceID   string
	Since        time.Time
	Until        time.Time
	AfterSeq     *uint64 // pagination cursor: entries with Sequence > AfterSeq
	Limit        int
}

// NewUUID returns a freshly-generated UUID string.
func NewUUID() string {
	return uuid.New().String()
}

func validateInput(chainID string, in EntryInput) error {
	if strings.TrimSpace(chainID) == "" {
		return errInputf("chainId required")
	}
	if strings.TrimSpace(in.ActorID) == "" {
		return errInputf("actorId required")
	}
	if strings.TrimSpace(in.Action) == "" {
		return errInputf("action required")
	}
	return nil
}
