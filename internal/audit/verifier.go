package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// BreakPoint identifies the first entry failing verification.
type BreakPoint struct {
	Sequence uint64      `json:"sequence"`
	Reason   BreakReason `json:"reason"`
	Detail   string      `json:"detail,omitempty"`
}

// Result is the outcome of a chain verification run. Verification is
// read-only and idempotent: two runs over an unchanged chain yield equal
// results. When the caller cancels mid-stream, Partial is set and the
// result covers the prefix verified so far; cancellation is not an error.
type Result struct {
	ChainID string      `json:"chainId"`
	Valid   bool        `json:"valid"`
	From    uint64      `json:"from"`
	To      uint64      `json:"to"`
	Checked int         `json:"checked"`
	Partial bool        `json:"partial,omitempty"`
	Break   *BreakPoint `json:"break,omitempty"`
}

// Err converts a broken result into an IntegrityError, or nil when valid.
// Integrity violations are always surfaced as-is, never downgraded.
func (r *Result) Err() error {
	if r.Valid || r.Break == nil {
		return nil
	}
	return &IntegrityError{
		ChainID:  r.ChainID,
		Sequence: r.Break.Sequence,
		Reason:   r.Break.Reason,
		Detail:   r.Break.Detail,
	}
}

// Verifier walks chains recomputing every entry hash and linkage pointer.
// It never writes; a broken chain is reported, not repaired.
type Verifier struct {
	store Store
}

// NewVerifier constructs a Verifier over the given store.
func NewVerifier(store Store) *Verifier {
	return &Verifier{store: store}
}

// VerifyChain verifies chainID from genesis, or from the supplied
// checkpoint whose root hash is treated as the trusted starting prev_hash.
//
// For each streamed entry two checks run in order: linkage (sequence is
// contiguous and prev_hash equals the predecessor's entry_hash) and hash
// (stored entry_hash equals the recomputed digest of prev_hash plus the
// canonical logical fields). The first entry failing either check is the
// reported break point.
func (v *Verifier) VerifyChain(ctx context.Context, chainID string, from *Checkpoint) (*Result, error) {
	if from == nil {
		return v.verifyRange(ctx, chainID, nil, 0)
	}
	if from.ChainID != "" && from.ChainID != chainID {
		return nil, errInputf("checkpoint belongs to chain %s, not %s", from.ChainID, chainID)
	}
	return v.verifyRange(ctx, chainID, from, 0)
}

// verifyRange walks [anchor..to] (to == 0 means the tip). A nil anchor means
// genesis.
func (v *Verifier) verifyRange(ctx context.Context, chainID string, anchor *Checkpoint, to uint64) (*Result, error) {
	var start uint64
	if anchor != nil {
		start = anchor.Sequence
	}

	it, err := v.store.Range(ctx, chainID, start, to)
	if err != nil {
		return nil, fmt.Errorf("open range: %w", err)
	}
	defer it.Close()

	res := &Result{ChainID: chainID, Valid: true, From: start, To: start}

	var (
		expectedSeq  = start
		expectedPrev = GenesisSentinel
		first        = true
	)

	for it.Next() {
		select {
		case <-ctx.Done():
			// Return the verified prefix so the caller can resume later.
			res.Partial = true
			return res, nil
		default:
		}

		e := it.Entry()

		if first {
			first = false
			if anchor != nil {
				// The anchor entry itself must match the trusted root hash;
				// anything else means the checkpoint references an entry the
				// store no longer agrees on.
				if e.Sequence != anchor.Sequence || e.EntryHash != anchor.RootHash {
					res.Valid = false
					res.Break = &BreakPoint{
						Sequence: anchor.Sequence,
						Reason:   ReasonUnknownPredecessor,
						Detail:   fmt.Sprintf("checkpoint root %s matches no stored entry at sequence %d", anchor.RootHash, anchor.Sequence),
					}
					return res, nil
				}
				res.Checked++
				res.To = e.Sequence
				expectedSeq = e.Sequence + 1
				expectedPrev = e.EntryHash
				continue
			}
			if e.Sequence != 0 || e.PrevHash != GenesisSentinel {
				res.Valid = false
				res.Break = &BreakPoint{
					Sequence: e.Sequence,
					Reason:   ReasonGenesisMissing,
					Detail:   fmt.Sprintf("first entry has sequence %d prev_hash %s; expected genesis", e.Sequence, e.PrevHash),
				}
				return res, nil
			}
		}

		// Linkage: contiguous sequence and prev pointer to the predecessor.
		if e.Sequence != expectedSeq || e.PrevHash != expectedPrev {
			res.Valid = false
			res.Break = &BreakPoint{
				Sequence: e.Sequence,
				Reason:   ReasonLinkageMismatch,
				Detail:   fmt.Sprintf("expected sequence %d prev_hash %s, got sequence %d prev_hash %s", expectedSeq, expectedPrev, e.Sequence, e.PrevHash),
			}
			return res, nil
		}

		// Hash: recompute from prev_hash and the canonical logical fields.
		computed, err := ComputeEntryHash(e.PrevHash, e)
		if err != nil {
			if errors.Is(err, ErrSerialization) {
				res.Valid = false
				res.Break = &BreakPoint{
					Sequence: e.Sequence,
					Reason:   ReasonHashMismatch,
					Detail:   fmt.Sprintf("stored payload is not canonically encodable: %v", err),
				}
				return res, nil
			}
			return nil, fmt.Errorf("recompute hash at sequence %d: %w", e.Sequence, err)
		}
		if computed != e.EntryHash {
			res.Valid = false
			res.Break = &BreakPoint{
				Sequence: e.Sequence,
				Reason:   ReasonHashMismatch,
				Detail:   fmt.Sprintf("computed %s stored %s", computed, e.EntryHash),
			}
			return res, nil
		}

		res.Checked++
		res.To = e.Sequence
		expectedSeq = e.Sequence + 1
		expectedPrev = e.EntryHash
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("stream entries: %w", err)
	}

	if anchor != nil && res.Checked == 0 {
		// The anchor references a sequence beyond the stored chain.
		res.Valid = false
		res.Break = &BreakPoint{
			Sequence: anchor.Sequence,
			Reason:   ReasonUnknownPredecessor,
			Detail:   fmt.Sprintf("no stored entry at checkpoint sequence %d", anchor.Sequence),
		}
	}
	return res, nil
}

// VerifySegments verifies a long chain as independent checkpoint-bounded
// segments in parallel: [genesis..cp1], [cp1..cp2], ..., [cpN..tip]. Each
// segment re-verifies its boundary entry against the checkpoint root hash,
// so agreement between consecutive segments is checked at every boundary.
// maxConcurrency <= 0 defaults to 4. The combined result reports the lowest
// broken sequence across segments, or the full covered range when all
// segments are valid.
func (v *Verifier) VerifySegments(ctx context.Context, chainID string, checkpoints []*Checkpoint, maxConcurrency int) (*Result, error) {
	if len(checkpoints) == 0 {
		return v.VerifyChain(ctx, chainID, nil)
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}

	type segment struct {
		anchor *Checkpoint // nil for the genesis segment
		to     uint64      // 0 for the tip segment
	}
	segments := make([]segment, 0, len(checkpoints)+1)
	segments = append(segments, segment{anchor: nil, to: checkpoints[0].Sequence})
	for i, cp := range checkpoints {
		var to uint64
		if i+1 < len(checkpoints) {
			to = checkpoints[i+1].Sequence
		}
		segments = append(segments, segment{anchor: cp, to: to})
	}

	var (
		wg      sync.WaitGroup
		sem     = make(chan struct{}, maxConcurrency)
		mu      sync.Mutex
		results = make([]*Result, len(segments))
		firstEr error
	)
	for i, seg := range segments {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, seg segment) {
			defer func() {
				<-sem
				wg.Done()
			}()
			res, err := v.verifyRange(ctx, chainID, seg.anchor, seg.to)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstEr == nil {
				firstEr = err
				return
			}
			results[i] = res
		}(i, seg)
	}
	wg.Wait()
	if firstEr != nil {
		return nil, firstEr
	}

	combined := &Result{ChainID: chainID, Valid: true}
	for i, res := range results {
		if res == nil {
			continue
		}
		combined.Checked += res.Checked
		if i == 0 {
			combined.From = res.From
		}
		if res.To > combined.To {
			combined.To = res.To
		}
		if res.Partial {
			combined.Partial = true
		}
		if !res.Valid && (combined.Valid || res.Break.Sequence < combined.Break.Sequence) {
			combined.Valid = false
			combined.Break = res.Break
		}
	}
	return combined, nil
}
