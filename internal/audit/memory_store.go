package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore provides an in-memory Store implementation useful for tests
// and single-process development runs.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     map[string]map[uint64]*AuditEntry
	checkpoints map[string][]*Checkpoint
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:     map[string]map[uint64]*AuditEntry{},
		checkpoints: map[string][]*Checkpoint{},
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) AppendEntry(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain, ok := m.entries[e.ChainID]
	if !ok {
		chain = map[uint64]*AuditEntry{}
		m.entries[e.ChainID] = chain
	}
	if _, exists := chain[e.Sequence]; exists {
		return ErrSequenceConflict
	}
	cp := *e
	chain[e.Sequence] = &cp
	return nil
}

func (m *MemoryStore) Head(ctx context.Context, chainID string) (*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain, ok := m.entries[chainID]
	if !ok || len(chain) == 0 {
		return nil, ErrNotFound
	}
	var head *AuditEntry
	for _, e := range chain {
		if head == nil || e.Sequence > head.Sequence {
			head = e
		}
	}
	cp := *head
	return &cp, nil
}

func (m *MemoryStore) Range(ctx context.Context, chainID string, from, to uint64) (EntryIterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.entries[chainID]
	out := make([]*AuditEntry, 0, len(chain))
	for _, e := range chain {
		if e.Sequence < from {
			continue
		}
		if to > 0 && e.Sequence > to {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return &sliceIterator{entries: out}, nil
}

func (m *MemoryStore) Query(ctx context.Context, f QueryFilter) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AuditEntry
	for chainID, chain := range m.entries {
		if f.ChainID != "" && chainID != f.ChainID {
			continue
		}
		for _, e := range chain {
			if !matchFilter(e, f) {
				continue
			}
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		return out[i].Sequence < out[j].Sequence
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchFilter(e *AuditEntry, f QueryFilter) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if !f.Since.IsZero() && e.Ts.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Ts.After(f.Until) {
		return false
	}
	if f.AfterSeq != nil && e.Sequence <= *f.AfterSeq {
		return false
	}
	return true
}

func (m *MemoryStore) ListChains(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for id, chain := range m.entries {
		if len(chain) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) SaveCheckpoint(ctx context.Context, c *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.checkpoints[c.ChainID]
	if len(cps) > 0 && c.Sequence <= cps[len(cps)-1].Sequence {
		return ErrSequenceConflict
	}
	cp := *c
	m.checkpoints[c.ChainID] = append(cps, &cp)
	return nil
}

func (m *MemoryStore) LatestCheckpoint(ctx context.Context, chainID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.checkpoints[chainID]
	if len(cps) == 0 {
		return nil, ErrNotFound
	}
	cp := *cps[len(cps)-1]
	return &cp, nil
}

func (m *MemoryStore) Checkpoints(ctx context.Context, chainID string) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.checkpoints[chainID]
	out := make([]*Checkpoint, 0, len(cps))
	for _, c := range cps {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) UnexportedCheckpoints(ctx context.Context, limit int) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Checkpoint
	for _, cps := range m.checkpoints {
		for _, c := range cps {
			if c.Exported() {
				continue
			}
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkCheckpointExported(ctx context.Context, chainID string, sequence uint64, destination string, exportedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.checkpoints[chainID] {
		if c.Sequence == sequence {
			ts := exportedAt.UTC()
			c.ExportedAt = &ts
			c.Destination = destination
			return nil
		}
	}
	return ErrNotFound
}

// sliceIterator adapts a materialized slice to the EntryIterator contract.
type sliceIterator struct {
	entries []*AuditEntry
	pos     int
	cur     *AuditEntry
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.entries) {
		return false
	}
	it.cur = it.entries[it.pos]
	it.pos++
	return true
}

func (it *sliceIterator) Entry() *AuditEntry { return it.cur }
func (it *sliceIterator) Err() error         { return nil }
func (it *sliceIterator) Close() error       { return nil }
