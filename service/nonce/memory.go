package nonce

import (
	"context"
	"sync"
)

// MemoryLedger keeps counters and used-sets in process memory. State is lost
// on restart, so it suits tests, dry-run mode, and local development only.
type MemoryLedger struct {
	mu   sync.Mutex
	next map[Key]uint64
	used map[Key]map[uint64]struct{}
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		next: make(map[Key]uint64),
		used: make(map[Key]map[uint64]struct{}),
	}
}

func (m *MemoryLedger) Reserve(_ context.Context, key Key) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.next[key]
	m.next[key] = n + 1
	return n, nil
}

func (m *MemoryLedger) MarkUsed(_ context.Context, key Key, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.used[key]
	if !ok {
		set = make(map[uint64]struct{})
		m.used[key] = set
	}
	set[nonce] = struct{}{}
	return nil
}

func (m *MemoryLedger) IsUsed(_ context.Context, key Key, nonce uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, used := m.used[key][nonce]
	return used, nil
}
