package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/cardguard/internal/txn"
)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byKey  map[string]*Record
	byCard map[int64][]*Record // append order
	all    []*Record           // append order
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:  make(map[string]*Record),
		byCard: make(map[int64][]*Record),
	}
}

func (m *MemoryStore) Append(ctx context.Context, rec *Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byKey[rec.TxKey]; ok {
		cp := *existing
		return &cp, false, nil
	}
	stored := *rec
	m.byKey[rec.TxKey] = &stored
	m.byCard[rec.CardID] = append(m.byCard[rec.CardID], &stored)
	m.all = append(m.all, &stored)

	cp := stored
	return &cp, true, nil
}

func (m *MemoryStore) FindByKey(ctx context.Context, txKey string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byKey[txKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListByCard(ctx context.Context, cardID int64, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.byCard[cardID]
	start := len(all) - limit
	if start < 0 {
		start = 0
	}
	result := make([]*Record, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) GenuineSince(ctx context.Context, since time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for i := len(m.all) - 1; i >= 0 && len(result) < limit; i-- {
		rec := m.all[i]
		if rec.Status != txn.StatusGenuine || rec.CreatedAt.Before(since) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}
	return result, nil
}

// Len returns the number of records held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}
