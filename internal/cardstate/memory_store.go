package cardstate

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	state State
	at    time.Time
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	cards map[int64]*memoryEntry
}

// NewMemoryStore creates an empty in-memory card state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cards: make(map[int64]*memoryEntry)}
}

func (m *MemoryStore) Get(ctx context.Context, cardID int64) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.cards[cardID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := e.state
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := *state
	s.UpdatedAt = time.Now()
	m.cards[state.CardID] = &memoryEntry{state: s, at: positionTime(s.LastTransactionDate)}
	return nil
}

func (m *MemoryStore) Advance(ctx context.Context, cardID int64, cp Checkpoint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.cards[cardID]
	if !ok {
		e = &memoryEntry{state: State{CardID: cardID}}
		m.cards[cardID] = e
	} else if !cp.At.After(e.at) {
		return false, nil
	}

	e.state.PostalCode = cp.PostalCode
	e.state.LastTransactionDate = cp.TransactionDate
	e.state.UpdatedAt = time.Now()
	e.at = cp.At
	return true, nil
}

// Len returns the number of cards held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cards)
}
