// Package syncutil provides keyed locking primitives.
package syncutil

import (
	"context"
	"encoding/binary"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex when n <= 0.
const DefaultShards = 256

// KeyedMutex serializes work per int64 key (a card ID) using a fixed pool of
// channel-based mutexes, so memory stays bounded however many keys are seen.
// Keys that hash to the same shard also serialize with each other. Waiters
// can give up when their context is done.
type KeyedMutex struct {
	shards []chanMutex
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewKeyedMutex creates a keyed mutex with n shards.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chanMutex, n)}
	for i := range m.shards {
		m.shards[i].ch = make(chan struct{}, 1)
		m.shards[i].ch <- struct{}{} // Start unlocked.
	}
	return m
}

// LockContext acquires the mutex for key. On success it returns an unlock
// function the caller must call. If ctx is done first it returns ctx.Err().
func (m *KeyedMutex) LockContext(ctx context.Context, key int64) (func(), error) {
	shard := &m.shards[m.shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) shardIdx(key int64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(key))
	h := fnv.New32a()
	_, _ = h.Write(b[:])
	return h.Sum32() % uint32(len(m.shards))
}
