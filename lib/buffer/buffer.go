// Package buffer is the bounded, TTL'd, append-only chunk store behind a
// proxy session. Chunks live at a monotonically increasing index; slots
// are immutable once written, so clients read by index without blocking
// the writer. The store may be the in-memory ring or an external KV with
// TTL; the interface is identical.
package buffer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Buffer is the chunk store contract.
type Buffer interface {
	// Append stores a chunk and returns its index.
	Append(data []byte) int64
	// Get returns the chunk at index, or false when it was evicted (or
	// not written yet).
	Get(index int64) ([]byte, bool)
	// Head is the index the next Append will use; Head()-1 is the newest
	// written chunk.
	Head() int64
	// Close releases backend resources.
	Close() error
}

// Memory is the in-process ring implementation.
type Memory struct {
	mu        sync.RWMutex
	slots     []memSlot
	head      atomic.Int64
	maxChunks int
	ttl       time.Duration
}

type memSlot struct {
	index   int64
	data    []byte
	written time.Time
}

// NewMemory builds a ring of maxChunks slots with the given chunk TTL.
func NewMemory(maxChunks int, ttl time.Duration) *Memory {
	if maxChunks < 1 {
		maxChunks = 1
	}
	m := &Memory{
		slots:     make([]memSlot, maxChunks),
		maxChunks: maxChunks,
		ttl:       ttl,
	}
	for i := range m.slots {
		m.slots[i].index = -1
	}
	return m
}

func (m *Memory) Append(data []byte) int64 {
	owned := make([]byte, len(data))
	copy(owned, data)

	m.mu.Lock()
	index := m.head.Load()
	m.slots[index%int64(m.maxChunks)] = memSlot{
		index:   index,
		data:    owned,
		written: time.Now(),
	}
	m.head.Add(1)
	m.mu.Unlock()
	return index
}

func (m *Memory) Get(index int64) ([]byte, bool) {
	if index < 0 || index >= m.head.Load() {
		return nil, false
	}
	m.mu.RLock()
	slot := m.slots[index%int64(m.maxChunks)]
	m.mu.RUnlock()
	if slot.index != index {
		return nil, false // overwritten by a newer chunk
	}
	if m.ttl > 0 && time.Since(slot.written) > m.ttl {
		return nil, false
	}
	return slot.data, true
}

func (m *Memory) Head() int64 { return m.head.Load() }

func (m *Memory) Close() error { return nil }
