package storage

import (
	"context"
	"errors"
	"sync"
)

// Common storage errors.
var (
	ErrNotFound      = errors.New("storage: block not found")
	ErrInvalidCID    = errors.New("storage: invalid cid")
	ErrInvalidCodec  = errors.New("storage: invalid codec")
	ErrStorageClosed = errors.New("storage: closed")
	ErrNotPinned     = errors.New("storage: block not pinned")
)

// Blockstore is the content-addressed storage interface consumed by the
// graph engine and the transaction manager.
//
// All implementations MUST be:
//   - Thread-safe: safe for concurrent use from multiple goroutines
//   - Deterministic: Put of identical (codec, data) returns the same CID
//   - Immutable: a stored block is never modified in place
//
// Pin/Unpin manage retention: pinned blocks survive garbage collection of
// unreferenced content. Pin counts are recursive in spirit but tracked
// per-CID; pinning the same CID twice requires two unpins.
type Blockstore interface {
	// Put stores data under the given codec and returns its CID.
	// Storing identical content is a no-op that returns the existing CID.
	Put(ctx context.Context, codec Codec, data []byte) (CID, error)

	// Get returns the payload for a CID, or ErrNotFound.
	Get(ctx context.Context, cid CID) ([]byte, error)

	// Has reports whether the block exists without fetching the payload.
	Has(ctx context.Context, cid CID) (bool, error)

	// Pin marks a block as retained.
	Pin(ctx context.Context, cid CID) error

	// Unpin removes one retention mark. Unpinning a block that was never
	// pinned returns ErrNotPinned.
	Unpin(ctx context.Context, cid CID) error

	// Close releases underlying resources. Operations after Close return
	// ErrStorageClosed.
	Close() error
}

// MemoryBlockstore is a map-backed Blockstore for tests and small datasets.
type MemoryBlockstore struct {
	mu     sync.RWMutex
	blocks map[CID][]byte
	pins   map[CID]int
	closed bool
}

// NewMemoryBlockstore creates an empty in-memory blockstore.
func NewMemoryBlockstore() *MemoryBlockstore {
	return &MemoryBlockstore{
		blocks: make(map[CID][]byte),
		pins:   make(map[CID]int),
	}
}

// Put stores data and returns its content id.
func (m *MemoryBlockstore) Put(_ context.Context, codec Codec, data []byte) (CID, error) {
	if !codec.Valid() {
		return CID{}, ErrInvalidCodec
	}
	cid := Sum(codec, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return CID{}, ErrStorageClosed
	}
	if _, exists := m.blocks[cid]; !exists {
		// Copy so callers can reuse their buffer.
		stored := make([]byte, len(data))
		copy(stored, data)
		m.blocks[cid] = stored
	}
	return cid, nil
}

// Get returns the payload for a CID.
func (m *MemoryBlockstore) Get(_ context.Context, cid CID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	data, exists := m.blocks[cid]
	if !exists {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Has reports whether a block exists.
func (m *MemoryBlockstore) Has(_ context.Context, cid CID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrStorageClosed
	}
	_, exists := m.blocks[cid]
	return exists, nil
}

// Pin marks a block as retained.
func (m *MemoryBlockstore) Pin(_ context.Context, cid CID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.blocks[cid]; !exists {
		return ErrNotFound
	}
	m.pins[cid]++
	return nil
}

// Unpin removes one retention mark.
func (m *MemoryBlockstore) Unpin(_ context.Context, cid CID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	n := m.pins[cid]
	if n <= 0 {
		return ErrNotPinned
	}
	if n == 1 {
		delete(m.pins, cid)
	} else {
		m.pins[cid] = n - 1
	}
	return nil
}

// PinCount returns the current pin count for a CID. Test helper.
func (m *MemoryBlockstore) PinCount(cid CID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pins[cid]
}

// Len returns the number of distinct blocks stored.
func (m *MemoryBlockstore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}

// Close marks the store closed.
func (m *MemoryBlockstore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
