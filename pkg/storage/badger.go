package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization.
// Using single-byte prefixes for efficiency.
const (
	prefixBlock = byte(0x01) // block: 0x01 + cid bytes -> payload
	prefixPin   = byte(0x02) // pin:   0x02 + cid bytes -> uint64 count
)

// BadgerBlockstore is a persistent Blockstore backed by BadgerDB.
//
// Key structure:
//   - Blocks: 0x01 + codec byte + digest -> payload
//   - Pins:   0x02 + codec byte + digest -> big-endian pin count
//
// Blocks are immutable, so writes for an existing CID are skipped and
// reads never need invalidation.
type BadgerBlockstore struct {
	db       *badger.DB
	mu       sync.RWMutex // guards closed
	closed   bool
	inMemory bool
}

// NewBadgerBlockstore opens (or creates) a Badger-backed blockstore at dir.
func NewBadgerBlockstore(dir string) (*BadgerBlockstore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // silence badger's own logger; we log our lifecycle
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: opening badger at %s: %w", dir, err)
	}
	log.Printf("[storage] badger blockstore open at %s", dir)
	return &BadgerBlockstore{db: db}, nil
}

// NewBadgerMemoryBlockstore opens an in-memory Badger instance.
// Used by tests that want the production code path without disk I/O.
func NewBadgerMemoryBlockstore() (*BadgerBlockstore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: opening in-memory badger: %w", err)
	}
	return &BadgerBlockstore{db: db, inMemory: true}, nil
}

// IsInMemory reports whether the store runs in memory-only mode.
func (b *BadgerBlockstore) IsInMemory() bool { return b.inMemory }

func blockKey(cid CID) []byte {
	raw := cid.Bytes()
	key := make([]byte, 1+len(raw))
	key[0] = prefixBlock
	copy(key[1:], raw)
	return key
}

func pinKey(cid CID) []byte {
	raw := cid.Bytes()
	key := make([]byte, 1+len(raw))
	key[0] = prefixPin
	copy(key[1:], raw)
	return key
}

func (b *BadgerBlockstore) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Put stores data under the given codec and returns its CID.
func (b *BadgerBlockstore) Put(ctx context.Context, codec Codec, data []byte) (CID, error) {
	if !codec.Valid() {
		return CID{}, ErrInvalidCodec
	}
	if err := b.checkOpen(); err != nil {
		return CID{}, err
	}
	if err := ctx.Err(); err != nil {
		return CID{}, err
	}

	cid := Sum(codec, data)
	key := blockKey(cid)
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil // dedup: identical content already stored
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return CID{}, fmt.Errorf("storage: put %s: %w", cid, err)
	}
	return cid, nil
}

// Get returns the payload for a CID, or ErrNotFound.
func (b *BadgerBlockstore) Get(ctx context.Context, cid CID) ([]byte, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(cid))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %s: %w", cid, err)
	}
	return out, nil
}

// Has reports whether the block exists.
func (b *BadgerBlockstore) Has(ctx context.Context, cid CID) (bool, error) {
	if err := b.checkOpen(); err != nil {
		return false, err
	}
	exists := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blockKey(cid))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err == nil {
			exists = true
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("storage: has %s: %w", cid, err)
	}
	return exists, nil
}

// Pin increments the retention count for a CID.
func (b *BadgerBlockstore) Pin(ctx context.Context, cid CID) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(blockKey(cid)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		count, err := readPinCount(txn, cid)
		if err != nil {
			return err
		}
		return writePinCount(txn, cid, count+1)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("storage: pin %s: %w", cid, err)
	}
	return err
}

// Unpin decrements the retention count for a CID.
func (b *BadgerBlockstore) Unpin(ctx context.Context, cid CID) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		count, err := readPinCount(txn, cid)
		if err != nil {
			return err
		}
		if count == 0 {
			return ErrNotPinned
		}
		if count == 1 {
			return txn.Delete(pinKey(cid))
		}
		return writePinCount(txn, cid, count-1)
	})
	if err != nil && !errors.Is(err, ErrNotPinned) {
		return fmt.Errorf("storage: unpin %s: %w", cid, err)
	}
	return err
}

func readPinCount(txn *badger.Txn, cid CID) (uint64, error) {
	item, err := txn.Get(pinKey(cid))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var count uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("storage: corrupt pin count (%d bytes)", len(val))
		}
		count = binary.BigEndian.Uint64(val)
		return nil
	})
	return count, err
}

func writePinCount(txn *badger.Txn, cid CID, count uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, count)
	return txn.Set(pinKey(cid), buf)
}

// Close flushes and closes the underlying Badger database.
func (b *BadgerBlockstore) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.db.Close()
}
