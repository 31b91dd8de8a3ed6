package storage

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedBlockstore wraps any Blockstore with an LRU read cache.
//
// Because blocks are content-addressed and immutable, cached payloads can
// never go stale: the CID is the content. The only invalidation that ever
// happens is capacity eviction and explicit Unpin (an unpinned block may
// be garbage-collected underneath, so its cache entry is dropped).
//
// Mutations to a logical entity produce a new CID, so the stale-read
// hazard of conventional page caches does not exist at this layer; the
// head table in pkg/graph owns logical-id invalidation.
type CachedBlockstore struct {
	inner Blockstore
	cache *lru.Cache[CID, []byte]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedBlockstore wraps inner with an LRU cache of the given capacity.
func NewCachedBlockstore(inner Blockstore, capacity int) (*CachedBlockstore, error) {
	if capacity <= 0 {
		capacity = 4096
	}
	cache, err := lru.New[CID, []byte](capacity)
	if err != nil {
		return nil, err
	}
	return &CachedBlockstore{inner: inner, cache: cache}, nil
}

// Put writes through to the inner store and primes the cache.
func (c *CachedBlockstore) Put(ctx context.Context, codec Codec, data []byte) (CID, error) {
	cid, err := c.inner.Put(ctx, codec, data)
	if err != nil {
		return CID{}, err
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	c.cache.Add(cid, stored)
	return cid, nil
}

// Get serves from cache when possible, falling back to the inner store.
func (c *CachedBlockstore) Get(ctx context.Context, cid CID) ([]byte, error) {
	if data, ok := c.cache.Get(cid); ok {
		c.hits.Add(1)
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	c.misses.Add(1)
	data, err := c.inner.Get(ctx, cid)
	if err != nil {
		return nil, err
	}
	c.cache.Add(cid, data)
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Has checks the cache before the inner store.
func (c *CachedBlockstore) Has(ctx context.Context, cid CID) (bool, error) {
	if c.cache.Contains(cid) {
		return true, nil
	}
	return c.inner.Has(ctx, cid)
}

// Pin delegates to the inner store.
func (c *CachedBlockstore) Pin(ctx context.Context, cid CID) error {
	return c.inner.Pin(ctx, cid)
}

// Unpin delegates and drops the block from cache, since an unpinned block
// may be collected by the backend.
func (c *CachedBlockstore) Unpin(ctx context.Context, cid CID) error {
	if err := c.inner.Unpin(ctx, cid); err != nil {
		return err
	}
	c.cache.Remove(cid)
	return nil
}

// Stats returns cache hit/miss counters.
func (c *CachedBlockstore) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Close purges the cache and closes the inner store.
func (c *CachedBlockstore) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}
