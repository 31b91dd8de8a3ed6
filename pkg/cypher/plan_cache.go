package cypher

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Prepared is a compiled statement ready for execution. Plans carry no
// parameter values, so one Prepared serves every execution of the same
// query text.
type Prepared struct {
	Plan    *Plan
	Explain bool
}

// Prepare lexes, parses, and compiles a query.
func Prepare(query string, registry *Registry) (*Prepared, error) {
	if !IsCypher(query) {
		return nil, ErrNotCypher
	}
	stmt, err := Parse(query)
	if err != nil {
		return nil, err
	}
	plan, err := Compile(stmt, registry)
	if err != nil {
		return nil, err
	}
	return &Prepared{Plan: plan, Explain: stmt.Explain}, nil
}

// PlanCache memoizes compilation keyed on the query text. Parameters
// never invalidate a cached plan; only the text matters. Safe for
// concurrent use.
type PlanCache struct {
	cache  *lru.Cache[uint64, *Prepared]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewPlanCache creates a cache holding up to size plans.
func NewPlanCache(size int) (*PlanCache, error) {
	c, err := lru.New[uint64, *Prepared](size)
	if err != nil {
		return nil, err
	}
	return &PlanCache{cache: c}, nil
}

// Prepare returns the cached plan for query, compiling on a miss.
// EXPLAIN statements bypass the cache.
func (pc *PlanCache) Prepare(query string, registry *Registry) (*Prepared, error) {
	key := xxhash.Sum64String(query)
	if p, ok := pc.cache.Get(key); ok {
		pc.hits.Add(1)
		return p, nil
	}
	pc.misses.Add(1)
	p, err := Prepare(query, registry)
	if err != nil {
		return nil, err
	}
	if !p.Explain {
		pc.cache.Add(key, p)
	}
	return p, nil
}

// Stats returns cumulative hit and miss counts.
func (pc *PlanCache) Stats() (hits, misses int64) {
	return pc.hits.Load(), pc.misses.Load()
}

// Len returns the number of cached plans.
func (pc *PlanCache) Len() int { return pc.cache.Len() }
