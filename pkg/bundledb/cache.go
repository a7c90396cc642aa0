package bundledb

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/josejamilena/zvault/pkg/bundle"
)

// readCacheCapacity bounds how many decoded bundle readers are kept warm at
// once.
const readCacheCapacity = 5

// readCache is a bounded cache of fully decoded bundle Readers, keyed by
// bundle id. It exists purely to avoid repeatedly decompressing/decrypting
// the same bundle across a run of nearby GetChunk calls (adjacent chunks of
// one file are usually packed into the same bundle).
type readCache struct {
	lru *lru.Cache[bundle.ID, *bundle.Reader]

	hits   uint64
	misses uint64
}

func newReadCache() *readCache {
	c, err := lru.New[bundle.ID, *bundle.Reader](readCacheCapacity)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// readCacheCapacity never is.
		panic(err)
	}
	return &readCache{lru: c}
}

func (c *readCache) get(id bundle.ID) (*bundle.Reader, bool) {
	r, ok := c.lru.Get(id)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return r, ok
}

func (c *readCache) add(id bundle.ID, r *bundle.Reader) {
	c.lru.Add(id, r)
}

func (c *readCache) remove(id bundle.ID) {
	c.lru.Remove(id)
}

// CacheStats reports cumulative hit/miss counts and the current occupancy
// of the bundle read cache, for diagnostics.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
	Cap     int
}

func (c *readCache) stats() CacheStats {
	return CacheStats{Hits: c.hits, Misses: c.misses, Entries: c.lru.Len(), Cap: readCacheCapacity}
}
