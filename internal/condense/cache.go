package condense

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"ctxbudget/internal/content"
)

// DefaultCacheSize is the number of condensation results kept by
// NewCached when size is not positive.
const DefaultCacheSize = 512

// Cached memoizes condensation results by unit fingerprint. Units with equal
// text, kind and language share a result.
type Cached struct {
	inner *Condenser
	cache *lru.Cache[uint64, Result]
}

// NewCached wraps a Condenser with an LRU cache.
func NewCached(inner *Condenser, size int) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[uint64, Result](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Condense returns a cached result or computes and stores a new one.
func (c *Cached) Condense(u content.Unit) Result {
	key := u.Fingerprint()
	if r, ok := c.cache.Get(key); ok {
		return r
	}
	r := c.inner.Condense(u)
	c.cache.Add(key, r)
	return r
}

// Len returns the number of cached results.
func (c *Cached) Len() int {
	return c.cache.Len()
}

// Purge drops every cached result.
func (c *Cached) Purge() {
	c.cache.Purge()
}
