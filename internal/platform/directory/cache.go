package directory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pats/pats/internal/domain/scheduling"
)

const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 5 * time.Minute
)

type cacheKey struct {
	kind byte
	id   uuid.UUID
}

const (
	kindProvider byte = 'r'
	kindPatient  byte = 'p'
)

// Cached fronts a Directory with an expiring LRU. Misses and errors are not
// cached, so a newly mirrored principal is visible on the next lookup.
type Cached struct {
	next  scheduling.Directory
	cache *expirable.LRU[cacheKey, scheduling.Principal]
}

func NewCached(next scheduling.Directory, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[cacheKey, scheduling.Principal](size, nil, ttl),
	}
}

func (c *Cached) FindProvider(ctx context.Context, id uuid.UUID) (*scheduling.Principal, error) {
	return c.lookup(ctx, cacheKey{kind: kindProvider, id: id}, c.next.FindProvider)
}

func (c *Cached) FindPatient(ctx context.Context, id uuid.UUID) (*scheduling.Principal, error) {
	return c.lookup(ctx, cacheKey{kind: kindPatient, id: id}, c.next.FindPatient)
}

func (c *Cached) lookup(ctx context.Context, key cacheKey,
	load func(context.Context, uuid.UUID) (*scheduling.Principal, error)) (*scheduling.Principal, error) {
	if p, ok := c.cache.Get(key); ok {
		return &p, nil
	}
	p, err := load(ctx, key.id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, *p)
	return p, nil
}

// Invalidate drops any cached entry for id.
func (c *Cached) Invalidate(id uuid.UUID) {
	c.cache.Remove(cacheKey{kind: kindProvider, id: id})
	c.cache.Remove(cacheKey{kind: kindPatient, id: id})
}

// Len reports the number of cached principals.
func (c *Cached) Len() int { return c.cache.Len() }
