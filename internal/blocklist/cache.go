// Package blocklist caches the bidirectional player block relation with a
// bounded TTL. The effective relation is the symmetric closure: two players
// are blocked iff either direction exists.
package blocklist

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Repository is the persistent block-edge store. IsBlocked answers for one
// direction (owner -> blocked).
type Repository interface {
	IsBlocked(ctx context.Context, ownerID, blockedID string) (bool, error)
}

type entry struct {
	blocked   bool // a -> b
	blockedBy bool // b -> a
	cachedAt  time.Time
}

func (e entry) either() bool { return e.blocked || e.blockedBy }

type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	repo    Repository
	now     func() time.Time
	log     *zap.Logger
}

func New(repo Repository, ttl time.Duration, log *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		repo:    repo,
		now:     time.Now,
		log:     log.Named("blocklist"),
	}
}

// SetClock overrides the cache clock. Test use only.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// pairKey returns the canonical unordered key "min:max".
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// IsBlocked answers whether either direction of the pair is blocked. On a
// repository error the gate fails open: not blocked, nothing cached.
func (c *Cache) IsBlocked(ctx context.Context, a, b string) bool {
	if a == b {
		return false
	}
	key := pairKey(a, b)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.cachedAt) < c.ttl {
		c.mu.Unlock()
		return e.either()
	}
	c.mu.Unlock()

	// Miss: query both directions outside the lock.
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	fwd, err1 := c.repo.IsBlocked(ctx, lo, hi)
	rev, err2 := c.repo.IsBlocked(ctx, hi, lo)
	if err1 != nil || err2 != nil {
		err := err1
		if err == nil {
			err = err2
		}
		c.log.Warn("block repository unavailable, failing open", zap.Error(err))
		return false
	}

	e := entry{blocked: fwd, blockedBy: rev, cachedAt: c.now()}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return e.either()
}

// InvalidatePair drops the cached entry for one pair.
func (c *Cache) InvalidatePair(a, b string) {
	c.mu.Lock()
	delete(c.entries, pairKey(a, b))
	c.mu.Unlock()
}

// InvalidatePlayer drops every entry whose key contains the player.
func (c *Cache) InvalidatePlayer(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if i := strings.IndexByte(k, ':'); i >= 0 {
			if k[:i] == p || k[i+1:] == p {
				delete(c.entries, k)
			}
		}
	}
}

// Sweep drops expired entries. Run periodically.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	n := 0
	for k, e := range c.entries {
		if e.cachedAt.Before(cutoff) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached pairs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
