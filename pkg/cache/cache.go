// Package cache provides a process-wide TTL key/value cache with
// pattern-based invalidation, plus a topic bus that signals staleness to
// subscribers after mutations.
package cache

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry struct {
	value  any
	expiry time.Time
}

// Cache is a TTL key/value store. Expired entries are treated as misses
// on read and swept periodically by a janitor goroutine.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	group singleflight.Group
	now   func() time.Time

	janitorStop chan struct{}
	janitorOnce sync.Once

	logger *slog.Logger
}

func New(logger *slog.Logger) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
		logger:  logger.With(slog.String("component", "cache")),
	}
}

// Get returns the cached value for key, or a miss if absent or expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiry) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with expiry now+ttl.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiry: c.now().Add(ttl)}
}

// Delete removes a single entry. Removing an absent key is a no-op.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidatePattern removes every entry whose key matches the regular
// expression and returns the number of entries removed.
func (c *Cache) InvalidatePattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.entries {
		if re.MatchString(key) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Invalidated entries by pattern",
			slog.String("pattern", pattern), slog.Int("removed", removed))
	}
	return removed, nil
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Len reports the number of stored entries, including not-yet-swept
// expired ones.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Fetch returns the cached value for key, or runs fn to produce it and
// caches the result for ttl. Concurrent callers for the same key share a
// single in-flight fn invocation.
func (c *Cache) Fetch(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: an earlier caller may have
		// populated the entry while we waited.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	return v, err
}

// StartJanitor launches a background sweep of expired entries every
// interval. It may be called at most once; Stop ends the sweep.
func (c *Cache) StartJanitor(interval time.Duration) {
	c.janitorOnce.Do(func() {
		c.janitorStop = make(chan struct{})
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.sweep()
				case <-c.janitorStop:
					return
				}
			}
		}()
	})
}

// Stop halts the janitor, if running.
func (c *Cache) Stop() {
	if c.janitorStop != nil {
		close(c.janitorStop)
		c.janitorStop = nil
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, e := range c.entries {
		if !now.Before(e.expiry) {
			delete(c.entries, key)
		}
	}
}
