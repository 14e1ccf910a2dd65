// Package dnscache memoises MX lookups with a TTL so bulk verification
// runs touch DNS once per domain. Concurrent lookups for the same domain
// are deduplicated: one query runs, every waiter receives its result.
package dnscache

import (
	"context"
	"net"
	"sync"
	"time"
)

// MXLookup is the underlying lookup being cached.
type MXLookup func(ctx context.Context, domain string) ([]*net.MX, error)

// Cache is a thread-safe MX lookup cache.
type Cache struct {
	lookup MXLookup
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	records []*net.MX
	err     error
	expires time.Time
	done    chan struct{} // closed when the lookup completes
}

// New wraps lookup with a TTL cache.
func New(lookup MXLookup, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		lookup:  lookup,
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

// MX returns the MX records for domain, consulting the cache first. Errors
// are cached alongside results for the same TTL, so a domain with no MX
// does not get re-queried on every address in a bulk run.
func (c *Cache) MX(ctx context.Context, domain string) ([]*net.MX, error) {
	c.mu.Lock()

	if e, ok := c.entries[domain]; ok {
		select {
		case <-e.done:
			if time.Now().Before(e.expires) {
				c.mu.Unlock()
				return copyMX(e.records), e.err
			}
			// Expired; fall through and refresh.
		default:
			// In flight; wait for whoever started it.
			c.mu.Unlock()
			select {
			case <-e.done:
				return copyMX(e.records), e.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	e := &entry{done: make(chan struct{})}
	c.entries[domain] = e
	c.mu.Unlock()

	e.records, e.err = c.lookup(ctx, domain)
	e.expires = time.Now().Add(c.ttl)
	close(e.done)

	return copyMX(e.records), e.err
}

// Len reports the number of cached domains.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// copyMX deep-copies records so callers cannot mutate cached data.
func copyMX(records []*net.MX) []*net.MX {
	if records == nil {
		return nil
	}
	out := make([]*net.MX, len(records))
	for i, r := range records {
		cp := *r
		out[i] = &cp
	}
	return out
}
