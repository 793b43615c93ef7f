package dnscache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/rr-tcpd/internal/dns/common/clock"
	"github.com/haukened/rr-tcpd/internal/dns/services/resolver"
)

type entry struct {
	answer    resolver.Answer
	expiresAt time.Time
}

// dnsCache is an in-memory TTL-aware cache using an LRU strategy to store
// authoritative answers. An entry lives for the smallest TTL among its records.
type dnsCache struct {
	lru   *lru.Cache[string, entry]
	clock clock.Clock
}

// New returns a new dnsCache instance of the given size using an LRU backing store.
func New(size int, clk clock.Clock) (*dnsCache, error) {
	cache, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &dnsCache{lru: cache, clock: clk}, nil
}

// Set stores answer under key. Answers with a zero TTL are not cached.
func (c *dnsCache) Set(key string, answer resolver.Answer) {
	ttl := answer.TTL()
	if ttl <= 0 {
		return
	}
	c.lru.Add(key, entry{answer: answer, expiresAt: c.clock.Now().Add(ttl)})
}

// Get retrieves an answer if present and not expired. Expired entries are removed.
func (c *dnsCache) Get(key string) (resolver.Answer, bool) {
	e, found := c.lru.Get(key)
	if !found {
		return resolver.Answer{}, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.lru.Remove(key)
		return resolver.Answer{}, false
	}
	return e.answer, true
}

// Delete removes the entry for the given key from the cache.
func (c *dnsCache) Delete(key string) {
	c.lru.Remove(key)
}

// Purge drops every entry, e.g. after zones are reloaded.
func (c *dnsCache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cache entries currently stored in the cache.
func (c *dnsCache) Len() int {
	return c.lru.Len()
}

// Keys returns a slice of all current cache keys, oldest first.
func (c *dnsCache) Keys() []string {
	return c.lru.Keys()
}

var _ resolver.Cache = (*dnsCache)(nil)
