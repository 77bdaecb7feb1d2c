package credits

import (
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/pkg/models"
)

// BalanceCache is an in-process TTL cache for balance reads. Writes
// invalidate after commit, so staleness is bounded by the TTL only for
// mutations made by other replicas.
type BalanceCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	balance models.Balance
	at      time.Time
}

// NewBalanceCache builds a cache. TTL is capped at five minutes; a zero or
// negative TTL disables caching entirely.
func NewBalanceCache(ttl time.Duration) *BalanceCache {
	if ttl > 5*time.Minute {
		ttl = 5 * time.Minute
	}
	return &BalanceCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

// Get returns a cached balance if present and fresh.
func (c *BalanceCache) Get(accountID string) (models.Balance, bool) {
	if c.ttl <= 0 {
		return models.Balance{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[accountID]
	if !ok || time.Since(e.at) > c.ttl {
		return models.Balance{}, false
	}
	return e.balance, true
}

// Set stores a balance.
func (c *BalanceCache) Set(accountID string, b models.Balance) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[accountID] = cacheEntry{balance: b, at: time.Now()}
	c.mu.Unlock()
}

// Invalidate drops an account's entry.
func (c *BalanceCache) Invalidate(accountID string) {
	c.mu.Lock()
	delete(c.entries, accountID)
	c.mu.Unlock()
}
