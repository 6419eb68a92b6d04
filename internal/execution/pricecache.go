package execution

import (
	"sync"
	"time"

	"position-tracker/internal/model"
)

// priceCache is a best-effort per-symbol quote cache. An entry older than
// ttl is never returned.
type priceCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cachedQuote
}

type cachedQuote struct {
	q       model.Quote
	fetched time.Time
}

func newPriceCache(ttl time.Duration) *priceCache {
	return &priceCache{ttl: ttl, entries: make(map[string]cachedQuote)}
}

func (c *priceCache) get(symbol string, now time.Time) (model.Quote, bool) {
	if c.ttl <= 0 {
		return model.Quote{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[symbol]
	if !ok {
		return model.Quote{}, false
	}
	if now.Sub(e.fetched) >= c.ttl {
		delete(c.entries, symbol)
		return model.Quote{}, false
	}
	return e.q, true
}

func (c *priceCache) put(symbol string, q model.Quote, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[symbol] = cachedQuote{q: q, fetched: now}
	c.mu.Unlock()
}

func (c *priceCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string]cachedQuote)
	c.mu.Unlock()
}
