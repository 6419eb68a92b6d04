package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"position-tracker/internal/model"
)

const quoteKeyPrefix = "tracker:quote:"

// QuoteCache is a model.PriceSource that shares fetched quotes between
// tracker instances through Redis, so one upstream call per symbol and TTL
// serves all of them. When Redis is unavailable it degrades to the
// upstream source alone.
type QuoteCache struct {
	c    *Client
	next model.PriceSource
	ttl  time.Duration
}

// NewQuoteCache wraps next. ttl bounds how stale a shared quote may be.
func NewQuoteCache(c *Client, next model.PriceSource, ttl time.Duration) *QuoteCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &QuoteCache{c: c, next: next, ttl: ttl}
}

// Quote implements model.PriceSource.
func (q *QuoteCache) Quote(ctx context.Context, symbol string) (model.Quote, error) {
	if quote, ok := q.lookup(ctx, symbol); ok {
		return quote, nil
	}
	quote, err := q.next.Quote(ctx, symbol)
	if err != nil {
		return quote, err
	}
	q.store(ctx, quote)
	return quote, nil
}

func (q *QuoteCache) lookup(ctx context.Context, symbol string) (model.Quote, bool) {
	var raw []byte
	err := q.c.cb.Execute(ctx, func(ctx context.Context) error {
		b, err := q.c.rdb.Get(ctx, quoteKey(symbol)).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		raw = b
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrCircuitOpen) {
			q.c.log.Warn("quote lookup failed", "symbol", symbol, "err", err)
		}
		return model.Quote{}, false
	}
	if raw == nil {
		return model.Quote{}, false
	}
	quote, err := decodeQuote(raw)
	if err != nil {
		q.c.log.Warn("bad cached quote", "symbol", symbol, "err", err)
		return model.Quote{}, false
	}
	return quote, true
}

func (q *QuoteCache) store(ctx context.Context, quote model.Quote) {
	raw, err := json.Marshal(quote)
	if err != nil {
		return
	}
	err = q.c.cb.Execute(ctx, func(ctx context.Context) error {
		return q.c.rdb.Set(ctx, quoteKey(quote.Symbol), raw, q.ttl).Err()
	})
	if err != nil && !errors.Is(err, ErrCircuitOpen) {
		q.c.log.Warn("quote store failed", "symbol", quote.Symbol, "err", err)
	}
}

func quoteKey(symbol string) string { return quoteKeyPrefix + symbol }

func decodeQuote(raw []byte) (model.Quote, error) {
	var quote model.Quote
	if err := json.Unmarshal(raw, &quote); err != nil {
		return quote, fmt.Errorf("redis decode quote: %w", err)
	}
	quote = quote.Normalize()
	if !quote.Valid() {
		return quote, fmt.Errorf("redis decode quote: no price for %q", quote.Symbol)
	}
	return quote, nil
}
