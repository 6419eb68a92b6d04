// Package redis holds the Redis adapters of the tracker: a shared quote
// cache in front of the price source, the signal inbox, and the execution
// event publisher. Every round trip goes through one CircuitBreaker.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"position-tracker/internal/metrics"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	BreakerFailures int
	BreakerReset    time.Duration
}

// Client is a connected Redis client with the breaker shared by the
// adapters built on it.
type Client struct {
	rdb *goredis.Client
	cb  *CircuitBreaker
	log *slog.Logger
}

// Connect creates the client and pings the server.
func Connect(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 10 * time.Second
	}
	log = log.With("component", "redis")
	log.Info("connected", "addr", cfg.Addr, "db", cfg.DB)
	return &Client{
		rdb: rdb,
		cb:  NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerReset),
		log: log,
	}, nil
}

// Redis returns the underlying client for health checks.
func (c *Client) Redis() *goredis.Client { return c.rdb }

// Breaker returns the shared circuit breaker.
func (c *Client) Breaker() *CircuitBreaker { return c.cb }

// Instrument reports breaker transitions on m.
func (c *Client) Instrument(m *metrics.Metrics) {
	prev := c.cb.OnStateChange
	c.cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		m.RedisCircuitBreakerState.Set(float64(to))
		if to == StateOpen {
			m.RedisCircuitBreakerTrips.Inc()
		}
		c.log.Warn("circuit breaker transition", "from", from, "to", to)
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
