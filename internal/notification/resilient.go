package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// ResilientNotifier retries transient sink failures with backoff and bounds
// every attempt with a timeout.
type ResilientNotifier struct {
	next     Notifier
	attempt  time.Duration
	pipeline failsafe.Executor[any]
	log      *slog.Logger
}

// RetryConfig tunes ResilientNotifier.
type RetryConfig struct {
	MaxRetries     int
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryConfig is used for zero fields.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	BackoffMin:     500 * time.Millisecond,
	BackoffMax:     5 * time.Second,
	AttemptTimeout: 10 * time.Second,
}

// NewResilientNotifier wraps next with a retry policy.
func NewResilientNotifier(next Notifier, cfg RetryConfig, log *slog.Logger) *ResilientNotifier {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultRetryConfig.MaxRetries
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = DefaultRetryConfig.BackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultRetryConfig.AttemptTimeout
	}
	log = log.With("component", "notify")

	retry := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && retryable(err)
		}).
		WithBackoff(cfg.BackoffMin, cfg.BackoffMax).
		WithMaxRetries(cfg.MaxRetries).
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			log.Warn("retrying alert", "attempt", e.Attempts(), "err", e.LastError())
		}).
		Build()

	return &ResilientNotifier{
		next:     next,
		attempt:  cfg.AttemptTimeout,
		pipeline: failsafe.With[any](retry),
		log:      log,
	}
}

func (r *ResilientNotifier) Send(ctx context.Context, alert Alert) error {
	_, err := r.pipeline.GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, r.attempt)
		defer cancel()
		return nil, r.next.Send(attemptCtx, alert)
	})
	return err
}

// retryable treats caller cancellation and 4xx answers as final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
