// Package notification decides when a position deserves an outbound
// message, renders it, and delivers it to external channels (Telegram,
// webhooks, logs).
package notification

import (
	"context"
	"errors"
	"log/slog"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level      AlertLevel `json:"level"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Symbol     string     `json:"symbol,omitempty"`
	PositionID string     `json:"position_id,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the log. It is the sink used when no
// external channel is configured.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("component", "notify")}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	n.log.Info("alert", "level", alert.Level, "title", alert.Title, "symbol", alert.Symbol, "message", alert.Message)
	return nil
}

// MultiNotifier fans an alert out to several sinks. Delivery succeeds when
// at least one sink accepts it.
type MultiNotifier struct {
	sinks []Notifier
	log   *slog.Logger
}

// NewMultiNotifier combines sinks.
func NewMultiNotifier(log *slog.Logger, sinks ...Notifier) *MultiNotifier {
	return &MultiNotifier{sinks: sinks, log: log.With("component", "notify")}
}

func (m *MultiNotifier) Send(ctx context.Context, alert Alert) error {
	if len(m.sinks) == 0 {
		return errors.New("multi: no sinks configured")
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.Send(ctx, alert); err != nil {
			m.log.Warn("sink failed", "title", alert.Title, "err", err)
			errs = append(errs, err)
		}
	}
	if len(errs) == len(m.sinks) {
		return errors.Join(errs...)
	}
	return nil
}
