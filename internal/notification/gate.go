package notification

import (
	"fmt"
	"time"

	"position-tracker/internal/model"
)

// GateConfig holds the anti-spam thresholds.
type GateConfig struct {
	MinInterval      time.Duration // between two updates of one position
	MinStrengthDelta int           // signal strength increase worth an update
	FreshWindow      time.Duration // a fill this recent is news
}

// DefaultGateConfig matches the production thresholds.
var DefaultGateConfig = GateConfig{
	MinInterval:      30 * time.Minute,
	MinStrengthDelta: 10,
	FreshWindow:      5 * time.Minute,
}

// Trigger is what prompted an update evaluation: reconciliation events,
// a repeated signal, or both.
type Trigger struct {
	Events []model.ExecutionEvent
	Signal *model.Signal
	Now    time.Time
}

type verdict struct {
	notify    bool
	reason    string
	throttled bool
}

// ShouldNotify is the anti-spam gate for update messages. Rules are
// evaluated in order and the first match decides.
func ShouldNotify(cfg GateConfig, pos model.Position, trig Trigger) (bool, string) {
	v := decide(cfg, pos, trig)
	return v.notify, v.reason
}

func decide(cfg GateConfig, pos model.Position, trig Trigger) verdict {
	now := trig.Now

	for _, ev := range trig.Events {
		if ev.Kind.IsStop() {
			return verdict{notify: true, reason: "stop loss hit"}
		}
	}

	if !pos.LastNotifiedAt.IsZero() {
		if since := now.Sub(pos.LastNotifiedAt); since < cfg.MinInterval {
			left := (cfg.MinInterval - since).Round(time.Minute)
			return verdict{reason: fmt.Sprintf("too soon (%s remaining)", left), throttled: true}
		}
	}

	cutoff := now.Add(-cfg.FreshWindow)
	for _, ladder := range [][]model.Level{pos.Entries, pos.Exits} {
		for _, l := range ladder {
			if l.IsExecuted() && l.FilledAt.After(cutoff) {
				return verdict{notify: true, reason: "fresh execution"}
			}
		}
	}

	if pos.Stop.IsExecuted() {
		return verdict{notify: true, reason: "stop loss filled"}
	}

	if sig := trig.Signal; sig != nil {
		if delta := sig.Strength - pos.Strength; delta >= cfg.MinStrengthDelta {
			return verdict{notify: true, reason: fmt.Sprintf("strength up %+d", delta)}
		}
	}

	if pos.Status == model.StatusFullyEntered && pos.UpdateCount == 0 {
		return verdict{notify: true, reason: "all entries filled"}
	}

	if sig := trig.Signal; sig != nil && sig.Direction != pos.Direction {
		return verdict{notify: true, reason: fmt.Sprintf("direction change %s -> %s", pos.Direction, sig.Direction)}
	}

	return verdict{reason: "no significant change"}
}
