package notification

import (
	"fmt"
	"strings"
	"time"

	"position-tracker/internal/model"
)

const (
	maxPendingEntries = 3
	maxPendingTargets = 2
)

// RenderNew renders the message announcing a new position.
func RenderNew(sig model.Signal, plan model.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s NEW SIGNAL %s %s\n\n", arrow(sig.Direction), sig.Symbol, sig.Direction)
	fmt.Fprintf(&b, "Strength: %d/100\n", sig.Strength)
	fmt.Fprintf(&b, "Confidence: %s\n", orNA(sig.Confidence))
	if sig.EntryQuality != "" {
		fmt.Fprintf(&b, "Entry quality: %s\n", sig.EntryQuality)
	}
	fmt.Fprintf(&b, "Price: %.2f\n", sig.Price)

	b.WriteString("\nEntries:\n")
	for i, e := range plan.Entries {
		fmt.Fprintf(&b, "  %d. %.2f - %.0f%%\n", i+1, e.Price, e.Percentage)
	}
	if len(plan.Exits) > 0 {
		b.WriteString("\nTargets:\n")
		for i, x := range plan.Exits {
			fmt.Fprintf(&b, "  %d. %.2f - %.0f%%%s\n", i+1, x.Price, x.Percentage, riskReward(x.RiskReward, true))
		}
	}

	fmt.Fprintf(&b, "\nStop: %.2f", plan.Stop.Price)
	if plan.Stop.Kind == model.StopTrailing {
		fmt.Fprintf(&b, " (trailing %.1f%%)", plan.Stop.TrailPct)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "\nStrategy: %s\n", orNA(plan.StrategyType))
	fmt.Fprintf(&b, "Horizon: %s", orNA(plan.ExpectedHold))
	return b.String()
}

// RenderUpdate renders the state of pos after events. Pending levels are
// capped so the message length stays bounded.
func RenderUpdate(pos model.Position, events []model.ExecutionEvent, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s UPDATE %s %s\n", arrow(pos.Direction), pos.Symbol, pos.Direction)

	if len(events) > 0 {
		b.WriteString("\nEvents:\n")
		for _, ev := range events {
			fmt.Fprintf(&b, "  %s: %.2f", eventName(ev), ev.ExecutedPrice)
			if ev.Slippage != 0 {
				fmt.Fprintf(&b, " (%+.2f%% slippage)", ev.Slippage)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\nPosition:\n")
	fmt.Fprintf(&b, "  Filled: %.1f%%\n", pos.TotalFilledPct)
	if pos.HasAvgEntry() {
		fmt.Fprintf(&b, "  Avg entry: %.2f\n", pos.AvgEntryPrice)
		fmt.Fprintf(&b, "  P&L: %+.2f%%\n", pos.UnrealizedPnL)
	}
	if pos.CurrentPrice > 0 {
		fmt.Fprintf(&b, "  Price: %.2f\n", pos.CurrentPrice)
	}
	fmt.Fprintf(&b, "  Status: %s\n", pos.Status)

	if pos.Status.Terminal() {
		b.WriteString("\nPosition closed")
		end := pos.ClosedAt
		if end.IsZero() {
			end = now
		}
		if !pos.CreatedAt.IsZero() {
			fmt.Fprintf(&b, "\nDuration: %.1fh", end.Sub(pos.CreatedAt).Hours())
		}
		return b.String()
	}

	if pending := pos.PendingEntries(); len(pending) > 0 {
		b.WriteString("\nPending entries:\n")
		for _, e := range head(pending, maxPendingEntries) {
			fmt.Fprintf(&b, "  Entry #%d: %.2f (%.0f%%)\n", e.ID, e.TargetPrice, e.Percentage)
		}
		if more := len(pending) - maxPendingEntries; more > 0 {
			fmt.Fprintf(&b, "  ... and %d more\n", more)
		}
	}
	if pending := pos.PendingExits(); len(pending) > 0 {
		b.WriteString("\nTargets:\n")
		for _, x := range head(pending, maxPendingTargets) {
			fmt.Fprintf(&b, "  TP%d: %.2f%s\n", x.ID, x.TargetPrice, riskReward(x.RiskReward, false))
		}
		if more := len(pending) - maxPendingTargets; more > 0 {
			fmt.Fprintf(&b, "  ... and %d more targets\n", more)
		}
	}
	if pos.Stop.IsPending() {
		fmt.Fprintf(&b, "\nStop: %.2f", pos.Stop.TargetPrice)
		if pos.Stop.Kind == model.StopTrailing {
			fmt.Fprintf(&b, " (trailing %.1f%%)", pos.Stop.TrailPct)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderExecution renders a single execution, used as the lead of
// critical alerts.
func RenderExecution(pos model.Position, ev model.ExecutionEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", strings.ToUpper(eventName(ev)), pos.Symbol)
	fmt.Fprintf(&b, "Price: %.2f\n", ev.ExecutedPrice)
	fmt.Fprintf(&b, "Target: %.2f\n", ev.TargetPrice)
	fmt.Fprintf(&b, "Slippage: %+.3f%%\n", ev.Slippage)
	fmt.Fprintf(&b, "Size: %.0f%%\n", ev.Percentage)
	fmt.Fprintf(&b, "Time: %s", ev.Timestamp.Format("15:04:05"))
	return b.String()
}

func eventName(ev model.ExecutionEvent) string {
	switch ev.Kind {
	case model.EventEntryFilled:
		return fmt.Sprintf("Entry #%d", ev.LevelID)
	case model.EventExitFilled:
		return fmt.Sprintf("Exit #%d", ev.LevelID)
	case model.EventStopHit:
		return "Stop loss"
	case model.EventTrailingStopHit:
		return "Trailing stop"
	default:
		return string(ev.Kind)
	}
}

func riskReward(rr float64, full bool) string {
	if rr <= 0 {
		return ""
	}
	if full {
		return fmt.Sprintf(" (R:R 1:%.1f)", rr)
	}
	return fmt.Sprintf(" (R:R %.1f)", rr)
}

func arrow(d model.Direction) string {
	if d == model.Short {
		return "▼"
	}
	return "▲"
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func head(levels []model.Level, n int) []model.Level {
	if len(levels) > n {
		return levels[:n]
	}
	return levels
}
