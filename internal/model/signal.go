package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrInvalidSignal is returned for a signal missing required fields.
	ErrInvalidSignal = errors.New("invalid signal")
	// ErrEmptyPlan is returned when a plan yields zero entry levels.
	ErrEmptyPlan = errors.New("plan has no entry levels")
	// ErrInvalidPlan is returned for any other malformed plan.
	ErrInvalidPlan = errors.New("invalid plan")
)

// pctEpsilon is the slack allowed when checking that a ladder sums to 100.
const pctEpsilon = 0.01

// Signal is an inbound trading signal.
type Signal struct {
	Symbol       string    `json:"symbol"`
	Direction    Direction `json:"direction"`
	Strength     int       `json:"strength"`
	Price        float64   `json:"current_price"`
	Confidence   string    `json:"confidence,omitempty"`
	EntryQuality string    `json:"entry_quality,omitempty"`
	At           time.Time `json:"at,omitempty"`
}

// Validate checks required fields and normalises the symbol.
func (s *Signal) Validate() error {
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	if s.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidSignal)
	}
	if !s.Direction.Valid() {
		return fmt.Errorf("%w: direction %q", ErrInvalidSignal, s.Direction)
	}
	if s.Price <= 0 || math.IsNaN(s.Price) {
		return fmt.Errorf("%w: price %v", ErrInvalidSignal, s.Price)
	}
	return nil
}

// PlanLevel is a (price, percentage) instruction from the sizing stage.
type PlanLevel struct {
	Price       float64 `json:"price"`
	Percentage  float64 `json:"percentage"`
	Description string  `json:"description,omitempty"`
	Trigger     string  `json:"trigger,omitempty"`
	RiskReward  float64 `json:"risk_reward,omitempty"`
}

// PlanStop is the protective stop of a plan.
type PlanStop struct {
	Price       float64  `json:"price"`
	Description string   `json:"description,omitempty"`
	Trigger     string   `json:"trigger,omitempty"`
	Kind        StopKind `json:"kind,omitempty"`
	TrailPct    float64  `json:"trail_pct,omitempty"`
}

// Plan is the opaque output of level calculation.
type Plan struct {
	Entries      []PlanLevel `json:"entries"`
	Exits        []PlanLevel `json:"exits"`
	Stop         PlanStop    `json:"stop"`
	StrategyType string      `json:"strategy_type,omitempty"`
	ExpectedHold string      `json:"expected_hold,omitempty"`
}

// Validate enforces the plan contract: at least one entry, positive
// prices, and entry/exit percentages each summing to 100.
func (p *Plan) Validate() error {
	if len(p.Entries) == 0 {
		return ErrEmptyPlan
	}
	if err := validateLadder("entries", p.Entries); err != nil {
		return err
	}
	if len(p.Exits) > 0 {
		if err := validateLadder("exits", p.Exits); err != nil {
			return err
		}
	}
	if p.Stop.Price <= 0 {
		return fmt.Errorf("%w: stop price %v", ErrInvalidPlan, p.Stop.Price)
	}
	switch p.Stop.Kind {
	case "", StopFixed:
	case StopTrailing:
		if p.Stop.TrailPct <= 0 || p.Stop.TrailPct >= 100 {
			return fmt.Errorf("%w: trail pct %v", ErrInvalidPlan, p.Stop.TrailPct)
		}
	default:
		return fmt.Errorf("%w: stop kind %q", ErrInvalidPlan, p.Stop.Kind)
	}
	return nil
}

func validateLadder(name string, levels []PlanLevel) error {
	var sum float64
	for i, l := range levels {
		if l.Price <= 0 || math.IsNaN(l.Price) {
			return fmt.Errorf("%w: %s[%d] price %v", ErrInvalidPlan, name, i, l.Price)
		}
		if l.Percentage <= 0 {
			return fmt.Errorf("%w: %s[%d] percentage %v", ErrInvalidPlan, name, i, l.Percentage)
		}
		sum += l.Percentage
	}
	if math.Abs(sum-100) > pctEpsilon {
		return fmt.Errorf("%w: %s percentages sum to %.2f", ErrInvalidPlan, name, sum)
	}
	return nil
}

// SignalEnvelope is the wire shape of an inbound signal with its plan.
type SignalEnvelope struct {
	Signal Signal `json:"signal"`
	Plan   *Plan  `json:"plan,omitempty"`
}
