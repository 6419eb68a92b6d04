package execution

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"position-tracker/internal/model"
)

// PositionLookup is the part of the ledger PaperFeed needs.
type PositionLookup interface {
	Get(symbol string) (model.Position, bool)
}

// PaperFeed simulates quotes without a market connection. Each call
// perturbs the position's last known price by up to ±maxMovePct and widens
// the bar by 1.5× the move on both sides. The generator is seeded, so a
// run is reproducible.
type PaperFeed struct {
	mu         sync.Mutex
	rng        *rand.Rand
	positions  PositionLookup
	maxMovePct float64
	now        func() time.Time
}

// NewPaperFeed creates a simulated price source over positions.
func NewPaperFeed(positions PositionLookup, seed int64) *PaperFeed {
	return &PaperFeed{
		rng:        rand.New(rand.NewSource(seed)),
		positions:  positions,
		maxMovePct: 0.5,
		now:        time.Now,
	}
}

// Quote implements model.PriceSource.
func (f *PaperFeed) Quote(_ context.Context, symbol string) (model.Quote, error) {
	p, ok := f.positions.Get(symbol)
	if !ok || p.CurrentPrice <= 0 {
		return model.Quote{}, model.ErrNoPrice
	}

	f.mu.Lock()
	move := (f.rng.Float64()*2 - 1) * f.maxMovePct
	f.mu.Unlock()

	last := p.CurrentPrice * (1 + move/100)
	span := math.Abs(move) * 1.5
	return model.Quote{
		Symbol: symbol,
		Close:  last,
		High:   last * (1 + span/100),
		Low:    last * (1 - span/100),
		At:     f.now(),
	}, nil
}

// ScriptedFeed replays a fixed quote sequence per symbol. Once a sequence
// is exhausted the last quote repeats. Symbols without a script have no
// price.
type ScriptedFeed struct {
	mu     sync.Mutex
	script map[string][]model.Quote
	pos    map[string]int
}

// NewScriptedFeed creates an empty ScriptedFeed.
func NewScriptedFeed() *ScriptedFeed {
	return &ScriptedFeed{
		script: make(map[string][]model.Quote),
		pos:    make(map[string]int),
	}
}

// Push appends quotes to the script of symbol.
func (f *ScriptedFeed) Push(symbol string, quotes ...model.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range quotes {
		q.Symbol = symbol
		f.script[symbol] = append(f.script[symbol], q)
	}
}

// PushPrices appends flat last-price quotes.
func (f *ScriptedFeed) PushPrices(symbol string, prices ...float64) {
	qs := make([]model.Quote, len(prices))
	for i, px := range prices {
		qs[i] = model.LastPrice(symbol, px, time.Time{})
	}
	f.Push(symbol, qs...)
}

// Quote implements model.PriceSource.
func (f *ScriptedFeed) Quote(_ context.Context, symbol string) (model.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	qs := f.script[symbol]
	if len(qs) == 0 {
		return model.Quote{}, model.ErrNoPrice
	}
	i := f.pos[symbol]
	if i >= len(qs) {
		i = len(qs) - 1
	} else {
		f.pos[symbol] = i + 1
	}
	return qs[i], nil
}
