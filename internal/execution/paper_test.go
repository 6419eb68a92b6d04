package execution

import (
	"context"
	"errors"
	"testing"

	"position-tracker/internal/model"
)

type staticLookup map[string]float64

func (s staticLookup) Get(symbol string) (model.Position, bool) {
	px, ok := s[symbol]
	return model.Position{Symbol: symbol, CurrentPrice: px}, ok
}

func TestPaperFeed_DeterministicAndBounded(t *testing.T) {
	lookup := staticLookup{"AAPL": 100}
	a := NewPaperFeed(lookup, 42)
	b := NewPaperFeed(lookup, 42)

	for i := 0; i < 50; i++ {
		qa, err := a.Quote(context.Background(), "AAPL")
		if err != nil {
			t.Fatal(err)
		}
		qb, _ := b.Quote(context.Background(), "AAPL")
		if qa.Close != qb.Close {
			t.Fatalf("same seed diverged at %d: %v vs %v", i, qa.Close, qb.Close)
		}
		if qa.Close < 99.5 || qa.Close > 100.5 {
			t.Fatalf("close %v outside ±0.5%%", qa.Close)
		}
		if qa.Low > qa.Close || qa.High < qa.Close {
			t.Fatalf("bar does not enclose close: %+v", qa)
		}
	}
}

func TestPaperFeed_NoPrice(t *testing.T) {
	f := NewPaperFeed(staticLookup{"ZERO": 0}, 1)
	for _, s := range []string{"ZERO", "MISSING"} {
		if _, err := f.Quote(context.Background(), s); !errors.Is(err, model.ErrNoPrice) {
			t.Errorf("%s: expected ErrNoPrice, got %v", s, err)
		}
	}
}

func TestScriptedFeed_RepeatsLast(t *testing.T) {
	f := NewScriptedFeed()
	f.PushPrices("X", 1, 2)
	want := []float64{1, 2, 2, 2}
	for i, w := range want {
		q, err := f.Quote(context.Background(), "X")
		if err != nil || q.Close != w {
			t.Fatalf("call %d: expected %v, got %v (%v)", i, w, q.Close, err)
		}
	}
}
