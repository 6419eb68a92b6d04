package model

import "time"

// Quote is a price observation for a symbol. High and Low are the extremes
// seen since the previous observation; a last-price feed sets all three to
// the same value.
type Quote struct {
	Symbol string    `json:"symbol"`
	Close  float64   `json:"close"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	At     time.Time `json:"at"`
}

// LastPrice builds a flat quote from a single traded price.
func LastPrice(symbol string, px float64, at time.Time) Quote {
	return Quote{Symbol: symbol, Close: px, High: px, Low: px, At: at}
}

// Normalize fills missing extremes from Close and orders them.
func (q Quote) Normalize() Quote {
	if q.High <= 0 {
		q.High = q.Close
	}
	if q.Low <= 0 {
		q.Low = q.Close
	}
	if q.High < q.Close {
		q.High = q.Close
	}
	if q.Low > q.Close {
		q.Low = q.Close
	}
	return q
}

// Valid reports whether the quote carries a usable price.
func (q Quote) Valid() bool { return q.Close > 0 }
