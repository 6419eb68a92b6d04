// Package angel is a live model.PriceSource backed by the Angel One SmartAPI
// market quote endpoint.
package angel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/pquerna/otp/totp"
	"golang.org/x/time/rate"

	"position-tracker/internal/model"
	"position-tracker/pkg/smartconnect"
)

// Instrument identifies a symbol on the SmartAPI side.
type Instrument struct {
	Exchange string
	Token    string
}

// Config configures a Source.
type Config struct {
	APIKey     string
	ClientCode string
	PIN        string
	TOTPSecret string
	RootURL    string // empty means production

	Symbols map[string]Instrument

	// Rate is the sustained quote call rate per second. SmartAPI allows
	// 10/s on the quote endpoint.
	Rate       float64
	Burst      int
	MaxRetries int
}

// Source fetches quotes one symbol at a time. It logs in lazily and again
// whenever the API reports an expired token.
type Source struct {
	cfg     Config
	sc      *smartconnect.SmartConnect
	limiter *rate.Limiter
	retry   failsafe.Executor[model.Quote]
	log     *slog.Logger
	now     func() time.Time

	loginMu  sync.Mutex
	loggedIn bool

	mu   sync.Mutex
	seen map[string]dayRange
}

// dayRange is the session high/low seen at the previous poll.
type dayRange struct {
	day       string
	high, low float64
}

// ParseSymbols parses "SYM=EXCHANGE:token" pairs separated by commas.
func ParseSymbols(s string) (map[string]Instrument, error) {
	out := make(map[string]Instrument)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sym, rest, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("angel: symbol entry %q: want SYM=EXCHANGE:token", part)
		}
		exch, tok, ok := strings.Cut(rest, ":")
		sym, exch, tok = strings.ToUpper(strings.TrimSpace(sym)), strings.ToUpper(strings.TrimSpace(exch)), strings.TrimSpace(tok)
		if !ok || sym == "" || exch == "" || tok == "" {
			return nil, fmt.Errorf("angel: symbol entry %q: want SYM=EXCHANGE:token", part)
		}
		if _, err := strconv.Atoi(tok); err != nil {
			return nil, fmt.Errorf("angel: symbol %s: token %q is not numeric", sym, tok)
		}
		out[sym] = Instrument{Exchange: exch, Token: tok}
	}
	return out, nil
}

func New(cfg Config, log *slog.Logger) (*Source, error) {
	if cfg.APIKey == "" || cfg.ClientCode == "" || cfg.PIN == "" || cfg.TOTPSecret == "" {
		return nil, errors.New("angel: api key, client code, pin and totp secret are required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("angel: no symbols configured")
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	log = log.With("component", "angel")

	s := &Source{
		cfg: cfg,
		sc: smartconnect.NewSmartConnect(smartconnect.Config{
			APIKey:  cfg.APIKey,
			RootURL: cfg.RootURL,
			Logger:  log,
		}),
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		log:     log,
		now:     time.Now,
		seen:    make(map[string]dayRange),
	}
	s.sc.SessionExpiryHook = s.invalidate

	policy := retrypolicy.NewBuilder[model.Quote]().
		HandleIf(func(_ model.Quote, err error) bool { return retryable(err) }).
		WithBackoff(250*time.Millisecond, 2*time.Second).
		WithMaxRetries(cfg.MaxRetries).
		OnRetry(func(e failsafe.ExecutionEvent[model.Quote]) {
			log.Warn("retrying quote", "attempt", e.Attempts(), "err", e.LastError())
		}).
		Build()
	s.retry = failsafe.With[model.Quote](policy)
	return s, nil
}

// Symbols returns the configured symbols, sorted.
func (s *Source) Symbols() []string {
	out := make([]string, 0, len(s.cfg.Symbols))
	for sym := range s.cfg.Symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Login opens a session with a fresh TOTP code.
func (s *Source) Login(ctx context.Context) error {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	return s.loginLocked(ctx)
}

func (s *Source) loginLocked(ctx context.Context) error {
	code, err := totp.GenerateCode(s.cfg.TOTPSecret, s.now())
	if err != nil {
		return fmt.Errorf("angel: totp: %w", err)
	}
	if _, err := s.sc.GenerateSession(ctx, s.cfg.ClientCode, s.cfg.PIN, code); err != nil {
		return fmt.Errorf("angel: login: %w", err)
	}
	s.loggedIn = true
	return nil
}

func (s *Source) ensureSession(ctx context.Context) error {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	if s.loggedIn {
		return nil
	}
	return s.loginLocked(ctx)
}

func (s *Source) invalidate() {
	s.loginMu.Lock()
	s.loggedIn = false
	s.loginMu.Unlock()
	s.log.Warn("session expired, will log in again")
}

// Close ends the SmartAPI session.
func (s *Source) Close(ctx context.Context) error {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	if !s.loggedIn {
		return nil
	}
	s.loggedIn = false
	return s.sc.TerminateSession(ctx)
}

// Quote implements model.PriceSource. Unknown symbols and instruments the
// exchange did not return yield model.ErrNoPrice.
func (s *Source) Quote(ctx context.Context, symbol string) (model.Quote, error) {
	inst, ok := s.cfg.Symbols[strings.ToUpper(symbol)]
	if !ok {
		return model.Quote{}, model.ErrNoPrice
	}

	return s.retry.GetWithExecution(func(exec failsafe.Execution[model.Quote]) (model.Quote, error) {
		if err := ctx.Err(); err != nil {
			return model.Quote{}, err
		}
		if err := s.ensureSession(ctx); err != nil {
			return model.Quote{}, err
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return model.Quote{}, err
		}
		res, err := s.sc.GetMarketData(ctx, smartconnect.ModeOHLC, map[string][]string{inst.Exchange: {inst.Token}})
		if err != nil {
			var apiErr *smartconnect.APIError
			if errors.As(err, &apiErr) && isTokenError(apiErr) {
				s.invalidate()
			}
			return model.Quote{}, err
		}
		row, err := parseFetched(res, inst.Token)
		if err != nil {
			return model.Quote{}, err
		}
		return s.observe(symbol, row), nil
	})
}

// ohlcRow is one "fetched" entry of an OHLC quote reply. High and Low are
// session extremes, Close is the previous session close.
type ohlcRow struct {
	LTP, Open, High, Low, Close float64
}

func parseFetched(res map[string]any, token string) (ohlcRow, error) {
	data, _ := res["data"].(map[string]any)
	fetched, _ := data["fetched"].([]any)
	for _, f := range fetched {
		m, ok := f.(map[string]any)
		if !ok {
			continue
		}
		if tok := fmt.Sprint(m["symbolToken"]); tok != token {
			continue
		}
		row := ohlcRow{
			LTP:   number(m["ltp"]),
			Open:  number(m["open"]),
			High:  number(m["high"]),
			Low:   number(m["low"]),
			Close: number(m["close"]),
		}
		if row.LTP <= 0 {
			return ohlcRow{}, model.ErrNoPrice
		}
		return row, nil
	}
	return ohlcRow{}, model.ErrNoPrice
}

func number(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

// observe turns session extremes into extremes since the previous poll: a
// session high that rose since the last poll was traded in between, an
// unchanged one was not. The first poll of a day is flat at the last price.
func (s *Source) observe(symbol string, row ohlcRow) model.Quote {
	now := s.now()
	q := model.LastPrice(strings.ToUpper(symbol), row.LTP, now)
	day := now.Format("2006-01-02")

	s.mu.Lock()
	prev, ok := s.seen[q.Symbol]
	s.seen[q.Symbol] = dayRange{day: day, high: row.High, low: row.Low}
	s.mu.Unlock()

	if ok && prev.day == day {
		if row.High > prev.high {
			q.High = row.High
		}
		if row.Low > 0 && row.Low < prev.low {
			q.Low = row.Low
		}
	}
	return q.Normalize()
}

func isTokenError(e *smartconnect.APIError) bool {
	return e.ErrorType == "TokenException" || e.Code == "AG8001" || e.Code == "AG8002"
}

func retryable(err error) bool {
	if err == nil || errors.Is(err, model.ErrNoPrice) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *smartconnect.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary() || isTokenError(apiErr)
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
