package angel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"position-tracker/internal/model"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestParseSymbols(t *testing.T) {
	got, err := ParseSymbols(" tcs=nse:11536, INFY=NSE:1594 ,")
	if err != nil {
		t.Fatalf("ParseSymbols: %v", err)
	}
	if len(got) != 2 || got["TCS"] != (Instrument{"NSE", "11536"}) || got["INFY"].Token != "1594" {
		t.Errorf("ParseSymbols = %+v", got)
	}

	for _, bad := range []string{"TCS", "TCS=NSE", "=NSE:1", "TCS=NSE:abc", "TCS=:1"} {
		if _, err := ParseSymbols(bad); err == nil {
			t.Errorf("ParseSymbols(%q): expected error", bad)
		}
	}
}

// fakeAPI serves the login and quote routes. quote decides each quote reply.
type fakeAPI struct {
	logins atomic.Int32
	quotes atomic.Int32
	quote  func(n int32) (int, any)
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/auth/angelbroking/user/v1/loginByPassword", func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["clientcode"] != "C123" || len(body["totp"]) != 6 {
			t.Errorf("login body = %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": true, "message": "SUCCESS",
			"data": map[string]any{"jwtToken": "Bearer jwt-1", "refreshToken": "r-1", "feedToken": "f-1"},
		})
	})
	mux.HandleFunc("/rest/secure/angelbroking/market/v1/quote", func(w http.ResponseWriter, r *http.Request) {
		n := f.quotes.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer jwt-1" {
			t.Errorf("Authorization = %q", got)
		}
		code, body := f.quote(n)
		writeJSON(w, code, body)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func fetched(ltp, high, low float64) map[string]any {
	return map[string]any{
		"status": true, "message": "SUCCESS", "errorcode": "",
		"data": map[string]any{
			"fetched": []any{map[string]any{
				"exchange": "NSE", "tradingSymbol": "TCS-EQ", "symbolToken": "11536",
				"ltp": ltp, "open": 100.0, "high": high, "low": low, "close": 99.5,
			}},
			"unfetched": []any{},
		},
	}
}

func newTestSource(t *testing.T, api *fakeAPI) (*Source, *time.Time) {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	s, err := New(Config{
		APIKey: "k", ClientCode: "C123", PIN: "1111", TOTPSecret: "JBSWY3DPEHPK3PXP",
		RootURL: srv.URL,
		Symbols: map[string]Instrument{"TCS": {"NSE", "11536"}},
		Rate:    1000, Burst: 10,
	}, quiet)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clock := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s, &clock
}

func TestQuote_ExtremesSincePreviousPoll(t *testing.T) {
	replies := []map[string]any{
		fetched(100, 101, 99),
		fetched(102, 103, 99),
		fetched(101, 103, 98.5),
	}
	api := &fakeAPI{quote: func(n int32) (int, any) { return http.StatusOK, replies[n-1] }}
	s, clock := newTestSource(t, api)
	ctx := context.Background()

	want := []model.Quote{
		{Symbol: "TCS", Close: 100, High: 100, Low: 100},
		{Symbol: "TCS", Close: 102, High: 103, Low: 102},
		{Symbol: "TCS", Close: 101, High: 101, Low: 98.5},
	}
	for i, w := range want {
		*clock = clock.Add(time.Minute)
		q, err := s.Quote(ctx, "tcs")
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if q.Symbol != w.Symbol || q.Close != w.Close || q.High != w.High || q.Low != w.Low {
			t.Errorf("poll %d = %+v, want %+v", i, q, w)
		}
		if !q.At.Equal(*clock) {
			t.Errorf("poll %d At = %v", i, q.At)
		}
	}
	if n := api.logins.Load(); n != 1 {
		t.Errorf("logins = %d, want 1", n)
	}
}

func TestQuote_UnknownSymbol(t *testing.T) {
	api := &fakeAPI{quote: func(int32) (int, any) { return http.StatusOK, fetched(1, 1, 1) }}
	s, _ := newTestSource(t, api)

	if _, err := s.Quote(context.Background(), "WIPRO"); !errors.Is(err, model.ErrNoPrice) {
		t.Errorf("err = %v, want ErrNoPrice", err)
	}
	if api.logins.Load() != 0 || api.quotes.Load() != 0 {
		t.Error("unknown symbol reached the API")
	}
}

func TestQuote_Unfetched(t *testing.T) {
	api := &fakeAPI{quote: func(int32) (int, any) {
		return http.StatusOK, map[string]any{
			"status": true,
			"data":   map[string]any{"fetched": []any{}, "unfetched": []any{map[string]any{"symbolToken": "11536"}}},
		}
	}}
	s, _ := newTestSource(t, api)

	if _, err := s.Quote(context.Background(), "TCS"); !errors.Is(err, model.ErrNoPrice) {
		t.Errorf("err = %v, want ErrNoPrice", err)
	}
	if n := api.quotes.Load(); n != 1 {
		t.Errorf("quote calls = %d, ErrNoPrice must not be retried", n)
	}
}

func TestQuote_RetriesServerError(t *testing.T) {
	api := &fakeAPI{quote: func(n int32) (int, any) {
		if n == 1 {
			return http.StatusBadGateway, map[string]any{"message": "upstream"}
		}
		return http.StatusOK, fetched(100, 100, 100)
	}}
	s, _ := newTestSource(t, api)

	q, err := s.Quote(context.Background(), "TCS")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.Close != 100 || api.quotes.Load() != 2 {
		t.Errorf("quote = %+v after %d calls", q, api.quotes.Load())
	}
}

func TestQuote_ReloginOnExpiredToken(t *testing.T) {
	api := &fakeAPI{quote: func(n int32) (int, any) {
		if n == 1 {
			return http.StatusOK, map[string]any{"status": false, "message": "Invalid Token", "errorcode": "AG8001"}
		}
		return http.StatusOK, fetched(100, 100, 100)
	}}
	s, _ := newTestSource(t, api)

	if _, err := s.Quote(context.Background(), "TCS"); err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if n := api.logins.Load(); n != 2 {
		t.Errorf("logins = %d, want 2", n)
	}
}

func TestQuote_ClientErrorNotRetried(t *testing.T) {
	api := &fakeAPI{quote: func(int32) (int, any) {
		return http.StatusOK, map[string]any{"status": false, "message": "Invalid exchange", "errorcode": "AB4008"}
	}}
	s, _ := newTestSource(t, api)

	if _, err := s.Quote(context.Background(), "TCS"); err == nil {
		t.Fatal("expected error")
	}
	if n := api.quotes.Load(); n != 1 {
		t.Errorf("quote calls = %d, want 1", n)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{APIKey: "k"}, quiet); err == nil {
		t.Error("expected error for missing credentials")
	}
	if _, err := New(Config{APIKey: "k", ClientCode: "c", PIN: "p", TOTPSecret: "s"}, quiet); err == nil {
		t.Error("expected error for empty symbol map")
	}
}
