package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestTelegramNotifier_Send(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "-100", quiet).WithBaseURL(srv.URL)
	err := n.Send(context.Background(), Alert{Level: AlertCritical, Title: "Stop hit SBIN", Message: "Price: 96.50"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if body["chat_id"] != "-100" || body["parse_mode"] != "MarkdownV2" {
		t.Errorf("body = %v", body)
	}
	if text, _ := body["text"].(string); !strings.Contains(text, `Price: 96\.50`) {
		t.Errorf("text not escaped: %q", text)
	}
}

func TestTelegramNotifier_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewTelegramNotifier("T", "1", quiet).WithBaseURL(srv.URL).Send(context.Background(), Alert{Title: "x"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusTooManyRequests || !se.Temporary() {
		t.Fatalf("err = %v", err)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := escapeMarkdown("a_b (1.5)"); got != `a\_b \(1\.5\)` {
		t.Errorf("escapeMarkdown = %q", got)
	}
}

func TestWebhookNotifier_Payload(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, quiet)
	n.now = func() time.Time { return now }
	if err := n.Send(context.Background(), Alert{Level: AlertInfo, Title: "t", Message: "m", Symbol: "TCS", PositionID: "p1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if payload["symbol"] != "TCS" || payload["position_id"] != "p1" || payload["sent_at"] != "2024-03-04T15:00:00Z" || payload["level"] != "INFO" {
		t.Errorf("payload = %v", payload)
	}
}

type stubNotifier struct {
	calls atomic.Int32
	err   error
}

func (s *stubNotifier) Send(context.Context, Alert) error {
	s.calls.Add(1)
	return s.err
}

func TestMultiNotifier(t *testing.T) {
	ok := &stubNotifier{}
	bad := &stubNotifier{err: errors.New("down")}

	if err := NewMultiNotifier(quiet, bad, ok).Send(context.Background(), Alert{}); err != nil {
		t.Errorf("one healthy sink should be enough: %v", err)
	}
	if err := NewMultiNotifier(quiet, bad, bad).Send(context.Background(), Alert{}); err == nil {
		t.Error("expected error when every sink fails")
	}
	if err := NewMultiNotifier(quiet).Send(context.Background(), Alert{}); err == nil {
		t.Error("expected error with no sinks")
	}
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond, AttemptTimeout: time.Second}
}

func TestResilientNotifier_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewResilientNotifier(NewWebhookNotifier(srv.URL, quiet), fastRetry(), quiet)
	if err := n.Send(context.Background(), Alert{Title: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
}

func TestResilientNotifier_NoRetryOnClientError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewResilientNotifier(NewWebhookNotifier(srv.URL, quiet), fastRetry(), quiet)
	err := n.Send(context.Background(), Alert{Title: "x"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestResilientNotifier_GivesUp(t *testing.T) {
	s := &stubNotifier{err: errors.New("connection refused")}
	n := NewResilientNotifier(s, fastRetry(), quiet)
	if err := n.Send(context.Background(), Alert{}); err == nil {
		t.Fatal("expected error after retries are exhausted")
	}
	if s.calls.Load() != 4 {
		t.Errorf("calls = %d, want 1 + 3 retries", s.calls.Load())
	}
}

func TestRetryable(t *testing.T) {
	if retryable(context.Canceled) {
		t.Error("cancellation must not be retried")
	}
	if retryable(&StatusError{Code: 403}) {
		t.Error("403 must not be retried")
	}
	if !retryable(&StatusError{Code: 503}) || !retryable(errors.New("timeout")) {
		t.Error("transient failures must be retried")
	}
}
