package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// WebhookNotifier POSTs each alert as JSON to a fixed URL. Any 2xx answer
// counts as delivered.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    *slog.Logger
	now    func() time.Time
}

type webhookPayload struct {
	Alert
	SentAt time.Time `json:"sent_at"`
}

func NewWebhookNotifier(url string, log *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With("component", "webhook"),
		now:    time.Now,
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	p := webhookPayload{Alert: alert, SentAt: w.now().UTC()}
	if err := postJSON(ctx, w.client, "webhook", w.url, p); err != nil {
		return err
	}
	w.log.Debug("alert delivered", "symbol", alert.Symbol, "position_id", alert.PositionID)
	return nil
}

// postJSON encodes v and POSTs it to url. A non-2xx answer becomes a
// *StatusError tagged with sink.
func postJSON(ctx context.Context, c *http.Client, sink, url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", sink, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: request: %w", sink, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("%s: post: %w", sink, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return &StatusError{Sink: sink, Code: resp.StatusCode}
	}
	return nil
}
