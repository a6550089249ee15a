package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// WebhookOptions configures a WebhookSender. Zero values take defaults.
type WebhookOptions struct {
	Timeout   time.Duration
	PerSecond float64
	Burst     int
	Headers   map[string]string
	Client    *http.Client
}

// WebhookSender posts JSON payloads for webhook rule actions. It satisfies
// monitor.WebhookSender.
type WebhookSender struct {
	client  *http.Client
	limiter *rate.Limiter
	headers map[string]string
}

func NewWebhookSender(opts WebhookOptions) *WebhookSender {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.PerSecond <= 0 {
		opts.PerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &WebhookSender{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opts.PerSecond), opts.Burst),
		headers: opts.Headers,
	}
}

// Send waits for the rate limiter, then posts payload as JSON. Non-2xx
// responses are errors.
func (w *WebhookSender) Send(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s returned %s", url, resp.Status)
	}
	return nil
}
