package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/brandlens/orchestrator/internal/circuitbreaker"
	"github.com/brandlens/orchestrator/internal/tracing"
)

// Webhook posts the outcome as JSON to a URL
type Webhook struct {
	url  string
	http *circuitbreaker.HTTPWrapper
}

// NewWebhook creates a webhook notifier
func NewWebhook(url string, logger *zap.Logger) *Webhook {
	client := &http.Client{Timeout: 10 * time.Second}
	return &Webhook{url: url, http: circuitbreaker.NewHTTPWrapper(client, "webhook", "notify", logger)}
}

// Notify implements Notifier
func (w *Webhook) Notify(ctx context.Context, o Outcome) error {
	body, err := json.Marshal(o)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
