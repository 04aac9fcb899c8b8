package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"phishwatch/core"

	"go.uber.org/zap"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookConfig configures the webhook publisher
type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// WebhookPublisher posts IngestionFinished as JSON. Repeated failures open a
// circuit breaker so an unreachable endpoint does not slow every run.
type WebhookPublisher struct {
	cfg     WebhookConfig
	client  *http.Client
	breaker *core.CircuitBreaker
	logger  *zap.SugaredLogger
}

// NewWebhookPublisher creates a webhook publisher
func NewWebhookPublisher(cfg WebhookConfig, breakerCfg core.CircuitBreakerConfig, logger *zap.SugaredLogger) (*WebhookPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}

	breaker, err := core.NewCircuitBreaker(breakerCfg)
	if err != nil {
		return nil, err
	}

	return &WebhookPublisher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Publish delivers the event unless the breaker is open
func (p *WebhookPublisher) Publish(ctx context.Context, event core.IngestionFinished) error {
	return p.breaker.Execute(func() error {
		return p.send(ctx, event)
	})
}

func (p *WebhookPublisher) send(ctx context.Context, event core.IngestionFinished) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, p.cfg.Method, p.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "phishwatch/1.0")
	req.Header.Set("X-Phishwatch-Event", "ingestion.finished")
	for key, value := range p.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if err := resp.Body.Close(); err != nil {
			p.logger.Debugw("Failed to close webhook response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}

	p.logger.Debugw("Sent webhook", "url", p.cfg.URL, "run_id", event.RunID)
	return nil
}

// BreakerState exposes the circuit breaker state for status reporting
func (p *WebhookPublisher) BreakerState() core.CircuitBreakerState {
	return p.breaker.State()
}
