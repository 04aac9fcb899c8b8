package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = 500 * time.Millisecond
	maxBackoff         = 10 * time.Second
	userAgent          = "phishwatch-threat-intel/1.0"
)

// httpFetcher performs rate limited GETs with bounded retry for one provider.
// Retries stay inside a single fetch; a failed fetch is never retried by the run.
type httpFetcher struct {
	provider     string
	client       *http.Client
	limiter      *rate.Limiter
	headers      map[string]string
	maxAttempts  int
	baseBackoff  time.Duration
	maxBodyBytes int64
	logger       *zap.SugaredLogger
}

func newHTTPFetcher(cfg ProviderConfig, headers map[string]string, logger *zap.SugaredLogger) *httpFetcher {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &httpFetcher{
		provider:     cfg.Name,
		client:       &http.Client{Timeout: cfg.Timeout},
		limiter:      rate.NewLimiter(limit, 1),
		headers:      headers,
		maxAttempts:  defaultMaxAttempts,
		baseBackoff:  defaultBaseBackoff,
		maxBodyBytes: DefaultMaxBody,
		logger:       logger,
	}
}

// get fetches url and returns the response body
func (f *httpFetcher) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if attempt > 1 {
			wait := f.backoff(attempt - 1)
			f.logger.Debugw("Retrying feed request",
				"provider", f.provider,
				"attempt", attempt,
				"wait", wait,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		body, retryable, err := f.do(ctx, url)
		if err == nil {
			return body, nil
		}
		if !retryable || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("after %d attempts: %w", f.maxAttempts, lastErr)
}

// do performs a single request and reports whether a failure is worth retrying
func (f *httpFetcher) do(ctx context.Context, url string) ([]byte, bool, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, fmt.Errorf("%w: HTTP %d", ErrAuthFailed, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, true, fmt.Errorf("%w: HTTP %d", ErrUnexpectedStatus, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("%w: HTTP %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, false, fmt.Errorf("%w: limit %d bytes", ErrResponseTooLarge, f.maxBodyBytes)
	}
	return body, false, nil
}

// backoff returns exponential backoff with jitter for the given retry number
func (f *httpFetcher) backoff(retry int) time.Duration {
	d := f.baseBackoff << (retry - 1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(d)/2 + 1))
	return d/2 + jitter
}

// close releases idle connections
func (f *httpFetcher) close() {
	f.client.CloseIdleConnections()
}

// isContextError reports whether err came from context cancellation or deadline
func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
