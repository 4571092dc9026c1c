package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"
)

const maxPageSize = 10 * 1024 * 1024 // 10MB

// RateLimitedError is returned for 403/429 responses.
type RateLimitedError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: status %d, retry after %s", e.Status, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited: status %d", e.Status)
}

// StatusError is any other non-2xx response.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Status)
}

// IsRetryable reports whether err is worth another attempt: rate limits,
// 5xx responses and transport failures. Other 4xx are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	return true
}

type FetchConfig struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitDelay time.Duration
	UserAgent      string
}

// DefaultFetchConfig is five attempts with 1s..20s exponential backoff.
func DefaultFetchConfig() FetchConfig {
	return FetchConfig{
		MaxRetries:     4,
		BaseDelay:      time.Second,
		MaxDelay:       20 * time.Second,
		RateLimitDelay: 10 * time.Second,
	}
}

func (c FetchConfig) normalized() FetchConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= c.BaseDelay {
		c.MaxDelay = 2 * c.BaseDelay
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = c.BaseDelay
	}
	return c
}

// NewRetryPolicy builds the exponential backoff policy shared by page fetchers.
func NewRetryPolicy[T any](cfg FetchConfig) retrypolicy.RetryPolicy[T] {
	cfg = cfg.normalized()
	return retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool {
			return IsRetryable(err)
		}).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithJitterFactor(0.1).
		WithMaxRetries(cfg.MaxRetries).
		Build()
}

// Retrier runs page loads under the retry policy. A 403/429 attempt sleeps for
// the server's Retry-After hint, or an escalating pause, before the next one.
// The final attempt returns its rate-limit error without sleeping.
type Retrier struct {
	cfg      FetchConfig
	executor failsafe.Executor[[]byte]
	log      *logrus.Entry
	sleep    func(context.Context, time.Duration) error
}

func NewRetrier(cfg FetchConfig, log *logrus.Entry) *Retrier {
	cfg = cfg.normalized()
	return &Retrier{
		cfg:      cfg,
		executor: failsafe.With[[]byte](NewRetryPolicy[[]byte](cfg)),
		log:      log,
		sleep:    Sleep,
	}
}

func (r *Retrier) Do(ctx context.Context, url string, attempt func(context.Context) ([]byte, error)) ([]byte, error) {
	attempts, rateLimited := 0, 0
	return r.executor.WithContext(ctx).Get(func() ([]byte, error) {
		body, err := attempt(ctx)
		attempts++
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			if attempts > r.cfg.MaxRetries {
				r.log.WithFields(logrus.Fields{"url": url, "status": rl.Status}).Warn("rate limited, retries exhausted")
				return body, err
			}
			wait := rl.RetryAfter
			if wait <= 0 {
				wait = r.cfg.RateLimitDelay << rateLimited
			}
			rateLimited++
			r.log.WithFields(logrus.Fields{"url": url, "status": rl.Status, "wait": wait}).Warn("rate limited")
			if serr := r.sleep(ctx, wait); serr != nil {
				return nil, serr
			}
		} else if err != nil {
			r.log.WithField("url", url).Debugf("attempt failed: %v", err)
		}
		return body, err
	})
}

// Fetcher GETs pages over plain HTTP with bounded retry.
type Fetcher struct {
	client  *http.Client
	cfg     FetchConfig
	retrier *Retrier
	now     func() time.Time
}

func NewFetcher(client *http.Client, cfg FetchConfig, log *logrus.Logger) *Fetcher {
	return &Fetcher{
		client:  client,
		cfg:     cfg,
		retrier: NewRetrier(cfg, log.WithField("component", "fetcher")),
		now:     time.Now,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f.retrier.Do(ctx, url, func(ctx context.Context) ([]byte, error) {
		return f.get(ctx, url)
	})
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "fr-FR,fr;q=0.9,en;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		wait, _ := ParseRetryAfter(resp.Header.Get("Retry-After"), f.now())
		io.Copy(io.Discard, resp.Body)
		return nil, &RateLimitedError{Status: resp.StatusCode, RetryAfter: wait}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Status: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (f *Fetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// ParseRetryAfter reads a Retry-After header given as delta seconds or an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
