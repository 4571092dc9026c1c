package scraper

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"

	"dari_scrooper/httputil"
)

const browserNavTimeout = 60 * time.Second

// BrowserFetcher loads pages in headless Chromium for sites that render
// listings client-side or block plain HTTP clients. The browser starts lazily
// on first use and is shared by all workers; each fetch gets its own page.
type BrowserFetcher struct {
	cfg     httputil.FetchConfig
	retrier *httputil.Retrier
	log     *logrus.Entry

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
}

func NewBrowserFetcher(cfg httputil.FetchConfig, log *logrus.Logger) *BrowserFetcher {
	entry := log.WithField("component", "browser")
	return &BrowserFetcher{
		cfg:     cfg,
		retrier: httputil.NewRetrier(cfg, entry),
		log:     entry,
	}
}

func (b *BrowserFetcher) ensureBrowser() (playwright.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		return b.browser, nil
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b.pw = pw
	b.browser = browser
	b.log.Info("headless browser started")
	return browser, nil
}

func (b *BrowserFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	browser, err := b.ensureBrowser()
	if err != nil {
		return nil, err
	}
	return b.retrier.Do(ctx, url, func(ctx context.Context) ([]byte, error) {
		return b.load(ctx, browser, url)
	})
}

func (b *BrowserFetcher) load(ctx context.Context, browser playwright.Browser, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := playwright.BrowserNewPageOptions{}
	if b.cfg.UserAgent != "" {
		opts.UserAgent = playwright.String(b.cfg.UserAgent)
	}
	page, err := browser.NewPage(opts)
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	defer page.Close()

	resp, err := page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(browserNavTimeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return nil, fmt.Errorf("goto: %w", err)
	}

	if resp != nil {
		status := resp.Status()
		switch {
		case status == http.StatusForbidden || status == http.StatusTooManyRequests:
			wait, _ := httputil.ParseRetryAfter(resp.Headers()["retry-after"], time.Now())
			return nil, &httputil.RateLimitedError{Status: status, RetryAfter: wait}
		case status >= 400:
			return nil, &httputil.StatusError{Status: status, URL: url}
		}
	}

	content, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	return []byte(content), nil
}

func (b *BrowserFetcher) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			firstErr = err
		}
		b.browser = nil
	}
	if b.pw != nil {
		if err := b.pw.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.pw = nil
	}
	return firstErr
}
