package scraper

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"dari_scrooper/config"
	"dari_scrooper/httputil"
	"dari_scrooper/models"
)

// Adapter discovers and parses listings for one website.
type Adapter interface {
	// SearchURLs returns candidate detail-page URLs for params, paginating up to
	// params.MaxPages. Repeated calls with the same params return the same list.
	SearchURLs(ctx context.Context, params models.SearchParams) ([]string, error)
	// ParseListing fetches and parses one detail page.
	ParseListing(ctx context.Context, url string, params models.SearchParams) (*models.Listing, error)
	// PoliteDelay blocks for a jittered pause. The orchestrator calls it once per URL.
	PoliteDelay(ctx context.Context) error
	// Close releases connections or browsers held by the adapter.
	Close() error
}

// DelayTuner is implemented by adapters whose politeness delay can be set centrally.
type DelayTuner interface {
	SetDelay(base time.Duration)
}

// PageFetcher loads a page body. Implementations retry internally.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	Close() error
}

// ParseError means a page was fetched but a required field could not be extracted.
type ParseError struct {
	URL    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.URL, e.Reason)
}

// NewAdapter builds the adapter described by a site config.
func NewAdapter(site *config.SiteConfig, client *http.Client, scraperCfg config.ScraperConfig, log *logrus.Logger) (Adapter, error) {
	fetchCfg := httputil.DefaultFetchConfig()
	fetchCfg.UserAgent = scraperCfg.UserAgent
	fetchCfg.MaxRetries = scraperCfg.MaxRetries
	if site.MaxRetries > 0 {
		fetchCfg.MaxRetries = site.MaxRetries
	}

	switch site.Handler {
	case "", "html":
		return NewHTMLAdapter(site, httputil.NewFetcher(client, fetchCfg, log), scraperCfg, log)
	case "browser":
		return NewHTMLAdapter(site, NewBrowserFetcher(fetchCfg, log), scraperCfg, log)
	default:
		return nil, fmt.Errorf("site %s: unknown handler %q", site.ID, site.Handler)
	}
}

// CloseAll closes every adapter, logging failures.
func CloseAll(adapters map[string]Adapter, log *logrus.Logger) {
	for id, a := range adapters {
		if err := a.Close(); err != nil {
			log.WithField("source", id).Warnf("close adapter: %v", err)
		}
	}
}
