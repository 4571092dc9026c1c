package httputil

import (
	"net/http"
	"net/url"
	"time"

	"dari_scrooper/config"
)

type Clients struct {
	Scraping *http.Client // proxied when PROXY_URL is set, for target sites
	Media    *http.Client // longer timeout, for image downloads
}

func NewClients(cfg config.ScraperConfig) *Clients {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Clients{
		Scraping: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		Media: &http.Client{
			Timeout:   60 * time.Second,
			Transport: transport,
		},
	}
}
