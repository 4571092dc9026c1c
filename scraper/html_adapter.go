package scraper

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"dari_scrooper/config"
	"dari_scrooper/httputil"
	"dari_scrooper/identity"
	"dari_scrooper/models"
)

// HTMLAdapter scrapes a site described entirely by its SiteConfig: a search URL
// template, CSS selectors for the detail page and an id pattern for URLs.
type HTMLAdapter struct {
	site      *config.SiteConfig
	fetcher   PageFetcher
	base      *url.URL
	idPattern *regexp.Regexp
	log       *logrus.Entry

	mu     sync.Mutex
	delay  time.Duration
	jitter time.Duration

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewHTMLAdapter(site *config.SiteConfig, fetcher PageFetcher, scraperCfg config.ScraperConfig, log *logrus.Logger) (*HTMLAdapter, error) {
	base, err := url.Parse(site.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("site %s: base_url: %w", site.ID, err)
	}

	var idPattern *regexp.Regexp
	if site.Selectors.IDPattern != "" {
		idPattern, err = regexp.Compile(site.Selectors.IDPattern)
		if err != nil {
			return nil, fmt.Errorf("site %s: id_pattern: %w", site.ID, err)
		}
	}

	delayMS := site.DelayMS
	if delayMS <= 0 {
		delayMS = scraperCfg.DelayMS
	}

	return &HTMLAdapter{
		site:      site,
		fetcher:   fetcher,
		base:      base,
		idPattern: idPattern,
		log:       log.WithField("source", site.ID),
		delay:     time.Duration(delayMS) * time.Millisecond,
		jitter:    time.Duration(site.JitterMS) * time.Millisecond,
		now:       time.Now,
		sleep:     httputil.Sleep,
	}, nil
}

func (a *HTMLAdapter) SearchURLs(ctx context.Context, params models.SearchParams) ([]string, error) {
	return CollectPages(ctx, params.MaxPages, func(ctx context.Context, page int) ([]string, error) {
		body, err := a.fetcher.Fetch(ctx, a.searchURL(params, page))
		if err != nil {
			return nil, err
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("parse search page %d: %w", page, err)
		}

		sel := a.site.Selectors.ListingLink
		attr := sel.Attr
		if attr == "" {
			attr = "href"
		}

		var links []string
		doc.Find(sel.CSS).Each(func(_ int, s *goquery.Selection) {
			if href, ok := s.Attr(attr); ok {
				if abs := a.resolve(href); abs != "" {
					links = append(links, abs)
				}
			}
		})
		return links, nil
	}, a.log.WithField("params", params.String()))
}

func (a *HTMLAdapter) searchURL(params models.SearchParams, page int) string {
	transaction := string(params.Transaction)
	if slug, ok := a.site.Transactions[transaction]; ok {
		transaction = slug
	}
	r := strings.NewReplacer(
		"{transaction}", transaction,
		"{governorate}", slugify(params.Governorate),
		"{city}", slugify(params.City),
		"{property_type}", slugify(params.PropertyType),
		"{page}", strconv.Itoa(page),
	)
	return r.Replace(a.site.SearchURL)
}

func (a *HTMLAdapter) ParseListing(ctx context.Context, rawURL string, params models.SearchParams) (*models.Listing, error) {
	body, err := a.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &ParseError{URL: rawURL, Reason: err.Error()}
	}

	sel := a.site.Selectors
	canonical := identity.CanonicalURL(rawURL)

	l := &models.Listing{
		Source:       a.site.ID,
		URL:          canonical,
		Transaction:  params.Transaction,
		Title:        a.extract(doc, sel.Title),
		PropertyType: a.extract(doc, sel.PropertyType),
		Governorate:  a.extract(doc, sel.Governorate),
		City:         a.extract(doc, sel.City),
		Zone:         a.extract(doc, sel.Zone),
		District:     a.extract(doc, sel.District),
		Address:      a.extract(doc, sel.Address),
		Lat:          ParseDecimal(a.extract(doc, sel.Lat)),
		Lon:          ParseDecimal(a.extract(doc, sel.Lon)),
		SurfaceM2:    ParseFloat(a.extract(doc, sel.Surface)),
		Rooms:        ParseInt(a.extract(doc, sel.Rooms)),
		Bathrooms:    ParseInt(a.extract(doc, sel.Bathrooms)),
		PostedAt:     ParseTime(a.extract(doc, sel.PostedAt), sel.PostedLayout),
		ImageURLs:    a.images(doc),
		ScrapedAt:    a.now().UTC(),
	}
	if l.Title == "" {
		return nil, &ParseError{URL: rawURL, Reason: "missing title"}
	}

	priceText := a.extract(doc, sel.Price)
	l.Price, l.Currency = ParsePrice(priceText)
	if l.Currency == "" && l.Price != nil {
		l.Currency = a.site.Currency
	}

	if l.PropertyType == "" {
		l.PropertyType = params.PropertyType
	}
	if l.Governorate == "" {
		l.Governorate = params.Governorate
	}
	if l.City == "" {
		l.City = params.City
	}

	if len(sel.POI) > 0 {
		poi := make(map[string]any)
		for category, s := range sel.POI {
			text := a.extract(doc, s)
			if text == "" {
				continue
			}
			if v := ParseFloat(text); v != nil {
				poi[category] = *v
			} else {
				poi[category] = text
			}
		}
		if len(poi) > 0 {
			l.PointsOfInterest = poi
		}
	}

	l.SourceListingID = identity.IDFromURL(a.idPattern, canonical)
	if l.SourceListingID == "" {
		l.SourceListingID = identity.ContentID(l.Title, priceText, l.City, l.Address)
	}

	return l, nil
}

func (a *HTMLAdapter) extract(doc *goquery.Document, sel config.Selector) string {
	if sel.CSS == "" {
		return ""
	}
	s := doc.Find(sel.CSS).First()
	if sel.Attr != "" {
		v, _ := s.Attr(sel.Attr)
		return strings.TrimSpace(v)
	}
	return strings.Join(strings.Fields(s.Text()), " ")
}

// images returns absolute image URLs in page order. Duplicates are kept; the
// archival pipeline dedupes them.
func (a *HTMLAdapter) images(doc *goquery.Document) []string {
	sel := a.site.Selectors.Images
	if sel.CSS == "" {
		return nil
	}
	attrs := []string{"data-src", "src"}
	if sel.Attr != "" {
		attrs = []string{sel.Attr, "data-src", "src"}
	}

	var urls []string
	doc.Find(sel.CSS).Each(func(_ int, s *goquery.Selection) {
		for _, attr := range attrs {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				if abs := a.resolve(v); abs != "" {
					urls = append(urls, abs)
				}
				return
			}
		}
	})
	return urls
}

func (a *HTMLAdapter) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "data:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return a.base.ResolveReference(ref).String()
}

func (a *HTMLAdapter) PoliteDelay(ctx context.Context) error {
	a.mu.Lock()
	d := a.delay
	if a.jitter > 0 {
		d += time.Duration(rand.Int64N(int64(a.jitter)))
	}
	a.mu.Unlock()
	return a.sleep(ctx, d)
}

func (a *HTMLAdapter) SetDelay(base time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = base
}

func (a *HTMLAdapter) Close() error {
	return a.fetcher.Close()
}

func slugify(s string) string {
	return strings.ReplaceAll(identity.NormalizeText(s), " ", "-")
}
