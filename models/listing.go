package models

import (
	"errors"
	"strings"
	"time"
)

type Transaction string

const (
	TransactionSale Transaction = "sale"
	TransactionRent Transaction = "rent"
)

var (
	ErrMissingTitle    = errors.New("listing has no title")
	ErrMissingIdentity = errors.New("listing has no source identity")
	ErrNoLocation      = errors.New("listing has no usable location")
)

// Listing is the canonical record every adapter produces and every sink consumes.
// (Source, SourceListingID) is the row identity.
type Listing struct {
	Source           string         `json:"source" db:"source"`
	SourceListingID  string         `json:"source_listing_id" db:"source_listing_id"`
	URL              string         `json:"url" db:"url"`
	Transaction      Transaction    `json:"transaction" db:"transaction"`
	Title            string         `json:"title" db:"title"`
	Price            *float64       `json:"price" db:"price"`
	Currency         string         `json:"currency" db:"currency"`
	PropertyType     string         `json:"property_type" db:"property_type"`
	Governorate      string         `json:"governorate" db:"governorate"`
	City             string         `json:"city" db:"city"`
	Zone             string         `json:"zone" db:"zone"`
	District         string         `json:"district" db:"district"`
	Address          string         `json:"address" db:"address"`
	Lat              *float64       `json:"lat" db:"lat"`
	Lon              *float64       `json:"lon" db:"lon"`
	SurfaceM2        *float64       `json:"surface_m2" db:"surface_m2"`
	Rooms            *int           `json:"rooms" db:"rooms"`
	Bathrooms        *int           `json:"bathrooms" db:"bathrooms"`
	ImageURLs        []string       `json:"image_urls" db:"image_urls"`
	PointsOfInterest map[string]any `json:"points_of_interest" db:"points_of_interest"`
	PostedAt         *time.Time     `json:"posted_at" db:"posted_at"`
	ScrapedAt        time.Time      `json:"scraped_at" db:"scraped_at"`
}

// Key returns the identity key "source:source_listing_id".
func (l *Listing) Key() string {
	return IdentityKey(l.Source, l.SourceListingID)
}

func IdentityKey(source, sourceListingID string) string {
	return source + ":" + sourceListingID
}

// SplitIdentityKey is the inverse of IdentityKey. Source names never contain ':'.
func SplitIdentityKey(key string) (source, sourceListingID string, ok bool) {
	return strings.Cut(key, ":")
}

// HasLocation reports whether at least one location signal is present.
func (l *Listing) HasLocation() bool {
	return strings.TrimSpace(l.City) != "" ||
		strings.TrimSpace(l.Governorate) != "" ||
		strings.TrimSpace(l.Address) != "" ||
		l.Lat != nil || l.Lon != nil
}

// Validate checks the fields a record needs before it may reach storage.
func (l *Listing) Validate() error {
	if l.Source == "" || l.SourceListingID == "" {
		return ErrMissingIdentity
	}
	if strings.TrimSpace(l.Title) == "" {
		return ErrMissingTitle
	}
	if !l.HasLocation() {
		return ErrNoLocation
	}
	return nil
}

var qualityWeights = []struct {
	weight  float64
	present func(l *Listing) bool
}{
	{15, func(l *Listing) bool { return strings.TrimSpace(l.Title) != "" }},
	{20, func(l *Listing) bool { return l.Price != nil && *l.Price > 0 }},
	{20, func(l *Listing) bool { return l.City != "" || l.Governorate != "" || l.Zone != "" }},
	{10, func(l *Listing) bool { return l.PropertyType != "" }},
	{10, func(l *Listing) bool { return l.SurfaceM2 != nil && *l.SurfaceM2 > 0 }},
	{5, func(l *Listing) bool { return l.Rooms != nil }},
	{5, func(l *Listing) bool { return l.URL != "" }},
	{10, func(l *Listing) bool { return len(l.ImageURLs) > 0 }},
	{5, func(l *Listing) bool { return l.PostedAt != nil }},
}

// QualityScore is the weighted field completeness of the record, 0-100.
func (l *Listing) QualityScore() float64 {
	var score, total float64
	for _, q := range qualityWeights {
		total += q.weight
		if q.present(l) {
			score += q.weight
		}
	}
	if total == 0 {
		return 0
	}
	return score * 100 / total
}

// SearchParams selects one slice of a source's inventory.
type SearchParams struct {
	Transaction  Transaction `json:"transaction" yaml:"transaction"`
	Governorate  string      `json:"governorate,omitempty" yaml:"governorate"`
	City         string      `json:"city,omitempty" yaml:"city"`
	PropertyType string      `json:"property_type,omitempty" yaml:"property_type"`
	MaxPages     int         `json:"max_pages" yaml:"max_pages"`
}

func (p SearchParams) String() string {
	parts := []string{string(p.Transaction)}
	for _, s := range []string{p.Governorate, p.City, p.PropertyType} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// PriceHistoryEntry is an append-only price observation.
type PriceHistoryEntry struct {
	Source          string    `json:"source" db:"source"`
	SourceListingID string    `json:"source_listing_id" db:"source_listing_id"`
	Price           float64   `json:"price" db:"price"`
	Currency        string    `json:"currency" db:"currency"`
	ObservedAt      time.Time `json:"observed_at" db:"observed_at"`
}
