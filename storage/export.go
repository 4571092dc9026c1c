package storage

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"dari_scrooper/models"
)

// ListingSource streams stored listings for export.
type ListingSource interface {
	ExportListings(ctx context.Context, since *time.Time, fn func(*models.Listing) error) error
}

var exportHeader = []string{
	"source", "source_listing_id", "url", "transaction_type", "title", "price", "currency",
	"property_type", "governorate", "city", "zone", "district", "address", "lat", "lon",
	"surface_m2", "rooms", "bathrooms", "image_urls", "points_of_interest", "posted_at", "scraped_at",
}

// ExportCSV writes a header row and one row per listing. It returns the number
// of listing rows written.
func ExportCSV(ctx context.Context, w io.Writer, src ListingSource, since *time.Time) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return 0, err
	}

	n := 0
	err := src.ExportListings(ctx, since, func(l *models.Listing) error {
		row, err := exportRow(l)
		if err != nil {
			return err
		}
		n++
		return cw.Write(row)
	})
	if err != nil {
		return n, err
	}

	cw.Flush()
	return n, cw.Error()
}

func exportRow(l *models.Listing) ([]string, error) {
	images := ""
	if len(l.ImageURLs) > 0 {
		b, err := json.Marshal(l.ImageURLs)
		if err != nil {
			return nil, err
		}
		images = string(b)
	}
	poi := ""
	if len(l.PointsOfInterest) > 0 {
		b, err := json.Marshal(l.PointsOfInterest)
		if err != nil {
			return nil, err
		}
		poi = string(b)
	}

	return []string{
		l.Source, l.SourceListingID, l.URL, string(l.Transaction), l.Title,
		formatFloat(l.Price), l.Currency, l.PropertyType, l.Governorate, l.City,
		l.Zone, l.District, l.Address, formatFloat(l.Lat), formatFloat(l.Lon),
		formatFloat(l.SurfaceM2), formatInt(l.Rooms), formatInt(l.Bathrooms),
		images, poi, formatTimePtr(l.PostedAt), l.ScrapedAt.UTC().Format(time.RFC3339),
	}, nil
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
