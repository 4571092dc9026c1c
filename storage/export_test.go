package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"dari_scrooper/models"
)

type sliceSource struct {
	listings []models.Listing
	since    *time.Time
}

func (s *sliceSource) ExportListings(ctx context.Context, since *time.Time, fn func(*models.Listing) error) error {
	s.since = since
	for i := range s.listings {
		if err := fn(&s.listings[i]); err != nil {
			return err
		}
	}
	return nil
}

func TestExportCSV(t *testing.T) {
	rooms := 3
	scraped := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	src := &sliceSource{listings: []models.Listing{
		{
			Source:          "mubawab",
			SourceListingID: "123",
			URL:             "https://www.mubawab.tn/fr/a/123",
			Transaction:     models.TransactionSale,
			Title:           "Villa, La Marsa",
			Price:           floatPtr(450000),
			Currency:        "TND",
			City:            "La Marsa",
			Rooms:           &rooms,
			ImageURLs:       []string{"https://cdn.example/1.jpg"},
			ScrapedAt:       scraped,
		},
		{Source: "tayara", SourceListingID: "9", Title: "S+1", City: "Tunis", ScrapedAt: scraped},
	}}

	since := scraped.Add(-time.Hour)
	var buf bytes.Buffer
	n, err := ExportCSV(context.Background(), &buf, src, &since)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
	if src.since == nil || !src.since.Equal(since) {
		t.Fatalf("since filter not passed through")
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(records))
	}
	if records[0][0] != "source" || len(records[0]) != len(exportHeader) {
		t.Fatalf("unexpected header %v", records[0])
	}

	row := records[1]
	col := func(name string) string {
		for i, h := range exportHeader {
			if h == name {
				return row[i]
			}
		}
		t.Fatalf("no column %s", name)
		return ""
	}
	if col("title") != "Villa, La Marsa" {
		t.Fatalf("unexpected title %q", col("title"))
	}
	if col("price") != "450000" {
		t.Fatalf("unexpected price %q", col("price"))
	}
	if col("rooms") != "3" {
		t.Fatalf("unexpected rooms %q", col("rooms"))
	}
	if col("image_urls") != `["https://cdn.example/1.jpg"]` {
		t.Fatalf("unexpected image_urls %q", col("image_urls"))
	}
	if col("scraped_at") != "2026-03-01T08:30:00Z" {
		t.Fatalf("unexpected scraped_at %q", col("scraped_at"))
	}
	if records[2][5] != "" {
		t.Fatalf("null price should export empty, got %q", records[2][5])
	}
}
