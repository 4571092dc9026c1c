package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"dari_scrooper/models"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func floatPtr(v float64) *float64 { return &v }

func TestSQLiteAppendKeepsLatestPerDay(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()
	morning := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	evening := morning.Add(10 * time.Hour)
	store.now = func() time.Time { return evening.Add(time.Hour) }

	late := models.Listing{Source: "mubawab", SourceListingID: "1", Title: "late", Price: floatPtr(200000), ScrapedAt: evening}
	early := models.Listing{Source: "mubawab", SourceListingID: "1", Title: "early", Price: floatPtr(180000), ScrapedAt: morning}

	// later version first, then an older one that must not win
	if err := store.AppendListings(ctx, []models.Listing{late}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendListings(ctx, []models.Listing{early}); err != nil {
		t.Fatalf("append: %v", err)
	}

	daily, err := store.DailyLatest(ctx, morning)
	if err != nil {
		t.Fatalf("daily latest: %v", err)
	}
	if len(daily) != 1 {
		t.Fatalf("expected 1 daily row, got %d", len(daily))
	}
	if daily[0].Title != "late" {
		t.Fatalf("expected latest version, got %q", daily[0].Title)
	}
	if daily[0].Price == nil || *daily[0].Price != 200000 {
		t.Fatalf("unexpected price %v", daily[0].Price)
	}

	n, err := store.LogCount(ctx)
	if err != nil {
		t.Fatalf("log count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 log rows, got %d", n)
	}
}

func TestSQLiteDailyIsScopedToSaveDay(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()
	day1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 0, 10, 0, 0, time.UTC)

	store.now = func() time.Time { return day1 }
	if err := store.AppendListings(ctx, []models.Listing{
		{Source: "mubawab", SourceListingID: "1", Title: "a", ScrapedAt: day1.Add(-time.Hour)},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// scraped before midnight, saved after it: belongs to the save day
	store.now = func() time.Time { return day2 }
	if err := store.AppendListings(ctx, []models.Listing{
		{Source: "mubawab", SourceListingID: "1", Title: "b", ScrapedAt: time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	for _, tc := range []struct {
		day   time.Time
		title string
	}{{day1, "a"}, {day2, "b"}} {
		rows, err := store.DailyLatest(ctx, tc.day)
		if err != nil {
			t.Fatalf("daily latest: %v", err)
		}
		if len(rows) != 1 || rows[0].Title != tc.title {
			t.Fatalf("day %s: expected title %q, got %+v", tc.day.Format("2006-01-02"), tc.title, rows)
		}
	}
}

func TestSQLiteRunStats(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i, strategy := range []string{"balanced", "aggressive"} {
		run := &models.RunStats{
			ID:            strategy,
			StartedAt:     start.Add(time.Duration(i) * time.Hour),
			FinishedAt:    start.Add(time.Duration(i)*time.Hour + 5*time.Minute),
			PagesScraped:  4,
			ListingsFound: 12,
			ErrorsCount:   1,
			Strategy:      strategy,
			Success:       true,
		}
		if err := store.SaveRunStats(ctx, run); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}

	runs, err := store.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Strategy != "aggressive" {
		t.Fatalf("expected newest run first, got %s", runs[0].Strategy)
	}
	if !runs[0].Success || runs[0].ListingsFound != 12 {
		t.Fatalf("unexpected run %+v", runs[0])
	}
	if runs[0].Duration() != 5*time.Minute {
		t.Fatalf("expected 5m duration, got %s", runs[0].Duration())
	}
}

func TestSQLiteMetricsSnapshot(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	m, err := store.LatestMetrics(ctx)
	if err != nil {
		t.Fatalf("latest metrics: %v", err)
	}
	if m != nil {
		t.Fatalf("expected no snapshot, got %+v", m)
	}

	first := models.NewRunMetrics()
	first.TotalRuns = 1
	second := models.NewRunMetrics()
	second.TotalRuns = 2
	second.SuccessfulScrapes = 2
	second.DataQualityScore = 87.5
	second.PerSource["mubawab"] = models.SourceMetrics{Listings: 30}

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	if err := store.SaveMetricsSnapshot(ctx, first, now); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	if err := store.SaveMetricsSnapshot(ctx, second, now.Add(time.Hour)); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	m, err = store.LatestMetrics(ctx)
	if err != nil {
		t.Fatalf("latest metrics: %v", err)
	}
	if m.TotalRuns != 2 || m.SuccessfulScrapes != 2 || m.DataQualityScore != 87.5 {
		t.Fatalf("unexpected snapshot %+v", m)
	}
	if m.PerSource["mubawab"].Listings != 30 {
		t.Fatalf("per-source metrics lost: %+v", m.PerSource)
	}
}
