package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"dari_scrooper/logging"
	"dari_scrooper/models"
	"dari_scrooper/scraper"
)

func TestDecideStrategyPriority(t *testing.T) {
	tests := []struct {
		name      string
		succeeded int
		failed    int
		quality   float64
		want      Strategy
	}{
		{"healthy history goes aggressive", 15, 0, 100, StrategyAggressive},
		{"high error rate dominates", 65, 35, 100, StrategyConservative},
		{"high error rate dominates low quality", 13, 7, 10, StrategyConservative},
		{"low quality goes minimal", 15, 0, 60, StrategyMinimal},
		{"too few runs stays balanced", 10, 0, 100, StrategyBalanced},
		{"moderate errors stays balanced", 18, 2, 100, StrategyBalanced},
		{"fresh metrics are balanced", 0, 0, 100, StrategyBalanced},
	}
	for _, tt := range tests {
		m := models.NewRunMetrics()
		m.SuccessfulScrapes = tt.succeeded
		m.FailedScrapes = tt.failed
		m.DataQualityScore = tt.quality
		if got, _ := DecideStrategy(m); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestTaskFor(t *testing.T) {
	task := TaskFor(StrategyConservative)
	if task.MaxPages != 5 || task.Delay != 5*time.Second || task.Priority != 1 || task.Concurrency != 2 {
		t.Fatalf("unexpected conservative task %+v", task)
	}
	if TaskFor("bogus").Strategy != string(StrategyBalanced) {
		t.Fatalf("unknown strategy should fall back to balanced")
	}
}

func TestCapPages(t *testing.T) {
	params := []models.SearchParams{{MaxPages: 0}, {MaxPages: 3}, {MaxPages: 50}}
	capped := capPages(params, 10)
	for i, want := range []int{10, 3, 10} {
		if capped[i].MaxPages != want {
			t.Fatalf("param %d: expected %d pages, got %d", i, want, capped[i].MaxPages)
		}
	}
	if params[2].MaxPages != 50 {
		t.Fatalf("input params mutated")
	}
}

func fullListing(i int, price float64) models.Listing {
	surface := 120.0
	rooms := 3
	posted := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	return models.Listing{
		Source:          "mubawab",
		SourceListingID: fmt.Sprint(i),
		URL:             fmt.Sprintf("https://www.mubawab.tn/fr/a/%d", i),
		Title:           "Appartement S+2",
		Price:           &price,
		PropertyType:    "appartement",
		City:            "Tunis",
		SurfaceM2:       &surface,
		Rooms:           &rooms,
		ImageURLs:       []string{"https://cdn.mubawab.tn/ad/1.jpg"},
		PostedAt:        &posted,
		ScrapedAt:       time.Now(),
	}
}

func page(n int, price float64) []models.Listing {
	out := make([]models.Listing, n)
	for i := range out {
		out[i] = fullListing(i, price)
	}
	return out
}

func TestDetectAnomaly(t *testing.T) {
	th := DefaultThresholds()
	sparse := page(12, 200000)
	for i := range sparse {
		sparse[i].SurfaceM2 = nil
		sparse[i].Rooms = nil
		sparse[i].ImageURLs = nil
		sparse[i].PostedAt = nil
		sparse[i].PropertyType = ""
	}

	tests := []struct {
		name    string
		records []models.Listing
		want    string
	}{
		{"empty page", nil, AnomalyEmpty},
		{"too few", page(4, 200000), AnomalyFewRecords},
		{"low quality", sparse, AnomalyQuality},
		{"price too low", page(12, 900), AnomalyPrice},
		{"price too high", page(12, 9000000), AnomalyPrice},
		{"normal", page(12, 200000), AnomalyNone},
	}
	for _, tt := range tests {
		if got, _ := DetectAnomaly(tt.records, th); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

type fakeRunner struct {
	pages   [][]models.Listing
	err     error
	applied models.ScrapeTask
	params  []models.SearchParams
}

func (f *fakeRunner) Apply(task models.ScrapeTask) {
	f.applied = task
}

func (f *fakeRunner) RunOnce(ctx context.Context, params []models.SearchParams, onPage scraper.PageObserver) (*scraper.PassResult, error) {
	f.params = params
	result := &scraper.PassResult{BySource: make(map[string]scraper.SourceCounts)}
	for _, records := range f.pages {
		result.Pages++
		result.Parsed += len(records)
		result.Listings = append(result.Listings, records...)
		c := result.BySource["mubawab"]
		c.New += len(records)
		result.BySource["mubawab"] = c
		onPage(ctx, scraper.PageReport{Source: "mubawab", Parsed: records, New: len(records)})
	}
	return result, f.err
}

type fakeRecorder struct {
	latest    *models.RunMetrics
	runs      []*models.RunStats
	snapshots []models.RunMetrics
}

func (f *fakeRecorder) SaveRunStats(ctx context.Context, r *models.RunStats) error {
	f.runs = append(f.runs, r)
	return nil
}

func (f *fakeRecorder) SaveMetricsSnapshot(ctx context.Context, m models.RunMetrics, at time.Time) error {
	f.snapshots = append(f.snapshots, m)
	return nil
}

func (f *fakeRecorder) LatestMetrics(ctx context.Context) (*models.RunMetrics, error) {
	return f.latest, nil
}

type fakeArchiver struct {
	calls int
}

func (f *fakeArchiver) Archive(ctx context.Context, listings []models.Listing) (int, error) {
	f.calls++
	return len(listings), nil
}

func newTestController(t *testing.T, runner Runner, recorder Recorder, archiver Archiver) (*Controller, *[]time.Duration) {
	t.Helper()
	c, err := NewController(context.Background(), runner, recorder, archiver, ControllerConfig{
		Searches:   []models.SearchParams{{Transaction: models.TransactionSale, MaxPages: 50}},
		Thresholds: DefaultThresholds(),
		HealPause:  5 * time.Second,
	}, logging.Discard(), nil)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	var pauses []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}
	return c, &pauses
}

func TestRunCycleHealthyPass(t *testing.T) {
	runner := &fakeRunner{pages: [][]models.Listing{page(12, 250000), page(15, 300000)}}
	recorder := &fakeRecorder{}
	archiver := &fakeArchiver{}
	c, pauses := newTestController(t, runner, recorder, archiver)

	m, stats, err := c.RunCycle(context.Background(), c.Initial())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if runner.applied.Strategy != string(StrategyBalanced) {
		t.Fatalf("expected balanced for fresh metrics, got %s", runner.applied.Strategy)
	}
	if runner.params[0].MaxPages != 10 {
		t.Fatalf("expected search capped to 10 pages, got %d", runner.params[0].MaxPages)
	}
	if len(*pauses) != 0 || stats.SelfHeals != 0 {
		t.Fatalf("healthy pages should not self-heal")
	}
	if !stats.Success || stats.ListingsFound != 27 || stats.PagesScraped != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.ImagesArchived != 27 || archiver.calls != 1 {
		t.Fatalf("archiver not run: %+v", stats)
	}
	if m.TotalRuns != 1 || m.SuccessfulScrapes != 1 || m.TotalListingsScraped != 27 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	if m.DataQualityScore != 100 {
		t.Fatalf("expected quality 100, got %.1f", m.DataQualityScore)
	}
	if m.PerSource["mubawab"].Listings != 27 {
		t.Fatalf("unexpected per-source metrics %+v", m.PerSource)
	}
	if len(recorder.runs) != 1 || len(recorder.snapshots) != 1 {
		t.Fatalf("expected run stats and snapshot to be recorded")
	}
}

func TestRunCycleSelfHealsOnAnomalies(t *testing.T) {
	runner := &fakeRunner{pages: [][]models.Listing{page(3, 250000), nil, page(12, 100)}}
	recorder := &fakeRecorder{}
	c, pauses := newTestController(t, runner, recorder, nil)

	m, stats, err := c.RunCycle(context.Background(), c.Initial())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if stats.SelfHeals != 3 || m.SelfHealsPerformed != 3 {
		t.Fatalf("expected 3 self-heals, got %d / %d", stats.SelfHeals, m.SelfHealsPerformed)
	}
	if len(*pauses) != 3 || (*pauses)[0] != 5*time.Second {
		t.Fatalf("expected three 5s pauses, got %v", *pauses)
	}
}

func TestRunCycleUsesRestoredMetrics(t *testing.T) {
	restored := models.NewRunMetrics()
	restored.SuccessfulScrapes = 15
	restored.TotalRuns = 15
	runner := &fakeRunner{pages: [][]models.Listing{page(12, 250000)}}
	c, _ := newTestController(t, runner, &fakeRecorder{latest: &restored}, nil)

	m, _, err := c.RunCycle(context.Background(), c.Initial())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if runner.applied.Strategy != string(StrategyAggressive) {
		t.Fatalf("expected aggressive, got %s", runner.applied.Strategy)
	}
	if m.TotalRuns != 16 {
		t.Fatalf("expected 16 runs, got %d", m.TotalRuns)
	}
}

func TestRunCycleStoreFailure(t *testing.T) {
	saveErr := errors.New("primary down")
	runner := &fakeRunner{pages: [][]models.Listing{page(12, 250000)}, err: saveErr}
	recorder := &fakeRecorder{}
	archiver := &fakeArchiver{}
	c, _ := newTestController(t, runner, recorder, archiver)

	m, stats, err := c.RunCycle(context.Background(), c.Initial())
	if !errors.Is(err, saveErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if stats.Success || m.FailedScrapes != 1 {
		t.Fatalf("failed persistence must count as a failed run")
	}
	if archiver.calls != 0 {
		t.Fatalf("images must not be archived for an unsaved batch")
	}
	if len(recorder.runs) != 1 {
		t.Fatalf("run stats should still be recorded")
	}
}
