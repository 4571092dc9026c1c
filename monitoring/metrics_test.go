package monitoring

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ListingCollected("x")
	m.ScrapeError("x", "fetch")
	m.SelfHeal()
	m.RunFinished("balanced", true, 1)
	m.ParseStarted()
	m.ParseDone()
}

func TestHandlerExposesCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ListingCollected("mubawab")
	m.ListingCollected("mubawab")
	m.ScrapeError("tayara", "validation")
	m.RunFinished("aggressive", true, 12)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`dari_scrooper_listings_collected_total{source="mubawab"} 2`,
		`dari_scrooper_scrape_errors_total{kind="validation",source="tayara"} 1`,
		`dari_scrooper_runs_total{strategy="aggressive",success="true"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
