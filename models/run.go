package models

import "time"

// ScrapeTask bundles the knobs for one orchestration pass. It is derived from a
// strategy profile and never persisted.
type ScrapeTask struct {
	Strategy    string        `json:"strategy"`
	MaxPages    int           `json:"max_pages"`
	Delay       time.Duration `json:"delay"`
	Concurrency int           `json:"concurrency"`
	Priority    int           `json:"priority"`
}

// RunStats is the persisted outcome of one controller cycle.
type RunStats struct {
	ID              string    `json:"id" db:"id"`
	StartedAt       time.Time `json:"started_at" db:"started_at"`
	FinishedAt      time.Time `json:"finished_at" db:"finished_at"`
	PagesScraped    int       `json:"pages_scraped" db:"pages_scraped"`
	ListingsFound   int       `json:"listings_found" db:"listings_found"`
	ErrorsCount     int       `json:"errors_count" db:"errors_count"`
	Strategy        string    `json:"strategy" db:"strategy"`
	Success         bool      `json:"success" db:"success"`
	SelfHeals       int       `json:"self_heals" db:"self_heals"`
	ImagesArchived  int       `json:"images_archived" db:"images_archived"`
	AvgQualityScore float64   `json:"avg_quality_score" db:"avg_quality_score"`
}

func (r *RunStats) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

type SourceMetrics struct {
	Listings  int        `json:"listings"`
	Errors    int        `json:"errors"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// RunMetrics is the rolling performance signal the strategy controller decides on.
// It is a value: callers pass it into a cycle and keep the one returned.
type RunMetrics struct {
	TotalRuns            int                      `json:"total_runs"`
	SuccessfulScrapes    int                      `json:"successful_scrapes"`
	FailedScrapes        int                      `json:"failed_scrapes"`
	TotalListingsScraped int                      `json:"total_listings_scraped"`
	TotalPagesScraped    int                      `json:"total_pages_scraped"`
	ErrorsEncountered    int                      `json:"errors_encountered"`
	SelfHealsPerformed   int                      `json:"self_heals_performed"`
	DataQualityScore     float64                  `json:"data_quality_score"`
	AverageScrapeTime    float64                  `json:"average_scrape_time"`
	LastScrapeTime       *time.Time               `json:"last_scrape_time,omitempty"`
	PerSource            map[string]SourceMetrics `json:"per_source,omitempty"`
}

func NewRunMetrics() RunMetrics {
	return RunMetrics{
		DataQualityScore: 100,
		PerSource:        make(map[string]SourceMetrics),
	}
}

// ErrorRate is failed / (failed + succeeded), 0 when nothing has run.
func (m RunMetrics) ErrorRate() float64 {
	total := m.FailedScrapes + m.SuccessfulScrapes
	if total == 0 {
		return 0
	}
	return float64(m.FailedScrapes) / float64(total)
}

// Clone returns a copy that shares no map with m.
func (m RunMetrics) Clone() RunMetrics {
	c := m
	c.PerSource = make(map[string]SourceMetrics, len(m.PerSource))
	for k, v := range m.PerSource {
		c.PerSource[k] = v
	}
	return c
}
