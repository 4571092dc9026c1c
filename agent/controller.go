package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dari_scrooper/httputil"
	"dari_scrooper/models"
	"dari_scrooper/monitoring"
	"dari_scrooper/scraper"
)

// Runner executes one orchestration pass.
type Runner interface {
	Apply(task models.ScrapeTask)
	RunOnce(ctx context.Context, params []models.SearchParams, onPage scraper.PageObserver) (*scraper.PassResult, error)
}

// Recorder persists run statistics and metrics snapshots.
type Recorder interface {
	SaveRunStats(ctx context.Context, r *models.RunStats) error
	SaveMetricsSnapshot(ctx context.Context, m models.RunMetrics, at time.Time) error
	LatestMetrics(ctx context.Context) (*models.RunMetrics, error)
}

// Archiver stores the images of freshly collected listings.
type Archiver interface {
	Archive(ctx context.Context, listings []models.Listing) (int, error)
}

type ControllerConfig struct {
	Searches   []models.SearchParams
	Thresholds Thresholds
	HealPause  time.Duration
}

// Controller chooses a strategy from the rolling metrics, runs one pass with
// it, inspects every page for anomalies and rolls the metrics forward.
type Controller struct {
	runner   Runner
	recorder Recorder
	archiver Archiver
	cfg      ControllerConfig
	log      *logrus.Entry
	metrics  *monitoring.Metrics

	initial models.RunMetrics

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewController loads the last metrics snapshot once; later cycles receive and
// return the metrics explicitly. archiver and metrics may be nil.
func NewController(ctx context.Context, runner Runner, recorder Recorder, archiver Archiver, cfg ControllerConfig, log *logrus.Logger, metrics *monitoring.Metrics) (*Controller, error) {
	c := &Controller{
		runner:   runner,
		recorder: recorder,
		archiver: archiver,
		cfg:      cfg,
		log:      log.WithField("component", "agent"),
		metrics:  metrics,
		initial:  models.NewRunMetrics(),
		now:      time.Now,
		sleep:    httputil.Sleep,
	}

	last, err := recorder.LatestMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("load metrics snapshot: %w", err)
	}
	if last != nil {
		c.initial = *last
		c.log.Infof("Restored metrics: %d runs, quality %.1f", last.TotalRuns, last.DataQualityScore)
	}
	return c, nil
}

// Initial returns the metrics restored at construction.
func (c *Controller) Initial() models.RunMetrics {
	return c.initial.Clone()
}

// RunCycle decides a strategy from m, executes one pass and returns the
// updated metrics and the run record. A persistence failure of the pass is
// returned after the metrics and run stats are recorded.
func (c *Controller) RunCycle(ctx context.Context, m models.RunMetrics) (models.RunMetrics, *models.RunStats, error) {
	m = m.Clone()
	strategy, reason := DecideStrategy(m)
	task := TaskFor(strategy)

	runID := uuid.NewString()
	log := c.log.WithFields(logrus.Fields{"run_id": runID, "strategy": strategy})
	log.WithFields(logrus.Fields{
		"pages":       task.MaxPages,
		"delay":       task.Delay,
		"concurrency": task.Concurrency,
		"priority":    task.Priority,
	}).Infof("Starting cycle (%s)", reason)

	c.runner.Apply(task)

	stats := &models.RunStats{
		ID:        runID,
		StartedAt: c.now(),
		Strategy:  string(strategy),
	}

	var (
		qualitySum float64
		qualityN   int
	)
	onPage := func(ctx context.Context, report scraper.PageReport) {
		c.metrics.PageInspected(report.Source)
		for i := range report.Parsed {
			qualitySum += report.Parsed[i].QualityScore()
			qualityN++
		}
		kind, msg := DetectAnomaly(report.Parsed, c.cfg.Thresholds)
		if kind == AnomalyNone {
			return
		}
		c.metrics.Anomaly(kind)
		log.WithFields(logrus.Fields{"source": report.Source, "params": report.Params.String()}).
			Warnf("Anomaly detected: %s", msg)
		c.selfHeal(ctx, log, kind, stats)
	}

	result, runErr := c.runner.RunOnce(ctx, capPages(c.cfg.Searches, task.MaxPages), onPage)
	if result == nil {
		result = &scraper.PassResult{}
	}

	stats.FinishedAt = c.now()
	stats.PagesScraped = result.Pages
	stats.ListingsFound = len(result.Listings)
	stats.ErrorsCount = result.Errors
	stats.Success = runErr == nil && result.Parsed > 0
	if qualityN > 0 {
		stats.AvgQualityScore = qualitySum / float64(qualityN)
	}

	if runErr == nil && c.archiver != nil && len(result.Listings) > 0 {
		n, err := c.archiver.Archive(ctx, result.Listings)
		if err != nil {
			log.Warnf("image archival: %v", err)
		}
		stats.ImagesArchived = n
	}

	m = rollUp(m, stats, result, qualityN > 0)
	c.metrics.RunFinished(stats.Strategy, stats.Success, stats.Duration().Seconds())
	c.metrics.SetDataQuality(m.DataQualityScore)

	if err := c.recorder.SaveRunStats(ctx, stats); err != nil {
		log.Warnf("save run stats: %v", err)
	}
	if err := c.recorder.SaveMetricsSnapshot(ctx, m, stats.FinishedAt); err != nil {
		log.Warnf("save metrics snapshot: %v", err)
	}

	log.WithFields(logrus.Fields{
		"duration":   stats.Duration().Round(time.Millisecond),
		"new":        stats.ListingsFound,
		"pages":      stats.PagesScraped,
		"errors":     stats.ErrorsCount,
		"self_heals": stats.SelfHeals,
		"images":     stats.ImagesArchived,
		"success":    stats.Success,
	}).Info("Cycle complete")
	c.report(m)

	if runErr != nil {
		return m, stats, fmt.Errorf("run %s: %w", runID, runErr)
	}
	return m, stats, nil
}

// selfHeal logs the anomaly, counts it and pauses before the next page.
func (c *Controller) selfHeal(ctx context.Context, log *logrus.Entry, kind string, stats *models.RunStats) {
	stats.SelfHeals++
	c.metrics.SelfHeal()
	log.WithField("kind", kind).Warnf("Self-heal: pausing %s, hint: %s", c.cfg.HealPause, healHint(kind))
	if c.cfg.HealPause > 0 {
		if err := c.sleep(ctx, c.cfg.HealPause); err != nil {
			log.Debugf("self-heal pause interrupted: %v", err)
		}
	}
}

// rollUp folds one run into the rolling metrics.
func rollUp(m models.RunMetrics, stats *models.RunStats, result *scraper.PassResult, hasQuality bool) models.RunMetrics {
	m.TotalRuns++
	if stats.Success {
		m.SuccessfulScrapes++
	} else {
		m.FailedScrapes++
	}
	m.TotalListingsScraped += stats.ListingsFound
	m.TotalPagesScraped += stats.PagesScraped
	m.ErrorsEncountered += stats.ErrorsCount
	m.SelfHealsPerformed += stats.SelfHeals
	if hasQuality {
		m.DataQualityScore = stats.AvgQualityScore
	}

	secs := stats.Duration().Seconds()
	m.AverageScrapeTime += (secs - m.AverageScrapeTime) / float64(m.TotalRuns)

	finished := stats.FinishedAt
	m.LastScrapeTime = &finished

	if m.PerSource == nil {
		m.PerSource = make(map[string]models.SourceMetrics)
	}
	for source, counts := range result.BySource {
		sm := m.PerSource[source]
		sm.Listings += counts.New
		sm.Errors += counts.Errors
		sm.LastRunAt = &finished
		m.PerSource[source] = sm
	}
	return m
}

// SaveSnapshot persists m outside a cycle, e.g. on shutdown.
func (c *Controller) SaveSnapshot(ctx context.Context, m models.RunMetrics) error {
	return c.recorder.SaveMetricsSnapshot(ctx, m, c.now())
}

func (c *Controller) report(m models.RunMetrics) {
	c.log.WithFields(logrus.Fields{
		"total_runs":     m.TotalRuns,
		"successful":     m.SuccessfulScrapes,
		"failed":         m.FailedScrapes,
		"error_rate":     fmt.Sprintf("%.1f%%", m.ErrorRate()*100),
		"listings":       m.TotalListingsScraped,
		"pages":          m.TotalPagesScraped,
		"data_quality":   fmt.Sprintf("%.1f", m.DataQualityScore),
		"self_heals":     m.SelfHealsPerformed,
		"avg_scrape_sec": fmt.Sprintf("%.1f", m.AverageScrapeTime),
	}).Info("Agent metrics")
}
