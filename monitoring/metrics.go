package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dari_scrooper"

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	listingsCollected *prometheus.CounterVec
	scrapeErrors      *prometheus.CounterVec
	pagesInspected    *prometheus.CounterVec
	anomalies         *prometheus.CounterVec
	selfHeals         prometheus.Counter
	runs              *prometheus.CounterVec
	runDuration       prometheus.Histogram
	inFlight          prometheus.Gauge
	dataQuality       prometheus.Gauge
	imagesArchived    prometheus.Counter
	imageFailures     prometheus.Counter
	priceChanges      prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		listingsCollected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "listings_collected_total",
				Help:      "Newly accepted listings by source",
			},
			[]string{"source"},
		),
		scrapeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scrape_errors_total",
				Help:      "Per-URL scrape failures by source and kind",
			},
			[]string{"source", "kind"},
		),
		pagesInspected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_inspected_total",
				Help:      "Result pages inspected for anomalies",
			},
			[]string{"source"},
		),
		anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_total",
				Help:      "Detected page anomalies by kind",
			},
			[]string{"kind"},
		),
		selfHeals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "self_heals_total",
			Help:      "Self-heal pauses performed",
		}),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Controller cycles by strategy and outcome",
			},
			[]string{"strategy", "success"},
		),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of controller cycles",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "parse_in_flight",
			Help:      "Detail-page parses currently running",
		}),
		dataQuality: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "data_quality_score",
			Help:      "Rolling data quality score (0-100)",
		}),
		imagesArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_archived_total",
			Help:      "Image metadata rows inserted",
		}),
		imageFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_failures_total",
			Help:      "Image downloads dropped after exhausting retries",
		}),
		priceChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_changes_total",
			Help:      "Price history rows appended",
		}),
	}

	reg.MustRegister(
		m.listingsCollected, m.scrapeErrors, m.pagesInspected, m.anomalies,
		m.selfHeals, m.runs, m.runDuration, m.inFlight, m.dataQuality,
		m.imagesArchived, m.imageFailures, m.priceChanges,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ListingCollected(source string) {
	if m == nil {
		return
	}
	m.listingsCollected.WithLabelValues(source).Inc()
}

func (m *Metrics) ScrapeError(source, kind string) {
	if m == nil {
		return
	}
	m.scrapeErrors.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) PageInspected(source string) {
	if m == nil {
		return
	}
	m.pagesInspected.WithLabelValues(source).Inc()
}

func (m *Metrics) Anomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

func (m *Metrics) SelfHeal() {
	if m == nil {
		return
	}
	m.selfHeals.Inc()
}

func (m *Metrics) RunFinished(strategy string, success bool, seconds float64) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.runs.WithLabelValues(strategy, label).Inc()
	m.runDuration.Observe(seconds)
}

func (m *Metrics) ParseStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) ParseDone() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *Metrics) SetDataQuality(score float64) {
	if m == nil {
		return
	}
	m.dataQuality.Set(score)
}

func (m *Metrics) ImagesArchived(n int) {
	if m == nil {
		return
	}
	m.imagesArchived.Add(float64(n))
}

func (m *Metrics) ImageFailed() {
	if m == nil {
		return
	}
	m.imageFailures.Inc()
}

func (m *Metrics) PriceChanges(n int) {
	if m == nil {
		return
	}
	m.priceChanges.Add(float64(n))
}
