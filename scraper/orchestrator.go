package scraper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"dari_scrooper/identity"
	"dari_scrooper/models"
	"dari_scrooper/monitoring"
)

const (
	defaultParseTimeout  = 3 * time.Minute
	defaultSearchTimeout = 15 * time.Minute
)

// Error kinds counted per pass.
const (
	ErrKindSearch     = "search"
	ErrKindFetch      = "fetch"
	ErrKindParse      = "parse"
	ErrKindValidation = "validation"
)

// Store is the persistence surface a pass reads from and writes to.
type Store interface {
	LoadSeen(ctx context.Context) (models.SeenSet, error)
	SaveSeen(ctx context.Context, seen models.SeenSet) error
	Save(ctx context.Context, batch []models.Listing) error
}

// PageReport summarizes one (adapter x search params) result set.
type PageReport struct {
	Source string
	Params models.SearchParams
	URLs   int
	// Parsed holds every valid record on the page, including already-seen ones.
	Parsed []models.Listing
	New    int
	Errors int
}

// PageObserver is called after each result set has drained.
type PageObserver func(ctx context.Context, report PageReport)

type SourceCounts struct {
	New    int
	Errors int
}

// PassResult is the outcome of one RunOnce.
type PassResult struct {
	Listings []models.Listing
	Pages    int
	URLs     int
	Parsed   int
	Skipped  int
	Errors   int
	ByKind   map[string]int
	BySource map[string]SourceCounts
}

func newPassResult() *PassResult {
	return &PassResult{
		ByKind:   make(map[string]int),
		BySource: make(map[string]SourceCounts),
	}
}

func (r *PassResult) recordError(source, kind string) {
	r.Errors++
	r.ByKind[kind]++
	c := r.BySource[source]
	c.Errors++
	r.BySource[source] = c
}

func (r *PassResult) recordNew(l models.Listing) {
	r.Listings = append(r.Listings, l)
	c := r.BySource[l.Source]
	c.New++
	r.BySource[l.Source] = c
}

type parseResult struct {
	url     string
	listing *models.Listing
	err     error
}

// Orchestrator runs passes over every adapter and search parameter set with a
// fixed worker pool. Only the goroutine calling RunOnce touches the seen set.
type Orchestrator struct {
	adapters map[string]Adapter
	store    Store
	log      *logrus.Entry
	metrics  *monitoring.Metrics

	ParseTimeout  time.Duration
	SearchTimeout time.Duration

	mu          sync.Mutex
	concurrency int
	sem         *semaphore.Weighted
}

func NewOrchestrator(adapters map[string]Adapter, store Store, maxConcurrency int, log *logrus.Logger, metrics *monitoring.Metrics) *Orchestrator {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Orchestrator{
		adapters:      adapters,
		store:         store,
		log:           log.WithField("component", "orchestrator"),
		metrics:       metrics,
		ParseTimeout:  defaultParseTimeout,
		SearchTimeout: defaultSearchTimeout,
		concurrency:   maxConcurrency,
		sem:           semaphore.NewWeighted(int64(maxConcurrency)),
	}
}

// Apply tunes the next passes from a scrape task: worker count and, for
// adapters that support it, the politeness delay.
func (o *Orchestrator) Apply(task models.ScrapeTask) {
	if task.Concurrency > 0 {
		o.mu.Lock()
		o.concurrency = task.Concurrency
		o.sem = semaphore.NewWeighted(int64(task.Concurrency))
		o.mu.Unlock()
	}
	if task.Delay > 0 {
		for _, a := range o.adapters {
			if dt, ok := a.(DelayTuner); ok {
				dt.SetDelay(task.Delay)
			}
		}
	}
}

func (o *Orchestrator) Concurrency() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.concurrency
}

func (o *Orchestrator) Sources() []string {
	ids := make([]string, 0, len(o.adapters))
	for id := range o.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RunOnce executes one pass over params x adapters and returns the newly
// accepted listings. The batch and the seen set are persisted before returning.
// A primary store failure is returned together with the collected result.
func (o *Orchestrator) RunOnce(ctx context.Context, params []models.SearchParams, onPage PageObserver) (*PassResult, error) {
	seen, err := o.store.LoadSeen(ctx)
	if err != nil {
		return nil, fmt.Errorf("load seen: %w", err)
	}
	o.log.Infof("Starting pass: %d sources, %d search sets, %d known listings", len(o.adapters), len(params), seen.Len())

	result := newPassResult()
	for _, p := range params {
		for _, source := range o.Sources() {
			report := o.runPage(ctx, source, o.adapters[source], p, seen, result)
			if onPage != nil {
				onPage(ctx, report)
			}
		}
	}

	saveErr := o.persist(ctx, seen, result)

	o.log.WithFields(logrus.Fields{
		"new":     len(result.Listings),
		"parsed":  result.Parsed,
		"skipped": result.Skipped,
		"errors":  result.Errors,
	}).Info("Pass complete")

	return result, saveErr
}

func (o *Orchestrator) persist(ctx context.Context, seen models.SeenSet, result *PassResult) error {
	var saveErr error
	if len(result.Listings) > 0 {
		if err := o.store.Save(ctx, result.Listings); err != nil {
			saveErr = fmt.Errorf("save batch: %w", err)
			// Forget keys that may not be durable so the next pass retries them.
			for i := range result.Listings {
				seen.Remove(result.Listings[i].Key())
			}
		}
	}
	if err := o.store.SaveSeen(ctx, seen); err != nil {
		o.log.Warnf("save seen set: %v", err)
	}
	return saveErr
}

func (o *Orchestrator) runPage(ctx context.Context, source string, a Adapter, params models.SearchParams, seen models.SeenSet, result *PassResult) PageReport {
	log := o.log.WithFields(logrus.Fields{"source": source, "params": params.String()})
	report := PageReport{Source: source, Params: params}
	result.Pages++

	urls, err := o.search(ctx, a, params)
	if err != nil {
		log.Errorf("search failed: %v", err)
		result.recordError(source, ErrKindSearch)
		o.metrics.ScrapeError(source, ErrKindSearch)
		report.Errors++
		return report
	}

	urls = dedupeURLs(urls)
	report.URLs = len(urls)
	result.URLs += len(urls)
	if len(urls) == 0 {
		log.Info("No listing URLs")
		return report
	}
	log.Infof("Found %d listing URLs", len(urls))

	for r := range o.fanOut(ctx, a, params, urls) {
		if r.err != nil {
			kind := classifyError(r.err)
			log.WithField("url", r.url).Warnf("%s error: %v", kind, r.err)
			result.recordError(source, kind)
			o.metrics.ScrapeError(source, kind)
			report.Errors++
			continue
		}

		l := *r.listing
		if l.Source == "" {
			l.Source = source
		}
		if err := l.Validate(); err != nil {
			log.WithField("url", r.url).Warnf("rejected: %v", err)
			result.recordError(source, ErrKindValidation)
			o.metrics.ScrapeError(source, ErrKindValidation)
			report.Errors++
			continue
		}

		result.Parsed++
		report.Parsed = append(report.Parsed, l)
		if !seen.Add(l.Key()) {
			result.Skipped++
			continue
		}
		result.recordNew(l)
		report.New++
		o.metrics.ListingCollected(source)
	}

	log.Infof("%d new, %d parsed, %d errors", report.New, len(report.Parsed), report.Errors)
	return report
}

func (o *Orchestrator) search(ctx context.Context, a Adapter, params models.SearchParams) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.SearchTimeout)
	defer cancel()
	return a.SearchURLs(ctx, params)
}

// fanOut queues urls and starts exactly Concurrency() workers draining them.
// The returned channel closes once every worker has exited.
func (o *Orchestrator) fanOut(ctx context.Context, a Adapter, params models.SearchParams, urls []string) <-chan parseResult {
	o.mu.Lock()
	workers := o.concurrency
	sem := o.sem
	o.mu.Unlock()

	queue := make(chan string, len(urls))
	for _, u := range urls {
		queue <- u
	}
	close(queue)

	results := make(chan parseResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range queue {
				results <- o.parseOne(ctx, sem, a, params, u)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func (o *Orchestrator) parseOne(ctx context.Context, sem *semaphore.Weighted, a Adapter, params models.SearchParams, url string) (res parseResult) {
	res.url = url
	if err := sem.Acquire(ctx, 1); err != nil {
		res.err = err
		return res
	}
	defer sem.Release(1)

	o.metrics.ParseStarted()
	defer o.metrics.ParseDone()

	defer func() {
		if r := recover(); r != nil {
			res.listing = nil
			res.err = &ParseError{URL: url, Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if err := a.PoliteDelay(ctx); err != nil {
		res.err = err
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, o.ParseTimeout)
	defer cancel()

	l, err := a.ParseListing(ctx, url, params)
	if err != nil {
		res.err = err
		return res
	}
	if l == nil {
		res.err = &ParseError{URL: url, Reason: "no record"}
		return res
	}
	res.listing = l
	return res
}

func classifyError(err error) string {
	var pe *ParseError
	if errors.As(err, &pe) {
		return ErrKindParse
	}
	return ErrKindFetch
}

// dedupeURLs canonicalizes urls and drops repeats, keeping first-seen order.
func dedupeURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		c := identity.CanonicalURL(u)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
