package workers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"dari_scrooper/httputil"
	"dari_scrooper/models"
	"dari_scrooper/monitoring"
)

const (
	maxImageSize       = 50 * 1024 * 1024 // 50MB
	defaultImageRetry  = 2
	imageRetryDelay    = 600 * time.Millisecond
	defaultImageUA     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	defaultConcurrency = 4
)

// ImageIndex is the metadata store for archived images.
type ImageIndex interface {
	KnownImageURLs(ctx context.Context, keys []string) (map[string]map[string]struct{}, error)
	InsertImages(ctx context.Context, records []models.ImageRecord) (int, error)
}

// Uploader mirrors archived files to object storage.
type Uploader interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) error
	PublicURL(key string) string
}

type ImagePipelineConfig struct {
	Dir         string
	Concurrency int
	Retries     int
	UserAgent   string
}

// ImagePipeline downloads listing photos once per unique URL, stores them by
// content hash and records one metadata row per (listing, position).
type ImagePipeline struct {
	index      ImageIndex
	client     *http.Client
	uploader   Uploader
	predicates map[string]ImagePredicate
	cfg        ImagePipelineConfig
	executor   failsafe.Executor[*download]
	inflight   singleflight.Group
	log        *logrus.Entry
	metrics    *monitoring.Metrics
	now        func() time.Time
}

type download struct {
	data        []byte
	contentType string
}

type downloadResult struct {
	d   *download
	err error
}

// downloadCache remembers every URL fetched during one Archive call, so jobs
// sharing a URL download it once even when they do not overlap in time.
type downloadCache struct {
	mu   sync.Mutex
	done map[string]downloadResult
}

func (c *downloadCache) get(url string) (downloadResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.done[url]
	return r, ok
}

func (c *downloadCache) put(url string, r downloadResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done[url] = r
}

type imageJob struct {
	listing  *models.Listing
	position int
	url      string
}

// NewImagePipeline wires the pipeline. uploader and metrics may be nil; a
// source without a predicate uses DefaultImageFilter.
func NewImagePipeline(index ImageIndex, client *http.Client, uploader Uploader, predicates map[string]ImagePredicate, cfg ImagePipelineConfig, log *logrus.Logger, metrics *monitoring.Metrics) *ImagePipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Retries < 0 {
		cfg.Retries = defaultImageRetry
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultImageUA
	}

	policy := retrypolicy.NewBuilder[*download]().
		HandleIf(func(_ *download, err error) bool {
			return httputil.IsRetryable(err)
		}).
		WithDelay(imageRetryDelay).
		WithMaxRetries(cfg.Retries).
		Build()

	return &ImagePipeline{
		index:      index,
		client:     client,
		uploader:   uploader,
		predicates: predicates,
		cfg:        cfg,
		executor:   failsafe.With[*download](policy),
		log:        log.WithField("component", "images"),
		metrics:    metrics,
		now:        time.Now,
	}
}

// Archive stores the images of listings and returns the number of new
// metadata rows. Individual download failures are logged and dropped.
func (p *ImagePipeline) Archive(ctx context.Context, listings []models.Listing) (int, error) {
	jobs := p.buildJobs(listings)
	if len(jobs) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(listings))
	for i := range listings {
		keys = append(keys, listings[i].Key())
	}
	known, err := p.index.KnownImageURLs(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("known image urls: %w", err)
	}

	pending := jobs[:0]
	for _, j := range jobs {
		if _, ok := known[j.listing.Key()][j.url]; ok {
			continue
		}
		pending = append(pending, j)
	}
	if len(pending) == 0 {
		p.log.Debug("All images already archived")
		return 0, nil
	}

	var (
		mu      sync.Mutex
		records []models.ImageRecord
	)
	cache := &downloadCache{done: make(map[string]downloadResult)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, j := range pending {
		g.Go(func() error {
			rec, err := p.archiveOne(gctx, j, cache)
			if err != nil {
				p.log.WithField("url", j.url).Debugf("image dropped: %v", err)
				p.metrics.ImageFailed()
				return nil
			}
			mu.Lock()
			records = append(records, *rec)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(records) == 0 {
		return 0, nil
	}
	inserted, err := p.index.InsertImages(ctx, records)
	if err != nil {
		return 0, fmt.Errorf("insert images: %w", err)
	}
	p.metrics.ImagesArchived(inserted)
	p.log.Infof("Archived %d images (%d candidates, %d already known)", inserted, len(jobs), len(jobs)-len(pending))
	return inserted, nil
}

// buildJobs expands listings into (listing, position, url) jobs. Repeated URLs
// within a listing keep their first position.
func (p *ImagePipeline) buildJobs(listings []models.Listing) []imageJob {
	var jobs []imageJob
	for i := range listings {
		l := &listings[i]
		allow := p.predicateFor(l.Source)
		seen := make(map[string]struct{}, len(l.ImageURLs))
		for pos, u := range l.ImageURLs {
			u = strings.TrimSpace(u)
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			if !allow(u) {
				continue
			}
			jobs = append(jobs, imageJob{listing: l, position: pos, url: u})
		}
	}
	return jobs
}

func (p *ImagePipeline) predicateFor(source string) ImagePredicate {
	if pred, ok := p.predicates[source]; ok && pred != nil {
		return pred
	}
	return DefaultImageFilter.Allow
}

func (p *ImagePipeline) archiveOne(ctx context.Context, j imageJob, cache *downloadCache) (*models.ImageRecord, error) {
	d, err := p.fetchOnce(ctx, j.url, cache)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(d.data)
	hash := hex.EncodeToString(sum[:])
	ext := guessExtension(j.url, d.contentType)

	localPath := filepath.Join(p.cfg.Dir, hash[:2], hash+ext)
	if err := writeIfMissing(localPath, d.data); err != nil {
		return nil, fmt.Errorf("write %s: %w", localPath, err)
	}

	storageKey := fmt.Sprintf("%s/%s/%02d_%s%s", j.listing.Source, j.listing.SourceListingID, j.position, hash, ext)
	rec := &models.ImageRecord{
		ID:              uuid.NewSHA1(uuid.NameSpaceURL, []byte(storageKey)),
		Source:          j.listing.Source,
		SourceListingID: j.listing.SourceListingID,
		Position:        j.position,
		OriginalURL:     j.url,
		StorageKey:      storageKey,
		ContentHash:     hash,
		LocalPath:       localPath,
		MimeType:        mimeFor(ext),
		SizeBytes:       int64(len(d.data)),
		CreatedAt:       p.now().UTC(),
	}

	if p.uploader != nil {
		if err := p.uploader.Upload(ctx, storageKey, bytes.NewReader(d.data), rec.MimeType); err != nil {
			p.log.WithField("key", storageKey).Warnf("upload failed: %v", err)
		} else {
			public := p.uploader.PublicURL(storageKey)
			rec.PublicURL = &public
		}
	}

	return rec, nil
}

// fetchOnce returns the bytes of url, fetching it at most once per cache.
// Concurrent callers are collapsed by singleflight; the result is cached before
// the flight ends so a later caller never starts a second fetch.
func (p *ImagePipeline) fetchOnce(ctx context.Context, url string, cache *downloadCache) (*download, error) {
	v, _, _ := p.inflight.Do(url, func() (any, error) {
		if r, ok := cache.get(url); ok {
			return r, nil
		}
		d, err := p.executor.WithContext(ctx).Get(func() (*download, error) {
			return p.fetch(ctx, url)
		})
		r := downloadResult{d: d, err: err}
		cache.put(url, r)
		return r, nil
	})
	r := v.(downloadResult)
	return r.d, r.err
}

func (p *ImagePipeline) fetch(ctx context.Context, rawURL string) (*download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "image/*,*/*")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &httputil.StatusError{Status: resp.StatusCode, URL: rawURL}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	return &download{data: data, contentType: resp.Header.Get("Content-Type")}, nil
}

// writeIfMissing writes data to path unless a file already exists there.
func writeIfMissing(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".img-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// guessExtension prefers the URL's extension, then the Content-Type.
func guessExtension(rawURL, contentType string) string {
	u := rawURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	ext := strings.ToLower(path.Ext(u))
	switch ext {
	case ".avif", ".webp", ".png", ".jpg":
		return ext
	case ".jpeg":
		return ".jpg"
	}

	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "avif"):
		return ".avif"
	case strings.Contains(ct, "webp"):
		return ".webp"
	case strings.Contains(ct, "png"):
		return ".png"
	default:
		return ".jpg"
	}
}

func mimeFor(ext string) string {
	switch ext {
	case ".avif":
		return "image/avif"
	case ".webp":
		return "image/webp"
	case ".png":
		return "image/png"
	default:
		return "image/jpeg"
	}
}
