package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"dari_scrooper/agent"
	"dari_scrooper/config"
	"dari_scrooper/httputil"
	"dari_scrooper/logging"
	"dari_scrooper/monitoring"
	"dari_scrooper/scheduler"
	"dari_scrooper/scraper"
	"dari_scrooper/storage"
	"dari_scrooper/workers"
)

var (
	scrapeNow  = flag.Bool("scrape", false, "Run one cycle and exit")
	exportPath = flag.String("export", "", "Export listings to a CSV file and exit")
	since      = flag.Duration("since", 0, "With -export, only listings scraped within this duration")
	status     = flag.Bool("status", false, "Print rolling metrics and recent runs and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log, logFile, err := logging.Setup(cfg.LogPath, cfg.LogLevel)
	if err != nil {
		log.Warnf("could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Info("Starting dari_scrooper...")

	ctx := context.Background()

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	pgStore, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pgStore.Close()
	if err := pgStore.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate Postgres: %v", err)
	}
	log.Infof("Connected to Postgres: %s", maskConnectionString(cfg.DatabaseURL))

	if *exportPath != "" {
		if err := runExport(ctx, pgStore, *exportPath, *since, log); err != nil {
			log.Fatalf("Export failed: %v", err)
		}
		return
	}

	sqliteStore, err := storage.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to open SQLite: %v", err)
	}
	defer sqliteStore.Close()
	log.Infof("SQLite database: %s", cfg.SQLitePath)

	if *status {
		if err := printStatus(ctx, sqliteStore); err != nil {
			log.Fatalf("Status failed: %v", err)
		}
		return
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.New(reg)

	clients := httputil.NewClients(cfg.Scraper)
	if cfg.Scraper.ProxyURL != "" {
		log.Infof("Proxy: %s", maskConnectionString(cfg.Scraper.ProxyURL))
	}

	log.Infof("Loaded %d site configs", len(cfg.Sites))
	adapters := make(map[string]scraper.Adapter, len(cfg.Sites))
	for _, id := range sortedSiteIDs(cfg.Sites) {
		site := cfg.Sites[id]
		a, err := scraper.NewAdapter(site, clients.Scraping, cfg.Scraper, log)
		if err != nil {
			log.Fatalf("Failed to build adapter: %v", err)
		}
		adapters[id] = a
		log.Infof("  - %s (%s, handler %s)", site.Name, id, handlerName(site))
	}
	defer scraper.CloseAll(adapters, log)

	store := storage.NewDualStore(pgStore, sqliteStore, storage.NewSeenFile(cfg.SeenFile), log, metrics)
	orchestrator := scraper.NewOrchestrator(adapters, store, cfg.Scraper.MaxConcurrency, log, metrics)

	var archiver agent.Archiver
	if cfg.Images.Enabled {
		var uploader workers.Uploader
		if cfg.S3.Enabled() {
			u, err := storage.NewS3Uploader(ctx, cfg.S3)
			if err != nil {
				log.Fatalf("Failed to set up S3: %v", err)
			}
			uploader = u
			log.Infof("Mirroring images to bucket %s", cfg.S3.Bucket)
		}
		archiver = workers.NewImagePipeline(pgStore, clients.Media, uploader, workers.PredicatesFromSites(cfg.Sites), workers.ImagePipelineConfig{
			Dir:         cfg.Images.Dir,
			Concurrency: cfg.Images.Concurrency,
			Retries:     cfg.Images.Retries,
			UserAgent:   cfg.Scraper.UserAgent,
		}, log, metrics)
		log.Infof("Image archival enabled: %s", cfg.Images.Dir)
	}

	controller, err := agent.NewController(ctx, orchestrator, sqliteStore, archiver, agent.ControllerConfig{
		Searches:   cfg.Searches,
		Thresholds: agent.ThresholdsFromConfig(cfg.Agent),
		HealPause:  cfg.Agent.HealPause,
	}, log, metrics)
	if err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}

	if *scrapeNow {
		log.Info("Running one cycle...")
		_, stats, err := controller.RunCycle(ctx, controller.Initial())
		if err != nil {
			log.Fatalf("Cycle failed: %v", err)
		}
		log.Infof("Cycle complete: %d new listings in %s", stats.ListingsFound, stats.Duration().Round(time.Second))
		return
	}

	// Daemon mode
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", monitoring.Handler(reg))
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server: %v", err)
			}
		}()
		log.Infof("Metrics on %s/metrics", cfg.MetricsAddr)
	}

	sched := scheduler.New(cfg.Scheduler, controller, controller.Initial(), log)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	log.Info("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Errorf("Failed to save metrics: %v", err)
	}
	if srv != nil {
		srv.Shutdown(shutdownCtx)
	}
	log.Info("Goodbye!")
}

func runExport(ctx context.Context, src storage.ListingSource, path string, window time.Duration, log *logrus.Logger) error {
	var from *time.Time
	if window > 0 {
		t := time.Now().Add(-window)
		from = &t
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := storage.ExportCSV(ctx, f, src, from)
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Infof("Exported %d listings to %s", n, path)
	return nil
}

func printStatus(ctx context.Context, store *storage.SQLiteStore) error {
	m, err := store.LatestMetrics(ctx)
	if err != nil {
		return err
	}
	if m == nil {
		fmt.Println("No metrics recorded yet")
	} else {
		strategy, reason := agent.DecideStrategy(*m)
		fmt.Printf("Runs:            %d (%d ok, %d failed, %.1f%% errors)\n", m.TotalRuns, m.SuccessfulScrapes, m.FailedScrapes, m.ErrorRate()*100)
		fmt.Printf("Listings:        %d over %d pages\n", m.TotalListingsScraped, m.TotalPagesScraped)
		fmt.Printf("Data quality:    %.1f\n", m.DataQualityScore)
		fmt.Printf("Self-heals:      %d\n", m.SelfHealsPerformed)
		fmt.Printf("Avg cycle:       %.1fs\n", m.AverageScrapeTime)
		fmt.Printf("Next strategy:   %s (%s)\n", strategy, reason)
	}

	runs, err := store.RecentRuns(ctx, 10)
	if err != nil {
		return err
	}
	fmt.Println()
	for _, r := range runs {
		fmt.Printf("%s  %-12s  pages %3d  new %4d  errors %3d  success %v\n",
			r.StartedAt.Local().Format("2006-01-02 15:04"), r.Strategy, r.PagesScraped, r.ListingsFound, r.ErrorsCount, r.Success)
	}
	return nil
}

func sortedSiteIDs(sites map[string]*config.SiteConfig) []string {
	ids := make([]string, 0, len(sites))
	for id := range sites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func handlerName(site *config.SiteConfig) string {
	if site.Handler == "" {
		return "html"
	}
	return site.Handler
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	// Simple mask - find :// and mask until @
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
