package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"dari_scrooper/models"
)

// sqliteTimeLayout is fixed width so text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the local secondary sink: an append-only listings log, a
// per-day latest snapshot, and the controller's run stats.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings_log (
		id INTEGER PRIMARY KEY,
		source TEXT NOT NULL,
		source_listing_id TEXT NOT NULL,
		price REAL,
		currency TEXT,
		data JSON NOT NULL,
		scraped_at TEXT NOT NULL,
		logged_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS listings_daily (
		day TEXT NOT NULL,
		source TEXT NOT NULL,
		source_listing_id TEXT NOT NULL,
		price REAL,
		currency TEXT,
		data JSON NOT NULL,
		scraped_at TEXT NOT NULL,
		PRIMARY KEY (day, source, source_listing_id)
	);

	CREATE TABLE IF NOT EXISTS scrape_runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		pages_scraped INTEGER,
		listings_found INTEGER,
		errors_count INTEGER,
		strategy TEXT,
		success BOOLEAN,
		self_heals INTEGER,
		images_archived INTEGER,
		avg_quality_score REAL
	);

	CREATE TABLE IF NOT EXISTS metrics_snapshots (
		id INTEGER PRIMARY KEY,
		taken_at TEXT NOT NULL,
		data JSON NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_log_listing ON listings_log(source, source_listing_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON scrape_runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, s)
}

// =============================================================================
// Listings
// =============================================================================

// AppendListings appends every record to the log and keeps, for the current
// (UTC) save day, the most recently scraped version of each listing.
func (s *SQLiteStore) AppendListings(ctx context.Context, batch []models.Listing) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	logStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO listings_log (source, source_listing_id, price, currency, data, scraped_at, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer logStmt.Close()

	dailyStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO listings_daily (day, source, source_listing_id, price, currency, data, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(day, source, source_listing_id) DO UPDATE SET
			price = excluded.price,
			currency = excluded.currency,
			data = excluded.data,
			scraped_at = excluded.scraped_at
		WHERE excluded.scraped_at >= listings_daily.scraped_at`)
	if err != nil {
		return err
	}
	defer dailyStmt.Close()

	now := s.now()
	loggedAt := formatTime(now)
	day := now.UTC().Format("2006-01-02")
	for i := range batch {
		l := &batch[i]
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encode %s: %w", l.Key(), err)
		}
		scrapedAt := formatTime(l.ScrapedAt)

		if _, err := logStmt.ExecContext(ctx, l.Source, l.SourceListingID, l.Price, l.Currency, data, scrapedAt, loggedAt); err != nil {
			return fmt.Errorf("append %s: %w", l.Key(), err)
		}
		if _, err := dailyStmt.ExecContext(ctx, day, l.Source, l.SourceListingID, l.Price, l.Currency, data, scrapedAt); err != nil {
			return fmt.Errorf("daily %s: %w", l.Key(), err)
		}
	}

	return tx.Commit()
}

// DailyLatest returns the latest snapshot of every listing seen on day.
func (s *SQLiteStore) DailyLatest(ctx context.Context, day time.Time) ([]models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM listings_daily
		WHERE day = ?
		ORDER BY source, source_listing_id`,
		day.UTC().Format("2006-01-02"),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var l models.Listing
		if err := json.Unmarshal([]byte(data), &l); err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *SQLiteStore) LogCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings_log`).Scan(&n)
	return n, err
}

// =============================================================================
// Runs
// =============================================================================

func (s *SQLiteStore) SaveRunStats(ctx context.Context, r *models.RunStats) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_runs (
			id, started_at, finished_at, pages_scraped, listings_found, errors_count,
			strategy, success, self_heals, images_archived, avg_quality_score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, formatTime(r.StartedAt), formatTime(r.FinishedAt), r.PagesScraped, r.ListingsFound,
		r.ErrorsCount, r.Strategy, r.Success, r.SelfHeals, r.ImagesArchived, r.AvgQualityScore,
	)
	return err
}

// RecentRuns returns up to limit runs, newest first.
func (s *SQLiteStore) RecentRuns(ctx context.Context, limit int) ([]models.RunStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, pages_scraped, listings_found, errors_count,
			strategy, success, self_heals, images_archived, avg_quality_score
		FROM scrape_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.RunStats
	for rows.Next() {
		var r models.RunStats
		var startedAt, finishedAt string
		if err := rows.Scan(&r.ID, &startedAt, &finishedAt, &r.PagesScraped, &r.ListingsFound,
			&r.ErrorsCount, &r.Strategy, &r.Success, &r.SelfHeals, &r.ImagesArchived, &r.AvgQualityScore); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) SaveMetricsSnapshot(ctx context.Context, m models.RunMetrics, at time.Time) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO metrics_snapshots (taken_at, data) VALUES (?, ?)`,
		formatTime(at), data,
	)
	return err
}

// LatestMetrics returns the newest metrics snapshot, or nil if none was saved.
func (s *SQLiteStore) LatestMetrics(ctx context.Context) (*models.RunMetrics, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM metrics_snapshots ORDER BY taken_at DESC, id DESC LIMIT 1`,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m := models.NewRunMetrics()
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	if m.PerSource == nil {
		m.PerSource = make(map[string]models.SourceMetrics)
	}
	return &m, nil
}
