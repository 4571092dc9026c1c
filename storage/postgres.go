package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dari_scrooper/models"
)

// pgxPool is the part of *pgxpool.Pool the store uses.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Close()
}

// PostgresStore is the primary sink and the source of truth for listing identities.
type PostgresStore struct {
	pool pgxPool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS listings (
		source TEXT NOT NULL,
		source_listing_id TEXT NOT NULL,
		url TEXT NOT NULL,
		transaction_type TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		price DOUBLE PRECISION,
		currency TEXT NOT NULL DEFAULT '',
		property_type TEXT NOT NULL DEFAULT '',
		governorate TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		zone TEXT NOT NULL DEFAULT '',
		district TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		lat DOUBLE PRECISION,
		lon DOUBLE PRECISION,
		surface_m2 DOUBLE PRECISION,
		rooms INTEGER,
		bathrooms INTEGER,
		image_urls JSONB NOT NULL DEFAULT '[]',
		points_of_interest JSONB,
		posted_at TIMESTAMPTZ,
		scraped_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (source, source_listing_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_scraped_at ON listings(scraped_at)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id BIGSERIAL PRIMARY KEY,
		source TEXT NOT NULL,
		source_listing_id TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		observed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_listing ON price_history(source, source_listing_id, observed_at)`,
	`CREATE TABLE IF NOT EXISTS listing_images (
		id UUID PRIMARY KEY,
		source TEXT NOT NULL,
		source_listing_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		original_url TEXT NOT NULL,
		storage_key TEXT NOT NULL UNIQUE,
		content_hash TEXT NOT NULL,
		local_path TEXT NOT NULL DEFAULT '',
		public_url TEXT,
		mime_type TEXT NOT NULL DEFAULT '',
		size_bytes BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_listing_images_listing ON listing_images(source, source_listing_id)`,
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// =============================================================================
// Listings
// =============================================================================

const listingColumns = `source, source_listing_id, url, transaction_type, title, price, currency,
	property_type, governorate, city, zone, district, address, lat, lon,
	surface_m2, rooms, bathrooms, image_urls, points_of_interest, posted_at, scraped_at`

// SeenKeys returns the identity key of every stored listing.
func (s *PostgresStore) SeenKeys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT source, source_listing_id FROM listings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var source, id string
		if err := rows.Scan(&source, &id); err != nil {
			return nil, err
		}
		keys = append(keys, models.IdentityKey(source, id))
	}
	return keys, rows.Err()
}

// UpsertListings writes the batch in one transaction. Each record fully
// replaces the stored row unless the stored row was scraped later. A price
// history row is appended when the new price is set and differs from the
// stored one. It returns the number of price history rows written.
func (s *PostgresStore) UpsertListings(ctx context.Context, batch []models.Listing) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	changes := 0
	for i := range batch {
		l := &batch[i]

		var oldPrice *float64
		var oldScrapedAt time.Time
		exists := true
		err := tx.QueryRow(ctx,
			`SELECT price, scraped_at FROM listings WHERE source = $1 AND source_listing_id = $2`,
			l.Source, l.SourceListingID,
		).Scan(&oldPrice, &oldScrapedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			exists = false
		} else if err != nil {
			return 0, fmt.Errorf("read %s: %w", l.Key(), err)
		}

		if exists && l.ScrapedAt.Before(oldScrapedAt) {
			continue
		}

		if err := upsertListing(ctx, tx, l); err != nil {
			return 0, fmt.Errorf("upsert %s: %w", l.Key(), err)
		}

		if priceChanged(oldPrice, l.Price) {
			_, err := tx.Exec(ctx, `
				INSERT INTO price_history (source, source_listing_id, price, currency, observed_at)
				VALUES ($1, $2, $3, $4, $5)`,
				l.Source, l.SourceListingID, *l.Price, l.Currency, l.ScrapedAt,
			)
			if err != nil {
				return 0, fmt.Errorf("price history %s: %w", l.Key(), err)
			}
			changes++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return changes, nil
}

func upsertListing(ctx context.Context, tx pgx.Tx, l *models.Listing) error {
	images, poi, err := encodeListingJSON(l)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO listings (` + listingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (source, source_listing_id) DO UPDATE SET
			url = EXCLUDED.url,
			transaction_type = EXCLUDED.transaction_type,
			title = EXCLUDED.title,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			property_type = EXCLUDED.property_type,
			governorate = EXCLUDED.governorate,
			city = EXCLUDED.city,
			zone = EXCLUDED.zone,
			district = EXCLUDED.district,
			address = EXCLUDED.address,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			surface_m2 = EXCLUDED.surface_m2,
			rooms = EXCLUDED.rooms,
			bathrooms = EXCLUDED.bathrooms,
			image_urls = EXCLUDED.image_urls,
			points_of_interest = EXCLUDED.points_of_interest,
			posted_at = EXCLUDED.posted_at,
			scraped_at = EXCLUDED.scraped_at,
			updated_at = NOW()
		WHERE listings.scraped_at <= EXCLUDED.scraped_at`

	_, err = tx.Exec(ctx, query,
		l.Source, l.SourceListingID, l.URL, string(l.Transaction), l.Title, l.Price, l.Currency,
		l.PropertyType, l.Governorate, l.City, l.Zone, l.District, l.Address, l.Lat, l.Lon,
		l.SurfaceM2, l.Rooms, l.Bathrooms, images, poi, l.PostedAt, l.ScrapedAt,
	)
	return err
}

// priceChanged reports whether a new price observation should be logged.
func priceChanged(old, new *float64) bool {
	if new == nil {
		return false
	}
	return old == nil || *old != *new
}

func encodeListingJSON(l *models.Listing) (images, poi []byte, err error) {
	urls := l.ImageURLs
	if urls == nil {
		urls = []string{}
	}
	images, err = json.Marshal(urls)
	if err != nil {
		return nil, nil, fmt.Errorf("encode image_urls: %w", err)
	}
	if len(l.PointsOfInterest) > 0 {
		poi, err = json.Marshal(l.PointsOfInterest)
		if err != nil {
			return nil, nil, fmt.Errorf("encode points_of_interest: %w", err)
		}
	}
	return images, poi, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, source, sourceListingID string) (*models.Listing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE source = $1 AND source_listing_id = $2`,
		source, sourceListingID,
	)
	l, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ExportListings streams stored listings, optionally only those scraped at or
// after since, ordered by identity.
func (s *PostgresStore) ExportListings(ctx context.Context, since *time.Time, fn func(*models.Listing) error) error {
	query := `SELECT ` + listingColumns + ` FROM listings`
	var args []any
	if since != nil {
		query += ` WHERE scraped_at >= $1`
		args = append(args, *since)
	}
	query += ` ORDER BY source, source_listing_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return err
		}
		if err := fn(l); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) PriceHistory(ctx context.Context, source, sourceListingID string) ([]models.PriceHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source, source_listing_id, price, currency, observed_at
		FROM price_history
		WHERE source = $1 AND source_listing_id = $2
		ORDER BY observed_at, id`,
		source, sourceListingID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.PriceHistoryEntry
	for rows.Next() {
		var e models.PriceHistoryEntry
		if err := rows.Scan(&e.Source, &e.SourceListingID, &e.Price, &e.Currency, &e.ObservedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanListing(row pgx.Row) (*models.Listing, error) {
	var l models.Listing
	var transaction string
	var images, poi []byte
	err := row.Scan(
		&l.Source, &l.SourceListingID, &l.URL, &transaction, &l.Title, &l.Price, &l.Currency,
		&l.PropertyType, &l.Governorate, &l.City, &l.Zone, &l.District, &l.Address, &l.Lat, &l.Lon,
		&l.SurfaceM2, &l.Rooms, &l.Bathrooms, &images, &poi, &l.PostedAt, &l.ScrapedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Transaction = models.Transaction(transaction)
	if len(images) > 0 {
		if err := json.Unmarshal(images, &l.ImageURLs); err != nil {
			return nil, fmt.Errorf("decode image_urls: %w", err)
		}
	}
	if len(poi) > 0 {
		if err := json.Unmarshal(poi, &l.PointsOfInterest); err != nil {
			return nil, fmt.Errorf("decode points_of_interest: %w", err)
		}
	}
	return &l, nil
}

// =============================================================================
// Images
// =============================================================================

// KnownImageURLs returns, per identity key, the original URLs already archived.
func (s *PostgresStore) KnownImageURLs(ctx context.Context, keys []string) (map[string]map[string]struct{}, error) {
	known := make(map[string]map[string]struct{})
	if len(keys) == 0 {
		return known, nil
	}

	sources := make([]string, 0, len(keys))
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		source, id, ok := models.SplitIdentityKey(k)
		if !ok {
			continue
		}
		sources = append(sources, source)
		ids = append(ids, id)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT i.source, i.source_listing_id, i.original_url
		FROM listing_images i
		JOIN unnest($1::text[], $2::text[]) AS k(source, source_listing_id)
			ON i.source = k.source AND i.source_listing_id = k.source_listing_id`,
		sources, ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var source, id, originalURL string
		if err := rows.Scan(&source, &id, &originalURL); err != nil {
			return nil, err
		}
		key := models.IdentityKey(source, id)
		if known[key] == nil {
			known[key] = make(map[string]struct{})
		}
		known[key][originalURL] = struct{}{}
	}
	return known, rows.Err()
}

// InsertImages inserts metadata rows, ignoring storage keys that already exist,
// and returns how many rows were inserted.
func (s *PostgresStore) InsertImages(ctx context.Context, records []models.ImageRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO listing_images (
			id, source, source_listing_id, position, original_url, storage_key,
			content_hash, local_path, public_url, mime_type, size_bytes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (storage_key) DO NOTHING`

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(query,
			r.ID, r.Source, r.SourceListingID, r.Position, r.OriginalURL, r.StorageKey,
			r.ContentHash, r.LocalPath, r.PublicURL, r.MimeType, r.SizeBytes, r.CreatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range records {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert image: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}
