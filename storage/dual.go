package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"dari_scrooper/models"
	"dari_scrooper/monitoring"
)

// Primary is the authoritative listing store.
type Primary interface {
	SeenKeys(ctx context.Context) ([]string, error)
	UpsertListings(ctx context.Context, batch []models.Listing) (int, error)
}

// Secondary receives a copy of every saved batch.
type Secondary interface {
	AppendListings(ctx context.Context, batch []models.Listing) error
}

// SeenBackup persists the seen set outside the primary store.
type SeenBackup interface {
	Load(ctx context.Context) (models.SeenSet, error)
	Save(ctx context.Context, seen models.SeenSet) error
}

// DualStore fans saves out to a primary and a secondary sink. Only the primary
// can fail a save. secondary and seen may be nil.
type DualStore struct {
	primary   Primary
	secondary Secondary
	seen      SeenBackup
	log       *logrus.Entry
	metrics   *monitoring.Metrics
}

func NewDualStore(primary Primary, secondary Secondary, seen SeenBackup, log *logrus.Logger, metrics *monitoring.Metrics) *DualStore {
	return &DualStore{
		primary:   primary,
		secondary: secondary,
		seen:      seen,
		log:       log.WithField("component", "store"),
		metrics:   metrics,
	}
}

// LoadSeen returns the union of the primary's identities and the backup file.
func (d *DualStore) LoadSeen(ctx context.Context) (models.SeenSet, error) {
	keys, err := d.primary.SeenKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("primary seen keys: %w", err)
	}
	seen := models.NewSeenSet(keys...)

	if d.seen != nil {
		backup, err := d.seen.Load(ctx)
		if err != nil {
			d.log.Warnf("load seen backup: %v", err)
		} else {
			seen.Merge(backup.Keys())
		}
	}
	return seen, nil
}

func (d *DualStore) SaveSeen(ctx context.Context, seen models.SeenSet) error {
	if d.seen == nil {
		return nil
	}
	return d.seen.Save(ctx, seen)
}

// Save upserts the batch into the primary in scraped_at order, then appends it
// to the secondary. A secondary failure is logged and does not fail the save.
func (d *DualStore) Save(ctx context.Context, batch []models.Listing) error {
	if len(batch) == 0 {
		return nil
	}

	ordered := make([]models.Listing, len(batch))
	copy(ordered, batch)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ScrapedAt.Before(ordered[j].ScrapedAt)
	})

	changes, primaryErr := d.primary.UpsertListings(ctx, ordered)
	if primaryErr == nil {
		d.metrics.PriceChanges(changes)
		d.log.Infof("Saved %d listings (%d price changes)", len(ordered), changes)
	}

	if d.secondary != nil {
		if err := d.secondary.AppendListings(ctx, ordered); err != nil {
			d.log.Warnf("secondary sink: %v", err)
		}
	}

	if primaryErr != nil {
		return fmt.Errorf("primary upsert: %w", primaryErr)
	}
	return nil
}
