package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"dari_scrooper/logging"
	"dari_scrooper/models"
)

type fakePrimary struct {
	keys      []string
	keysErr   error
	upsertErr error
	batches   [][]models.Listing
}

func (f *fakePrimary) SeenKeys(ctx context.Context) ([]string, error) {
	return f.keys, f.keysErr
}

func (f *fakePrimary) UpsertListings(ctx context.Context, batch []models.Listing) (int, error) {
	f.batches = append(f.batches, batch)
	return 0, f.upsertErr
}

type fakeSecondary struct {
	err   error
	calls int
	rows  int
}

func (f *fakeSecondary) AppendListings(ctx context.Context, batch []models.Listing) error {
	f.calls++
	f.rows += len(batch)
	return f.err
}

type fakeBackup struct {
	seen    models.SeenSet
	loadErr error
	saved   models.SeenSet
}

func (f *fakeBackup) Load(ctx context.Context) (models.SeenSet, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.seen, nil
}

func (f *fakeBackup) Save(ctx context.Context, seen models.SeenSet) error {
	f.saved = seen
	return nil
}

func TestDualStoreLoadSeenUnion(t *testing.T) {
	primary := &fakePrimary{keys: []string{"mubawab:1", "tayara:2"}}
	backup := &fakeBackup{seen: models.NewSeenSet("mubawab:1", "mubawab:9")}
	store := NewDualStore(primary, nil, backup, logging.Discard(), nil)

	seen, err := store.LoadSeen(context.Background())
	if err != nil {
		t.Fatalf("load seen: %v", err)
	}
	if seen.Len() != 3 {
		t.Fatalf("expected 3 keys, got %d", seen.Len())
	}
	for _, k := range []string{"mubawab:1", "tayara:2", "mubawab:9"} {
		if !seen.Has(k) {
			t.Fatalf("missing key %s", k)
		}
	}
}

func TestDualStoreLoadSeenBackupFailureIsNotFatal(t *testing.T) {
	primary := &fakePrimary{keys: []string{"mubawab:1"}}
	backup := &fakeBackup{loadErr: errors.New("disk gone")}
	store := NewDualStore(primary, nil, backup, logging.Discard(), nil)

	seen, err := store.LoadSeen(context.Background())
	if err != nil {
		t.Fatalf("load seen: %v", err)
	}
	if seen.Len() != 1 {
		t.Fatalf("expected 1 key, got %d", seen.Len())
	}
}

func TestDualStoreLoadSeenPrimaryFailure(t *testing.T) {
	primary := &fakePrimary{keysErr: errors.New("connection refused")}
	store := NewDualStore(primary, nil, nil, logging.Discard(), nil)

	if _, err := store.LoadSeen(context.Background()); err == nil {
		t.Fatalf("expected primary error")
	}
}

func TestDualStoreSaveOrdersByScrapedAt(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	batch := []models.Listing{
		{Source: "mubawab", SourceListingID: "3", ScrapedAt: base.Add(2 * time.Minute)},
		{Source: "mubawab", SourceListingID: "1", ScrapedAt: base},
		{Source: "mubawab", SourceListingID: "2", ScrapedAt: base.Add(time.Minute)},
	}
	primary := &fakePrimary{}
	secondary := &fakeSecondary{}
	store := NewDualStore(primary, secondary, nil, logging.Discard(), nil)

	if err := store.Save(context.Background(), batch); err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(primary.batches) != 1 {
		t.Fatalf("expected 1 primary batch, got %d", len(primary.batches))
	}
	got := primary.batches[0]
	for i, want := range []string{"1", "2", "3"} {
		if got[i].SourceListingID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, got[i].SourceListingID)
		}
	}
	if batch[0].SourceListingID != "3" {
		t.Fatalf("caller's batch was reordered")
	}
	if secondary.calls != 1 || secondary.rows != 3 {
		t.Fatalf("expected 1 secondary call with 3 rows, got %d calls, %d rows", secondary.calls, secondary.rows)
	}
}

func TestDualStoreSecondaryFailureIsNotFatal(t *testing.T) {
	primary := &fakePrimary{}
	secondary := &fakeSecondary{err: errors.New("sqlite locked")}
	store := NewDualStore(primary, secondary, nil, logging.Discard(), nil)

	batch := []models.Listing{{Source: "mubawab", SourceListingID: "1", ScrapedAt: time.Now()}}
	if err := store.Save(context.Background(), batch); err != nil {
		t.Fatalf("secondary failure must not fail save: %v", err)
	}
}

func TestDualStorePrimaryFailurePropagates(t *testing.T) {
	primary := &fakePrimary{upsertErr: errors.New("connection reset")}
	secondary := &fakeSecondary{}
	store := NewDualStore(primary, secondary, nil, logging.Discard(), nil)

	batch := []models.Listing{{Source: "mubawab", SourceListingID: "1", ScrapedAt: time.Now()}}
	err := store.Save(context.Background(), batch)
	if err == nil {
		t.Fatalf("expected primary error")
	}
	if !errors.Is(err, primary.upsertErr) {
		t.Fatalf("expected wrapped primary error, got %v", err)
	}
	if secondary.calls != 1 {
		t.Fatalf("secondary should still be attempted, got %d calls", secondary.calls)
	}
}

func TestDualStoreSaveEmptyBatch(t *testing.T) {
	primary := &fakePrimary{}
	secondary := &fakeSecondary{}
	store := NewDualStore(primary, secondary, nil, logging.Discard(), nil)

	if err := store.Save(context.Background(), nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(primary.batches) != 0 || secondary.calls != 0 {
		t.Fatalf("empty batch should not reach the sinks")
	}
}
