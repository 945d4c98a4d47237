package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JustinTDCT/cinevault-enricher/internal/assetcache"
	"github.com/JustinTDCT/cinevault-enricher/internal/db"
	"github.com/JustinTDCT/cinevault-enricher/internal/jobs"
	"github.com/JustinTDCT/cinevault-enricher/internal/models"
	"github.com/JustinTDCT/cinevault-enricher/internal/repository"
)

type gcFixture struct {
	entities *repository.ProviderCacheRepository
	assets   *repository.AssetRepository
	files    *repository.CacheFileRepository
	store    *assetcache.Store
}

func newGCFixture(t *testing.T) *gcFixture {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Connect("sqlite://" + filepath.Join(dir, "gc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(context.Background(), conn))

	store, err := assetcache.NewStore(filepath.Join(dir, "media"), 0)
	require.NoError(t, err)
	return &gcFixture{
		entities: repository.NewProviderCacheRepository(conn),
		assets:   repository.NewAssetRepository(conn),
		files:    repository.NewCacheFileRepository(conn),
		store:    store,
	}
}

// tracked writes data to the store and gives it one reference.
func (f *gcFixture) tracked(t *testing.T, data string) models.CacheFile {
	t.Helper()
	hash, rel, err := f.store.Write([]byte(data), ".jpg")
	require.NoError(t, err)
	file := models.CacheFile{ContentHash: hash, RelativePath: rel, SizeBytes: int64(len(data))}
	_, err = f.files.Acquire(context.Background(), file)
	require.NoError(t, err)
	return file
}

// selectContent records a selected poster holding hash.
func (f *gcFixture) selectContent(t *testing.T, hash string) {
	t.Helper()
	ctx := context.Background()
	tmdbID := 27205
	entityID, err := f.entities.Upsert(ctx, &models.CachedEntity{MediaType: models.MediaTypeMovie, TMDBID: &tmdbID, Title: "Inception"})
	require.NoError(t, err)
	_, err = f.assets.UpsertAssets(ctx, []models.ProviderAsset{{
		EntityID: entityID, Category: models.CategoryPoster, Provider: models.ProviderTMDB,
		URL: "https://img.example/p.jpg", ContentHash: &hash,
	}})
	require.NoError(t, err)
	stored, err := f.assets.ListByEntityCategory(ctx, entityID, models.CategoryPoster)
	require.NoError(t, err)
	_, err = f.assets.ApplySelection(ctx, repository.SelectionChange{
		EntityID: entityID, Category: models.CategoryPoster,
		Winners: []uuid.UUID{stored[0].ID}, Actor: models.SelectedByAuto, At: time.Now().UTC(),
	})
	require.NoError(t, err)
}

func (f *gcFixture) collector(ahead time.Duration) *Collector {
	c := NewCollector(f.files, f.store, 0, nil, nil)
	c.now = func() time.Time { return time.Now().Add(ahead) }
	return c
}

func TestSweep_RemovesUnreferencedAndOrphans(t *testing.T) {
	ctx := context.Background()
	f := newGCFixture(t)

	kept := f.tracked(t, "selected poster")
	f.selectContent(t, kept.ContentHash)

	dropped := f.tracked(t, "released poster")
	_, err := f.files.Release(ctx, dropped.ContentHash)
	require.NoError(t, err)

	_, orphanRel, err := f.store.Write([]byte("nobody knows me"), ".png")
	require.NoError(t, err)

	report, err := f.collector(time.Minute).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unreferenced)
	assert.Equal(t, 1, report.Orphans)
	assert.Equal(t, 1, report.Files)
	assert.Equal(t, int64(len("selected poster")), report.Bytes)

	assert.True(t, f.store.Exists(kept.RelativePath))
	assert.False(t, f.store.Exists(dropped.RelativePath))
	assert.False(t, f.store.Exists(orphanRel))

	gone, err := f.files.Get(ctx, dropped.ContentHash)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSweep_RecountHealsLeakedReference(t *testing.T) {
	ctx := context.Background()
	f := newGCFixture(t)

	// A reference taken by a selection that never committed.
	leaked := f.tracked(t, "downloaded then crashed")

	report, err := f.collector(time.Minute).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Recounted)
	assert.Equal(t, 1, report.Unreferenced)
	assert.False(t, f.store.Exists(leaked.RelativePath))
}

func TestSweep_GraceProtectsRecentWork(t *testing.T) {
	ctx := context.Background()
	f := newGCFixture(t)

	released := f.tracked(t, "just released")
	_, err := f.files.Release(ctx, released.ContentHash)
	require.NoError(t, err)
	_, fresh, err := f.store.Write([]byte("being downloaded"), ".jpg")
	require.NoError(t, err)
	_, old, err := f.store.Write([]byte("stale orphan"), ".jpg")
	require.NoError(t, err)
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(f.store.Path(old), past, past))

	c := NewCollector(f.files, f.store, DefaultGCGrace, nil, nil)
	report, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Unreferenced)
	assert.Equal(t, 1, report.Orphans)
	assert.True(t, f.store.Exists(released.RelativePath))
	assert.True(t, f.store.Exists(fresh))
	assert.False(t, f.store.Exists(old))
}

func TestSweep_KeepsReferencesTakenDuringGrace(t *testing.T) {
	ctx := context.Background()
	f := newGCFixture(t)

	shared := f.tracked(t, "poster shared by two titles")
	f.selectContent(t, shared.ContentHash)
	// A second selection has downloaded the same bytes but not committed.
	_, err := f.files.Acquire(ctx, shared)
	require.NoError(t, err)

	report, err := NewCollector(f.files, f.store, DefaultGCGrace, nil, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Recounted)

	got, err := f.files.Get(ctx, shared.ContentHash)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.ReferenceCount)
	assert.True(t, f.store.Exists(shared.RelativePath))
}

type staleList struct {
	entities []*models.CachedEntity
	maxAge   time.Duration
	limit    int
}

func (s *staleList) ListStale(_ context.Context, maxAge time.Duration, limit int) ([]*models.CachedEntity, error) {
	s.maxAge, s.limit = maxAge, limit
	return s.entities, nil
}

type recordingQueue struct {
	ids []string
}

func (q *recordingQueue) EnqueueUnique(_ string, payload interface{}, uniqueID string, _ ...asynq.Option) (string, error) {
	if p, ok := payload.(jobs.FetchPayload); !ok || !p.ForceRefresh {
		return "", errors.New("expected a forced fetch")
	}
	q.ids = append(q.ids, uniqueID)
	return uniqueID, nil
}

func TestRefresher_QueuesForcedFetches(t *testing.T) {
	tmdbID, tvdbID := 603, 81189
	lister := &staleList{entities: []*models.CachedEntity{
		{ID: uuid.New(), MediaType: models.MediaTypeMovie, TMDBID: &tmdbID},
		{ID: uuid.New(), MediaType: models.MediaTypeTV, TVDBID: &tvdbID},
		{ID: uuid.New(), MediaType: models.MediaTypeMovie},
	}}
	q := &recordingQueue{}

	n, err := NewRefresher(lister, q, 0, 25, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"enrich:fetch:tmdb:603", "enrich:fetch:tvdb:81189"}, q.ids)
	assert.Equal(t, models.DefaultMaxAge, lister.maxAge)
	assert.Equal(t, 25, lister.limit)
}

type denyLocker struct{ asked []string }

func (l *denyLocker) TryLock(_ context.Context, name string, _ time.Duration) (func(), bool, error) {
	l.asked = append(l.asked, name)
	return func() {}, false, nil
}

func TestScheduler_SkipsWhenLockHeldElsewhere(t *testing.T) {
	lister := &staleList{}
	locker := &denyLocker{}
	s, err := New(Schedules{}, nil, NewRefresher(lister, &recordingQueue{}, time.Hour, 10, nil), locker, nil)
	require.NoError(t, err)

	s.runLocked("refresh", s.RunRefresh)
	assert.Equal(t, []string{"refresh"}, locker.asked)
	assert.Zero(t, lister.limit, "job did not run")

	assert.ErrorIs(t, s.RunGC(context.Background()), errNotConfigured)
}

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	f := newGCFixture(t)
	_, err := New(Schedules{GC: "every tuesday"}, NewCollector(f.files, f.store, 0, nil, nil), nil, nil, nil)
	assert.Error(t, err)
}

func TestScheduler_StartStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, err := New(Schedules{Refresh: "@every 1h"}, nil, NewRefresher(&staleList{}, &recordingQueue{}, 0, 0, nil), nil, nil)
	require.NoError(t, err)
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
