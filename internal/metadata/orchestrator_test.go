package metadata

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JustinTDCT/cinevault-enricher/internal/models"
)

// memStore is an in-memory EntityStore keyed by TMDB id.
type memStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.CachedEntity
}

func newMemStore() *memStore {
	return &memStore{rows: map[uuid.UUID]*models.CachedEntity{}}
}

func (s *memStore) FindByExternalID(_ context.Context, ids models.ExternalIDs) (*models.CachedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.rows {
		if e.TMDBID != nil && *e.TMDBID == ids.TMDBID {
			c := *e
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.CachedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.rows[id]; ok {
		c := *e
		return &c, nil
	}
	return nil, nil
}

func (s *memStore) Upsert(_ context.Context, e *models.CachedEntity) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, row := range s.rows {
		if row.TMDBID != nil && e.TMDBID != nil && *row.TMDBID == *e.TMDBID {
			c := *e
			c.ID = id
			s.rows[id] = &c
			return id, nil
		}
	}
	c := *e
	c.ID = uuid.New()
	s.rows[c.ID] = &c
	return c.ID, nil
}

func (s *memStore) ReplaceRelations(context.Context, uuid.UUID, models.EntityRelations) error {
	return nil
}

func (s *memStore) Hydrate(_ context.Context, e *models.CachedEntity, _ models.IncludeFlags) (*models.CompleteEntityData, error) {
	return &models.CompleteEntityData{Entity: e}, nil
}

func (s *memStore) seed(tmdbID int, fetchedAt time.Time) *models.CachedEntity {
	e := &models.CachedEntity{ID: uuid.New(), MediaType: models.MediaTypeMovie, TMDBID: &tmdbID, Title: "Cached", FetchedAt: fetchedAt}
	s.mu.Lock()
	s.rows[e.ID] = e
	s.mu.Unlock()
	return e
}

type fakePrimary struct {
	store *memStore
	err   error
	gate  chan struct{}
	hang  bool
	calls int32

	mu     sync.Mutex
	ctxErr error
}

func (p *fakePrimary) Name() string { return models.ProviderTMDB }

func (p *fakePrimary) FetchAndCache(ctx context.Context, params models.LookupParams) (uuid.UUID, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.gate != nil {
		<-p.gate
	}
	if p.hang {
		<-ctx.Done()
	}
	p.mu.Lock()
	p.ctxErr = ctx.Err()
	p.mu.Unlock()
	if p.err != nil {
		return uuid.Nil, p.err
	}
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	id := params.TMDBID
	return p.store.Upsert(ctx, &models.CachedEntity{TMDBID: &id, Title: "Fresh", FetchedAt: time.Now().UTC()})
}

func (p *fakePrimary) FetchAndCacheImages(context.Context, uuid.UUID, string) (*models.ImageFetchSummary, error) {
	return &models.ImageFetchSummary{}, nil
}

func (p *fakePrimary) FetchAndUpdate(context.Context, models.LookupParams) (uuid.UUID, error) {
	return uuid.Nil, nil
}

type fakeSecondary struct {
	name  string
	err   error
	gate  chan struct{}
	done  chan struct{}
	calls int32
}

func (s *fakeSecondary) Name() string { return s.name }

func (s *fakeSecondary) Contribute(ctx context.Context, _ *models.CachedEntity) (bool, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.done != nil {
		defer close(s.done)
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return false, s.err
	}
	return true, nil
}

func (s *fakeSecondary) FetchAndCache(context.Context, models.LookupParams) (uuid.UUID, error) {
	return uuid.Nil, nil
}

func (s *fakeSecondary) FetchAndCacheImages(context.Context, uuid.UUID, string) (*models.ImageFetchSummary, error) {
	return &models.ImageFetchSummary{}, nil
}

func (s *fakeSecondary) FetchAndUpdate(context.Context, models.LookupParams) (uuid.UUID, error) {
	return uuid.Nil, nil
}

func movieParams(tmdbID int) models.LookupParams {
	return models.LookupParams{ExternalIDs: models.ExternalIDs{TMDBID: tmdbID}, MediaType: models.MediaTypeMovie}
}

func TestFetch_FreshCacheSkipsProviders(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	store.seed(603, time.Now().UTC().Add(-48*time.Hour))
	primary := &fakePrimary{store: store}
	secondary := &fakeSecondary{name: models.ProviderFanart}
	o := NewOrchestrator(primary, []Contributor{secondary}, store, OrchestratorConfig{}, nil, nil)

	res := o.Fetch(context.Background(), movieParams(603), models.FetchOptions{MaxAge: 7 * 24 * time.Hour})

	assert.Equal(t, models.SourceCache, res.Source)
	require.NotNil(t, res.Data)
	assert.Equal(t, "Cached", res.Data.Entity.Title)
	require.NotNil(t, res.CacheAgeSeconds)
	assert.InDelta(t, 48*3600, *res.CacheAgeSeconds, 5)
	assert.Empty(t, res.ProvidersUsed)
	assert.Zero(t, atomic.LoadInt32(&primary.calls))
	assert.Zero(t, atomic.LoadInt32(&secondary.calls))
}

func TestFetch_StaleCacheCallsProviders(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	store.seed(603, time.Now().UTC().Add(-8*24*time.Hour))
	primary := &fakePrimary{store: store}
	fanart := &fakeSecondary{name: models.ProviderFanart}
	omdb := &fakeSecondary{name: models.ProviderOMDb}
	o := NewOrchestrator(primary, []Contributor{fanart, omdb}, store, OrchestratorConfig{}, nil, nil)

	res := o.Fetch(context.Background(), movieParams(603), models.FetchOptions{MaxAge: 7 * 24 * time.Hour})

	assert.Equal(t, models.SourceAPI, res.Source)
	require.NotNil(t, res.Data)
	assert.Equal(t, "Fresh", res.Data.Entity.Title)
	assert.Nil(t, res.CacheAgeSeconds)
	require.Len(t, res.ProvidersUsed, 3)
	assert.Equal(t, models.ProviderTMDB, res.ProvidersUsed[0])
	assert.ElementsMatch(t, []string{models.ProviderFanart, models.ProviderOMDb}, res.ProvidersUsed[1:])
	assert.Len(t, store.rows, 1, "refresh updates the existing row")
}

func TestFetch_ForceRefreshBypassesCache(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	store.seed(603, time.Now().UTC())
	primary := &fakePrimary{store: store}
	o := NewOrchestrator(primary, nil, store, OrchestratorConfig{}, nil, nil)

	res := o.Fetch(context.Background(), movieParams(603), models.FetchOptions{ForceRefresh: true})

	assert.Equal(t, models.SourceAPI, res.Source)
	assert.Equal(t, int32(1), atomic.LoadInt32(&primary.calls))
	assert.Equal(t, []string{models.ProviderTMDB}, res.ProvidersUsed)
}

func TestFetch_PrimaryFailureReturnsNoData(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	primary := &fakePrimary{store: store, err: newProviderError(models.ProviderTMDB, "details", ErrServer)}
	fanart := &fakeSecondary{name: models.ProviderFanart}
	omdb := &fakeSecondary{name: models.ProviderOMDb}
	o := NewOrchestrator(primary, []Contributor{fanart, omdb}, store, OrchestratorConfig{}, nil, nil)

	res := o.Fetch(context.Background(), movieParams(27205), models.FetchOptions{})

	assert.Equal(t, models.SourceNone, res.Source)
	assert.Nil(t, res.Data)
	assert.Empty(t, res.ProvidersUsed)
	assert.Zero(t, atomic.LoadInt32(&fanart.calls))
	assert.Zero(t, atomic.LoadInt32(&omdb.calls))
	assert.Empty(t, store.rows)
}

func TestFetch_PrimaryBoundedByBudget(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	primary := &fakePrimary{store: store, hang: true}
	o := NewOrchestrator(primary, nil, store, OrchestratorConfig{Budget: 50 * time.Millisecond}, nil, nil)

	started := time.Now()
	res := o.Fetch(context.Background(), movieParams(27205), models.FetchOptions{})

	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, models.SourceNone, res.Source)
	primary.mu.Lock()
	defer primary.mu.Unlock()
	assert.ErrorIs(t, primary.ctxErr, context.DeadlineExceeded)
}

func TestFetch_SlowSecondaryIsOmitted(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	primary := &fakePrimary{store: store}
	fast := &fakeSecondary{name: models.ProviderOMDb}
	slow := &fakeSecondary{name: models.ProviderFanart, gate: make(chan struct{}), done: make(chan struct{})}
	o := NewOrchestrator(primary, []Contributor{fast, slow}, store, OrchestratorConfig{Budget: 100 * time.Millisecond}, nil, nil)

	started := time.Now()
	res := o.Fetch(context.Background(), movieParams(550), models.FetchOptions{})

	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, models.SourceAPI, res.Source)
	assert.Equal(t, []string{models.ProviderTMDB, models.ProviderOMDb}, res.ProvidersUsed)

	// The straggler still runs to completion.
	close(slow.gate)
	select {
	case <-slow.done:
	case <-time.After(2 * time.Second):
		t.Fatal("slow provider never finished")
	}
}

func TestFetch_FailedSecondaryIsOmitted(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	primary := &fakePrimary{store: store}
	broken := &fakeSecondary{name: models.ProviderFanart, err: newProviderError(models.ProviderFanart, "images", ErrNetwork)}
	ok := &fakeSecondary{name: models.ProviderOMDb}
	o := NewOrchestrator(primary, []Contributor{broken, ok}, store, OrchestratorConfig{}, nil, nil)

	res := o.Fetch(context.Background(), movieParams(550), models.FetchOptions{})

	assert.Equal(t, []string{models.ProviderTMDB, models.ProviderOMDb}, res.ProvidersUsed)
}

func TestFetch_RateLimitedProviderCoolsDown(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	primary := &fakePrimary{store: store}
	limited := &fakeSecondary{name: models.ProviderFanart, err: newProviderError(models.ProviderFanart, "images", ErrRateLimited)}
	o := NewOrchestrator(primary, []Contributor{limited}, store, OrchestratorConfig{Cooldown: time.Hour}, nil, nil)

	opts := models.FetchOptions{ForceRefresh: true}
	o.Fetch(context.Background(), movieParams(550), opts)
	o.Fetch(context.Background(), movieParams(550), opts)

	assert.Equal(t, int32(1), atomic.LoadInt32(&limited.calls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&primary.calls))

	primary.err = newProviderError(models.ProviderTMDB, "details", ErrRateLimited)
	res := o.Fetch(context.Background(), movieParams(551), opts)
	assert.Equal(t, models.SourceNone, res.Source)
	res = o.Fetch(context.Background(), movieParams(552), opts)
	assert.Equal(t, models.SourceNone, res.Source)
	assert.Equal(t, int32(3), atomic.LoadInt32(&primary.calls), "primary skipped while cooling down")
}

func TestFetch_ConcurrentCallsShareOneResolution(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	primary := &fakePrimary{store: store, gate: make(chan struct{})}
	o := NewOrchestrator(primary, nil, store, OrchestratorConfig{}, nil, nil)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*models.FetchResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.Fetch(context.Background(), movieParams(680), models.FetchOptions{})
		}(i)
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&primary.calls) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(primary.gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&primary.calls))
	for _, r := range results {
		assert.Equal(t, models.SourceAPI, r.Source)
	}
}

func TestFetch_CallerCancellationDoesNotCancelProvider(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	primary := &fakePrimary{store: store, gate: make(chan struct{})}
	o := NewOrchestrator(primary, nil, store, OrchestratorConfig{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *models.FetchResult)
	go func() { done <- o.Fetch(ctx, movieParams(13), models.FetchOptions{}) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&primary.calls) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	res := <-done
	assert.Equal(t, models.SourceNone, res.Source)

	close(primary.gate)
	require.Eventually(t, func() bool {
		e, _ := store.FindByExternalID(context.Background(), models.ExternalIDs{TMDBID: 13})
		return e != nil
	}, time.Second, 5*time.Millisecond, "provider write completes after the caller left")
	primary.mu.Lock()
	assert.NoError(t, primary.ctxErr)
	primary.mu.Unlock()
}

func TestFetch_WithoutIDs(t *testing.T) {
	store := newMemStore()
	primary := &fakePrimary{store: store}
	o := NewOrchestrator(primary, nil, store, OrchestratorConfig{}, nil, nil)

	res := o.Fetch(context.Background(), models.LookupParams{}, models.FetchOptions{})
	assert.Equal(t, models.SourceNone, res.Source)
	assert.Zero(t, atomic.LoadInt32(&primary.calls))
}

func TestPreferredValue(t *testing.T) {
	tmdb, omdb, fanart := "tmdb", "omdb", "fanart"

	assert.Equal(t, &tmdb, PreferredValue(map[string]*string{
		models.ProviderOMDb: &omdb, models.ProviderTMDB: &tmdb, models.ProviderFanart: &fanart,
	}))
	assert.Equal(t, &fanart, PreferredValue(map[string]*string{
		models.ProviderOMDb: &omdb, models.ProviderFanart: &fanart,
	}))
	assert.Equal(t, &omdb, PreferredValue(map[string]*string{
		models.ProviderTMDB: nil, models.ProviderOMDb: &omdb,
	}))
	assert.Nil(t, PreferredValue(map[string]*string{"unknown": &tmdb}))
}

func TestFillGap(t *testing.T) {
	stored, offered := "stored", "offered"
	assert.Equal(t, &stored, fillGap(&stored, &offered))
	assert.Equal(t, &offered, fillGap(nil, &offered))
	assert.Nil(t, fillGap[string](nil, nil))
}
