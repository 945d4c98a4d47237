package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/JustinTDCT/cinevault-enricher/internal/logger"
	"github.com/JustinTDCT/cinevault-enricher/internal/metrics"
	"github.com/JustinTDCT/cinevault-enricher/internal/models"
)

const (
	DefaultFetchBudget      = 15 * time.Second
	DefaultProviderCooldown = time.Minute
)

// Orchestrator serves complete entity data from the provider cache,
// calling the primary provider and then the secondaries when the cache
// has nothing fresh.
type Orchestrator struct {
	primary     Provider
	secondaries []Contributor
	entities    EntityStore
	budget      time.Duration
	cooldown    time.Duration
	cooling     *cache.Cache
	flight      singleflight.Group
	metrics     *metrics.Metrics
	log         *logger.Logger
	now         func() time.Time
}

type OrchestratorConfig struct {
	// Budget bounds one fetch, primary call included.
	Budget time.Duration
	// Cooldown is how long a provider that reported rate limiting is
	// skipped.
	Cooldown time.Duration
}

func NewOrchestrator(primary Provider, secondaries []Contributor, entities EntityStore,
	cfg OrchestratorConfig, m *metrics.Metrics, log *logger.Logger) *Orchestrator {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultFetchBudget
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultProviderCooldown
	}
	// No janitor goroutine: expired entries are dropped on read.
	cooling := cache.New(cfg.Cooldown, 0)
	return &Orchestrator{
		primary:     primary,
		secondaries: secondaries,
		entities:    entities,
		budget:      cfg.Budget,
		cooldown:    cfg.Cooldown,
		cooling:     cooling,
		metrics:     m,
		log:         logger.OrNop(log).Named("metadata.orchestrator"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// resolution is what one collapsed fetch produced, before hydration.
type resolution struct {
	entity    *models.CachedEntity
	source    models.DataSource
	cacheAge  *int64
	providers []string
}

func noData() *models.FetchResult {
	return &models.FetchResult{Source: models.SourceNone, ProvidersUsed: []string{}}
}

// Fetch returns complete data for params. It never fails: provider and
// storage errors are logged and reported as Source none.
//
// Concurrent calls for the same ids and options share one resolution.
// Cancelling ctx abandons the wait but not the provider writes.
func (o *Orchestrator) Fetch(ctx context.Context, params models.LookupParams, opts models.FetchOptions) *models.FetchResult {
	if params.Empty() {
		o.log.Debug("fetch without external ids")
		o.metrics.RecordFetch(string(models.SourceNone))
		return noData()
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = models.DefaultMaxAge
	}

	key := fmt.Sprintf("%s|%s|%t|%s", params.MediaType, params.Key(), opts.ForceRefresh, maxAge)
	detached := context.WithoutCancel(ctx)
	ch := o.flight.DoChan(key, func() (interface{}, error) {
		return o.resolve(detached, params, opts.ForceRefresh, maxAge), nil
	})

	var res *resolution
	select {
	case r := <-ch:
		res, _ = r.Val.(*resolution)
	case <-ctx.Done():
		o.log.Debug("fetch abandoned by caller", "key", key, "error", ctx.Err())
	}
	if res == nil || res.entity == nil {
		o.metrics.RecordFetch(string(models.SourceNone))
		return noData()
	}

	data, err := o.entities.Hydrate(detached, res.entity, opts.Include)
	if err != nil {
		o.log.Error("hydrate cached entity", "entity_id", res.entity.ID, "error", err)
		o.metrics.RecordFetch(string(models.SourceNone))
		return noData()
	}
	o.metrics.RecordFetch(string(res.source))
	return &models.FetchResult{
		Data:            data,
		Source:          res.source,
		CacheAgeSeconds: res.cacheAge,
		ProvidersUsed:   append([]string{}, res.providers...),
	}
}

func (o *Orchestrator) resolve(ctx context.Context, params models.LookupParams, force bool, maxAge time.Duration) *resolution {
	start := o.now()

	if !force {
		existing, err := o.entities.FindByExternalID(ctx, params.ExternalIDs)
		if err != nil {
			o.log.Error("provider cache lookup", "ids", params.Key(), "error", err)
			return nil
		}
		if existing != nil && models.IsFresh(existing.FetchedAt, maxAge, start) {
			age := int64(start.Sub(existing.FetchedAt) / time.Second)
			return &resolution{entity: existing, source: models.SourceCache, cacheAge: &age, providers: []string{}}
		}
	}

	name := o.primary.Name()
	if o.coolingDown(name) {
		o.log.Warn("primary provider cooling down after rate limit", "provider", name)
		return nil
	}
	called := time.Now()
	primaryCtx, cancel := context.WithTimeout(ctx, o.budget)
	id, err := o.primary.FetchAndCache(primaryCtx, params)
	cancel()
	o.observe(name, err, time.Since(called))
	if err != nil {
		o.log.Warn("primary provider failed", "provider", name, "ids", params.Key(), "error", err)
		return nil
	}

	entity, err := o.entities.GetByID(ctx, id)
	if err != nil || entity == nil {
		o.log.Error("read back primary result", "entity_id", id, "error", err)
		return nil
	}

	used := []string{name}
	remaining := o.budget - o.now().Sub(start)
	if len(o.secondaries) > 0 {
		if remaining <= 0 {
			o.log.Warn("fetch budget spent by primary provider, skipping secondaries", "ids", params.Key())
		} else {
			used = append(used, o.fanOut(ctx, entity, remaining)...)
			if fresh, err := o.entities.GetByID(ctx, id); err == nil && fresh != nil {
				entity = fresh
			}
		}
	}
	return &resolution{entity: entity, source: models.SourceAPI, providers: used}
}

// fanOut runs every available secondary in parallel and returns the names
// of those that contributed before the budget ran out, in completion order.
// Stragglers keep running and finish their writes.
func (o *Orchestrator) fanOut(ctx context.Context, entity *models.CachedEntity, budget time.Duration) []string {
	type contribution struct {
		name string
		ok   bool
	}
	results := make(chan contribution, len(o.secondaries))
	pending := 0
	for _, p := range o.secondaries {
		if o.coolingDown(p.Name()) {
			o.log.Debug("skipping provider in cooldown", "provider", p.Name())
			continue
		}
		pending++
		snapshot := *entity
		go func(p Contributor) {
			called := time.Now()
			ok, err := p.Contribute(ctx, &snapshot)
			o.observe(p.Name(), err, time.Since(called))
			if err != nil {
				o.log.Warn("secondary provider failed", "provider", p.Name(), "entity_id", snapshot.ID, "error", err)
			}
			results <- contribution{name: p.Name(), ok: ok && err == nil}
		}(p)
	}

	timer := time.NewTimer(budget)
	defer timer.Stop()

	used := []string{}
	for pending > 0 {
		select {
		case c := <-results:
			pending--
			if c.ok {
				used = append(used, c.name)
			}
		case <-timer.C:
			o.log.Warn("secondary providers exceeded fetch budget", "entity_id", entity.ID, "pending", pending)
			return used
		}
	}
	return used
}

func (o *Orchestrator) observe(provider string, err error, elapsed time.Duration) {
	o.metrics.RecordProviderCall(provider, Outcome(err), elapsed)
	if errors.Is(err, ErrRateLimited) {
		o.cooling.Set(provider, struct{}{}, o.cooldown)
	}
}

func (o *Orchestrator) coolingDown(provider string) bool {
	_, found := o.cooling.Get(provider)
	return found
}
