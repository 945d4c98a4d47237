package scheduler

import (
	"context"
	"time"

	"github.com/JustinTDCT/cinevault-enricher/internal/jobs"
	"github.com/JustinTDCT/cinevault-enricher/internal/logger"
	"github.com/JustinTDCT/cinevault-enricher/internal/models"
)

type StaleLister interface {
	ListStale(ctx context.Context, maxAge time.Duration, limit int) ([]*models.CachedEntity, error)
}

// Refresher queues provider refreshes for the oldest cached entities.
type Refresher struct {
	entities StaleLister
	queue    jobs.Enqueuer
	maxAge   time.Duration
	batch    int
	log      *logger.Logger
}

func NewRefresher(entities StaleLister, queue jobs.Enqueuer, maxAge time.Duration, batch int, log *logger.Logger) *Refresher {
	if maxAge <= 0 {
		maxAge = models.DefaultMaxAge
	}
	if batch <= 0 {
		batch = 100
	}
	return &Refresher{
		entities: entities,
		queue:    queue,
		maxAge:   maxAge,
		batch:    batch,
		log:      logger.OrNop(log).Named("scheduler.refresh"),
	}
}

// Run queues one batch and returns how many fetches were queued.
func (r *Refresher) Run(ctx context.Context) (int, error) {
	stale, err := r.entities.ListStale(ctx, r.maxAge, r.batch)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, e := range stale {
		ids := e.ExternalIDs()
		if ids.Empty() {
			continue
		}
		p := jobs.FetchPayload{
			TMDBID:       ids.TMDBID,
			IMDBID:       ids.IMDBID,
			TVDBID:       ids.TVDBID,
			MediaType:    e.MediaType,
			ForceRefresh: true,
		}
		if _, err := jobs.EnqueueFetch(r.queue, p); err != nil {
			r.log.Warn("queue refresh", "entity_id", e.ID, "error", err)
			continue
		}
		queued++
	}
	if queued > 0 {
		r.log.Info("queued stale refreshes", "count", queued, "stale", len(stale))
	}
	return queued, nil
}
