package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/JustinTDCT/cinevault-enricher/internal/logger"
	"github.com/JustinTDCT/cinevault-enricher/internal/models"
)

// ──────── Payloads ────────

type FetchPayload struct {
	TMDBID       int              `json:"tmdb_id,omitempty"`
	IMDBID       string           `json:"imdb_id,omitempty"`
	TVDBID       int              `json:"tvdb_id,omitempty"`
	MediaType    models.MediaType `json:"media_type,omitempty"`
	Language     string           `json:"language,omitempty"`
	ForceRefresh bool             `json:"force_refresh,omitempty"`
}

func (p FetchPayload) params() models.LookupParams {
	return models.LookupParams{
		ExternalIDs: models.ExternalIDs{TMDBID: p.TMDBID, IMDBID: p.IMDBID, TVDBID: p.TVDBID},
		MediaType:   p.MediaType,
		Language:    p.Language,
	}
}

type SelectPayload struct {
	EntityID string `json:"entity_id"`
	// Categories defaults to every category.
	Categories []models.AssetCategory `json:"categories,omitempty"`
	Language   string                 `json:"language,omitempty"`
}

// ──────── Dependencies ────────

// Enricher is the caller API the handlers drive. *enrichment.Service
// satisfies it.
type Enricher interface {
	GetCompleteData(ctx context.Context, params models.LookupParams, opts models.FetchOptions) *models.FetchResult
	ScoreAndSelect(ctx context.Context, entityID uuid.UUID, category models.AssetCategory,
		maxAllowable int, preferredLanguage string) (*models.SelectionOutcome, error)
}

// Enqueuer schedules follow-up work. *Queue satisfies it.
type Enqueuer interface {
	EnqueueUnique(taskType string, payload interface{}, uniqueID string, opts ...asynq.Option) (string, error)
}

// Limits says how many images of each category stay selected.
type Limits interface {
	MaxFor(category string) int
}

// EnqueueFetch queues a fetch for one set of external ids.
func EnqueueFetch(q Enqueuer, p FetchPayload) (string, error) {
	key := p.params().Key()
	if key == "" {
		return "", models.ErrNoExternalID
	}
	return q.EnqueueUnique(TaskEnrichFetch, p, TaskEnrichFetch+":"+key,
		asynq.Queue("default"), asynq.MaxRetry(3), asynq.Timeout(2*time.Minute), asynq.Retention(time.Hour))
}

// EnqueueSelect queues artwork selection for one entity.
func EnqueueSelect(q Enqueuer, p SelectPayload) (string, error) {
	return q.EnqueueUnique(TaskArtworkSelect, p, TaskArtworkSelect+":"+p.EntityID,
		asynq.Queue("low"), asynq.MaxRetry(3), asynq.Timeout(10*time.Minute), asynq.Retention(time.Hour))
}

// ──────── Fetch Handler ────────

type FetchHandler struct {
	enricher Enricher
	queue    Enqueuer
	maxAge   time.Duration
	log      *logger.Logger
}

func NewFetchHandler(enricher Enricher, queue Enqueuer, maxAge time.Duration, log *logger.Logger) *FetchHandler {
	return &FetchHandler{enricher: enricher, queue: queue, maxAge: maxAge, log: logger.OrNop(log).Named("jobs.fetch")}
}

// ProcessTask fetches complete data and, when anything came back, queues
// artwork selection for the entity. A miss is not retried.
func (h *FetchHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p FetchPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal: %w: %w", err, asynq.SkipRetry)
	}
	params := p.params()
	if params.Empty() {
		return fmt.Errorf("%w: %w", models.ErrNoExternalID, asynq.SkipRetry)
	}

	res := h.enricher.GetCompleteData(ctx, params, models.FetchOptions{
		MaxAge:       h.maxAge,
		ForceRefresh: p.ForceRefresh,
	})
	if res.Data == nil || res.Data.Entity == nil {
		h.log.Info("no data for ids", "ids", params.Key())
		return nil
	}
	h.log.Info("fetched entity", "entity_id", res.Data.Entity.ID, "source", res.Source,
		"providers", res.ProvidersUsed)

	if res.Source == models.SourceAPI && h.queue != nil {
		if _, err := EnqueueSelect(h.queue, SelectPayload{EntityID: res.Data.Entity.ID.String(), Language: p.Language}); err != nil {
			h.log.Warn("queue artwork selection", "entity_id", res.Data.Entity.ID, "error", err)
		}
	}
	return nil
}

// ──────── Select Handler ────────

type SelectHandler struct {
	enricher Enricher
	limits   Limits
	language string
	log      *logger.Logger
}

func NewSelectHandler(enricher Enricher, limits Limits, language string, log *logger.Logger) *SelectHandler {
	return &SelectHandler{enricher: enricher, limits: limits, language: language, log: logger.OrNop(log).Named("jobs.select")}
}

// ProcessTask runs selection for each requested category. A category that
// fails does not stop the others; the task is retried if any failed.
func (h *SelectHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p SelectPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal: %w: %w", err, asynq.SkipRetry)
	}
	entityID, err := uuid.Parse(p.EntityID)
	if err != nil {
		return fmt.Errorf("entity id %q: %w: %w", p.EntityID, err, asynq.SkipRetry)
	}
	categories := p.Categories
	if len(categories) == 0 {
		categories = models.AllCategories
	}
	lang := p.Language
	if lang == "" {
		lang = h.language
	}

	var errs []error
	for _, category := range categories {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := h.enricher.ScoreAndSelect(ctx, entityID, category, h.limits.MaxFor(string(category)), lang)
		if err != nil {
			h.log.Warn("artwork selection failed", "entity_id", entityID, "category", category, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", category, err))
			continue
		}
		if !out.Unchanged {
			h.log.Debug("artwork selected", "entity_id", entityID, "category", category,
				"selected", len(out.Selected), "duplicates", out.Duplicates)
		}
	}
	return errors.Join(errs...)
}

// RegisterHandlers wires every task type to its handler.
func RegisterHandlers(q *Queue, enricher Enricher, limits Limits, language string, maxAge time.Duration, log *logger.Logger) {
	q.RegisterHandler(TaskEnrichFetch, NewFetchHandler(enricher, q, maxAge, log))
	q.RegisterHandler(TaskArtworkSelect, NewSelectHandler(enricher, limits, language, log))
}
