package enrichment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/JustinTDCT/cinevault-enricher/internal/artwork"
	"github.com/JustinTDCT/cinevault-enricher/internal/logger"
	"github.com/JustinTDCT/cinevault-enricher/internal/models"
)

var (
	ErrInvalidCategory = errors.New("unknown artwork category")
	ErrUnknownAsset    = errors.New("asset does not belong to this entity and category")
	ErrMissingActor    = errors.New("manual selection needs an actor")
)

// DataFetcher resolves complete entity data. *metadata.Orchestrator
// satisfies it.
type DataFetcher interface {
	Fetch(ctx context.Context, params models.LookupParams, opts models.FetchOptions) *models.FetchResult
}

// AssetIndex is the candidate table as seen by selection.
type AssetIndex interface {
	ListCandidates(ctx context.Context, entityID uuid.UUID, category models.AssetCategory) ([]models.ProviderAsset, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.ProviderAsset, error)
	SelectedIDs(ctx context.Context, entityID uuid.UUID, category models.AssetCategory) ([]uuid.UUID, error)
	IsLocked(ctx context.Context, entityID uuid.UUID, category models.AssetCategory) (bool, error)
	SetLocked(ctx context.Context, entityID uuid.UUID, category models.AssetCategory, locked bool) error
	UpdateScores(ctx context.Context, scores map[uuid.UUID]int) error
	Reject(ctx context.Context, id uuid.UUID) (string, error)
}

// Selector applies a selection diff. *artwork.Synchronizer satisfies it.
type Selector interface {
	Apply(ctx context.Context, entityID uuid.UUID, category models.AssetCategory,
		diff models.SelectionDiff, keep []uuid.UUID, actor string, threshold float64) (*models.SelectionOutcome, error)
	RemoveUnreferenced(ctx context.Context, hash string) bool
}

type Options struct {
	// PreferredLanguage is used when a call passes none.
	PreferredLanguage string
	DedupThreshold    float64
}

// Service is the entry point callers use to get entity data and to keep
// the selected artwork of an entity in step with its candidates.
type Service struct {
	fetcher  DataFetcher
	assets   AssetIndex
	selector Selector
	opts     Options
	log      *logger.Logger
}

func NewService(fetcher DataFetcher, assets AssetIndex, selector Selector, opts Options, log *logger.Logger) *Service {
	if opts.PreferredLanguage == "" {
		opts.PreferredLanguage = "en"
	}
	if opts.DedupThreshold <= 0 {
		opts.DedupThreshold = artwork.DefaultDedupThreshold
	}
	return &Service{
		fetcher:  fetcher,
		assets:   assets,
		selector: selector,
		opts:     opts,
		log:      logger.OrNop(log).Named("enrichment"),
	}
}

// GetCompleteData returns entity data from the cache or the providers.
// It never fails; a miss comes back with Source none.
func (s *Service) GetCompleteData(ctx context.Context, params models.LookupParams, opts models.FetchOptions) *models.FetchResult {
	return s.fetcher.Fetch(ctx, params, opts)
}

// ScoreAndSelect scores every live candidate of one category, drops
// near-duplicates and makes the best maxAllowable the selection. Locked
// categories are reported and left alone.
func (s *Service) ScoreAndSelect(ctx context.Context, entityID uuid.UUID, category models.AssetCategory,
	maxAllowable int, preferredLanguage string) (*models.SelectionOutcome, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	if maxAllowable < 0 {
		maxAllowable = 0
	}
	if preferredLanguage == "" {
		preferredLanguage = s.opts.PreferredLanguage
	}

	locked, err := s.assets.IsLocked(ctx, entityID, category)
	if err != nil {
		return nil, fmt.Errorf("check lock: %w", err)
	}
	current, err := s.assets.SelectedIDs(ctx, entityID, category)
	if err != nil {
		return nil, fmt.Errorf("read selection: %w", err)
	}
	if locked {
		s.log.Debug("category locked, keeping manual selection", "entity_id", entityID, "category", category)
		return &models.SelectionOutcome{
			EntityID:   entityID,
			Category:   category,
			Selected:   current,
			Downloaded: []uuid.UUID{},
			Evicted:    []uuid.UUID{},
			Locked:     true,
			Unchanged:  true,
		}, nil
	}

	// Hashes of fresh downloads are only known after a round; a round that
	// drops a duplicate leaves a gap the next round fills from the rest.
	var total *models.SelectionOutcome
	for round := 0; ; round++ {
		candidates, err := s.assets.ListCandidates(ctx, entityID, category)
		if err != nil {
			return nil, fmt.Errorf("list candidates: %w", err)
		}
		scored := artwork.ScoreAll(candidates, preferredLanguage)
		scores := make(map[uuid.UUID]int, len(scored))
		for _, c := range scored {
			scores[c.Asset.ID] = c.Score
		}
		if err := s.assets.UpdateScores(ctx, scores); err != nil {
			return nil, fmt.Errorf("store scores: %w", err)
		}

		winners, duplicates := artwork.Choose(scored, maxAllowable, s.opts.DedupThreshold)
		byID := make(map[uuid.UUID]models.ProviderAsset, len(candidates))
		for _, c := range candidates {
			byID[c.ID] = c
		}
		keep := make([]uuid.UUID, len(winners))
		for i, w := range winners {
			keep[i] = w.Asset.ID
		}

		out, err := s.selector.Apply(ctx, entityID, category, artwork.Reconcile(current, keep, byID), keep,
			models.SelectedByAuto, s.opts.DedupThreshold)
		if err != nil {
			return nil, err
		}
		out.Candidates = len(candidates)
		out.Duplicates = duplicates + len(out.Dropped)
		total = mergeRounds(total, out)
		current = out.Selected

		if len(out.Dropped) == 0 || round >= len(candidates) {
			return total, nil
		}
	}
}

// mergeRounds folds the outcome of a later selection round into the
// running total. The last round decides what ends up selected.
func mergeRounds(total, next *models.SelectionOutcome) *models.SelectionOutcome {
	if total == nil {
		return next
	}
	total.Candidates = next.Candidates
	total.Duplicates = next.Duplicates
	total.Selected = next.Selected
	total.Downloaded = append(total.Downloaded, next.Downloaded...)
	total.Evicted = append(total.Evicted, next.Evicted...)
	total.Failed = append(total.Failed, next.Failed...)
	total.Dropped = append(total.Dropped, next.Dropped...)
	total.Unchanged = total.Unchanged && next.Unchanged
	return total
}

// SelectManually makes ids the selection of one category on behalf of
// actor and locks the category against automatic selection.
func (s *Service) SelectManually(ctx context.Context, entityID uuid.UUID, category models.AssetCategory,
	ids []uuid.UUID, actor string) (*models.SelectionOutcome, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	actor = strings.TrimSpace(actor)
	if actor == "" || actor == models.SelectedByAuto {
		return nil, ErrMissingActor
	}

	byID := make(map[uuid.UUID]models.ProviderAsset, len(ids))
	for _, id := range ids {
		a, err := s.assets.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load asset %s: %w", id, err)
		}
		if a == nil || a.EntityID != entityID || a.Category != category || a.IsRejected {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, id)
		}
		byID[id] = *a
	}

	current, err := s.assets.SelectedIDs(ctx, entityID, category)
	if err != nil {
		return nil, fmt.Errorf("read selection: %w", err)
	}
	out, err := s.selector.Apply(ctx, entityID, category, artwork.Reconcile(current, ids, byID), ids, actor, 0)
	if err != nil {
		return nil, err
	}
	if err := s.assets.SetLocked(ctx, entityID, category, true); err != nil {
		return nil, fmt.Errorf("lock category: %w", err)
	}
	out.Locked = true
	s.log.Info("manual selection", "entity_id", entityID, "category", category, "actor", actor, "selected", len(out.Selected))
	return out, nil
}

// Unlock hands a category back to automatic selection.
func (s *Service) Unlock(ctx context.Context, entityID uuid.UUID, category models.AssetCategory) error {
	if !category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	return s.assets.SetLocked(ctx, entityID, category, false)
}

// Reject deselects a candidate for good. Its cached file goes away when no
// other selection references it.
func (s *Service) Reject(ctx context.Context, assetID uuid.UUID) error {
	released, err := s.assets.Reject(ctx, assetID)
	if err != nil {
		return fmt.Errorf("reject asset: %w", err)
	}
	if released != "" {
		s.selector.RemoveUnreferenced(ctx, released)
	}
	s.log.Info("asset rejected", "asset_id", assetID)
	return nil
}
