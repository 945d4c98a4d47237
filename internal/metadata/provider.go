package metadata

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JustinTDCT/cinevault-enricher/internal/models"
)

// Provider is one external catalog. Every method persists what it learns
// before returning.
type Provider interface {
	Name() string
	// FetchAndCache looks the entity up at the provider and writes it to the
	// cache, returning the cache row id.
	FetchAndCache(ctx context.Context, params models.LookupParams) (uuid.UUID, error)
	// FetchAndCacheImages stores the provider's artwork candidates for a
	// cached entity, given the provider's own id for it.
	FetchAndCacheImages(ctx context.Context, cacheID uuid.UUID, providerID string) (*models.ImageFetchSummary, error)
	// FetchAndUpdate refreshes an entity that is already cached. It returns
	// uuid.Nil when nothing is cached for params.
	FetchAndUpdate(ctx context.Context, params models.LookupParams) (uuid.UUID, error)
}

// Contributor is a secondary provider that adds to an entity the primary
// already cached. Contribute reports whether anything was stored.
type Contributor interface {
	Provider
	Contribute(ctx context.Context, entity *models.CachedEntity) (bool, error)
}

// EntityStore is the slice of the provider cache the adapters and the
// orchestrator need.
type EntityStore interface {
	FindByExternalID(ctx context.Context, ids models.ExternalIDs) (*models.CachedEntity, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.CachedEntity, error)
	Upsert(ctx context.Context, e *models.CachedEntity) (uuid.UUID, error)
	ReplaceRelations(ctx context.Context, entityID uuid.UUID, rel models.EntityRelations) error
	Hydrate(ctx context.Context, e *models.CachedEntity, include models.IncludeFlags) (*models.CompleteEntityData, error)
}

// AssetStore receives artwork candidates.
type AssetStore interface {
	UpsertAssets(ctx context.Context, assets []models.ProviderAsset) (int, error)
}

// FieldPrecedence orders providers when more than one supplies a field.
var FieldPrecedence = []string{models.ProviderTMDB, models.ProviderFanart, models.ProviderOMDb, models.ProviderTVDB}

// PreferredValue returns the value offered by the highest-precedence
// provider, or nil when none offered one.
func PreferredValue[T any](offered map[string]*T) *T {
	for _, p := range FieldPrecedence {
		if v := offered[p]; v != nil {
			return v
		}
	}
	return nil
}

// fillGap keeps a stored value and takes the offered one only for an empty
// field. Contributors use it so they never overwrite what is cached.
func fillGap[T any](stored, offered *T) *T {
	if stored != nil {
		return stored
	}
	return offered
}

func summarize(assets []models.ProviderAsset) *models.ImageFetchSummary {
	summary := &models.ImageFetchSummary{Count: len(assets)}
	seen := map[models.AssetCategory]bool{}
	for _, a := range models.AllCategories {
		for _, asset := range assets {
			if asset.Category == a && !seen[a] {
				seen[a] = true
				summary.Types = append(summary.Types, a)
			}
		}
	}
	return summary
}

func nowUTC() time.Time { return time.Now().UTC() }
