package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/JustinTDCT/cinevault-enricher/internal/models"
)

const omdbBaseURL = "https://www.omdbapi.com/"

// OMDbProvider supplies IMDb, Rotten Tomatoes and Metacritic ratings, and
// fills descriptive fields TMDB left empty. It is keyed by IMDb id only.
type OMDbProvider struct {
	api      apiClient
	apiKey   string
	entities EntityStore
	assets   AssetStore
}

func NewOMDbProvider(apiKey string, client *http.Client, entities EntityStore, assets AssetStore) *OMDbProvider {
	return &OMDbProvider{
		api:      newAPIClient(models.ProviderOMDb, client, 5, 2),
		apiKey:   apiKey,
		entities: entities,
		assets:   assets,
	}
}

func (p *OMDbProvider) Name() string { return models.ProviderOMDb }

type omdbRecord struct {
	Response   string `json:"Response"`
	Error      string `json:"Error"`
	Title      string `json:"Title"`
	Year       string `json:"Year"`
	Rated      string `json:"Rated"`
	Released   string `json:"Released"`
	Runtime    string `json:"Runtime"`
	Genre      string `json:"Genre"`
	Plot       string `json:"Plot"`
	Country    string `json:"Country"`
	Poster     string `json:"Poster"`
	Metascore  string `json:"Metascore"`
	IMDBRating string `json:"imdbRating"`
	IMDBVotes  string `json:"imdbVotes"`
	IMDBID     string `json:"imdbID"`
	Type       string `json:"Type"`
	Ratings    []struct {
		Source string `json:"Source"`
		Value  string `json:"Value"`
	} `json:"Ratings"`
}

// omdbValue drops OMDb's "N/A" placeholder.
func omdbValue(s string) string {
	s = strings.TrimSpace(s)
	if s == "N/A" {
		return ""
	}
	return s
}

func omdbList(s string) []string {
	var out []string
	for _, part := range strings.Split(omdbValue(s), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ratings returns only the rating fields; the rest of the entity is left
// nil so an upsert does not touch it.
func (r *omdbRecord) ratings() *models.CachedEntity {
	e := &models.CachedEntity{}
	if v := omdbValue(r.IMDBRating); v != "" {
		if f, err := cast.ToFloat64E(v); err == nil {
			e.IMDBRating = &f
		}
	}
	if v := omdbValue(r.IMDBVotes); v != "" {
		if n, err := cast.ToIntE(strings.ReplaceAll(v, ",", "")); err == nil {
			e.IMDBVotes = &n
		}
	}
	if v := omdbValue(r.Metascore); v != "" {
		if n, err := cast.ToIntE(v); err == nil {
			e.MetacriticScore = &n
		}
	}
	for _, rating := range r.Ratings {
		switch rating.Source {
		case "Rotten Tomatoes":
			if n, err := cast.ToIntE(strings.TrimSuffix(rating.Value, "%")); err == nil {
				e.RTCriticScore = &n
			}
		case "Metacritic":
			if e.MetacriticScore == nil {
				if n, err := cast.ToIntE(strings.SplitN(rating.Value, "/", 2)[0]); err == nil {
					e.MetacriticScore = &n
				}
			}
		}
	}
	return e
}

// releaseDate converts "16 Jul 2010" to "2010-07-16".
func (r *omdbRecord) releaseDate() string {
	t, err := time.Parse("02 Jan 2006", omdbValue(r.Released))
	if err != nil {
		return ""
	}
	return t.Format("2006-01-02")
}

// merge builds the patch for an entity: ratings always, descriptive fields
// through field precedence against what is already stored.
func (r *omdbRecord) merge(existing *models.CachedEntity) *models.CachedEntity {
	e := r.ratings()
	e.IMDBID = optString(omdbValue(r.IMDBID))

	date := r.releaseDate()
	var runtime *int
	if n, err := cast.ToIntE(strings.TrimSuffix(omdbValue(r.Runtime), " min")); err == nil && n > 0 {
		runtime = &n
	}
	year := yearOf(omdbValue(r.Year))

	if existing == nil {
		e.Title = omdbValue(r.Title)
		e.MediaType = models.MediaTypeMovie
		if r.Type == "series" {
			e.MediaType = models.MediaTypeTV
		}
		e.Year = year
		e.ReleaseDate = optString(date)
		e.Runtime = runtime
		e.Overview = optString(omdbValue(r.Plot))
		e.ContentRating = optString(omdbValue(r.Rated))
		return e
	}

	e.TMDBID, e.TVDBID = existing.TMDBID, existing.TVDBID
	if e.IMDBID == nil {
		e.IMDBID = existing.IMDBID
	}
	e.Year = fillGap(existing.Year, year)
	e.ReleaseDate = fillGap(existing.ReleaseDate, optString(date))
	e.Runtime = fillGap(existing.Runtime, runtime)
	e.Overview = fillGap(existing.Overview, optString(omdbValue(r.Plot)))
	e.ContentRating = fillGap(existing.ContentRating, optString(omdbValue(r.Rated)))
	return e
}

func (r *omdbRecord) poster(entityID uuid.UUID) []models.ProviderAsset {
	u := omdbValue(r.Poster)
	if u == "" {
		return nil
	}
	return []models.ProviderAsset{{
		EntityID: entityID,
		Category: models.CategoryPoster,
		Provider: models.ProviderOMDb,
		URL:      u,
	}}
}

func (p *OMDbProvider) lookup(ctx context.Context, imdbID string) (*omdbRecord, error) {
	if p.apiKey == "" {
		return nil, newProviderError(models.ProviderOMDb, "lookup", ErrNotConfigured)
	}
	q := url.Values{}
	q.Set("i", imdbID)
	q.Set("apikey", p.apiKey)

	var rec omdbRecord
	if err := p.api.getJSON(ctx, "lookup", omdbBaseURL+"?"+q.Encode(), &rec); err != nil {
		return nil, err
	}
	// OMDb reports most failures in a 200 body.
	if rec.Response == "False" {
		msg := strings.ToLower(rec.Error)
		switch {
		case strings.Contains(msg, "limit"):
			return nil, newProviderError(models.ProviderOMDb, "lookup", ErrRateLimited)
		case strings.Contains(msg, "not found"), strings.Contains(msg, "incorrect imdb"):
			return nil, newProviderError(models.ProviderOMDb, "lookup", ErrNotFound)
		case strings.Contains(msg, "api key"):
			return nil, newProviderError(models.ProviderOMDb, "lookup", ErrUnauthorized)
		}
		return nil, newProviderError(models.ProviderOMDb, "lookup", fmt.Errorf("%w: %s", ErrServer, rec.Error))
	}
	return &rec, nil
}

func (p *OMDbProvider) store(ctx context.Context, rec *omdbRecord, patch *models.CachedEntity, withRelations bool) (uuid.UUID, error) {
	id, err := p.entities.Upsert(ctx, patch)
	if err != nil {
		return uuid.Nil, fmt.Errorf("omdb: store entity: %w", err)
	}
	if withRelations {
		rel := models.EntityRelations{Genres: omdbList(rec.Genre), Countries: omdbList(rec.Country)}
		if err := p.entities.ReplaceRelations(ctx, id, rel); err != nil {
			return uuid.Nil, fmt.Errorf("omdb: store relations: %w", err)
		}
	}
	if _, err := p.assets.UpsertAssets(ctx, rec.poster(id)); err != nil {
		return uuid.Nil, fmt.Errorf("omdb: store images: %w", err)
	}
	return id, nil
}

// Contribute adds ratings and any missing descriptive fields.
func (p *OMDbProvider) Contribute(ctx context.Context, entity *models.CachedEntity) (bool, error) {
	if entity.IMDBID == nil || *entity.IMDBID == "" {
		return false, nil
	}
	rec, err := p.lookup(ctx, *entity.IMDBID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := p.store(ctx, rec, rec.merge(entity), false); err != nil {
		return false, err
	}
	return true, nil
}

// FetchAndCache works without a primary: an entity OMDb alone knows about
// is created from its record.
func (p *OMDbProvider) FetchAndCache(ctx context.Context, params models.LookupParams) (uuid.UUID, error) {
	existing, err := p.entities.FindByExternalID(ctx, params.ExternalIDs)
	if err != nil && !errors.Is(err, models.ErrNoExternalID) {
		return uuid.Nil, err
	}
	imdbID := params.IMDBID
	if imdbID == "" && existing != nil && existing.IMDBID != nil {
		imdbID = *existing.IMDBID
	}
	if imdbID == "" {
		return uuid.Nil, newProviderError(models.ProviderOMDb, "lookup", ErrNotFound)
	}
	rec, err := p.lookup(ctx, imdbID)
	if err != nil {
		return uuid.Nil, err
	}
	return p.store(ctx, rec, rec.merge(existing), existing == nil)
}

func (p *OMDbProvider) FetchAndCacheImages(ctx context.Context, cacheID uuid.UUID, providerID string) (*models.ImageFetchSummary, error) {
	rec, err := p.lookup(ctx, providerID)
	if err != nil {
		return nil, err
	}
	assets := rec.poster(cacheID)
	if _, err := p.assets.UpsertAssets(ctx, assets); err != nil {
		return nil, fmt.Errorf("omdb: store images: %w", err)
	}
	return summarize(assets), nil
}

// FetchAndUpdate refreshes ratings of a cached entity and nothing else.
func (p *OMDbProvider) FetchAndUpdate(ctx context.Context, params models.LookupParams) (uuid.UUID, error) {
	existing, err := p.entities.FindByExternalID(ctx, params.ExternalIDs)
	if err != nil || existing == nil {
		return uuid.Nil, err
	}
	if existing.IMDBID == nil {
		return uuid.Nil, nil
	}
	rec, err := p.lookup(ctx, *existing.IMDBID)
	if err != nil {
		return uuid.Nil, err
	}
	patch := rec.ratings()
	patch.TMDBID, patch.IMDBID, patch.TVDBID = existing.TMDBID, existing.IMDBID, existing.TVDBID
	return p.entities.Upsert(ctx, patch)
}
