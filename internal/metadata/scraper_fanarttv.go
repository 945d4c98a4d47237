package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/JustinTDCT/cinevault-enricher/internal/models"
)

const fanartBaseURL = "https://webservice.fanart.tv/v3"

// FanartProvider adds extended artwork (logos, clear art, discs, banners)
// to entities TMDB already cached. Movies are keyed by TMDB id, shows by
// TVDB id.
type FanartProvider struct {
	api      apiClient
	apiKey   string
	entities EntityStore
	assets   AssetStore
}

func NewFanartProvider(apiKey string, client *http.Client, entities EntityStore, assets AssetStore) *FanartProvider {
	return &FanartProvider{
		api:      newAPIClient(models.ProviderFanart, client, 10, 5),
		apiKey:   apiKey,
		entities: entities,
		assets:   assets,
	}
}

func (p *FanartProvider) Name() string { return models.ProviderFanart }

type fanartImage struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Lang  string `json:"lang"`
	Likes string `json:"likes"`
}

// fanartKind maps a response key to a category. fanart.tv does not report
// dimensions, so each kind carries the size the site requires for uploads.
type fanartKind struct {
	key      string
	category models.AssetCategory
	width    int
	height   int
}

var fanartMovieKinds = []fanartKind{
	{"movieposter", models.CategoryPoster, 1000, 1426},
	{"moviebackground", models.CategoryFanart, 1920, 1080},
	{"hdmovielogo", models.CategoryLogo, 800, 310},
	{"movielogo", models.CategoryLogo, 400, 155},
	{"hdmovieclearart", models.CategoryClearArt, 1000, 562},
	{"movieclearart", models.CategoryClearArt, 500, 281},
	{"moviebanner", models.CategoryBanner, 1000, 185},
	{"moviedisc", models.CategoryDiscArt, 1000, 1000},
	{"moviethumb", models.CategoryThumb, 1000, 562},
}

var fanartTVKinds = []fanartKind{
	{"tvposter", models.CategoryPoster, 1000, 1426},
	{"showbackground", models.CategoryFanart, 1920, 1080},
	{"hdtvlogo", models.CategoryLogo, 800, 310},
	{"clearlogo", models.CategoryLogo, 400, 155},
	{"hdclearart", models.CategoryClearArt, 1000, 562},
	{"clearart", models.CategoryClearArt, 500, 281},
	{"tvbanner", models.CategoryBanner, 1000, 185},
	{"tvthumb", models.CategoryThumb, 500, 281},
}

// fanartAssets flattens a fanart.tv response. Likes are kept as the vote
// count; the site has no rating to pair with them.
func fanartAssets(entityID uuid.UUID, kinds []fanartKind, body map[string]json.RawMessage) []models.ProviderAsset {
	var assets []models.ProviderAsset
	for _, kind := range kinds {
		raw, ok := body[kind.key]
		if !ok {
			continue
		}
		var images []fanartImage
		if err := json.Unmarshal(raw, &images); err != nil {
			continue
		}
		for _, img := range images {
			if img.URL == "" {
				continue
			}
			likes, _ := strconv.Atoi(img.Likes)
			assets = append(assets, models.ProviderAsset{
				EntityID:  entityID,
				Category:  kind.category,
				Provider:  models.ProviderFanart,
				URL:       img.URL,
				Width:     kind.width,
				Height:    kind.height,
				Language:  optString(img.Lang),
				VoteCount: likes,
			})
		}
	}
	return assets
}

func (p *FanartProvider) fetch(ctx context.Context, mediaType models.MediaType, providerID string) (map[string]json.RawMessage, []fanartKind, error) {
	if p.apiKey == "" {
		return nil, nil, newProviderError(models.ProviderFanart, "images", ErrNotConfigured)
	}
	path, kinds := "movies", fanartMovieKinds
	if mediaType == models.MediaTypeTV {
		path, kinds = "tv", fanartTVKinds
	}
	q := url.Values{}
	q.Set("api_key", p.apiKey)
	reqURL := fmt.Sprintf("%s/%s/%s?%s", fanartBaseURL, path, url.PathEscape(providerID), q.Encode())

	var body map[string]json.RawMessage
	if err := p.api.getJSON(ctx, "images", reqURL, &body); err != nil {
		return nil, nil, err
	}
	return body, kinds, nil
}

// providerID picks the id fanart.tv indexes this entity by.
func fanartID(e *models.CachedEntity) string {
	if e.MediaType == models.MediaTypeTV {
		if e.TVDBID != nil {
			return strconv.Itoa(*e.TVDBID)
		}
		return ""
	}
	if e.TMDBID != nil {
		return strconv.Itoa(*e.TMDBID)
	}
	return ""
}

// Contribute stores fanart.tv artwork for entity. A title the site does not
// know is not an error.
func (p *FanartProvider) Contribute(ctx context.Context, entity *models.CachedEntity) (bool, error) {
	id := fanartID(entity)
	if id == "" {
		return false, nil
	}
	summary, err := p.FetchAndCacheImages(ctx, entity.ID, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return summary.Count > 0, nil
}

// FetchAndCacheImages needs the entity to be cached already to know
// whether providerID is a movie or a show id.
func (p *FanartProvider) FetchAndCacheImages(ctx context.Context, cacheID uuid.UUID, providerID string) (*models.ImageFetchSummary, error) {
	entity, err := p.entities.GetByID(ctx, cacheID)
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, newProviderError(models.ProviderFanart, "images", ErrNotFound)
	}
	body, kinds, err := p.fetch(ctx, entity.MediaType, providerID)
	if err != nil {
		return nil, err
	}
	assets := fanartAssets(cacheID, kinds, body)
	if _, err := p.assets.UpsertAssets(ctx, assets); err != nil {
		return nil, fmt.Errorf("fanart: store images: %w", err)
	}
	return summarize(assets), nil
}

// FetchAndCache only decorates: fanart.tv has no title metadata, so the
// entity must already be cached.
func (p *FanartProvider) FetchAndCache(ctx context.Context, params models.LookupParams) (uuid.UUID, error) {
	entity, err := p.entities.FindByExternalID(ctx, params.ExternalIDs)
	if err != nil {
		return uuid.Nil, err
	}
	if entity == nil {
		return uuid.Nil, newProviderError(models.ProviderFanart, "images", ErrNotFound)
	}
	if _, err := p.Contribute(ctx, entity); err != nil {
		return uuid.Nil, err
	}
	return entity.ID, nil
}

func (p *FanartProvider) FetchAndUpdate(ctx context.Context, params models.LookupParams) (uuid.UUID, error) {
	entity, err := p.entities.FindByExternalID(ctx, params.ExternalIDs)
	if err != nil || entity == nil {
		return uuid.Nil, err
	}
	if _, err := p.Contribute(ctx, entity); err != nil {
		return uuid.Nil, err
	}
	return entity.ID, nil
}
