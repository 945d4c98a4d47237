package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/JustinTDCT/cinevault-enricher/internal/models"
)

const tvdbBaseURL = "https://api4.thetvdb.com/v4"

// TVDBProvider contributes TV artwork and links TVDB ids. For shows TMDB
// does not know, FetchAndCache can create the entity on its own.
type TVDBProvider struct {
	api      apiClient
	apiKey   string
	entities EntityStore
	assets   AssetStore

	mu    sync.Mutex
	token string // bearer token from /login
}

func NewTVDBProvider(apiKey string, client *http.Client, entities EntityStore, assets AssetStore) *TVDBProvider {
	return &TVDBProvider{
		api:      newAPIClient(models.ProviderTVDB, client, 10, 5),
		apiKey:   apiKey,
		entities: entities,
		assets:   assets,
	}
}

func (p *TVDBProvider) Name() string { return models.ProviderTVDB }

// Artwork type ids from /artwork/types.
var (
	tvdbSeriesArtwork = map[int]models.AssetCategory{
		1: models.CategoryBanner, 2: models.CategoryPoster, 3: models.CategoryFanart,
		22: models.CategoryClearArt, 23: models.CategoryLogo,
	}
	tvdbMovieArtwork = map[int]models.AssetCategory{
		14: models.CategoryPoster, 15: models.CategoryFanart, 16: models.CategoryBanner,
		24: models.CategoryClearArt, 25: models.CategoryLogo,
	}
)

type tvdbArtwork struct {
	Image    string `json:"image"`
	Language string `json:"language"`
	Type     int    `json:"type"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type tvdbNamed struct {
	Name string `json:"name"`
}

type tvdbRemoteID struct {
	ID         string `json:"id"`
	SourceName string `json:"sourceName"`
}

type tvdbExtended struct {
	ID         int            `json:"id"`
	Name       string         `json:"name"`
	Overview   string         `json:"overview"`
	Year       string         `json:"year"`
	FirstAired string         `json:"firstAired"`
	Status     *tvdbNamed     `json:"status"`
	Genres     []tvdbNamed    `json:"genres"`
	Artworks   []tvdbArtwork  `json:"artworks"`
	RemoteIDs  []tvdbRemoteID `json:"remoteIds"`
}

func (d *tvdbExtended) assets(entityID uuid.UUID, mediaType models.MediaType) []models.ProviderAsset {
	types := tvdbSeriesArtwork
	if mediaType == models.MediaTypeMovie {
		types = tvdbMovieArtwork
	}
	var assets []models.ProviderAsset
	for _, a := range d.Artworks {
		category, ok := types[a.Type]
		if !ok || a.Image == "" {
			continue
		}
		assets = append(assets, models.ProviderAsset{
			EntityID: entityID,
			Category: category,
			Provider: models.ProviderTVDB,
			URL:      a.Image,
			Width:    a.Width,
			Height:   a.Height,
			Language: optString(a.Language),
		})
	}
	return assets
}

func (d *tvdbExtended) remoteID(source string) string {
	for _, r := range d.RemoteIDs {
		if r.SourceName == source {
			return r.ID
		}
	}
	return ""
}

// ──────── transport ────────

func (p *TVDBProvider) authenticate(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" {
		return p.token, nil
	}

	body, _ := json.Marshal(map[string]string{"apikey": p.apiKey})
	req, err := http.NewRequest(http.MethodPost, tvdbBaseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return "", newProviderError(models.ProviderTVDB, "login", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := p.api.do(ctx, "login", req, &result); err != nil {
		return "", err
	}
	p.token = result.Data.Token
	return p.token, nil
}

func (p *TVDBProvider) clearToken() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
}

// get issues an authenticated GET, logging in again once if the token
// has expired.
func (p *TVDBProvider) get(ctx context.Context, op, endpoint string, out interface{}) error {
	if p.apiKey == "" {
		return newProviderError(models.ProviderTVDB, op, ErrNotConfigured)
	}
	for attempt := 0; ; attempt++ {
		token, err := p.authenticate(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequest(http.MethodGet, tvdbBaseURL+endpoint, nil)
		if err != nil {
			return newProviderError(models.ProviderTVDB, op, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		err = p.api.do(ctx, op, req, out)
		if errors.Is(err, ErrUnauthorized) && attempt == 0 {
			p.clearToken()
			continue
		}
		return err
	}
}

func (p *TVDBProvider) extended(ctx context.Context, mediaType models.MediaType, tvdbID int) (*tvdbExtended, error) {
	path := "series"
	if mediaType == models.MediaTypeMovie {
		path = "movies"
	}
	var result struct {
		Data tvdbExtended `json:"data"`
	}
	if err := p.get(ctx, "extended", fmt.Sprintf("/%s/%d/extended?meta=translations", path, tvdbID), &result); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

// resolve finds the TVDB id for an IMDb id through /search/remoteid.
func (p *TVDBProvider) resolve(ctx context.Context, imdbID string, mediaType models.MediaType) (int, error) {
	var result struct {
		Data []struct {
			Series *struct {
				ID int `json:"id"`
			} `json:"series"`
			Movie *struct {
				ID int `json:"id"`
			} `json:"movie"`
		} `json:"data"`
	}
	if err := p.get(ctx, "remoteid", "/search/remoteid/"+url.PathEscape(imdbID), &result); err != nil {
		return 0, err
	}
	for _, r := range result.Data {
		if mediaType == models.MediaTypeMovie && r.Movie != nil {
			return r.Movie.ID, nil
		}
		if mediaType != models.MediaTypeMovie && r.Series != nil {
			return r.Series.ID, nil
		}
	}
	return 0, newProviderError(models.ProviderTVDB, "remoteid", ErrNotFound)
}

func (p *TVDBProvider) idFor(ctx context.Context, ids models.ExternalIDs, mediaType models.MediaType) (int, error) {
	if ids.TVDBID != 0 {
		return ids.TVDBID, nil
	}
	if ids.IMDBID == "" {
		return 0, newProviderError(models.ProviderTVDB, "remoteid", ErrNotFound)
	}
	return p.resolve(ctx, ids.IMDBID, mediaType)
}

// ──────── Provider ────────

// Contribute links the TVDB id and stores TVDB artwork.
func (p *TVDBProvider) Contribute(ctx context.Context, entity *models.CachedEntity) (bool, error) {
	ids := entity.ExternalIDs()
	if ids.TVDBID == 0 && ids.IMDBID == "" {
		return false, nil
	}
	tvdbID, err := p.idFor(ctx, ids, entity.MediaType)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	d, err := p.extended(ctx, entity.MediaType, tvdbID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	stored := false
	if entity.TVDBID == nil {
		link := &models.CachedEntity{TMDBID: entity.TMDBID, IMDBID: entity.IMDBID, TVDBID: &tvdbID}
		if _, err := p.entities.Upsert(ctx, link); err != nil {
			return false, fmt.Errorf("tvdb: link id: %w", err)
		}
		stored = true
	}
	n, err := p.assets.UpsertAssets(ctx, d.assets(entity.ID, entity.MediaType))
	if err != nil {
		return false, fmt.Errorf("tvdb: store images: %w", err)
	}
	return stored || n > 0, nil
}

// FetchAndCache creates or enriches the entity from TVDB alone.
func (p *TVDBProvider) FetchAndCache(ctx context.Context, params models.LookupParams) (uuid.UUID, error) {
	mediaType := params.MediaType
	if mediaType == "" {
		mediaType = models.MediaTypeTV
	}
	tvdbID, err := p.idFor(ctx, params.ExternalIDs, mediaType)
	if err != nil {
		return uuid.Nil, err
	}
	d, err := p.extended(ctx, mediaType, tvdbID)
	if err != nil {
		return uuid.Nil, err
	}

	lookup := params.ExternalIDs
	lookup.TVDBID = tvdbID
	existing, err := p.entities.FindByExternalID(ctx, lookup)
	if err != nil {
		return uuid.Nil, err
	}

	patch := &models.CachedEntity{
		MediaType: mediaType,
		TVDBID:    &tvdbID,
		IMDBID:    optString(params.IMDBID),
		TMDBID:    optInt(params.TMDBID),
	}
	if patch.IMDBID == nil {
		patch.IMDBID = optString(d.remoteID("IMDB"))
	}
	if existing == nil {
		patch.Title = d.Name
		patch.Overview = optString(d.Overview)
		patch.ReleaseDate = optString(d.FirstAired)
		patch.Year = yearOf(d.Year)
		if d.Status != nil {
			patch.Status = optString(d.Status.Name)
		}
	} else {
		patch.Overview = fillGap(existing.Overview, optString(d.Overview))
		patch.Year = fillGap(existing.Year, yearOf(d.Year))
	}

	id, err := p.entities.Upsert(ctx, patch)
	if err != nil {
		return uuid.Nil, fmt.Errorf("tvdb: store entity: %w", err)
	}
	if existing == nil {
		rel := models.EntityRelations{Genres: []string{}}
		for _, g := range d.Genres {
			rel.Genres = append(rel.Genres, g.Name)
		}
		if err := p.entities.ReplaceRelations(ctx, id, rel); err != nil {
			return uuid.Nil, fmt.Errorf("tvdb: store relations: %w", err)
		}
	}
	if _, err := p.assets.UpsertAssets(ctx, d.assets(id, mediaType)); err != nil {
		return uuid.Nil, fmt.Errorf("tvdb: store images: %w", err)
	}
	return id, nil
}

func (p *TVDBProvider) FetchAndCacheImages(ctx context.Context, cacheID uuid.UUID, providerID string) (*models.ImageFetchSummary, error) {
	tvdbID, err := strconv.Atoi(providerID)
	if err != nil {
		return nil, newProviderError(models.ProviderTVDB, "extended", fmt.Errorf("%w: bad id %q", ErrNotFound, providerID))
	}
	entity, err := p.entities.GetByID(ctx, cacheID)
	if err != nil {
		return nil, err
	}
	mediaType := models.MediaTypeTV
	if entity != nil {
		mediaType = entity.MediaType
	}
	d, err := p.extended(ctx, mediaType, tvdbID)
	if err != nil {
		return nil, err
	}
	assets := d.assets(cacheID, mediaType)
	if _, err := p.assets.UpsertAssets(ctx, assets); err != nil {
		return nil, fmt.Errorf("tvdb: store images: %w", err)
	}
	return summarize(assets), nil
}

func (p *TVDBProvider) FetchAndUpdate(ctx context.Context, params models.LookupParams) (uuid.UUID, error) {
	existing, err := p.entities.FindByExternalID(ctx, params.ExternalIDs)
	if err != nil || existing == nil {
		return uuid.Nil, err
	}
	if _, err := p.Contribute(ctx, existing); err != nil {
		return uuid.Nil, err
	}
	return existing.ID, nil
}
