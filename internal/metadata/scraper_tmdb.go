package metadata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/JustinTDCT/cinevault-enricher/internal/models"
)

const (
	tmdbBaseURL    = "https://api.themoviedb.org/3"
	tmdbImageBase  = "https://image.tmdb.org/t/p/original"
	tmdbProfileURL = "https://image.tmdb.org/t/p/w185"
	tmdbMaxCast    = 20
)

// TMDBProvider is the primary catalog: it creates cache rows and supplies
// posters, backdrops and logos.
type TMDBProvider struct {
	api      apiClient
	apiKey   string
	language string
	entities EntityStore
	assets   AssetStore
}

func NewTMDBProvider(apiKey, language string, client *http.Client, entities EntityStore, assets AssetStore) *TMDBProvider {
	if language == "" {
		language = "en"
	}
	return &TMDBProvider{
		api:      newAPIClient(models.ProviderTMDB, client, 40, 20),
		apiKey:   apiKey,
		language: language,
		entities: entities,
		assets:   assets,
	}
}

func (p *TMDBProvider) Name() string { return models.ProviderTMDB }

// ──────── wire types ────────

type tmdbImage struct {
	FilePath    string  `json:"file_path"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Language    *string `json:"iso_639_1"`
	VoteAverage float64 `json:"vote_average"`
	VoteCount   int     `json:"vote_count"`
}

type tmdbImages struct {
	Posters   []tmdbImage `json:"posters"`
	Backdrops []tmdbImage `json:"backdrops"`
	Logos     []tmdbImage `json:"logos"`
}

type tmdbNamed struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type tmdbReleaseDateCountry struct {
	ISO31661     string             `json:"iso_3166_1"`
	ReleaseDates []tmdbReleaseEntry `json:"release_dates"`
}

type tmdbReleaseEntry struct {
	Certification string `json:"certification"`
	Type          int    `json:"type"`
}

type tmdbDetails struct {
	ID                  int         `json:"id"`
	Title               string      `json:"title"`
	Name                string      `json:"name"`
	OriginalTitle       string      `json:"original_title"`
	OriginalName        string      `json:"original_name"`
	ReleaseDate         string      `json:"release_date"`
	FirstAirDate        string      `json:"first_air_date"`
	Overview            string      `json:"overview"`
	Tagline             string      `json:"tagline"`
	Runtime             int         `json:"runtime"`
	EpisodeRunTime      []int       `json:"episode_run_time"`
	OriginalLanguage    string      `json:"original_language"`
	Status              string      `json:"status"`
	Homepage            string      `json:"homepage"`
	Budget              int64       `json:"budget"`
	Revenue             int64       `json:"revenue"`
	Popularity          float64     `json:"popularity"`
	VoteAverage         float64     `json:"vote_average"`
	VoteCount           int         `json:"vote_count"`
	IMDBID              string      `json:"imdb_id"`
	Genres              []tmdbNamed `json:"genres"`
	ProductionCompanies []tmdbNamed `json:"production_companies"`
	ProductionCountries []struct {
		ISO31661 string `json:"iso_3166_1"`
		Name     string `json:"name"`
	} `json:"production_countries"`
	BelongsToCollection *tmdbNamed `json:"belongs_to_collection"`
	ExternalIDs         struct {
		IMDBID string `json:"imdb_id"`
		TVDBID int    `json:"tvdb_id"`
	} `json:"external_ids"`
	Credits struct {
		Cast []struct {
			ID          int    `json:"id"`
			Name        string `json:"name"`
			Character   string `json:"character"`
			ProfilePath string `json:"profile_path"`
			Order       int    `json:"order"`
		} `json:"cast"`
		Crew []struct {
			ID         int    `json:"id"`
			Name       string `json:"name"`
			Job        string `json:"job"`
			Department string `json:"department"`
		} `json:"crew"`
	} `json:"credits"`
	Videos struct {
		Results []struct {
			Key      string `json:"key"`
			Name     string `json:"name"`
			Site     string `json:"site"`
			Type     string `json:"type"`
			Language string `json:"iso_639_1"`
			Official bool   `json:"official"`
		} `json:"results"`
	} `json:"videos"`
	Keywords struct {
		Keywords []tmdbNamed `json:"keywords"`
		Results  []tmdbNamed `json:"results"`
	} `json:"keywords"`
	ReleaseDates struct {
		Results []tmdbReleaseDateCountry `json:"results"`
	} `json:"release_dates"`
	ContentRatings struct {
		Results []struct {
			ISO31661 string `json:"iso_3166_1"`
			Rating   string `json:"rating"`
		} `json:"results"`
	} `json:"content_ratings"`
	Images tmdbImages `json:"images"`
}

// extractUSCertification returns the US certification (e.g. "PG-13", "R")
// from the release_dates block, or nil.
func extractUSCertification(countries []tmdbReleaseDateCountry) *string {
	for _, c := range countries {
		if c.ISO31661 == "US" {
			for _, rd := range c.ReleaseDates {
				if rd.Certification != "" {
					cert := rd.Certification
					return &cert
				}
			}
		}
	}
	return nil
}

// keptCrewJobs limits crew to the roles shown in the library.
var keptCrewJobs = map[string]bool{
	"Director": true, "Screenplay": true, "Writer": true, "Producer": true,
	"Original Music Composer": true, "Director of Photography": true, "Creator": true,
}

func (d *tmdbDetails) toEntity(mediaType models.MediaType) *models.CachedEntity {
	title, original, date := d.Title, d.OriginalTitle, d.ReleaseDate
	if mediaType == models.MediaTypeTV {
		title, original, date = d.Name, d.OriginalName, d.FirstAirDate
	}
	runtime := d.Runtime
	if runtime == 0 && len(d.EpisodeRunTime) > 0 {
		runtime = d.EpisodeRunTime[0]
	}
	imdbID := d.IMDBID
	if imdbID == "" {
		imdbID = d.ExternalIDs.IMDBID
	}

	e := &models.CachedEntity{
		MediaType:        mediaType,
		TMDBID:           optInt(d.ID),
		IMDBID:           optString(imdbID),
		TVDBID:           optInt(d.ExternalIDs.TVDBID),
		Title:            title,
		Year:             yearOf(date),
		ReleaseDate:      optString(date),
		Overview:         optString(d.Overview),
		Tagline:          optString(d.Tagline),
		Runtime:          optInt(runtime),
		OriginalLanguage: optString(d.OriginalLanguage),
		Status:           optString(d.Status),
		Homepage:         optString(d.Homepage),
		Budget:           optInt64(d.Budget),
		Revenue:          optInt64(d.Revenue),
		Popularity:       optFloat(d.Popularity),
		VoteAverage:      optFloat(d.VoteAverage),
		VoteCount:        optInt(d.VoteCount),
		FetchedAt:        nowUTC(),
	}
	if original != "" && original != title {
		e.OriginalTitle = &original
	}
	if mediaType == models.MediaTypeTV {
		for _, r := range d.ContentRatings.Results {
			if r.ISO31661 == "US" && r.Rating != "" {
				e.ContentRating = optString(r.Rating)
				break
			}
		}
	} else {
		e.ContentRating = extractUSCertification(d.ReleaseDates.Results)
	}
	if c := d.BelongsToCollection; c != nil {
		e.CollectionID = optInt(c.ID)
		e.CollectionName = optString(c.Name)
	}
	return e
}

func (d *tmdbDetails) toRelations() models.EntityRelations {
	rel := models.EntityRelations{
		Genres:    []string{},
		Companies: []string{},
		Countries: []string{},
		Keywords:  []string{},
		Cast:      []models.CastMember{},
		Crew:      []models.CrewMember{},
		Videos:    []models.Video{},
	}
	for _, g := range d.Genres {
		rel.Genres = append(rel.Genres, g.Name)
	}
	for _, c := range d.ProductionCompanies {
		rel.Companies = append(rel.Companies, c.Name)
	}
	for _, c := range d.ProductionCountries {
		rel.Countries = append(rel.Countries, c.Name)
	}
	keywords := d.Keywords.Keywords
	if len(keywords) == 0 {
		keywords = d.Keywords.Results
	}
	for _, k := range keywords {
		rel.Keywords = append(rel.Keywords, k.Name)
	}
	for i, c := range d.Credits.Cast {
		if i == tmdbMaxCast {
			break
		}
		var profile *string
		if c.ProfilePath != "" {
			u := tmdbProfileURL + c.ProfilePath
			profile = &u
		}
		rel.Cast = append(rel.Cast, models.CastMember{
			ProviderID: strconv.Itoa(c.ID),
			Name:       c.Name,
			Character:  c.Character,
			ProfileURL: profile,
			Order:      c.Order,
		})
	}
	for _, c := range d.Credits.Crew {
		if !keptCrewJobs[c.Job] {
			continue
		}
		rel.Crew = append(rel.Crew, models.CrewMember{
			ProviderID: strconv.Itoa(c.ID),
			Name:       c.Name,
			Job:        c.Job,
			Department: c.Department,
		})
	}
	for _, v := range d.Videos.Results {
		if v.Key == "" {
			continue
		}
		rel.Videos = append(rel.Videos, models.Video{
			Provider: models.ProviderTMDB,
			Site:     v.Site,
			Key:      v.Key,
			Name:     v.Name,
			Type:     v.Type,
			Language: v.Language,
			Official: v.Official,
		})
	}
	return rel
}

// tmdbAssets maps TMDB image lists to candidates. Backdrops carrying a
// language have text on them and become landscape art.
func tmdbAssets(entityID uuid.UUID, images tmdbImages) []models.ProviderAsset {
	var assets []models.ProviderAsset
	add := func(category models.AssetCategory, img tmdbImage) {
		if img.FilePath == "" {
			return
		}
		assets = append(assets, models.ProviderAsset{
			EntityID:    entityID,
			Category:    category,
			Provider:    models.ProviderTMDB,
			URL:         tmdbImageBase + img.FilePath,
			Width:       img.Width,
			Height:      img.Height,
			Language:    img.Language,
			VoteAverage: img.VoteAverage,
			VoteCount:   img.VoteCount,
		})
	}
	for _, img := range images.Posters {
		add(models.CategoryPoster, img)
	}
	for _, img := range images.Backdrops {
		if img.Language != nil && *img.Language != "" {
			add(models.CategoryLandscape, img)
		} else {
			add(models.CategoryFanart, img)
		}
	}
	for _, img := range images.Logos {
		add(models.CategoryLogo, img)
	}
	return assets
}

// ──────── requests ────────

func tmdbPath(mediaType models.MediaType) string {
	if mediaType == models.MediaTypeTV {
		return "tv"
	}
	return "movie"
}

func (p *TMDBProvider) imageLanguages() string {
	if p.language == "en" {
		return "en,null"
	}
	return p.language + ",en,null"
}

func (p *TMDBProvider) details(ctx context.Context, mediaType models.MediaType, tmdbID int) (*tmdbDetails, error) {
	appends := "credits,release_dates,videos,keywords,images,external_ids"
	if mediaType == models.MediaTypeTV {
		appends = "credits,content_ratings,videos,keywords,images,external_ids"
	}
	q := url.Values{}
	q.Set("api_key", p.apiKey)
	q.Set("language", p.language)
	q.Set("append_to_response", appends)
	q.Set("include_image_language", p.imageLanguages())

	reqURL := fmt.Sprintf("%s/%s/%d?%s", tmdbBaseURL, tmdbPath(mediaType), tmdbID, q.Encode())
	var d tmdbDetails
	if err := p.api.getJSON(ctx, "details", reqURL, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// resolveID turns an IMDb or TVDB id into a TMDB id through /find.
func (p *TMDBProvider) resolveID(ctx context.Context, params models.LookupParams) (int, models.MediaType, error) {
	external, source := params.IMDBID, "imdb_id"
	if external == "" {
		external, source = strconv.Itoa(params.TVDBID), "tvdb_id"
	}
	if external == "" || external == "0" {
		return 0, "", newProviderError(models.ProviderTMDB, "find", ErrNotFound)
	}

	q := url.Values{}
	q.Set("api_key", p.apiKey)
	q.Set("external_source", source)
	reqURL := fmt.Sprintf("%s/find/%s?%s", tmdbBaseURL, url.PathEscape(external), q.Encode())

	var found struct {
		MovieResults []struct {
			ID int `json:"id"`
		} `json:"movie_results"`
		TVResults []struct {
			ID int `json:"id"`
		} `json:"tv_results"`
	}
	if err := p.api.getJSON(ctx, "find", reqURL, &found); err != nil {
		return 0, "", err
	}

	preferTV := params.MediaType == models.MediaTypeTV || (params.MediaType == "" && source == "tvdb_id")
	if preferTV && len(found.TVResults) > 0 {
		return found.TVResults[0].ID, models.MediaTypeTV, nil
	}
	if len(found.MovieResults) > 0 {
		return found.MovieResults[0].ID, models.MediaTypeMovie, nil
	}
	if len(found.TVResults) > 0 {
		return found.TVResults[0].ID, models.MediaTypeTV, nil
	}
	return 0, "", newProviderError(models.ProviderTMDB, "find", ErrNotFound)
}

// FetchAndCache fetches full details, credits, videos and artwork in one
// call and writes all of it.
func (p *TMDBProvider) FetchAndCache(ctx context.Context, params models.LookupParams) (uuid.UUID, error) {
	if p.apiKey == "" {
		return uuid.Nil, newProviderError(models.ProviderTMDB, "details", ErrNotConfigured)
	}

	mediaType := params.MediaType
	if mediaType == "" {
		mediaType = models.MediaTypeMovie
	}
	tmdbID := params.TMDBID
	if tmdbID == 0 {
		var err error
		if tmdbID, mediaType, err = p.resolveID(ctx, params); err != nil {
			return uuid.Nil, err
		}
	}

	d, err := p.details(ctx, mediaType, tmdbID)
	if err != nil {
		return uuid.Nil, err
	}

	entity := d.toEntity(mediaType)
	// The caller's ids are known to belong to this title too.
	if entity.IMDBID == nil {
		entity.IMDBID = optString(params.IMDBID)
	}
	if entity.TVDBID == nil {
		entity.TVDBID = optInt(params.TVDBID)
	}

	id, err := p.entities.Upsert(ctx, entity)
	if err != nil {
		return uuid.Nil, fmt.Errorf("tmdb: store entity: %w", err)
	}
	if err := p.entities.ReplaceRelations(ctx, id, d.toRelations()); err != nil {
		return uuid.Nil, fmt.Errorf("tmdb: store relations: %w", err)
	}
	if _, err := p.assets.UpsertAssets(ctx, tmdbAssets(id, d.Images)); err != nil {
		return uuid.Nil, fmt.Errorf("tmdb: store images: %w", err)
	}
	return id, nil
}

// FetchAndCacheImages refreshes only the artwork of a cached entity.
func (p *TMDBProvider) FetchAndCacheImages(ctx context.Context, cacheID uuid.UUID, providerID string) (*models.ImageFetchSummary, error) {
	if p.apiKey == "" {
		return nil, newProviderError(models.ProviderTMDB, "images", ErrNotConfigured)
	}
	entity, err := p.entities.GetByID(ctx, cacheID)
	if err != nil {
		return nil, err
	}
	mediaType := models.MediaTypeMovie
	if entity != nil {
		mediaType = entity.MediaType
	}

	q := url.Values{}
	q.Set("api_key", p.apiKey)
	q.Set("include_image_language", p.imageLanguages())
	reqURL := fmt.Sprintf("%s/%s/%s/images?%s", tmdbBaseURL, tmdbPath(mediaType), url.PathEscape(providerID), q.Encode())

	var images tmdbImages
	if err := p.api.getJSON(ctx, "images", reqURL, &images); err != nil {
		return nil, err
	}
	assets := tmdbAssets(cacheID, images)
	if _, err := p.assets.UpsertAssets(ctx, assets); err != nil {
		return nil, fmt.Errorf("tmdb: store images: %w", err)
	}
	return summarize(assets), nil
}

// FetchAndUpdate re-fetches a cached entity by its TMDB id.
func (p *TMDBProvider) FetchAndUpdate(ctx context.Context, params models.LookupParams) (uuid.UUID, error) {
	existing, err := p.entities.FindByExternalID(ctx, params.ExternalIDs)
	if err != nil || existing == nil {
		return uuid.Nil, err
	}
	refresh := params
	refresh.MediaType = existing.MediaType
	if existing.TMDBID != nil {
		refresh.TMDBID = *existing.TMDBID
	}
	return p.FetchAndCache(ctx, refresh)
}
