package models

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrNoExternalID is returned when a lookup or write carries no provider id.
var ErrNoExternalID = errors.New("at least one external id is required")

// ──────────────────── Enums ────────────────────

type MediaType string

const (
	MediaTypeMovie MediaType = "movie"
	MediaTypeTV    MediaType = "tv"
)

// AssetCategory is the kind of artwork a candidate provides.
type AssetCategory string

const (
	CategoryPoster    AssetCategory = "poster"
	CategoryFanart    AssetCategory = "fanart"
	CategoryBanner    AssetCategory = "banner"
	CategoryLogo      AssetCategory = "logo"
	CategoryClearArt  AssetCategory = "clearart"
	CategoryDiscArt   AssetCategory = "discart"
	CategoryThumb     AssetCategory = "thumb"
	CategoryLandscape AssetCategory = "landscape"
	CategoryKeyArt    AssetCategory = "keyart"
)

// AllCategories lists every category in the order enrichment runs them.
var AllCategories = []AssetCategory{
	CategoryPoster, CategoryFanart, CategoryLogo, CategoryBanner, CategoryClearArt,
	CategoryDiscArt, CategoryThumb, CategoryLandscape, CategoryKeyArt,
}

func (c AssetCategory) Valid() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Provider names. These double as the provider column on candidates.
const (
	ProviderTMDB   = "tmdb"
	ProviderFanart = "fanart"
	ProviderOMDb   = "omdb"
	ProviderTVDB   = "tvdb"
	ProviderLocal  = "local"
)

// SelectedByAuto marks selections made by scoring rather than a person.
const SelectedByAuto = "auto"

type DataSource string

const (
	SourceCache DataSource = "cache"
	SourceAPI   DataSource = "api"
	SourceNone  DataSource = "none"
)

// ──────────────────── Lookup ────────────────────

// ExternalIDs are the provider-native keys an entity can be found by.
// Zero values mean "unknown".
type ExternalIDs struct {
	TMDBID int    `json:"tmdb_id,omitempty"`
	IMDBID string `json:"imdb_id,omitempty"`
	TVDBID int    `json:"tvdb_id,omitempty"`
}

func (ids ExternalIDs) Empty() bool {
	return ids.TMDBID == 0 && ids.IMDBID == "" && ids.TVDBID == 0
}

// Key is a stable string identifying the lookup, used to collapse
// concurrent fetches. The first known id in priority order wins.
func (ids ExternalIDs) Key() string {
	switch {
	case ids.TMDBID != 0:
		return "tmdb:" + strconv.Itoa(ids.TMDBID)
	case ids.IMDBID != "":
		return "imdb:" + ids.IMDBID
	case ids.TVDBID != 0:
		return "tvdb:" + strconv.Itoa(ids.TVDBID)
	}
	return ""
}

type LookupParams struct {
	ExternalIDs
	MediaType MediaType `json:"media_type,omitempty"`
	Language  string    `json:"language,omitempty"`
}

// IncludeFlags toggles which relationships Hydrate loads.
type IncludeFlags struct {
	Genres    bool `json:"genres"`
	Companies bool `json:"companies"`
	Countries bool `json:"countries"`
	Keywords  bool `json:"keywords"`
	Cast      bool `json:"cast"`
	Crew      bool `json:"crew"`
	Images    bool `json:"images"`
	Videos    bool `json:"videos"`
}

// IncludeAll loads every relationship.
func IncludeAll() IncludeFlags {
	return IncludeFlags{
		Genres: true, Companies: true, Countries: true, Keywords: true,
		Cast: true, Crew: true, Images: true, Videos: true,
	}
}

const DefaultMaxAge = 7 * 24 * time.Hour

type FetchOptions struct {
	MaxAge       time.Duration
	ForceRefresh bool
	Include      IncludeFlags
}

type FetchResult struct {
	Data            *CompleteEntityData `json:"data"`
	Source          DataSource          `json:"source"`
	CacheAgeSeconds *int64              `json:"cache_age_seconds,omitempty"`
	ProvidersUsed   []string            `json:"providers_used"`
}

// ──────────────────── Cached Entity ────────────────────

// CachedEntity is a provider-native snapshot of one media item.
type CachedEntity struct {
	ID        uuid.UUID `json:"id" db:"id"`
	MediaType MediaType `json:"media_type" db:"media_type"`

	TMDBID *int    `json:"tmdb_id,omitempty" db:"tmdb_id"`
	IMDBID *string `json:"imdb_id,omitempty" db:"imdb_id"`
	TVDBID *int    `json:"tvdb_id,omitempty" db:"tvdb_id"`

	Title            string   `json:"title" db:"title"`
	OriginalTitle    *string  `json:"original_title,omitempty" db:"original_title"`
	Year             *int     `json:"year,omitempty" db:"year"`
	ReleaseDate      *string  `json:"release_date,omitempty" db:"release_date"`
	Overview         *string  `json:"overview,omitempty" db:"overview"`
	Tagline          *string  `json:"tagline,omitempty" db:"tagline"`
	Runtime          *int     `json:"runtime,omitempty" db:"runtime"`
	OriginalLanguage *string  `json:"original_language,omitempty" db:"original_language"`
	ContentRating    *string  `json:"content_rating,omitempty" db:"content_rating"`
	Status           *string  `json:"status,omitempty" db:"status"`
	Homepage         *string  `json:"homepage,omitempty" db:"homepage"`
	Budget           *int64   `json:"budget,omitempty" db:"budget"`
	Revenue          *int64   `json:"revenue,omitempty" db:"revenue"`
	Popularity       *float64 `json:"popularity,omitempty" db:"popularity"`
	VoteAverage      *float64 `json:"vote_average,omitempty" db:"vote_average"`
	VoteCount        *int     `json:"vote_count,omitempty" db:"vote_count"`

	// Ratings from the legacy-ratings catalog
	IMDBRating      *float64 `json:"imdb_rating,omitempty" db:"imdb_rating"`
	IMDBVotes       *int     `json:"imdb_votes,omitempty" db:"imdb_votes"`
	RTCriticScore   *int     `json:"rt_critic_score,omitempty" db:"rt_critic_score"`
	MetacriticScore *int     `json:"metacritic_score,omitempty" db:"metacritic_score"`

	CollectionID   *int    `json:"collection_id,omitempty" db:"collection_id"`
	CollectionName *string `json:"collection_name,omitempty" db:"collection_name"`

	FetchedAt time.Time `json:"fetched_at" db:"fetched_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ExternalIDs returns the ids known for this row.
func (e *CachedEntity) ExternalIDs() ExternalIDs {
	var ids ExternalIDs
	if e.TMDBID != nil {
		ids.TMDBID = *e.TMDBID
	}
	if e.IMDBID != nil {
		ids.IMDBID = *e.IMDBID
	}
	if e.TVDBID != nil {
		ids.TVDBID = *e.TVDBID
	}
	return ids
}

// IsFresh reports whether fetchedAt is strictly younger than maxAge.
// An entry exactly maxAge old is stale.
func IsFresh(fetchedAt time.Time, maxAge time.Duration, now time.Time) bool {
	return now.Sub(fetchedAt) < maxAge
}

// ──────────────────── Relationships ────────────────────

type CastMember struct {
	ProviderID string  `json:"provider_id,omitempty"`
	Name       string  `json:"name"`
	Character  string  `json:"character,omitempty"`
	ProfileURL *string `json:"profile_url,omitempty"`
	Order      int     `json:"order"`
}

type CrewMember struct {
	ProviderID string `json:"provider_id,omitempty"`
	Name       string `json:"name"`
	Job        string `json:"job,omitempty"`
	Department string `json:"department,omitempty"`
}

type Video struct {
	Provider string `json:"provider"`
	Site     string `json:"site"`
	Key      string `json:"key"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
	Language string `json:"language,omitempty"`
	Official bool   `json:"official"`
}

// EntityRelations is everything a provider reports alongside the entity row.
// A nil slice leaves the stored relationship untouched.
type EntityRelations struct {
	Genres    []string
	Companies []string
	Countries []string
	Keywords  []string
	Cast      []CastMember
	Crew      []CrewMember
	Videos    []Video
}

// CompleteEntityData is a hydrated entity with its requested relationships.
type CompleteEntityData struct {
	Entity    *CachedEntity   `json:"entity"`
	Genres    []string        `json:"genres,omitempty"`
	Companies []string        `json:"companies,omitempty"`
	Countries []string        `json:"countries,omitempty"`
	Keywords  []string        `json:"keywords,omitempty"`
	Cast      []CastMember    `json:"cast,omitempty"`
	Crew      []CrewMember    `json:"crew,omitempty"`
	Images    []ProviderAsset `json:"images,omitempty"`
	Videos    []Video         `json:"videos,omitempty"`
}

// ──────────────────── Provider Assets ────────────────────

// ProviderAsset is one candidate image offered by a provider.
type ProviderAsset struct {
	ID             uuid.UUID     `json:"id" db:"id"`
	EntityID       uuid.UUID     `json:"entity_id" db:"entity_id"`
	Category       AssetCategory `json:"category" db:"category"`
	Provider       string        `json:"provider" db:"provider"`
	URL            string        `json:"url" db:"url"`
	Width          int           `json:"width" db:"width"`
	Height         int           `json:"height" db:"height"`
	Language       *string       `json:"language,omitempty" db:"language"`
	VoteAverage    float64       `json:"vote_average" db:"vote_average"`
	VoteCount      int           `json:"vote_count" db:"vote_count"`
	PerceptualHash *string       `json:"perceptual_hash,omitempty" db:"perceptual_hash"`
	ContentHash    *string       `json:"content_hash,omitempty" db:"content_hash"`
	Score          *int          `json:"score,omitempty" db:"score"`
	IsSelected     bool          `json:"is_selected" db:"is_selected"`
	SelectedAt     *time.Time    `json:"selected_at,omitempty" db:"selected_at"`
	SelectedBy     *string       `json:"selected_by,omitempty" db:"selected_by"`
	IsRejected     bool          `json:"is_rejected" db:"is_rejected"`
	IsLocked       bool          `json:"is_locked" db:"is_locked"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// ImageFetchSummary reports what an image provider stored.
type ImageFetchSummary struct {
	Count int             `json:"count"`
	Types []AssetCategory `json:"types"`
}

// ──────────────────── Cache Files ────────────────────

// CacheFile is a content-addressed file on disk shared by every selected
// candidate with the same content hash.
type CacheFile struct {
	ContentHash    string    `json:"content_hash" db:"content_hash"`
	RelativePath   string    `json:"relative_path" db:"relative_path"`
	SizeBytes      int64     `json:"size_bytes" db:"size_bytes"`
	MimeType       *string   `json:"mime_type,omitempty" db:"mime_type"`
	ReferenceCount int       `json:"reference_count" db:"reference_count"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// ──────────────────── Selection ────────────────────

// SelectionDiff is the minimal change between two selections of one category.
type SelectionDiff struct {
	ToDownload []uuid.UUID `json:"to_download"`
	ToEvict    []uuid.UUID `json:"to_evict"`
	Unchanged  bool        `json:"unchanged"`
}

// SelectionOutcome is what ScoreAndSelect reports back to callers.
type SelectionOutcome struct {
	EntityID   uuid.UUID     `json:"entity_id"`
	Category   AssetCategory `json:"category"`
	Candidates int           `json:"candidates"`
	Duplicates int           `json:"duplicates"`
	Selected   []uuid.UUID   `json:"selected"`
	Downloaded []uuid.UUID   `json:"downloaded"`
	Evicted    []uuid.UUID   `json:"evicted"`
	Failed     []uuid.UUID   `json:"failed,omitempty"`
	Dropped    []uuid.UUID   `json:"dropped,omitempty"`
	Locked     bool          `json:"locked"`
	Unchanged  bool          `json:"unchanged"`
}
