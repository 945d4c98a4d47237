package metadata

import (
	"context"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JustinTDCT/cinevault-enricher/internal/db"
	"github.com/JustinTDCT/cinevault-enricher/internal/models"
	"github.com/JustinTDCT/cinevault-enricher/internal/repository"
)

type stores struct {
	entities *repository.ProviderCacheRepository
	assets   *repository.AssetRepository
}

func newStores(t *testing.T) stores {
	t.Helper()
	conn, err := db.Connect("sqlite://" + filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(context.Background(), conn))
	return stores{
		entities: repository.NewProviderCacheRepository(conn),
		assets:   repository.NewAssetRepository(conn),
	}
}

func mockClient(t *testing.T) *http.Client {
	t.Helper()
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func byCategory(assets []models.ProviderAsset) map[models.AssetCategory]int {
	counts := map[models.AssetCategory]int{}
	for _, a := range assets {
		counts[a.Category]++
	}
	return counts
}

const tmdbMatrix = `{
	"id": 603,
	"title": "The Matrix",
	"original_title": "The Matrix",
	"release_date": "1999-03-30",
	"overview": "Set in the 22nd century...",
	"tagline": "Welcome to the Real World.",
	"runtime": 136,
	"original_language": "en",
	"status": "Released",
	"budget": 63000000,
	"revenue": 463517383,
	"popularity": 81.2,
	"vote_average": 8.2,
	"vote_count": 24000,
	"imdb_id": "tt0133093",
	"genres": [{"id": 28, "name": "Action"}, {"id": 878, "name": "Science Fiction"}],
	"production_companies": [{"id": 79, "name": "Village Roadshow Pictures"}],
	"production_countries": [{"iso_3166_1": "US", "name": "United States of America"}],
	"belongs_to_collection": {"id": 2344, "name": "The Matrix Collection"},
	"external_ids": {"imdb_id": "tt0133093", "tvdb_id": null},
	"credits": {
		"cast": [{"id": 6384, "name": "Keanu Reeves", "character": "Neo", "profile_path": "/keanu.jpg", "order": 0}],
		"crew": [
			{"id": 9339, "name": "Lilly Wachowski", "job": "Director", "department": "Directing"},
			{"id": 1, "name": "Someone", "job": "Catering", "department": "Crew"}
		]
	},
	"videos": {"results": [{"key": "vKQi3bBA1y8", "name": "Trailer", "site": "YouTube", "type": "Trailer", "iso_639_1": "en", "official": true}]},
	"keywords": {"keywords": [{"id": 310, "name": "artificial intelligence"}]},
	"release_dates": {"results": [{"iso_3166_1": "US", "release_dates": [{"certification": "R", "type": 3}]}]},
	"images": {
		"posters": [{"file_path": "/p1.jpg", "width": 2000, "height": 3000, "iso_639_1": "en", "vote_average": 5.5, "vote_count": 12}],
		"backdrops": [
			{"file_path": "/b1.jpg", "width": 3840, "height": 2160, "iso_639_1": null, "vote_average": 5.3, "vote_count": 8},
			{"file_path": "/b2.jpg", "width": 1920, "height": 1080, "iso_639_1": "en", "vote_average": 5.1, "vote_count": 2}
		],
		"logos": [{"file_path": "/l1.png", "width": 1000, "height": 250, "iso_639_1": "en", "vote_average": 0, "vote_count": 0}]
	}
}`

func TestTMDB_FetchAndCacheByIMDbID(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	client := mockClient(t)

	httpmock.RegisterResponder(http.MethodGet, "https://api.themoviedb.org/3/find/tt0133093",
		httpmock.NewStringResponder(200, `{"movie_results": [{"id": 603}], "tv_results": []}`))
	httpmock.RegisterResponder(http.MethodGet, "https://api.themoviedb.org/3/movie/603",
		httpmock.NewStringResponder(200, tmdbMatrix))

	p := NewTMDBProvider("key", "en", client, s.entities, s.assets)
	id, err := p.FetchAndCache(ctx, models.LookupParams{ExternalIDs: models.ExternalIDs{IMDBID: "tt0133093"}})
	require.NoError(t, err)

	e, err := s.entities.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "The Matrix", e.Title)
	assert.Nil(t, e.OriginalTitle, "same as title")
	assert.Equal(t, 1999, *e.Year)
	assert.Equal(t, 603, *e.TMDBID)
	assert.Equal(t, "tt0133093", *e.IMDBID)
	assert.Nil(t, e.TVDBID)
	assert.Equal(t, "R", *e.ContentRating)
	assert.Equal(t, "The Matrix Collection", *e.CollectionName)
	assert.False(t, e.FetchedAt.IsZero())

	data, err := s.entities.Hydrate(ctx, e, models.IncludeAll())
	require.NoError(t, err)
	assert.Equal(t, []string{"Action", "Science Fiction"}, data.Genres)
	assert.Equal(t, []string{"artificial intelligence"}, data.Keywords)
	require.Len(t, data.Cast, 1)
	assert.Equal(t, "https://image.tmdb.org/t/p/w185/keanu.jpg", *data.Cast[0].ProfileURL)
	require.Len(t, data.Crew, 1, "only key crew jobs are kept")
	assert.Equal(t, "Director", data.Crew[0].Job)
	require.Len(t, data.Videos, 1)

	assert.Equal(t, map[models.AssetCategory]int{
		models.CategoryPoster:    1,
		models.CategoryFanart:    1,
		models.CategoryLandscape: 1,
		models.CategoryLogo:      1,
	}, byCategory(data.Images))
	for _, a := range data.Images {
		assert.Contains(t, a.URL, "https://image.tmdb.org/t/p/original/")
	}

	// Fetching again updates the same row.
	again, err := p.FetchAndCache(ctx, models.LookupParams{ExternalIDs: models.ExternalIDs{TMDBID: 603}})
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestTMDB_StatusMapping(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	client := mockClient(t)

	httpmock.RegisterResponder(http.MethodGet, "https://api.themoviedb.org/3/movie/1",
		httpmock.NewStringResponder(429, `{"status_message": "slow down"}`))
	httpmock.RegisterResponder(http.MethodGet, "https://api.themoviedb.org/3/movie/2",
		httpmock.NewStringResponder(404, `{}`))
	httpmock.RegisterResponder(http.MethodGet, "https://api.themoviedb.org/3/movie/3",
		httpmock.NewStringResponder(503, `{}`))

	p := NewTMDBProvider("key", "en", client, s.entities, s.assets)
	p.api.backoff = time.Millisecond
	params := func(id int) models.LookupParams {
		return models.LookupParams{ExternalIDs: models.ExternalIDs{TMDBID: id}}
	}

	_, err := p.FetchAndCache(ctx, params(1))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, "rate_limited", Outcome(err))
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 429, perr.StatusCode)
	assert.Equal(t, models.ProviderTMDB, perr.Provider)
	assert.Equal(t, rateLimitAttempts, httpmock.GetCallCountInfo()["GET https://api.themoviedb.org/3/movie/1"])

	_, err = p.FetchAndCache(ctx, params(2))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = p.FetchAndCache(ctx, params(3))
	assert.ErrorIs(t, err, ErrServer)

	unconfigured := NewTMDBProvider("", "en", client, s.entities, s.assets)
	_, err = unconfigured.FetchAndCache(ctx, params(1))
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestTMDB_FetchAndUpdateRequiresCachedEntity(t *testing.T) {
	s := newStores(t)
	p := NewTMDBProvider("key", "en", mockClient(t), s.entities, s.assets)

	id, err := p.FetchAndUpdate(context.Background(), models.LookupParams{ExternalIDs: models.ExternalIDs{TMDBID: 603}})
	require.NoError(t, err)
	assert.Equal(t, "00000000-0000-0000-0000-000000000000", id.String())
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func seedMatrix(t *testing.T, s stores) *models.CachedEntity {
	t.Helper()
	tmdbID, imdbID, overview := 603, "tt0133093", "From TMDB"
	id, err := s.entities.Upsert(context.Background(), &models.CachedEntity{
		MediaType: models.MediaTypeMovie, TMDBID: &tmdbID, IMDBID: &imdbID, Title: "The Matrix", Overview: &overview,
	})
	require.NoError(t, err)
	e, err := s.entities.GetByID(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestFanart_Contribute(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	client := mockClient(t)
	entity := seedMatrix(t, s)

	httpmock.RegisterResponder(http.MethodGet, "https://webservice.fanart.tv/v3/movies/603",
		httpmock.NewStringResponder(200, `{
			"name": "The Matrix",
			"movieposter": [{"id": "1", "url": "https://assets.fanart.tv/poster.jpg", "lang": "en", "likes": "7"}],
			"hdmovielogo": [{"id": "2", "url": "https://assets.fanart.tv/logo.png", "lang": "en", "likes": "3"}],
			"moviedisc": [{"id": "3", "url": "https://assets.fanart.tv/disc.png", "lang": "en", "likes": "1", "disc": "1", "disc_type": "bluray"}],
			"characterart": [{"id": "4", "url": "https://assets.fanart.tv/ignored.png", "lang": "en", "likes": "0"}]
		}`))

	p := NewFanartProvider("key", client, s.entities, s.assets)
	ok, err := p.Contribute(ctx, entity)
	require.NoError(t, err)
	assert.True(t, ok)

	posters, err := s.assets.ListByEntityCategory(ctx, entity.ID, models.CategoryPoster)
	require.NoError(t, err)
	require.Len(t, posters, 1)
	assert.Equal(t, models.ProviderFanart, posters[0].Provider)
	assert.Equal(t, 1000, posters[0].Width)
	assert.Equal(t, 1426, posters[0].Height)
	assert.Equal(t, 7, posters[0].VoteCount)

	discs, err := s.assets.ListByEntityCategory(ctx, entity.ID, models.CategoryDiscArt)
	require.NoError(t, err)
	assert.Len(t, discs, 1)
}

func TestFanart_UnknownTitleIsNotAnError(t *testing.T) {
	s := newStores(t)
	client := mockClient(t)
	entity := seedMatrix(t, s)
	httpmock.RegisterResponder(http.MethodGet, "https://webservice.fanart.tv/v3/movies/603",
		httpmock.NewStringResponder(404, `{"status": "error", "error message": "Not found"}`))

	p := NewFanartProvider("key", client, s.entities, s.assets)
	ok, err := p.Contribute(context.Background(), entity)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, err = p.FetchAndCache(context.Background(), models.LookupParams{ExternalIDs: models.ExternalIDs{TMDBID: 999}})
	assert.ErrorIs(t, err, ErrNotFound, "fanart cannot create entities")
}

func TestOMDb_ContributeKeepsPrimaryFields(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	client := mockClient(t)
	entity := seedMatrix(t, s)

	httpmock.RegisterResponder(http.MethodGet, "https://www.omdbapi.com/",
		httpmock.NewStringResponder(200, `{
			"Response": "True", "Title": "The Matrix", "Year": "1999", "Rated": "R",
			"Released": "31 Mar 1999", "Runtime": "136 min", "Plot": "From OMDb",
			"Poster": "https://m.media-amazon.com/images/poster.jpg",
			"Metascore": "73", "imdbRating": "8.7", "imdbVotes": "2,134,567", "imdbID": "tt0133093",
			"Ratings": [{"Source": "Rotten Tomatoes", "Value": "83%"}, {"Source": "Metacritic", "Value": "73/100"}]
		}`))

	p := NewOMDbProvider("key", client, s.entities, s.assets)
	ok, err := p.Contribute(ctx, entity)
	require.NoError(t, err)
	assert.True(t, ok)

	e, err := s.entities.GetByID(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, 8.7, *e.IMDBRating)
	assert.Equal(t, 2134567, *e.IMDBVotes)
	assert.Equal(t, 83, *e.RTCriticScore)
	assert.Equal(t, 73, *e.MetacriticScore)
	assert.Equal(t, "From TMDB", *e.Overview, "primary value wins")
	assert.Equal(t, "R", *e.ContentRating, "gap filled from OMDb")
	assert.Equal(t, "1999-03-31", *e.ReleaseDate)

	posters, err := s.assets.ListByEntityCategory(ctx, entity.ID, models.CategoryPoster)
	require.NoError(t, err)
	assert.Len(t, posters, 1)
}

func TestOMDb_ContributeNeverOverwritesStoredFields(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	client := mockClient(t)
	entity := seedMatrix(t, s)

	bodies := []string{
		`{"Response": "True", "Title": "The Matrix", "Rated": "R", "Runtime": "136 min", "imdbID": "tt0133093"}`,
		`{"Response": "True", "Title": "The Matrix", "Rated": "PG-13", "Runtime": "150 min", "imdbID": "tt0133093"}`,
	}
	calls := 0
	httpmock.RegisterResponder(http.MethodGet, "https://www.omdbapi.com/", func(*http.Request) (*http.Response, error) {
		body := bodies[calls%len(bodies)]
		calls++
		return httpmock.NewStringResponse(200, body), nil
	})

	p := NewOMDbProvider("key", client, s.entities, s.assets)
	for i := 0; i < 2; i++ {
		current, err := s.entities.GetByID(ctx, entity.ID)
		require.NoError(t, err)
		_, err = p.Contribute(ctx, current)
		require.NoError(t, err)
	}

	e, err := s.entities.GetByID(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, "R", *e.ContentRating, "first filled value is kept")
	assert.Equal(t, 136, *e.Runtime)
	assert.Equal(t, "From TMDB", *e.Overview)
}

func TestOMDb_ErrorsInBody(t *testing.T) {
	s := newStores(t)
	client := mockClient(t)
	entity := seedMatrix(t, s)

	var calls int32
	httpmock.RegisterResponder(http.MethodGet, "https://www.omdbapi.com/",
		func(req *http.Request) (*http.Response, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return httpmock.NewStringResponse(200, `{"Response": "False", "Error": "Movie not found!"}`), nil
			}
			return httpmock.NewStringResponse(200, `{"Response": "False", "Error": "Request limit reached!"}`), nil
		})

	p := NewOMDbProvider("key", client, s.entities, s.assets)
	ok, err := p.Contribute(context.Background(), entity)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, err = p.Contribute(context.Background(), entity)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestTVDB_ContributeLinksIDAndRetriesLogin(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)
	client := mockClient(t)

	tmdbID, imdbID := 1399, "tt0944947"
	id, err := s.entities.Upsert(ctx, &models.CachedEntity{MediaType: models.MediaTypeTV, TMDBID: &tmdbID, IMDBID: &imdbID, Title: "Game of Thrones"})
	require.NoError(t, err)
	entity, err := s.entities.GetByID(ctx, id)
	require.NoError(t, err)

	var logins, extended int32
	httpmock.RegisterResponder(http.MethodPost, "https://api4.thetvdb.com/v4/login",
		func(req *http.Request) (*http.Response, error) {
			n := atomic.AddInt32(&logins, 1)
			return httpmock.NewStringResponse(200, `{"status": "success", "data": {"token": "tok`+string(rune('0'+n))+`"}}`), nil
		})
	httpmock.RegisterResponder(http.MethodGet, "https://api4.thetvdb.com/v4/search/remoteid/tt0944947",
		httpmock.NewStringResponder(200, `{"data": [{"series": {"id": 121361}}]}`))
	httpmock.RegisterResponder(http.MethodGet, "https://api4.thetvdb.com/v4/series/121361/extended",
		func(req *http.Request) (*http.Response, error) {
			if atomic.AddInt32(&extended, 1) == 1 {
				return httpmock.NewStringResponse(401, `{}`), nil
			}
			return httpmock.NewStringResponse(200, `{"data": {
				"id": 121361, "name": "Game of Thrones",
				"artworks": [
					{"image": "https://artworks.thetvdb.com/banners/poster.jpg", "language": "eng", "type": 2, "width": 680, "height": 1000},
					{"image": "https://artworks.thetvdb.com/banners/banner.jpg", "language": "eng", "type": 1, "width": 758, "height": 140},
					{"image": "https://artworks.thetvdb.com/banners/season.jpg", "language": "eng", "type": 7, "width": 680, "height": 1000}
				]
			}}`), nil
		})

	p := NewTVDBProvider("key", client, s.entities, s.assets)
	ok, err := p.Contribute(ctx, entity)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(2), atomic.LoadInt32(&logins), "expired token triggers one new login")

	e, err := s.entities.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, e.TVDBID)
	assert.Equal(t, 121361, *e.TVDBID)

	banners, err := s.assets.ListByEntityCategory(ctx, id, models.CategoryBanner)
	require.NoError(t, err)
	assert.Len(t, banners, 1)
	posters, err := s.assets.ListByEntityCategory(ctx, id, models.CategoryPoster)
	require.NoError(t, err)
	assert.Len(t, posters, 1, "season posters are not series posters")
}
