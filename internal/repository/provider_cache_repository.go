package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JustinTDCT/cinevault-enricher/internal/models"
)

// ErrNoExternalID is returned when a lookup or write carries no provider id.
var ErrNoExternalID = models.ErrNoExternalID

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const entityColumns = `id, media_type, tmdb_id, imdb_id, tvdb_id, title, original_title, year,
	release_date, overview, tagline, runtime, original_language, content_rating, status, homepage,
	budget, revenue, popularity, vote_average, vote_count, imdb_rating, imdb_votes, rt_critic_score,
	metacritic_score, collection_id, collection_name, fetched_at, created_at, updated_at`

type ProviderCacheRepository struct {
	db *sql.DB
}

func NewProviderCacheRepository(db *sql.DB) *ProviderCacheRepository {
	return &ProviderCacheRepository{db: db}
}

func scanEntity(row rowScanner) (*models.CachedEntity, error) {
	e := &models.CachedEntity{}
	var mediaType string
	err := row.Scan(&e.ID, &mediaType, &e.TMDBID, &e.IMDBID, &e.TVDBID, &e.Title, &e.OriginalTitle,
		&e.Year, &e.ReleaseDate, &e.Overview, &e.Tagline, &e.Runtime, &e.OriginalLanguage,
		&e.ContentRating, &e.Status, &e.Homepage, &e.Budget, &e.Revenue, &e.Popularity,
		&e.VoteAverage, &e.VoteCount, &e.IMDBRating, &e.IMDBVotes, &e.RTCriticScore,
		&e.MetacriticScore, &e.CollectionID, &e.CollectionName, &e.FetchedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.MediaType = models.MediaType(mediaType)
	return e, nil
}

func (r *ProviderCacheRepository) findBy(ctx context.Context, q queryer, column string, value interface{}) (*models.CachedEntity, error) {
	query := `SELECT ` + entityColumns + ` FROM cached_entities WHERE ` + column + ` = $1`
	e, err := scanEntity(q.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find cached entity by %s: %w", column, err)
	}
	return e, nil
}

// FindByExternalID tries the TMDB id, then the IMDb id, then the TVDB id.
// Every id is an alternate key of the same row. Returns nil, nil when
// nothing is cached.
func (r *ProviderCacheRepository) FindByExternalID(ctx context.Context, ids models.ExternalIDs) (*models.CachedEntity, error) {
	return r.findByExternalID(ctx, r.db, ids)
}

func (r *ProviderCacheRepository) findByExternalID(ctx context.Context, q queryer, ids models.ExternalIDs) (*models.CachedEntity, error) {
	if ids.Empty() {
		return nil, ErrNoExternalID
	}
	if ids.TMDBID != 0 {
		if e, err := r.findBy(ctx, q, "tmdb_id", ids.TMDBID); e != nil || err != nil {
			return e, err
		}
	}
	if ids.IMDBID != "" {
		if e, err := r.findBy(ctx, q, "imdb_id", ids.IMDBID); e != nil || err != nil {
			return e, err
		}
	}
	if ids.TVDBID != 0 {
		if e, err := r.findBy(ctx, q, "tvdb_id", ids.TVDBID); e != nil || err != nil {
			return e, err
		}
	}
	return nil, nil
}

func (r *ProviderCacheRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CachedEntity, error) {
	return r.findBy(ctx, r.db, "id", id)
}

// Upsert writes e under whichever row already owns one of its ids, or
// inserts a new row. Nil fields never overwrite stored values, so several
// providers can contribute to the same row. Returns the row id.
func (r *ProviderCacheRepository) Upsert(ctx context.Context, e *models.CachedEntity) (uuid.UUID, error) {
	normalizeIDs(e)
	ids := e.ExternalIDs()
	if ids.Empty() {
		return uuid.Nil, ErrNoExternalID
	}

	existing, err := r.FindByExternalID(ctx, ids)
	if err != nil {
		return uuid.Nil, err
	}
	if existing != nil {
		return existing.ID, r.update(ctx, existing, e)
	}

	id, insertErr := r.insert(ctx, e)
	if insertErr == nil {
		return id, nil
	}

	// Lost a race with another writer; fold into the winner's row.
	existing, err = r.FindByExternalID(ctx, ids)
	if err != nil {
		return uuid.Nil, err
	}
	if existing == nil {
		return uuid.Nil, fmt.Errorf("insert cached entity: %w", insertErr)
	}
	return existing.ID, r.update(ctx, existing, e)
}

// normalizeIDs turns zero ids into NULLs so unique keys only see real ids.
func normalizeIDs(e *models.CachedEntity) {
	if e.TMDBID != nil && *e.TMDBID == 0 {
		e.TMDBID = nil
	}
	if e.IMDBID != nil && *e.IMDBID == "" {
		e.IMDBID = nil
	}
	if e.TVDBID != nil && *e.TVDBID == 0 {
		e.TVDBID = nil
	}
}

func (r *ProviderCacheRepository) insert(ctx context.Context, e *models.CachedEntity) (uuid.UUID, error) {
	now := time.Now().UTC()
	id := e.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	fetchedAt := e.FetchedAt.UTC()
	if e.FetchedAt.IsZero() {
		fetchedAt = now
	}
	mediaType := e.MediaType
	if mediaType == "" {
		mediaType = models.MediaTypeMovie
	}

	query := `INSERT INTO cached_entities (` + entityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)`
	_, err := r.db.ExecContext(ctx, query, id, string(mediaType), e.TMDBID, e.IMDBID, e.TVDBID,
		e.Title, e.OriginalTitle, e.Year, e.ReleaseDate, e.Overview, e.Tagline, e.Runtime,
		e.OriginalLanguage, e.ContentRating, e.Status, e.Homepage, e.Budget, e.Revenue,
		e.Popularity, e.VoteAverage, e.VoteCount, e.IMDBRating, e.IMDBVotes, e.RTCriticScore,
		e.MetacriticScore, e.CollectionID, e.CollectionName, fetchedAt, now, now)
	if err != nil {
		return uuid.Nil, err
	}
	e.ID = id
	e.FetchedAt = fetchedAt
	return id, nil
}

// claimInt keeps the stored id unless the row has none and no other row
// owns the incoming one.
func (r *ProviderCacheRepository) claimInt(ctx context.Context, column string, rowID uuid.UUID, stored, incoming *int) (*int, error) {
	if stored != nil || incoming == nil {
		return stored, nil
	}
	owner, err := r.findBy(ctx, r.db, column, *incoming)
	if err != nil {
		return nil, err
	}
	if owner != nil && owner.ID != rowID {
		return nil, nil
	}
	return incoming, nil
}

func (r *ProviderCacheRepository) claimString(ctx context.Context, column string, rowID uuid.UUID, stored, incoming *string) (*string, error) {
	if stored != nil || incoming == nil || *incoming == "" {
		return stored, nil
	}
	owner, err := r.findBy(ctx, r.db, column, *incoming)
	if err != nil {
		return nil, err
	}
	if owner != nil && owner.ID != rowID {
		return nil, nil
	}
	return incoming, nil
}

func (r *ProviderCacheRepository) update(ctx context.Context, existing, e *models.CachedEntity) error {
	tmdbID, err := r.claimInt(ctx, "tmdb_id", existing.ID, existing.TMDBID, e.TMDBID)
	if err != nil {
		return err
	}
	imdbID, err := r.claimString(ctx, "imdb_id", existing.ID, existing.IMDBID, e.IMDBID)
	if err != nil {
		return err
	}
	tvdbID, err := r.claimInt(ctx, "tvdb_id", existing.ID, existing.TVDBID, e.TVDBID)
	if err != nil {
		return err
	}

	var title *string
	if e.Title != "" {
		title = &e.Title
	}
	var mediaType *string
	if e.MediaType != "" {
		mt := string(e.MediaType)
		mediaType = &mt
	}
	var fetchedAt *time.Time
	if !e.FetchedAt.IsZero() {
		t := e.FetchedAt.UTC()
		fetchedAt = &t
	}

	query := `UPDATE cached_entities SET
		media_type = COALESCE($1, media_type),
		tmdb_id = $2, imdb_id = $3, tvdb_id = $4,
		title = COALESCE($5, title),
		original_title = COALESCE($6, original_title),
		year = COALESCE($7, year),
		release_date = COALESCE($8, release_date),
		overview = COALESCE($9, overview),
		tagline = COALESCE($10, tagline),
		runtime = COALESCE($11, runtime),
		original_language = COALESCE($12, original_language),
		content_rating = COALESCE($13, content_rating),
		status = COALESCE($14, status),
		homepage = COALESCE($15, homepage),
		budget = COALESCE($16, budget),
		revenue = COALESCE($17, revenue),
		popularity = COALESCE($18, popularity),
		vote_average = COALESCE($19, vote_average),
		vote_count = COALESCE($20, vote_count),
		imdb_rating = COALESCE($21, imdb_rating),
		imdb_votes = COALESCE($22, imdb_votes),
		rt_critic_score = COALESCE($23, rt_critic_score),
		metacritic_score = COALESCE($24, metacritic_score),
		collection_id = COALESCE($25, collection_id),
		collection_name = COALESCE($26, collection_name),
		fetched_at = COALESCE($27, fetched_at),
		updated_at = $28
		WHERE id = $29`
	_, err = r.db.ExecContext(ctx, query, mediaType, tmdbID, imdbID, tvdbID, title,
		e.OriginalTitle, e.Year, e.ReleaseDate, e.Overview, e.Tagline, e.Runtime,
		e.OriginalLanguage, e.ContentRating, e.Status, e.Homepage, e.Budget, e.Revenue,
		e.Popularity, e.VoteAverage, e.VoteCount, e.IMDBRating, e.IMDBVotes, e.RTCriticScore,
		e.MetacriticScore, e.CollectionID, e.CollectionName, fetchedAt, time.Now().UTC(), existing.ID)
	if err != nil {
		return fmt.Errorf("update cached entity: %w", err)
	}
	e.ID = existing.ID
	return nil
}

// ListStale returns rows whose age has reached maxAge, oldest first.
func (r *ProviderCacheRepository) ListStale(ctx context.Context, maxAge time.Duration, limit int) ([]*models.CachedEntity, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM cached_entities WHERE fetched_at <= $1 ORDER BY fetched_at LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale entities: %w", err)
	}
	defer rows.Close()

	var entities []*models.CachedEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}
