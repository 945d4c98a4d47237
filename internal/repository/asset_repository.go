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

const assetColumns = `id, entity_id, category, provider, url, width, height, language, vote_average,
	vote_count, perceptual_hash, content_hash, score, is_selected, selected_at, selected_by,
	is_rejected, is_locked, created_at, updated_at`

// AssetRepository stores provider artwork candidates and their selection state.
type AssetRepository struct {
	db *sql.DB
}

func NewAssetRepository(db *sql.DB) *AssetRepository {
	return &AssetRepository{db: db}
}

func scanAsset(row rowScanner) (models.ProviderAsset, error) {
	var a models.ProviderAsset
	var category string
	err := row.Scan(&a.ID, &a.EntityID, &category, &a.Provider, &a.URL, &a.Width, &a.Height,
		&a.Language, &a.VoteAverage, &a.VoteCount, &a.PerceptualHash, &a.ContentHash, &a.Score,
		&a.IsSelected, &a.SelectedAt, &a.SelectedBy, &a.IsRejected, &a.IsLocked, &a.CreatedAt, &a.UpdatedAt)
	a.Category = models.AssetCategory(category)
	return a, err
}

func listAssets(ctx context.Context, q queryer, where string, args ...interface{}) ([]models.ProviderAsset, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+assetColumns+` FROM provider_assets `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []models.ProviderAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// UpsertAssets records candidates offered by a provider. Existing rows keep
// their selection, rejection and lock state; only provider-supplied fields
// are refreshed. Returns the number of rows written.
func (r *AssetRepository) UpsertAssets(ctx context.Context, assets []models.ProviderAsset) (int, error) {
	if len(assets) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin assets tx: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO provider_assets (id, entity_id, category, provider, url, width, height,
			language, vote_average, vote_count, perceptual_hash, content_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (entity_id, category, provider, url) DO UPDATE SET
			width = excluded.width,
			height = excluded.height,
			language = excluded.language,
			vote_average = excluded.vote_average,
			vote_count = excluded.vote_count,
			perceptual_hash = COALESCE(excluded.perceptual_hash, provider_assets.perceptual_hash),
			content_hash = COALESCE(excluded.content_hash, provider_assets.content_hash),
			updated_at = excluded.updated_at`

	now := time.Now().UTC()
	written := 0
	for _, a := range assets {
		if a.URL == "" || !a.Category.Valid() {
			continue
		}
		id := a.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err := tx.ExecContext(ctx, query, id, a.EntityID, string(a.Category), a.Provider, a.URL,
			a.Width, a.Height, a.Language, a.VoteAverage, a.VoteCount, a.PerceptualHash, a.ContentHash, now)
		if err != nil {
			return 0, fmt.Errorf("upsert asset %s: %w", a.URL, err)
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit assets: %w", err)
	}
	return written, nil
}

// ListByEntityCategory returns every candidate, rejected ones included.
func (r *AssetRepository) ListByEntityCategory(ctx context.Context, entityID uuid.UUID, category models.AssetCategory) ([]models.ProviderAsset, error) {
	return listAssets(ctx, r.db, `WHERE entity_id = $1 AND category = $2 ORDER BY created_at, url`,
		entityID, string(category))
}

// ListCandidates returns the candidates eligible for selection.
func (r *AssetRepository) ListCandidates(ctx context.Context, entityID uuid.UUID, category models.AssetCategory) ([]models.ProviderAsset, error) {
	return listAssets(ctx, r.db, `WHERE entity_id = $1 AND category = $2 AND is_rejected = FALSE
		ORDER BY created_at, url`, entityID, string(category))
}

func (r *AssetRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ProviderAsset, error) {
	a, err := scanAsset(r.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM provider_assets WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return &a, nil
}

// SelectedIDs lists the currently selected candidates of one category.
func (r *AssetRepository) SelectedIDs(ctx context.Context, entityID uuid.UUID, category models.AssetCategory) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM provider_assets WHERE entity_id = $1 AND category = $2 AND is_selected = TRUE
		ORDER BY selected_at, id`, entityID, string(category))
	if err != nil {
		return nil, fmt.Errorf("list selected: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsLocked reports whether a person has pinned the category's selection.
func (r *AssetRepository) IsLocked(ctx context.Context, entityID uuid.UUID, category models.AssetCategory) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM provider_assets WHERE entity_id = $1 AND category = $2 AND is_locked = TRUE`,
		entityID, string(category)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check lock: %w", err)
	}
	return n > 0, nil
}

func (r *AssetRepository) SetLocked(ctx context.Context, entityID uuid.UUID, category models.AssetCategory, locked bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE provider_assets SET is_locked = $1, updated_at = $2 WHERE entity_id = $3 AND category = $4`,
		locked, time.Now().UTC(), entityID, string(category))
	return err
}

// UpdateScores stores the last computed score of each candidate.
func (r *AssetRepository) UpdateScores(ctx context.Context, scores map[uuid.UUID]int) error {
	if len(scores) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for id, score := range scores {
		if _, err := tx.ExecContext(ctx, `UPDATE provider_assets SET score = $1 WHERE id = $2`, score, id); err != nil {
			return fmt.Errorf("update score: %w", err)
		}
	}
	return tx.Commit()
}

// SetContent records what a download produced.
func (r *AssetRepository) SetContent(ctx context.Context, id uuid.UUID, contentHash, perceptualHash string, width, height int) error {
	var phash *string
	if perceptualHash != "" {
		phash = &perceptualHash
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE provider_assets SET content_hash = $1, perceptual_hash = COALESCE($2, perceptual_hash),
			width = CASE WHEN $3 > 0 THEN $3 ELSE width END,
			height = CASE WHEN $4 > 0 THEN $4 ELSE height END,
			updated_at = $5
		WHERE id = $6`,
		contentHash, phash, width, height, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set asset content: %w", err)
	}
	return nil
}

// SelectionChange is one category's new selection, applied atomically.
type SelectionChange struct {
	EntityID uuid.UUID
	Category models.AssetCategory
	Winners  []uuid.UUID
	Evicted  []uuid.UUID
	Actor    string
	At       time.Time
}

// ApplySelection clears the category's selection, marks the winners and
// releases one cache-file reference per evicted candidate, in a single
// transaction. Returns the content hashes whose count reached zero.
func (r *AssetRepository) ApplySelection(ctx context.Context, change SelectionChange) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin selection tx: %w", err)
	}
	defer tx.Rollback()

	now := change.At.UTC()
	if change.At.IsZero() {
		now = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE provider_assets SET is_selected = FALSE, selected_at = NULL, selected_by = NULL, updated_at = $1
		WHERE entity_id = $2 AND category = $3 AND is_selected = TRUE`,
		now, change.EntityID, string(change.Category))
	if err != nil {
		return nil, fmt.Errorf("clear selection: %w", err)
	}

	for _, id := range change.Winners {
		_, err := tx.ExecContext(ctx,
			`UPDATE provider_assets SET is_selected = TRUE, selected_at = $1, selected_by = $2, updated_at = $1
			WHERE id = $3 AND entity_id = $4 AND category = $5`,
			now, change.Actor, id, change.EntityID, string(change.Category))
		if err != nil {
			return nil, fmt.Errorf("mark selected: %w", err)
		}
	}

	var released []string
	for _, id := range change.Evicted {
		var hash sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT content_hash FROM provider_assets WHERE id = $1`, id).Scan(&hash)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !hash.Valid) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read evicted asset: %w", err)
		}
		count, err := releaseRef(ctx, tx, hash.String, now)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			released = append(released, hash.String)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit selection: %w", err)
	}
	return released, nil
}

// PurgeLocal deletes unselected locally scanned rows of a category.
func (r *AssetRepository) PurgeLocal(ctx context.Context, entityID uuid.UUID, category models.AssetCategory) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM provider_assets WHERE entity_id = $1 AND category = $2 AND provider = $3 AND is_selected = FALSE`,
		entityID, string(category), models.ProviderLocal)
	if err != nil {
		return 0, fmt.Errorf("purge local assets: %w", err)
	}
	return res.RowsAffected()
}

// Reject deselects a candidate and marks it so later fetches and scoring
// skip it. Returns the content hash released, if the row was selected and
// its cache file is now unreferenced.
func (r *AssetRepository) Reject(ctx context.Context, id uuid.UUID) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var selected bool
	var hash sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT is_selected, content_hash FROM provider_assets WHERE id = $1`, id).
		Scan(&selected, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read asset: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE provider_assets SET is_rejected = TRUE, is_selected = FALSE, selected_at = NULL,
			selected_by = NULL, updated_at = $1 WHERE id = $2`, now, id)
	if err != nil {
		return "", fmt.Errorf("reject asset: %w", err)
	}

	var released string
	if selected && hash.Valid {
		count, err := releaseRef(ctx, tx, hash.String, now)
		if err != nil {
			return "", err
		}
		if count == 0 {
			released = hash.String
		}
	}
	return released, tx.Commit()
}
