package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JustinTDCT/cinevault-enricher/internal/models"
)

const cacheFileColumns = `content_hash, relative_path, size_bytes, mime_type, reference_count, created_at, updated_at`

// CacheFileRepository tracks reference counts of content-addressed files.
type CacheFileRepository struct {
	db *sql.DB
}

func NewCacheFileRepository(db *sql.DB) *CacheFileRepository {
	return &CacheFileRepository{db: db}
}

func scanCacheFile(row rowScanner) (*models.CacheFile, error) {
	f := &models.CacheFile{}
	err := row.Scan(&f.ContentHash, &f.RelativePath, &f.SizeBytes, &f.MimeType, &f.ReferenceCount,
		&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Get returns nil, nil when no row exists for hash.
func (r *CacheFileRepository) Get(ctx context.Context, contentHash string) (*models.CacheFile, error) {
	f, err := scanCacheFile(r.db.QueryRowContext(ctx,
		`SELECT `+cacheFileColumns+` FROM cache_files WHERE content_hash = $1`, contentHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache file: %w", err)
	}
	return f, nil
}

// Acquire adds one reference to f, creating its row on first use, and
// returns the new count.
func (r *CacheFileRepository) Acquire(ctx context.Context, f models.CacheFile) (int, error) {
	now := time.Now().UTC()
	var count int
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO cache_files (content_hash, relative_path, size_bytes, mime_type, reference_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $5)
		ON CONFLICT (content_hash) DO UPDATE SET
			reference_count = cache_files.reference_count + 1,
			updated_at = excluded.updated_at
		RETURNING reference_count`,
		f.ContentHash, f.RelativePath, f.SizeBytes, f.MimeType, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("acquire cache file: %w", err)
	}
	return count, nil
}

// Release drops one reference and returns the remaining count. Counts
// never go below zero.
func (r *CacheFileRepository) Release(ctx context.Context, contentHash string) (int, error) {
	return releaseRef(ctx, r.db, contentHash, time.Now().UTC())
}

func releaseRef(ctx context.Context, q queryer, contentHash string, now time.Time) (int, error) {
	_, err := q.ExecContext(ctx,
		`UPDATE cache_files SET reference_count = reference_count - 1, updated_at = $1
		WHERE content_hash = $2 AND reference_count > 0`, now, contentHash)
	if err != nil {
		return 0, fmt.Errorf("release cache file: %w", err)
	}
	var count int
	err = q.QueryRowContext(ctx, `SELECT reference_count FROM cache_files WHERE content_hash = $1`, contentHash).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read reference count: %w", err)
	}
	return count, nil
}

// RemoveIfUnreferenced deletes the row while nothing references it and
// calls remove with its relative path before committing. A concurrent
// Acquire waits on the deleted row, so it either keeps the row alive or
// runs after the file is gone and can write it again.
func (r *CacheFileRepository) RemoveIfUnreferenced(ctx context.Context, contentHash string, remove func(relativePath string) error) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin cache file removal: %w", err)
	}
	defer tx.Rollback()

	var rel string
	err = tx.QueryRowContext(ctx,
		`DELETE FROM cache_files WHERE content_hash = $1 AND reference_count <= 0 RETURNING relative_path`,
		contentHash).Scan(&rel)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete cache file: %w", err)
	}
	if remove != nil {
		if err := remove(rel); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit cache file removal: %w", err)
	}
	return true, nil
}

// ListUnreferenced returns rows left at zero references whose count last
// changed before the given time.
func (r *CacheFileRepository) ListUnreferenced(ctx context.Context, before time.Time) ([]*models.CacheFile, error) {
	return r.list(ctx, `WHERE reference_count <= 0 AND updated_at < $1 ORDER BY updated_at`, before.UTC())
}

// All returns every tracked file.
func (r *CacheFileRepository) All(ctx context.Context) ([]*models.CacheFile, error) {
	return r.list(ctx, `ORDER BY content_hash`)
}

func (r *CacheFileRepository) list(ctx context.Context, where string, args ...interface{}) ([]*models.CacheFile, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+cacheFileColumns+` FROM cache_files `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list cache files: %w", err)
	}
	defer rows.Close()

	var files []*models.CacheFile
	for rows.Next() {
		f, err := scanCacheFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Recount resets the count of rows last changed before the given time to
// the number of selected candidates holding that content, repairing counts
// left behind by interrupted selections. Newer rows may carry references
// of selections that have not committed yet and are left alone.
func (r *CacheFileRepository) Recount(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE cache_files SET reference_count = (
			SELECT COUNT(*) FROM provider_assets pa
			WHERE pa.content_hash = cache_files.content_hash AND pa.is_selected = TRUE
		), updated_at = $1
		WHERE updated_at < $2 AND reference_count <> (
			SELECT COUNT(*) FROM provider_assets pa
			WHERE pa.content_hash = cache_files.content_hash AND pa.is_selected = TRUE
		)`, time.Now().UTC(), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("recount cache files: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns how many files are tracked and their total size.
func (r *CacheFileRepository) Stats(ctx context.Context) (count int, bytes int64, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM cache_files`).Scan(&count, &bytes)
	return count, bytes, err
}
