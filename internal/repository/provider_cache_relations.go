package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/JustinTDCT/cinevault-enricher/internal/models"
)

// namedRelation describes a lookup table joined to cached_entities.
type namedRelation struct {
	table     string
	joinTable string
	joinCol   string
}

var (
	genreRelation   = namedRelation{"genres", "entity_genres", "genre_id"}
	companyRelation = namedRelation{"companies", "entity_companies", "company_id"}
	countryRelation = namedRelation{"countries", "entity_countries", "country_id"}
	keywordRelation = namedRelation{"keywords", "entity_keywords", "keyword_id"}
)

// ReplaceRelations swaps the stored relationships for those in rel, all in
// one transaction. Nil slices are left untouched; empty slices clear.
func (r *ProviderCacheRepository) ReplaceRelations(ctx context.Context, entityID uuid.UUID, rel models.EntityRelations) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin relations tx: %w", err)
	}
	defer tx.Rollback()

	named := []struct {
		rel   namedRelation
		names []string
	}{
		{genreRelation, rel.Genres},
		{companyRelation, rel.Companies},
		{countryRelation, rel.Countries},
		{keywordRelation, rel.Keywords},
	}
	for _, n := range named {
		if n.names == nil {
			continue
		}
		if err := replaceNamed(ctx, tx, entityID, n.rel, n.names); err != nil {
			return err
		}
	}

	if rel.Cast != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entity_cast WHERE entity_id = $1`, entityID); err != nil {
			return fmt.Errorf("clear cast: %w", err)
		}
		for i, c := range rel.Cast {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO entity_cast (id, entity_id, provider_id, name, character_name, profile_url, sort_order)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				uuid.New(), entityID, c.ProviderID, c.Name, c.Character, c.ProfileURL, i)
			if err != nil {
				return fmt.Errorf("insert cast member: %w", err)
			}
		}
	}

	if rel.Crew != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entity_crew WHERE entity_id = $1`, entityID); err != nil {
			return fmt.Errorf("clear crew: %w", err)
		}
		for i, c := range rel.Crew {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO entity_crew (id, entity_id, provider_id, name, job, department, sort_order)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				uuid.New(), entityID, c.ProviderID, c.Name, c.Job, c.Department, i)
			if err != nil {
				return fmt.Errorf("insert crew member: %w", err)
			}
		}
	}

	if rel.Videos != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entity_videos WHERE entity_id = $1`, entityID); err != nil {
			return fmt.Errorf("clear videos: %w", err)
		}
		for i, v := range rel.Videos {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO entity_videos (id, entity_id, provider, site, video_key, name, video_type, language, official, sort_order)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				uuid.New(), entityID, v.Provider, v.Site, v.Key, v.Name, v.Type, v.Language, v.Official, i)
			if err != nil {
				return fmt.Errorf("insert video: %w", err)
			}
		}
	}

	return tx.Commit()
}

func replaceNamed(ctx context.Context, q queryer, entityID uuid.UUID, rel namedRelation, names []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM `+rel.joinTable+` WHERE entity_id = $1`, entityID); err != nil {
		return fmt.Errorf("clear %s: %w", rel.table, err)
	}
	for i, name := range names {
		if name == "" {
			continue
		}
		_, err := q.ExecContext(ctx,
			`INSERT INTO `+rel.table+` (id, name) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
			uuid.New(), name)
		if err != nil {
			return fmt.Errorf("insert %s: %w", rel.table, err)
		}
		var id uuid.UUID
		if err := q.QueryRowContext(ctx, `SELECT id FROM `+rel.table+` WHERE name = $1`, name).Scan(&id); err != nil {
			return fmt.Errorf("resolve %s %q: %w", rel.table, name, err)
		}
		_, err = q.ExecContext(ctx,
			`INSERT INTO `+rel.joinTable+` (entity_id, `+rel.joinCol+`, sort_order) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`,
			entityID, id, i)
		if err != nil {
			return fmt.Errorf("link %s: %w", rel.table, err)
		}
	}
	return nil
}

// Hydrate loads the relationships selected by include.
func (r *ProviderCacheRepository) Hydrate(ctx context.Context, e *models.CachedEntity, include models.IncludeFlags) (*models.CompleteEntityData, error) {
	data := &models.CompleteEntityData{Entity: e}
	var err error

	if include.Genres {
		if data.Genres, err = r.loadNamed(ctx, e.ID, genreRelation); err != nil {
			return nil, err
		}
	}
	if include.Companies {
		if data.Companies, err = r.loadNamed(ctx, e.ID, companyRelation); err != nil {
			return nil, err
		}
	}
	if include.Countries {
		if data.Countries, err = r.loadNamed(ctx, e.ID, countryRelation); err != nil {
			return nil, err
		}
	}
	if include.Keywords {
		if data.Keywords, err = r.loadNamed(ctx, e.ID, keywordRelation); err != nil {
			return nil, err
		}
	}
	if include.Cast {
		if data.Cast, err = r.loadCast(ctx, e.ID); err != nil {
			return nil, err
		}
	}
	if include.Crew {
		if data.Crew, err = r.loadCrew(ctx, e.ID); err != nil {
			return nil, err
		}
	}
	if include.Images {
		if data.Images, err = listAssets(ctx, r.db, `WHERE entity_id = $1 AND is_rejected = FALSE
			ORDER BY category, is_selected DESC, score DESC, created_at`, e.ID); err != nil {
			return nil, err
		}
	}
	if include.Videos {
		if data.Videos, err = r.loadVideos(ctx, e.ID); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (r *ProviderCacheRepository) loadNamed(ctx context.Context, entityID uuid.UUID, rel namedRelation) ([]string, error) {
	query := `SELECT t.name FROM ` + rel.table + ` t
		JOIN ` + rel.joinTable + ` j ON j.` + rel.joinCol + ` = t.id
		WHERE j.entity_id = $1 ORDER BY j.sort_order, t.name`
	rows, err := r.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", rel.table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (r *ProviderCacheRepository) loadCast(ctx context.Context, entityID uuid.UUID) ([]models.CastMember, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT COALESCE(provider_id, ''), name, COALESCE(character_name, ''), profile_url, sort_order
		FROM entity_cast WHERE entity_id = $1 ORDER BY sort_order`, entityID)
	if err != nil {
		return nil, fmt.Errorf("load cast: %w", err)
	}
	defer rows.Close()

	var cast []models.CastMember
	for rows.Next() {
		var c models.CastMember
		if err := rows.Scan(&c.ProviderID, &c.Name, &c.Character, &c.ProfileURL, &c.Order); err != nil {
			return nil, err
		}
		cast = append(cast, c)
	}
	return cast, rows.Err()
}

func (r *ProviderCacheRepository) loadCrew(ctx context.Context, entityID uuid.UUID) ([]models.CrewMember, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT COALESCE(provider_id, ''), name, COALESCE(job, ''), COALESCE(department, '')
		FROM entity_crew WHERE entity_id = $1 ORDER BY sort_order`, entityID)
	if err != nil {
		return nil, fmt.Errorf("load crew: %w", err)
	}
	defer rows.Close()

	var crew []models.CrewMember
	for rows.Next() {
		var c models.CrewMember
		if err := rows.Scan(&c.ProviderID, &c.Name, &c.Job, &c.Department); err != nil {
			return nil, err
		}
		crew = append(crew, c)
	}
	return crew, rows.Err()
}

func (r *ProviderCacheRepository) loadVideos(ctx context.Context, entityID uuid.UUID) ([]models.Video, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT provider, site, video_key, COALESCE(name, ''), COALESCE(video_type, ''), COALESCE(language, ''), official
		FROM entity_videos WHERE entity_id = $1 ORDER BY sort_order`, entityID)
	if err != nil {
		return nil, fmt.Errorf("load videos: %w", err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		var v models.Video
		if err := rows.Scan(&v.Provider, &v.Site, &v.Key, &v.Name, &v.Type, &v.Language, &v.Official); err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}
