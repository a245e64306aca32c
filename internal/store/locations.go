package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"geo-content-pipeline/internal/models"
)

const locationColumns = `id::text, type, COALESCE(parent_id::text, ''), natural_key, code, geo_id, name, translated_name,
	title, slug, body, seo_title, seo_description, status, latitude, longitude, population,
	timezone, timezone_status, content_status, created_at, updated_at`

// FindLocation looks a location up by its natural key.
func (s *Store) FindLocation(ctx context.Context, naturalKey string) (models.Location, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+locationColumns+` FROM locations WHERE natural_key = $1`, naturalKey)
	loc, err := scanLocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Location{}, fmt.Errorf("find %s: %w", naturalKey, models.ErrEntityNotFound)
	}
	return loc, err
}

// GetLocation fetches a location by id.
func (s *Store) GetLocation(ctx context.Context, id string) (models.Location, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Location{}, fmt.Errorf("get location %s: %w", id, models.ErrEntityNotFound)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+locationColumns+` FROM locations WHERE id = $1`, id)
	loc, err := scanLocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Location{}, fmt.Errorf("get location %s: %w", id, models.ErrEntityNotFound)
	}
	return loc, err
}

// CreateLocation inserts a location unless one with the same natural key
// exists, in which case the existing record is returned with created=false.
func (s *Store) CreateLocation(ctx context.Context, loc models.Location) (models.Location, bool, error) {
	now := s.now()
	loc.ID = uuid.New().String()
	loc.CreatedAt = now
	loc.UpdatedAt = now

	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO locations (id, type, parent_id, natural_key, code, geo_id, name, translated_name,
			title, slug, body, seo_title, seo_description, status, latitude, longitude, population,
			timezone, timezone_status, content_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $21)
		ON CONFLICT (natural_key) DO NOTHING
		RETURNING id::text
	`, loc.ID, string(loc.Type), nullUUID(loc.ParentID), loc.NaturalKey, loc.Code, loc.GeoID, loc.Name, loc.TranslatedName,
		loc.Title, loc.Slug, loc.Body, loc.SEOTitle, loc.SEODescription, loc.Status, loc.Latitude, loc.Longitude, loc.Population,
		loc.Timezone, string(loc.TimezoneStatus), string(loc.ContentStatus), now).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.FindLocation(ctx, loc.NaturalKey)
		if err != nil {
			return models.Location{}, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return models.Location{}, false, fmt.Errorf("insert location: %w", err)
	}
	return loc, true, nil
}

// UpdateLocation writes the mutable fields of a location.
func (s *Store) UpdateLocation(ctx context.Context, loc models.Location) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE locations
		SET translated_name = $2, title = $3, slug = $4, body = $5, seo_title = $6, seo_description = $7,
			status = $8, timezone = $9, timezone_status = $10, content_status = $11, updated_at = $12
		WHERE id = $1
	`, loc.ID, loc.TranslatedName, loc.Title, loc.Slug, loc.Body, loc.SEOTitle, loc.SEODescription,
		loc.Status, loc.Timezone, string(loc.TimezoneStatus), string(loc.ContentStatus), s.now())
	if err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update location %s: %w", loc.ID, models.ErrEntityNotFound)
	}
	return nil
}

// DeleteLocations removes every location record.
func (s *Store) DeleteLocations(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM locations`)
	if err != nil {
		return 0, fmt.Errorf("delete locations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanLocation(row pgx.Row) (models.Location, error) {
	var loc models.Location
	var locType, tzStatus, contentStatus string
	var lat, lng pgtype.Float8
	var pop pgtype.Int8
	err := row.Scan(&loc.ID, &locType, &loc.ParentID, &loc.NaturalKey, &loc.Code, &loc.GeoID, &loc.Name, &loc.TranslatedName,
		&loc.Title, &loc.Slug, &loc.Body, &loc.SEOTitle, &loc.SEODescription, &loc.Status, &lat, &lng, &pop,
		&loc.Timezone, &tzStatus, &contentStatus, &loc.CreatedAt, &loc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Location{}, err
		}
		return models.Location{}, fmt.Errorf("scan location: %w", err)
	}
	loc.Type = models.EntityType(locType)
	loc.TimezoneStatus = models.TimezoneStatus(tzStatus)
	loc.ContentStatus = models.ContentStatus(contentStatus)
	if lat.Valid {
		loc.Latitude = &lat.Float64
	}
	if lng.Valid {
		loc.Longitude = &lng.Float64
	}
	if pop.Valid {
		loc.Population = &pop.Int64
	}
	return loc, nil
}

func nullUUID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
