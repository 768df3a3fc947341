package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

const placeColumns = `id, source_task_id, fingerprint, name, address, city,
	category, rating, review_count, phone, website, latitude, longitude,
	extracted_at`

type placeRepo struct {
	q querier
}

func (r *placeRepo) Get(ctx context.Context, id string) (*extraction.ExtractedPlace, error) {
	query := `SELECT ` + placeColumns + ` FROM extracted_places WHERE id = $1`
	p, err := scanPlace(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("place %s: %w", id, extraction.ErrNotFound)
		}
		return nil, fmt.Errorf("get place: %w", err)
	}
	if err := r.attachReviews(ctx, []*extraction.ExtractedPlace{p}); err != nil {
		return nil, err
	}
	return p, nil
}

// Upsert folds duplicate places by (source_task_id, fingerprint) and reports
// whether a fresh row was inserted. Reviews are only written for fresh rows.
func (r *placeRepo) Upsert(ctx context.Context, p *extraction.ExtractedPlace) (bool, error) {
	var lat, lon *float64
	if p.Coordinates != nil {
		lat = &p.Coordinates.Lat
		lon = &p.Coordinates.Lon
	}
	query := `
		INSERT INTO extracted_places (` + placeColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (source_task_id, fingerprint) DO UPDATE SET
			category = EXCLUDED.category,
			rating = EXCLUDED.rating,
			review_count = EXCLUDED.review_count,
			phone = EXCLUDED.phone,
			website = EXCLUDED.website,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude
		RETURNING id, (xmax = 0) AS inserted`
	var storedID string
	var inserted bool
	err := r.q.QueryRow(ctx, query,
		p.ID,
		p.SourceTaskID,
		p.Fingerprint(),
		p.Name,
		p.Address,
		p.City,
		p.Category,
		p.Rating,
		p.ReviewCount,
		p.Phone,
		p.Website,
		lat,
		lon,
		p.ExtractedAt,
	).Scan(&storedID, &inserted)
	if err != nil {
		return false, fmt.Errorf("upsert place: %w", err)
	}
	if !inserted {
		return false, nil
	}
	for _, rv := range p.Reviews {
		_, err := r.q.Exec(ctx, `
			INSERT INTO extracted_place_reviews (id, place_id, author, rating, text, posted_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			rv.ID, storedID, rv.Author, rv.Rating, rv.Text, rv.PostedAt,
		)
		if err != nil {
			return false, fmt.Errorf("insert review: %w", err)
		}
	}
	return true, nil
}

func (r *placeRepo) ListByTask(ctx context.Context, taskID string) ([]*extraction.ExtractedPlace, error) {
	query := `SELECT ` + placeColumns + ` FROM extracted_places WHERE source_task_id = $1 ORDER BY id`
	return r.queryPlaces(ctx, query, taskID)
}

func (r *placeRepo) ListByCampaign(ctx context.Context, campaignID string) ([]*extraction.ExtractedPlace, error) {
	query := `
		SELECT ` + placeColumns + ` FROM extracted_places
		WHERE source_task_id IN (
			SELECT id FROM place_extraction_tasks WHERE campaign_id = $1
		)
		ORDER BY id`
	return r.queryPlaces(ctx, query, campaignID)
}

func (r *placeRepo) CountByCampaign(ctx context.Context, campaignID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM extracted_places
		WHERE source_task_id IN (
			SELECT id FROM place_extraction_tasks WHERE campaign_id = $1
		)`
	var n int
	if err := r.q.QueryRow(ctx, query, campaignID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count places: %w", err)
	}
	return n, nil
}

func (r *placeRepo) queryPlaces(ctx context.Context, query string, args ...any) ([]*extraction.ExtractedPlace, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list places: %w", err)
	}
	defer rows.Close()

	var out []*extraction.ExtractedPlace
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan place row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list places: %w", err)
	}
	if err := r.attachReviews(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *placeRepo) attachReviews(ctx context.Context, places []*extraction.ExtractedPlace) error {
	if len(places) == 0 {
		return nil
	}
	ids := make([]string, len(places))
	byID := make(map[string]*extraction.ExtractedPlace, len(places))
	for i, p := range places {
		ids[i] = p.ID
		byID[p.ID] = p
	}
	query := `
		SELECT id, place_id, author, rating, text, posted_at
		FROM extracted_place_reviews
		WHERE place_id = ANY($1)
		ORDER BY posted_at, id`
	rows, err := r.q.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rv extraction.PlaceReview
		if err := rows.Scan(&rv.ID, &rv.PlaceID, &rv.Author, &rv.Rating, &rv.Text, &rv.PostedAt); err != nil {
			return fmt.Errorf("scan review row: %w", err)
		}
		if p, ok := byID[rv.PlaceID]; ok {
			p.Reviews = append(p.Reviews, rv)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list reviews: %w", err)
	}
	return nil
}

func scanPlace(row pgx.Row) (*extraction.ExtractedPlace, error) {
	var p extraction.ExtractedPlace
	var fingerprint string
	var lat, lon *float64
	err := row.Scan(
		&p.ID,
		&p.SourceTaskID,
		&fingerprint,
		&p.Name,
		&p.Address,
		&p.City,
		&p.Category,
		&p.Rating,
		&p.ReviewCount,
		&p.Phone,
		&p.Website,
		&lat,
		&lon,
		&p.ExtractedAt,
	)
	if err != nil {
		return nil, err
	}
	if lat != nil && lon != nil {
		p.Coordinates = &extraction.Coordinates{Lat: *lat, Lon: *lon}
	}
	return &p, nil
}
