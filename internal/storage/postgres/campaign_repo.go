package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

const campaignColumns = `id, title, activity, country_code, admin1_code, admin2_code,
	city_geoname_id, location_name, iso_language, locale, min_population,
	max_results, min_rating, max_bots, status, total_tasks, completed_tasks,
	failed_tasks, created_at, started_at, completed_at`

type campaignRepo struct {
	q querier
}

func (r *campaignRepo) Get(ctx context.Context, id string) (*extraction.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	c, err := scanCampaign(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("campaign %s: %w", id, extraction.ErrNotFound)
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *campaignRepo) Save(ctx context.Context, c *extraction.Campaign) error {
	query := `
		INSERT INTO campaigns (` + campaignColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			status = EXCLUDED.status,
			total_tasks = EXCLUDED.total_tasks,
			completed_tasks = EXCLUDED.completed_tasks,
			failed_tasks = EXCLUDED.failed_tasks,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`
	_, err := r.q.Exec(ctx, query,
		c.ID,
		c.Title,
		c.Config.Activity,
		c.Config.CountryCode,
		c.Config.Admin1Code,
		c.Config.Admin2Code,
		c.Config.CityGeonameID,
		c.Config.LocationName,
		c.Config.ISOLanguage,
		c.Config.Locale,
		c.Config.MinPopulation,
		c.Config.MaxResults,
		c.Config.MinRating,
		c.Config.MaxBots,
		c.Status,
		c.TotalTasks,
		c.CompletedTasks,
		c.FailedTasks,
		c.CreatedAt,
		c.StartedAt,
		c.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save campaign: %w", err)
	}
	return nil
}

func (r *campaignRepo) List(ctx context.Context, f extraction.CampaignFilter) ([]*extraction.Campaign, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT ` + campaignColumns + ` FROM campaigns
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.q.Query(ctx, query, string(f.Status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []*extraction.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	return out, nil
}

func scanCampaign(row pgx.Row) (*extraction.Campaign, error) {
	var c extraction.Campaign
	err := row.Scan(
		&c.ID,
		&c.Title,
		&c.Config.Activity,
		&c.Config.CountryCode,
		&c.Config.Admin1Code,
		&c.Config.Admin2Code,
		&c.Config.CityGeonameID,
		&c.Config.LocationName,
		&c.Config.ISOLanguage,
		&c.Config.Locale,
		&c.Config.MinPopulation,
		&c.Config.MaxResults,
		&c.Config.MinRating,
		&c.Config.MaxBots,
		&c.Status,
		&c.TotalTasks,
		&c.CompletedTasks,
		&c.FailedTasks,
		&c.CreatedAt,
		&c.StartedAt,
		&c.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
