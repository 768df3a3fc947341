package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

const taskColumns = `id, campaign_id, geoname_id, geoname_name, search_seed,
	status, attempts, last_error, started_at, completed_at`

type taskRepo struct {
	q querier
}

func (r *taskRepo) Get(ctx context.Context, id string) (*extraction.PlaceExtractionTask, error) {
	query := `SELECT ` + taskColumns + ` FROM place_extraction_tasks WHERE id = $1`
	t, err := scanTask(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, extraction.ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (r *taskRepo) Save(ctx context.Context, t *extraction.PlaceExtractionTask) error {
	query := `
		INSERT INTO place_extraction_tasks (` + taskColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`
	_, err := r.q.Exec(ctx, query,
		t.ID,
		t.CampaignID,
		t.GeonameID,
		t.GeonameName,
		t.SearchSeed,
		t.Status,
		t.Attempts,
		t.LastError,
		t.StartedAt,
		t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (r *taskRepo) SaveAll(ctx context.Context, ts []*extraction.PlaceExtractionTask) error {
	for _, t := range ts {
		if err := r.Save(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (r *taskRepo) ListByCampaign(ctx context.Context, campaignID string) ([]*extraction.PlaceExtractionTask, error) {
	query := `SELECT ` + taskColumns + ` FROM place_extraction_tasks WHERE campaign_id = $1 ORDER BY id`
	return r.queryTasks(ctx, query, campaignID)
}

func (r *taskRepo) PendingOf(ctx context.Context, campaignID string) ([]*extraction.PlaceExtractionTask, error) {
	query := `SELECT ` + taskColumns + ` FROM place_extraction_tasks
		WHERE campaign_id = $1 AND status = $2 ORDER BY id`
	return r.queryTasks(ctx, query, campaignID, extraction.TaskPending)
}

func (r *taskRepo) StatusCounts(ctx context.Context, campaignID string) (map[extraction.TaskStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM place_extraction_tasks WHERE campaign_id = $1 GROUP BY status`
	rows, err := r.q.Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[extraction.TaskStatus]int)
	for rows.Next() {
		var status extraction.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	return counts, nil
}

func (r *taskRepo) queryTasks(ctx context.Context, query string, args ...any) ([]*extraction.PlaceExtractionTask, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*extraction.PlaceExtractionTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

func scanTask(row pgx.Row) (*extraction.PlaceExtractionTask, error) {
	var t extraction.PlaceExtractionTask
	err := row.Scan(
		&t.ID,
		&t.CampaignID,
		&t.GeonameID,
		&t.GeonameName,
		&t.SearchSeed,
		&t.Status,
		&t.Attempts,
		&t.LastError,
		&t.StartedAt,
		&t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
