package primary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bookscan/internal/models"
	"bookscan/internal/store"

	"github.com/jackc/pgx/v5"
)

// --- Run Summary Implementation ---

// GetRun loads the summary record stored under models.RunSummaryKey.
func (s *StoreImpl) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	query := `SELECT details, last_updated FROM ` + s.table + ` WHERE run_id = $1 AND item_key = $2`
	var (
		details     []byte
		lastUpdated time.Time
	)
	err := s.db.QueryRow(ctx, query, runID, models.RunSummaryKey).Scan(&details, &lastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get run %s: %w", runID, mapError(err))
	}
	return store.DecodeRun(details, lastUpdated)
}

// PutRun inserts or replaces the summary record of a run.
func (s *StoreImpl) PutRun(ctx context.Context, run *models.Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.LastUpdated = now
	details, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.RunID, err)
	}
	query := `INSERT INTO ` + s.table + ` (run_id, item_key, status, priority, shard_id, details, last_updated, created_at)
		VALUES ($1, $2, $3, -1, $4, $5, $6, $7)
		ON CONFLICT (run_id, item_key) DO UPDATE SET
			status = EXCLUDED.status,
			details = EXCLUDED.details,
			last_updated = EXCLUDED.last_updated`
	_, err = s.db.Exec(ctx, query, run.RunID, models.RunSummaryKey, string(run.Status),
		store.SummaryShard(run.RunID), details, now, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("put run %s: %w", run.RunID, mapError(err))
	}
	return nil
}

// ListRuns returns run summaries, newest first.
func (s *StoreImpl) ListRuns(ctx context.Context, limit, offset int) ([]*models.Run, error) {
	query := `SELECT details, last_updated FROM ` + s.table + ` WHERE item_key = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := s.db.Query(ctx, query, models.RunSummaryKey, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", mapError(err))
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		var (
			details     []byte
			lastUpdated time.Time
		)
		if err := rows.Scan(&details, &lastUpdated); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		run, err := store.DecodeRun(details, lastUpdated)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", mapError(err))
	}
	return runs, nil
}

// AverageLatency averages dispatch-to-completion time of items completed since the given time.
func (s *StoreImpl) AverageLatency(ctx context.Context, since time.Time) (store.LatencyStats, error) {
	query := `SELECT COUNT(*), COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - dispatched_at))), 0)::float8
		FROM ` + s.table + `
		WHERE status = 'COMPLETED' AND is_cover = FALSE
		  AND dispatched_at IS NOT NULL AND completed_at >= $1`
	var (
		samples int
		seconds float64
	)
	if err := s.db.QueryRow(ctx, query, since.UTC()).Scan(&samples, &seconds); err != nil {
		return store.LatencyStats{}, fmt.Errorf("average latency: %w", mapError(err))
	}
	return store.LatencyStats{Samples: samples, Average: time.Duration(seconds * float64(time.Second))}, nil
}
