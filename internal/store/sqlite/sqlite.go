// Package sqlite is an embedded StateStore used for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookscan/internal/models"
	"bookscan/internal/store"

	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS work_items (
	run_id        TEXT NOT NULL,
	item_key      TEXT NOT NULL,
	status        TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	priority      INTEGER NOT NULL DEFAULT 0,
	is_cover      INTEGER NOT NULL DEFAULT 0,
	shard_id      TEXT NOT NULL,
	stage_outputs TEXT NOT NULL DEFAULT '{}',
	error_message TEXT,
	details       TEXT,
	dispatched_at INTEGER,
	completed_at  INTEGER,
	last_updated  INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	PRIMARY KEY (run_id, item_key)
);
CREATE INDEX IF NOT EXISTS work_items_shard_status_idx ON work_items (shard_id, status, priority);
CREATE INDEX IF NOT EXISTS work_items_run_status_idx ON work_items (run_id, status, priority);
`

// Store implements store.StateStore on SQLite. Timestamps are stored as unix milliseconds.
type Store struct {
	db *sql.DB
}

var _ store.StateStore = (*Store)(nil)

// New opens (or creates) the database at dsn, e.g. a file path or "file::memory:".
// All access goes through one connection, which serializes writers.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("sqlite DSN cannot be empty")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// mapError translates busy/locked database errors into store.ErrThrottled.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%v: %w", sqliteErr, store.ErrThrottled)
	}
	return err
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func optMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func optTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

const itemColumns = `run_id, item_key, status, attempts, priority, is_cover, shard_id, stage_outputs, error_message, dispatched_at, completed_at, last_updated, created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row scanner) (*models.WorkItem, error) {
	var (
		item                   models.WorkItem
		status, outputs        string
		errMsg                 sql.NullString
		dispatched, completed  sql.NullInt64
		lastUpdated, createdAt int64
	)
	err := row.Scan(&item.RunID, &item.ItemKey, &status, &item.Attempts, &item.Priority, &item.IsCover,
		&item.ShardID, &outputs, &errMsg, &dispatched, &completed, &lastUpdated, &createdAt)
	if err != nil {
		return nil, err
	}
	item.Status = models.ItemStatus(status)
	if outputs != "" {
		if err := json.Unmarshal([]byte(outputs), &item.StageOutputs); err != nil {
			return nil, fmt.Errorf("decode stage outputs of %s: %w", item.ItemKey, err)
		}
	}
	if errMsg.Valid {
		msg := errMsg.String
		item.ErrorMessage = &msg
	}
	item.DispatchedAt = optTime(dispatched)
	item.CompletedAt = optTime(completed)
	item.LastUpdated = fromMillis(lastUpdated)
	item.CreatedAt = fromMillis(createdAt)
	return &item, nil
}

const upsertItem = `INSERT INTO work_items (` + itemColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (run_id, item_key) DO UPDATE SET
		status = excluded.status,
		attempts = excluded.attempts,
		priority = excluded.priority,
		is_cover = excluded.is_cover,
		shard_id = excluded.shard_id,
		stage_outputs = excluded.stage_outputs,
		error_message = excluded.error_message,
		dispatched_at = excluded.dispatched_at,
		completed_at = excluded.completed_at,
		last_updated = excluded.last_updated`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func putItem(ctx context.Context, db execer, item *models.WorkItem, now time.Time) error {
	outputs := []byte("{}")
	if len(item.StageOutputs) > 0 {
		var err error
		if outputs, err = json.Marshal(item.StageOutputs); err != nil {
			return fmt.Errorf("encode stage outputs of %s: %w", item.ItemKey, err)
		}
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.LastUpdated = now
	var errMsg sql.NullString
	if item.ErrorMessage != nil {
		errMsg = sql.NullString{String: *item.ErrorMessage, Valid: true}
	}
	_, err := db.ExecContext(ctx, upsertItem,
		item.RunID, item.ItemKey, string(item.Status), item.Attempts, item.Priority, item.IsCover,
		item.ShardID, string(outputs), errMsg, optMillis(item.DispatchedAt), optMillis(item.CompletedAt),
		toMillis(item.LastUpdated), toMillis(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("put item %s/%s: %w", item.RunID, item.ItemKey, mapError(err))
	}
	return nil
}

func (s *Store) PutItem(ctx context.Context, item *models.WorkItem) error {
	return putItem(ctx, s.db, item, time.Now().UTC())
}

// BatchPutItems commits each chunk of store.BatchWriteSize items in its own transaction.
func (s *Store) BatchPutItems(ctx context.Context, items []*models.WorkItem) error {
	now := time.Now().UTC()
	for start := 0; start < len(items); start += store.BatchWriteSize {
		end := start + store.BatchWriteSize
		if end > len(items) {
			end = len(items)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("batch put items: %w", mapError(err))
		}
		for _, item := range items[start:end] {
			if err := putItem(ctx, tx, item, now); err != nil {
				tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("batch put items [%d:%d]: %w", start, end, mapError(err))
		}
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, runID, itemKey string) (*models.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE run_id = ? AND item_key = ?`, runID, itemKey)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get item %s/%s: %w", runID, itemKey, mapError(err))
	}
	return item, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []models.ItemStatus) []interface{} {
	out := make([]interface{}, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func (s *Store) UpdateStatus(ctx context.Context, runID, itemKey string, status models.ItemStatus, opts store.UpdateOptions) error {
	now := time.Now().UTC()
	nowMs := toMillis(now)
	expected := opts.ExpectedStatuses
	if len(expected) == 0 {
		expected = models.SourcesFor(status)
	}

	sets := []string{"status = ?", "last_updated = ?"}
	args := []interface{}{string(status), nowMs}
	switch status {
	case models.StatusProcessing:
		sets = append(sets, "dispatched_at = CASE WHEN status <> 'PROCESSING' THEN ? ELSE dispatched_at END")
		args = append(args, nowMs)
	case models.StatusCompleted:
		sets = append(sets, "completed_at = ?")
		args = append(args, nowMs)
	}
	if opts.IncrementAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}
	if opts.Stage != "" && len(opts.Output) > 0 {
		sets = append(sets, "stage_outputs = json_set(COALESCE(stage_outputs, '{}'), '$.' || ?, json(?))")
		args = append(args, opts.Stage, string(opts.Output))
	}
	if opts.Error != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, models.TruncateError(opts.Error))
	}

	query := `UPDATE work_items SET ` + strings.Join(sets, ", ") +
		` WHERE run_id = ? AND item_key = ? AND status IN (` + placeholders(len(expected)) + `)`
	args = append(args, runID, itemKey)
	args = append(args, statusArgs(expected)...)
	if !opts.UpdatedBefore.IsZero() {
		query += ` AND last_updated < ?`
		args = append(args, toMillis(opts.UpdatedBefore))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update status of %s/%s: %w", runID, itemKey, mapError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	current, err := s.GetItem(ctx, runID, itemKey)
	if errors.Is(err, store.ErrNotFound) {
		if opts.MustExist {
			return fmt.Errorf("item %s/%s: %w", runID, itemKey, store.ErrNotFound)
		}
		return s.PutItem(ctx, store.NewItemFromUpdate(runID, itemKey, status, opts, now))
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("item %s/%s is %s, cannot move to %s: %w", runID, itemKey, current.Status, status, store.ErrConflict)
}

func filterClauses(f store.ItemFilter) ([]string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		args = append(args, statusArgs(f.Statuses)...)
	}
	if f.MaxAttempts > 0 {
		where = append(where, "(status <> 'FAILED_RETRYABLE' OR attempts < ?)")
		args = append(args, f.MaxAttempts)
	}
	if f.ExcludeCovers {
		where = append(where, "is_cover = 0")
	}
	return where, args
}

func (s *Store) selectItems(ctx context.Context, op string, where []string, args []interface{}, limit int) ([]*models.WorkItem, error) {
	where = append(where, "item_key <> ?")
	args = append(args, models.RunSummaryKey)
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE ` + strings.Join(where, " AND ") + ` ORDER BY priority ASC, item_key ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapError(err))
	}
	defer rows.Close()

	var items []*models.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapError(err))
	}
	return items, nil
}

func (s *Store) QueryShard(ctx context.Context, shardID string, filter store.ItemFilter) ([]*models.WorkItem, error) {
	where, args := filterClauses(filter)
	where = append([]string{"shard_id = ?"}, where...)
	args = append([]interface{}{shardID}, args...)
	return s.selectItems(ctx, "query shard "+shardID, where, args, filter.Limit)
}

func (s *Store) QueryByStatus(ctx context.Context, runID string, filter store.ItemFilter) ([]*models.WorkItem, error) {
	where, args := filterClauses(filter)
	where = append([]string{"run_id = ?"}, where...)
	args = append([]interface{}{runID}, args...)
	return s.selectItems(ctx, "query run "+runID+" by status", where, args, filter.Limit)
}

func (s *Store) ScanItems(ctx context.Context, filter store.ScanFilter) ([]*models.WorkItem, error) {
	where, args := filterClauses(filter.ItemFilter)
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "last_updated < ?")
		args = append(args, toMillis(filter.UpdatedBefore))
	}
	if len(where) == 0 {
		where = append(where, "1 = 1")
	}
	return s.selectItems(ctx, "scan items", where, args, filter.Limit)
}

func (s *Store) QueryRun(ctx context.Context, runID string) ([]*models.WorkItem, error) {
	return s.selectItems(ctx, "query run "+runID, []string{"run_id = ?"}, []interface{}{runID}, 0)
}

func (s *Store) CountByStatus(ctx context.Context, runID string, status models.ItemStatus, includeCovers bool) (int, error) {
	query := `SELECT COUNT(*) FROM work_items WHERE run_id = ? AND status = ? AND item_key <> ?`
	if !includeCovers {
		query += ` AND is_cover = 0`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, runID, string(status), models.RunSummaryKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s items of run %s: %w", status, runID, mapError(err))
	}
	return n, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var (
		details     sql.NullString
		lastUpdated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT details, last_updated FROM work_items WHERE run_id = ? AND item_key = ?`,
		runID, models.RunSummaryKey).Scan(&details, &lastUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get run %s: %w", runID, mapError(err))
	}
	return store.DecodeRun([]byte(details.String), fromMillis(lastUpdated))
}

func (s *Store) PutRun(ctx context.Context, run *models.Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.LastUpdated = now
	details, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.RunID, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO work_items (run_id, item_key, status, priority, shard_id, details, last_updated, created_at)
		VALUES (?, ?, ?, -1, ?, ?, ?, ?)
		ON CONFLICT (run_id, item_key) DO UPDATE SET
			status = excluded.status,
			details = excluded.details,
			last_updated = excluded.last_updated`,
		run.RunID, models.RunSummaryKey, string(run.Status), store.SummaryShard(run.RunID), string(details),
		toMillis(now), toMillis(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("put run %s: %w", run.RunID, mapError(err))
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT details, last_updated FROM work_items WHERE item_key = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, models.RunSummaryKey, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", mapError(err))
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		var (
			details     sql.NullString
			lastUpdated int64
		)
		if err := rows.Scan(&details, &lastUpdated); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		run, err := store.DecodeRun([]byte(details.String), fromMillis(lastUpdated))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) AverageLatency(ctx context.Context, since time.Time) (store.LatencyStats, error) {
	var (
		samples int
		avgMs   sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), AVG(completed_at - dispatched_at) FROM work_items
		WHERE status = 'COMPLETED' AND is_cover = 0 AND dispatched_at IS NOT NULL AND completed_at >= ?`,
		toMillis(since)).Scan(&samples, &avgMs)
	if err != nil {
		return store.LatencyStats{}, fmt.Errorf("average latency: %w", mapError(err))
	}
	return store.LatencyStats{Samples: samples, Average: time.Duration(avgMs.Float64 * float64(time.Millisecond))}, nil
}
