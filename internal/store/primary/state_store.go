package primary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookscan/internal/models"
	"bookscan/internal/store"

	"github.com/jackc/pgx/v5"
)

// --- Work Item Implementation ---

type argList []interface{}

func (a *argList) add(v interface{}) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

func encodeOutputs(outputs map[string]json.RawMessage) ([]byte, error) {
	if len(outputs) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(outputs)
}

func (s *StoreImpl) upsertSQL() string {
	return `INSERT INTO ` + s.table + ` (` + itemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (run_id, item_key) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			priority = EXCLUDED.priority,
			is_cover = EXCLUDED.is_cover,
			shard_id = EXCLUDED.shard_id,
			stage_outputs = EXCLUDED.stage_outputs,
			error_message = EXCLUDED.error_message,
			dispatched_at = EXCLUDED.dispatched_at,
			completed_at = EXCLUDED.completed_at,
			last_updated = EXCLUDED.last_updated`
}

func itemArgs(item *models.WorkItem, now time.Time) ([]interface{}, error) {
	outputs, err := encodeOutputs(item.StageOutputs)
	if err != nil {
		return nil, fmt.Errorf("encode stage outputs of %s: %w", item.ItemKey, err)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.LastUpdated = now
	return []interface{}{
		item.RunID, item.ItemKey, string(item.Status), item.Attempts, item.Priority, item.IsCover,
		item.ShardID, outputs, item.ErrorMessage, item.DispatchedAt, item.CompletedAt, item.LastUpdated, item.CreatedAt,
	}, nil
}

// PutItem inserts or replaces a work item.
func (s *StoreImpl) PutItem(ctx context.Context, item *models.WorkItem) error {
	args, err := itemArgs(item, time.Now().UTC())
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, s.upsertSQL(), args...); err != nil {
		return fmt.Errorf("put item %s/%s: %w", item.RunID, item.ItemKey, mapError(err))
	}
	return nil
}

// BatchPutItems writes items in chunks of store.BatchWriteSize, one pgx batch per chunk.
// Chunks already sent stay applied if a later chunk fails.
func (s *StoreImpl) BatchPutItems(ctx context.Context, items []*models.WorkItem) error {
	now := time.Now().UTC()
	query := s.upsertSQL()
	for start := 0; start < len(items); start += store.BatchWriteSize {
		end := start + store.BatchWriteSize
		if end > len(items) {
			end = len(items)
		}
		batch := &pgx.Batch{}
		for _, item := range items[start:end] {
			args, err := itemArgs(item, now)
			if err != nil {
				return err
			}
			batch.Queue(query, args...)
		}
		if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("batch put items [%d:%d]: %w", start, end, mapError(err))
		}
	}
	return nil
}

// GetItem returns store.ErrNotFound when the item does not exist.
func (s *StoreImpl) GetItem(ctx context.Context, runID, itemKey string) (*models.WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM ` + s.table + ` WHERE run_id = $1 AND item_key = $2`
	item, err := scanItem(s.db.QueryRow(ctx, query, runID, itemKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get item %s/%s: %w", runID, itemKey, mapError(err))
	}
	return item, nil
}

// UpdateStatus applies a conditional status transition in a single statement.
func (s *StoreImpl) UpdateStatus(ctx context.Context, runID, itemKey string, status models.ItemStatus, opts store.UpdateOptions) error {
	now := time.Now().UTC()
	expected := opts.ExpectedStatuses
	if len(expected) == 0 {
		expected = models.SourcesFor(status)
	}

	var args argList
	statusArg := args.add(string(status))
	nowArg := args.add(now)
	sets := []string{"status = " + statusArg, "last_updated = " + nowArg}
	switch status {
	case models.StatusProcessing:
		sets = append(sets, "dispatched_at = CASE WHEN status <> 'PROCESSING' THEN "+nowArg+" ELSE dispatched_at END")
	case models.StatusCompleted:
		sets = append(sets, "completed_at = "+nowArg)
	}
	if opts.IncrementAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}
	if opts.Stage != "" && len(opts.Output) > 0 {
		sets = append(sets, fmt.Sprintf("stage_outputs = stage_outputs || jsonb_build_object(%s::text, %s::jsonb)",
			args.add(opts.Stage), args.add(string(opts.Output))))
	}
	if opts.Error != "" {
		sets = append(sets, "error_message = "+args.add(models.TruncateError(opts.Error)))
	}

	where := []string{
		"run_id = " + args.add(runID),
		"item_key = " + args.add(itemKey),
		"status = ANY(" + args.add(statusStrings(expected)) + ")",
	}
	if !opts.UpdatedBefore.IsZero() {
		where = append(where, "last_updated < "+args.add(opts.UpdatedBefore.UTC()))
	}

	query := `UPDATE ` + s.table + ` SET ` + strings.Join(sets, ", ") + ` WHERE ` + strings.Join(where, " AND ")
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update status of %s/%s: %w", runID, itemKey, mapError(err))
	}
	if tag.RowsAffected() > 0 {
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

func filterClauses(args *argList, f store.ItemFilter) []string {
	var where []string
	if len(f.Statuses) > 0 {
		where = append(where, "status = ANY("+args.add(statusStrings(f.Statuses))+")")
	}
	if f.MaxAttempts > 0 {
		where = append(where, "(status <> 'FAILED_RETRYABLE' OR attempts < "+args.add(f.MaxAttempts)+")")
	}
	if f.ExcludeCovers {
		where = append(where, "is_cover = FALSE")
	}
	return where
}

func (s *StoreImpl) selectItems(ctx context.Context, op string, where []string, args argList, limit int) ([]*models.WorkItem, error) {
	where = append(where, "item_key <> "+args.add(models.RunSummaryKey))
	query := `SELECT ` + itemColumns + ` FROM ` + s.table + ` WHERE ` + strings.Join(where, " AND ") + ` ORDER BY priority ASC, item_key ASC`
	if limit > 0 {
		query += " LIMIT " + args.add(limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapError(err))
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return items, nil
}

// QueryShard reads one shard through the (shard_id, status, priority) index.
func (s *StoreImpl) QueryShard(ctx context.Context, shardID string, filter store.ItemFilter) ([]*models.WorkItem, error) {
	var args argList
	where := append([]string{"shard_id = " + args.add(shardID)}, filterClauses(&args, filter)...)
	return s.selectItems(ctx, "query shard "+shardID, where, args, filter.Limit)
}

// QueryByStatus reads one run through the (run_id, status, priority) index.
func (s *StoreImpl) QueryByStatus(ctx context.Context, runID string, filter store.ItemFilter) ([]*models.WorkItem, error) {
	var args argList
	where := append([]string{"run_id = " + args.add(runID)}, filterClauses(&args, filter)...)
	return s.selectItems(ctx, "query run "+runID+" by status", where, args, filter.Limit)
}

// ScanItems evaluates the filter over the whole table.
func (s *StoreImpl) ScanItems(ctx context.Context, filter store.ScanFilter) ([]*models.WorkItem, error) {
	var args argList
	where := filterClauses(&args, filter.ItemFilter)
	if filter.RunID != "" {
		where = append(where, "run_id = "+args.add(filter.RunID))
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "last_updated < "+args.add(filter.UpdatedBefore.UTC()))
	}
	return s.selectItems(ctx, "scan items", where, args, filter.Limit)
}

// QueryRun reads every item of a run from the primary, so it observes all committed writes.
func (s *StoreImpl) QueryRun(ctx context.Context, runID string) ([]*models.WorkItem, error) {
	var args argList
	return s.selectItems(ctx, "query run "+runID, []string{"run_id = " + args.add(runID)}, args, 0)
}

func (s *StoreImpl) CountByStatus(ctx context.Context, runID string, status models.ItemStatus, includeCovers bool) (int, error) {
	query := `SELECT COUNT(*) FROM ` + s.table + ` WHERE run_id = $1 AND status = $2 AND item_key <> $3`
	if !includeCovers {
		query += ` AND is_cover = FALSE`
	}
	var n int
	if err := s.db.QueryRow(ctx, query, runID, string(status), models.RunSummaryKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s items of run %s: %w", status, runID, mapError(err))
	}
	return n, nil
}
