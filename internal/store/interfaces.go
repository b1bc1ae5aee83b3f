package store

import (
	"context"
	"encoding/json"
	"time"

	"bookscan/internal/models"
)

// --- State Store ---

// UpdateOptions qualifies a status update.
type UpdateOptions struct {
	// Stage and Output merge Output into stage_outputs[Stage] without touching sibling keys.
	Stage  string
	Output json.RawMessage
	// Error is persisted truncated to models.MaxErrorMessageLength.
	Error string
	// MustExist fails with ErrNotFound instead of creating a missing record.
	MustExist         bool
	IncrementAttempts bool
	// ExpectedStatuses restricts the update to records currently in one of these
	// statuses. Empty means every status allowed to transition into the new one.
	ExpectedStatuses []models.ItemStatus
	// UpdatedBefore, when set, additionally requires last_updated to be older.
	UpdatedBefore time.Time
}

// ItemFilter selects work items within a shard or a run.
type ItemFilter struct {
	Statuses []models.ItemStatus
	// MaxAttempts, when positive, only admits FAILED_RETRYABLE records whose
	// attempts are below it. Other statuses are unaffected.
	MaxAttempts   int
	ExcludeCovers bool
	Limit         int
}

// ScanFilter is the predicate for a full table scan. RunID may be empty to scan all runs.
type ScanFilter struct {
	ItemFilter
	RunID         string
	UpdatedBefore time.Time
}

// LatencyStats summarizes recent dispatch-to-completion latency.
type LatencyStats struct {
	Samples int
	Average time.Duration
}

// StateStore is the single source of truth for run and item state.
type StateStore interface {
	PutItem(ctx context.Context, item *models.WorkItem) error
	// BatchPutItems writes in chunks and is not atomic; a failure may leave
	// earlier chunks applied.
	BatchPutItems(ctx context.Context, items []*models.WorkItem) error
	GetItem(ctx context.Context, runID, itemKey string) (*models.WorkItem, error)
	UpdateStatus(ctx context.Context, runID, itemKey string, status models.ItemStatus, opts UpdateOptions) error

	QueryShard(ctx context.Context, shardID string, filter ItemFilter) ([]*models.WorkItem, error)
	QueryByStatus(ctx context.Context, runID string, filter ItemFilter) ([]*models.WorkItem, error)
	ScanItems(ctx context.Context, filter ScanFilter) ([]*models.WorkItem, error)
	// QueryRun returns every item of the run with read-after-write consistency.
	QueryRun(ctx context.Context, runID string) ([]*models.WorkItem, error)
	CountByStatus(ctx context.Context, runID string, status models.ItemStatus, includeCovers bool) (int, error)

	GetRun(ctx context.Context, runID string) (*models.Run, error)
	PutRun(ctx context.Context, run *models.Run) error
	ListRuns(ctx context.Context, limit, offset int) ([]*models.Run, error)

	AverageLatency(ctx context.Context, since time.Time) (LatencyStats, error)

	Ping(ctx context.Context) error
	Close() error
}

// BatchWriteSize is the chunk size used by BatchPutItems implementations.
const BatchWriteSize = 25

// --- Job Client ---

// JobClient hands work to the task queue.
type JobClient interface {
	EnqueueTick(ctx context.Context, req models.TickRequest, delay time.Duration) error
	EnqueueItems(ctx context.Context, entries []models.BatchEntry) error
	EnqueueFinalize(ctx context.Context, req models.FinalizeRequest) error
	// NotifyRunComplete signals that a run finished dispatching and can be finalized.
	NotifyRunComplete(ctx context.Context, req models.FinalizeRequest) error
	Close() error
}
