package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookscan/internal/models"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// RetryStrategy builds the backoff schedule for one retried call.
type RetryStrategy interface {
	NewBackOff() backoff.BackOff
}

// SimpleRetryStrategy is exponential backoff without jitter: BaseDelay * 2^attempt,
// capped at MaxDelay, for at most MaxAttempts calls.
type SimpleRetryStrategy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultThrottleRetry is the backoff applied to throttled store calls.
func DefaultThrottleRetry() *SimpleRetryStrategy {
	return &SimpleRetryStrategy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

func (s *SimpleRetryStrategy) NewBackOff() backoff.BackOff {
	if s.MaxAttempts <= 1 || s.BaseDelay <= 0 {
		return &backoff.StopBackOff{}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.BaseDelay
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	if s.MaxDelay > 0 {
		eb.MaxInterval = s.MaxDelay
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(s.MaxAttempts-1))
}

// RetryingStore retries throttled calls of the wrapped StateStore.
// Any other error is returned on first occurrence.
type RetryingStore struct {
	StateStore
	strategy RetryStrategy
	sleep    func(ctx context.Context, d time.Duration) error
	logger   log.FieldLogger
}

var _ StateStore = (*RetryingStore)(nil)

// NewRetryingStore wraps inner. A nil strategy uses DefaultThrottleRetry.
func NewRetryingStore(inner StateStore, strategy RetryStrategy) *RetryingStore {
	if strategy == nil {
		strategy = DefaultThrottleRetry()
	}
	return &RetryingStore{
		StateStore: inner,
		strategy:   strategy,
		sleep:      sleepContext,
		logger:     log.StandardLogger(),
	}
}

// WithSleeper replaces the wait function, mainly for tests.
func (r *RetryingStore) WithSleeper(fn func(ctx context.Context, d time.Duration) error) *RetryingStore {
	r.sleep = fn
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func withRetry[T any](ctx context.Context, r *RetryingStore, op string, fn func() (T, error)) (T, error) {
	b := r.strategy.NewBackOff()
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil || !errors.Is(err, ErrThrottled) {
			return v, err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return v, fmt.Errorf("%s: giving up after %d attempts: %w", op, attempt+1, err)
		}
		r.logger.WithFields(log.Fields{"op": op, "attempt": attempt + 1, "backoff": wait}).Warn("store throttled, backing off")
		if serr := r.sleep(ctx, wait); serr != nil {
			return v, fmt.Errorf("%s: %w", op, serr)
		}
	}
}

func retryErr(ctx context.Context, r *RetryingStore, op string, fn func() error) error {
	_, err := withRetry(ctx, r, op, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (r *RetryingStore) PutItem(ctx context.Context, item *models.WorkItem) error {
	return retryErr(ctx, r, "put item", func() error { return r.StateStore.PutItem(ctx, item) })
}

func (r *RetryingStore) BatchPutItems(ctx context.Context, items []*models.WorkItem) error {
	return retryErr(ctx, r, "batch put items", func() error { return r.StateStore.BatchPutItems(ctx, items) })
}

func (r *RetryingStore) GetItem(ctx context.Context, runID, itemKey string) (*models.WorkItem, error) {
	return withRetry(ctx, r, "get item", func() (*models.WorkItem, error) { return r.StateStore.GetItem(ctx, runID, itemKey) })
}

func (r *RetryingStore) UpdateStatus(ctx context.Context, runID, itemKey string, status models.ItemStatus, opts UpdateOptions) error {
	return retryErr(ctx, r, "update status", func() error {
		return r.StateStore.UpdateStatus(ctx, runID, itemKey, status, opts)
	})
}

func (r *RetryingStore) QueryShard(ctx context.Context, shardID string, filter ItemFilter) ([]*models.WorkItem, error) {
	return withRetry(ctx, r, "query shard", func() ([]*models.WorkItem, error) { return r.StateStore.QueryShard(ctx, shardID, filter) })
}

func (r *RetryingStore) QueryByStatus(ctx context.Context, runID string, filter ItemFilter) ([]*models.WorkItem, error) {
	return withRetry(ctx, r, "query by status", func() ([]*models.WorkItem, error) {
		return r.StateStore.QueryByStatus(ctx, runID, filter)
	})
}

func (r *RetryingStore) ScanItems(ctx context.Context, filter ScanFilter) ([]*models.WorkItem, error) {
	return withRetry(ctx, r, "scan items", func() ([]*models.WorkItem, error) { return r.StateStore.ScanItems(ctx, filter) })
}

func (r *RetryingStore) QueryRun(ctx context.Context, runID string) ([]*models.WorkItem, error) {
	return withRetry(ctx, r, "query run", func() ([]*models.WorkItem, error) { return r.StateStore.QueryRun(ctx, runID) })
}

func (r *RetryingStore) CountByStatus(ctx context.Context, runID string, status models.ItemStatus, includeCovers bool) (int, error) {
	return withRetry(ctx, r, "count by status", func() (int, error) {
		return r.StateStore.CountByStatus(ctx, runID, status, includeCovers)
	})
}

func (r *RetryingStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return withRetry(ctx, r, "get run", func() (*models.Run, error) { return r.StateStore.GetRun(ctx, runID) })
}

func (r *RetryingStore) PutRun(ctx context.Context, run *models.Run) error {
	return retryErr(ctx, r, "put run", func() error { return r.StateStore.PutRun(ctx, run) })
}

func (r *RetryingStore) ListRuns(ctx context.Context, limit, offset int) ([]*models.Run, error) {
	return withRetry(ctx, r, "list runs", func() ([]*models.Run, error) { return r.StateStore.ListRuns(ctx, limit, offset) })
}

func (r *RetryingStore) AverageLatency(ctx context.Context, since time.Time) (LatencyStats, error) {
	return withRetry(ctx, r, "average latency", func() (LatencyStats, error) { return r.StateStore.AverageLatency(ctx, since) })
}
