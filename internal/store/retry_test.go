package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"bookscan/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails GetItem with the queued errors before succeeding.
type flakyStore struct {
	StateStore
	errs  []error
	calls int
}

func (f *flakyStore) GetItem(_ context.Context, runID, itemKey string) (*models.WorkItem, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &models.WorkItem{RunID: runID, ItemKey: itemKey}, nil
}

func (f *flakyStore) PutRun(_ context.Context, _ *models.Run) error {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

type recordedSleeps []time.Duration

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	*r = append(*r, d)
	return nil
}

func TestSimpleRetryStrategy_Schedule(t *testing.T) {
	b := (&SimpleRetryStrategy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}).NewBackOff()
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 4*time.Second, b.NextBackOff())
	assert.Equal(t, 5*time.Second, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	assert.Equal(t, backoff.Stop, (&SimpleRetryStrategy{}).NewBackOff().NextBackOff())
}

func TestRetryingStore_RetriesThrottled(t *testing.T) {
	inner := &flakyStore{errs: []error{ErrThrottled, ErrThrottled}}
	var sleeps recordedSleeps
	r := NewRetryingStore(inner, DefaultThrottleRetry()).WithSleeper(sleeps.sleep)

	item, err := r.GetItem(context.Background(), "run", "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "a.jpg", item.ItemKey)
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, recordedSleeps{2 * time.Second, 4 * time.Second}, sleeps)
}

func TestRetryingStore_GivesUp(t *testing.T) {
	inner := &flakyStore{errs: []error{ErrThrottled, ErrThrottled, ErrThrottled, ErrThrottled}}
	var sleeps recordedSleeps
	r := NewRetryingStore(inner, nil).WithSleeper(sleeps.sleep)

	err := r.PutRun(context.Background(), &models.Run{RunID: "run"})
	require.ErrorIs(t, err, ErrThrottled)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingStore_OtherErrorsReturnImmediately(t *testing.T) {
	inner := &flakyStore{errs: []error{ErrConflict}}
	var sleeps recordedSleeps
	r := NewRetryingStore(inner, nil).WithSleeper(sleeps.sleep)

	_, err := r.GetItem(context.Background(), "run", "a.jpg")
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, inner.calls)
	assert.Empty(t, sleeps)
}

func TestRetryingStore_StopsOnCancelledContext(t *testing.T) {
	inner := &flakyStore{errs: []error{ErrThrottled}}
	r := NewRetryingStore(inner, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.GetItem(ctx, "run", "a.jpg")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNewItemFromUpdate(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	item := NewItemFromUpdate("run", "a.jpg", models.StatusProcessing, UpdateOptions{
		Stage:             "ocr",
		Output:            []byte(`{"k":1}`),
		Error:             "oops",
		IncrementAttempts: true,
	}, now)
	assert.Equal(t, "run#0", item.ShardID)
	assert.Equal(t, 1, item.Attempts)
	assert.JSONEq(t, `{"k":1}`, string(item.StageOutputs["ocr"]))
	require.NotNil(t, item.DispatchedAt)
	assert.Equal(t, now, *item.DispatchedAt)
	require.NotNil(t, item.ErrorMessage)
	assert.Equal(t, "oops", *item.ErrorMessage)
	assert.Nil(t, item.CompletedAt)
}
