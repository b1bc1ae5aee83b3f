package store

import (
	"encoding/json"
	"fmt"
	"time"

	"bookscan/internal/models"
)

// SummaryShard is the shard value given to a run's summary record so it never
// collides with an item shard.
func SummaryShard(runID string) string {
	return runID + "#summary"
}

// DecodeRun rebuilds a run summary from its persisted JSON details.
func DecodeRun(details []byte, lastUpdated time.Time) (*models.Run, error) {
	var run models.Run
	if err := json.Unmarshal(details, &run); err != nil {
		return nil, fmt.Errorf("decode run summary: %w", err)
	}
	run.LastUpdated = lastUpdated
	return &run, nil
}

// NewItemFromUpdate builds the record created when UpdateStatus targets a
// missing item without UpdateOptions.MustExist.
func NewItemFromUpdate(runID, itemKey string, status models.ItemStatus, opts UpdateOptions, now time.Time) *models.WorkItem {
	item := &models.WorkItem{
		RunID:       runID,
		ItemKey:     itemKey,
		Status:      status,
		ShardID:     runID + "#0",
		LastUpdated: now,
		CreatedAt:   now,
	}
	if opts.IncrementAttempts {
		item.Attempts = 1
	}
	if opts.Stage != "" && len(opts.Output) > 0 {
		item.StageOutputs = map[string]json.RawMessage{opts.Stage: opts.Output}
	}
	if opts.Error != "" {
		msg := models.TruncateError(opts.Error)
		item.ErrorMessage = &msg
	}
	switch status {
	case models.StatusProcessing:
		item.DispatchedAt = &now
	case models.StatusCompleted:
		item.CompletedAt = &now
	}
	return item
}
