package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunSummaryKey is the reserved item key under which a run's summary record is stored.
const RunSummaryKey = "__RUN_SUMMARY__"

// WorkItem is the state record driving one source image through the pipeline.
type WorkItem struct {
	RunID        string                     `db:"run_id" json:"run_id"`
	ItemKey      string                     `db:"item_key" json:"item_key"`
	Status       ItemStatus                 `db:"status" json:"status"`
	Attempts     int                        `db:"attempts" json:"attempts"`
	Priority     int                        `db:"priority" json:"priority"`
	IsCover      bool                       `db:"is_cover" json:"is_cover"`
	ShardID      string                     `db:"shard_id" json:"shard_id"`
	StageOutputs map[string]json.RawMessage `db:"stage_outputs" json:"stage_outputs,omitempty"`
	ErrorMessage *string                    `db:"error_message" json:"error_message,omitempty"`
	DispatchedAt *time.Time                 `db:"dispatched_at" json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time                 `db:"completed_at" json:"completed_at,omitempty"`
	LastUpdated  time.Time                  `db:"last_updated" json:"last_updated"`
	CreatedAt    time.Time                  `db:"created_at" json:"created_at"`
}

// ShardKey derives the shard partition key for a run and priority.
func ShardKey(runID string, priority, shardCount int) string {
	if shardCount <= 0 {
		shardCount = 1
	}
	return fmt.Sprintf("%s#%d", runID, priority%shardCount)
}

// Output decodes the payload a stage recorded for this item into dest.
// It reports false when the stage has not written anything.
func (w *WorkItem) Output(stage string, dest interface{}) (bool, error) {
	raw, ok := w.StageOutputs[stage]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return true, fmt.Errorf("decode %s output for %s: %w", stage, w.ItemKey, err)
	}
	return true, nil
}

// Run is the workflow summary record for one run.
type Run struct {
	RunID          string     `db:"run_id" json:"run_id"`
	Status         RunStatus  `db:"status" json:"status"`
	TotalItems     int        `json:"total_items"`
	SkippedItems   int        `json:"skipped_items"`
	CompletedItems int        `json:"completed_items"`
	FailedItems    int        `json:"failed_items"`
	SourceLocation string     `json:"source_location"`
	SourcePrefix   string     `json:"source_prefix,omitempty"`
	OutputKey      string     `json:"output_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastUpdated    time.Time  `db:"last_updated" json:"last_updated"`
}

// ExpectedItems is the number of items that must reach a terminal state
// before the run can be declared done.
func (r *Run) ExpectedItems() int {
	return r.TotalItems - r.SkippedItems
}

// BatchEntry is one dispatched item as handed to the stage workers.
type BatchEntry struct {
	RunID          string `json:"run_id"`
	ItemKey        string `json:"item_key"`
	InputLocation  string `json:"input_location"`
	TempLocation   string `json:"temp_location"`
	OutputLocation string `json:"output_location"`
}

// Page is one entry of the final document handed to the assembler.
type Page struct {
	ItemKey   string `json:"item_key"`
	ImageKey  string `json:"image_key"`
	Location  string `json:"location"`
	TextKey   string `json:"text_key,omitempty"`
	IsCover   bool   `json:"is_cover"`
	PageIndex int    `json:"page_index"`
}
