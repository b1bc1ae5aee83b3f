package models

import (
	"fmt"
	"strings"
)

// TickRequest is the input of one orchestrator invocation.
type TickRequest struct {
	RunID          string `json:"run_id"`
	InputLocation  string `json:"input_location"`
	TempLocation   string `json:"temp_location"`
	OutputLocation string `json:"output_location"`
}

func (r TickRequest) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return fmt.Errorf("run_id is required: %w", ErrValidation)
	}
	return nil
}

// Entry builds the dispatch entry for one item of this run.
func (r TickRequest) Entry(itemKey string) BatchEntry {
	return BatchEntry{
		RunID:          r.RunID,
		ItemKey:        itemKey,
		InputLocation:  r.InputLocation,
		TempLocation:   r.TempLocation,
		OutputLocation: r.OutputLocation,
	}
}

// TickResponse reports whether the run is finished and which items to dispatch.
type TickResponse struct {
	IsWorkDone     bool         `json:"is_work_done"`
	BatchToProcess []BatchEntry `json:"batch_to_process"`
	Phase          string       `json:"phase,omitempty"`
}

// InitRequest seeds a new run from a source listing.
type InitRequest struct {
	RunID          string `json:"run_id,omitempty"`
	SourceLocation string `json:"source_location"`
	SourcePrefix   string `json:"source_prefix"`
}

func (r InitRequest) Validate() error {
	if strings.TrimSpace(r.SourceLocation) == "" {
		return fmt.Errorf("source_location is required: %w", ErrValidation)
	}
	if strings.Contains(r.RunID, "#") {
		return fmt.Errorf("run_id must not contain '#': %w", ErrValidation)
	}
	return nil
}

// InitResponse summarizes what the initializer wrote.
type InitResponse struct {
	RunID          string    `json:"run_id"`
	TotalItems     int       `json:"total_items"`
	SkippedItems   int       `json:"skipped_items"`
	SourceLocation string    `json:"source_location"`
	Status         RunStatus `json:"status"`
}

// FinalizeRequest asks the gate to assemble the completed pages of a run.
type FinalizeRequest struct {
	RunID          string `json:"run_id"`
	InputLocation  string `json:"input_location"`
	TempLocation   string `json:"temp_location"`
	OutputLocation string `json:"output_location"`
}

func (r FinalizeRequest) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return fmt.Errorf("run_id is required: %w", ErrValidation)
	}
	return nil
}

// FinalizeRequestFor carries the locations of a tick over to the finalization step.
func FinalizeRequestFor(r TickRequest) FinalizeRequest {
	return FinalizeRequest(r)
}

// FinalizeResponse describes the assembled output.
type FinalizeResponse struct {
	OutputKey      string `json:"output_key"`
	PageCount      int    `json:"page_count"`
	CompletedCount int    `json:"completed_count"`
	FailedCount    int    `json:"failed_count"`
}
