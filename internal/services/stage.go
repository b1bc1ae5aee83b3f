package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bookscan/internal/models"
	"bookscan/internal/store"

	log "github.com/sirupsen/logrus"
)

// Default stage order of the image pipeline.
const (
	StageDetectSkew     = "detect_skew"
	StageSkewCorrection = "skew_correction"
)

// DefaultStageOrder lists the processing stages each item passes through.
var DefaultStageOrder = []string{StageDetectSkew, StageSkewCorrection, StageUpscale, StageOCR}

// ErrStageFailed marks a stage failure that was already recorded on the item.
var ErrStageFailed = errors.New("stage failed")

// StageInput is handed to a stage for one item.
type StageInput struct {
	Entry models.BatchEntry `json:"entry"`
	// Outputs holds what earlier stages recorded for this item.
	Outputs map[string]json.RawMessage `json:"outputs"`
}

// Stage transforms one item and returns its output payload.
type Stage interface {
	Name() string
	Process(ctx context.Context, in StageInput) (json.RawMessage, error)
}

// StageLifecycle applies the worker side of the item state contract.
type StageLifecycle struct {
	store      store.StateStore
	maxRetries int
	logger     log.FieldLogger
}

func NewStageLifecycle(st store.StateStore, maxRetries int) *StageLifecycle {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &StageLifecycle{store: st, maxRetries: maxRetries, logger: log.StandardLogger()}
}

// Begin checks that the orchestrator claimed the item and returns its current
// record. Items that are not PROCESSING are rejected with ErrNotClaimed. Items
// that exhausted their attempts are failed permanently instead.
func (l *StageLifecycle) Begin(ctx context.Context, runID, itemKey string) (*models.WorkItem, error) {
	item, err := l.store.GetItem(ctx, runID, itemKey)
	if err != nil {
		return nil, classifyStoreError("load item", err)
	}
	if item.Status.IsTerminal() {
		return item, models.Permanent("begin", fmt.Errorf("%s/%s is %s: %w", runID, itemKey, item.Status, models.ErrAlreadyTerminal))
	}
	if item.Status != models.StatusProcessing {
		return nil, models.Permanent("begin", fmt.Errorf("%s/%s is %s: %w", runID, itemKey, item.Status, models.ErrNotClaimed))
	}
	claimed := []models.ItemStatus{models.StatusProcessing}
	if item.Attempts >= l.maxRetries {
		err := l.store.UpdateStatus(ctx, runID, itemKey, models.StatusFailedPermanent, store.UpdateOptions{
			MustExist:        true,
			Error:            models.ErrMaxAttemptsExceeded.Error(),
			ExpectedStatuses: claimed,
		})
		if err != nil {
			return nil, classifyStoreError("fail exhausted item", err)
		}
		return nil, models.Permanent("begin", fmt.Errorf("%s/%s after %d attempts: %w", runID, itemKey, item.Attempts, models.ErrMaxAttemptsExceeded))
	}
	err = l.store.UpdateStatus(ctx, runID, itemKey, models.StatusProcessing, store.UpdateOptions{
		MustExist:        true,
		ExpectedStatuses: claimed,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, models.Permanent("begin", fmt.Errorf("%s/%s was reclaimed: %w", runID, itemKey, models.ErrNotClaimed))
	}
	if err != nil {
		return nil, classifyStoreError("begin "+itemKey, err)
	}
	return item, nil
}

// Record stores an intermediate stage output while the item stays PROCESSING.
func (l *StageLifecycle) Record(ctx context.Context, item *models.WorkItem, stage string, output json.RawMessage) error {
	err := l.store.UpdateStatus(ctx, item.RunID, item.ItemKey, models.StatusProcessing, store.UpdateOptions{
		Stage:            stage,
		Output:           output,
		MustExist:        true,
		ExpectedStatuses: []models.ItemStatus{models.StatusProcessing},
	})
	return classifyStoreError("record "+stage, err)
}

// Complete stores the final stage output and marks the item COMPLETED.
func (l *StageLifecycle) Complete(ctx context.Context, item *models.WorkItem, stage string, output json.RawMessage) error {
	err := l.store.UpdateStatus(ctx, item.RunID, item.ItemKey, models.StatusCompleted, store.UpdateOptions{
		Stage:            stage,
		Output:           output,
		MustExist:        true,
		ExpectedStatuses: []models.ItemStatus{models.StatusProcessing},
	})
	return classifyStoreError("complete "+item.ItemKey, err)
}

// Fail records cause on the item. Permanent causes end the item; anything else
// makes it FAILED_RETRYABLE with one more attempt counted.
func (l *StageLifecycle) Fail(ctx context.Context, item *models.WorkItem, cause error) error {
	status := models.StatusFailedRetryable
	opts := store.UpdateOptions{
		Error:             cause.Error(),
		MustExist:         true,
		IncrementAttempts: true,
		ExpectedStatuses:  []models.ItemStatus{models.StatusProcessing},
	}
	if models.IsPermanent(cause) {
		status = models.StatusFailedPermanent
		opts.IncrementAttempts = false
	}
	err := l.store.UpdateStatus(ctx, item.RunID, item.ItemKey, status, opts)
	if err != nil {
		return classifyStoreError("fail "+item.ItemKey, err)
	}
	l.logger.WithError(cause).WithFields(log.Fields{"run_id": item.RunID, "item_key": item.ItemKey, "status": status}).Warn("item failed")
	return nil
}

// Pipeline runs an item through its stages in order.
type Pipeline struct {
	lifecycle *StageLifecycle
	stages    []Stage
	logger    log.FieldLogger
}

func NewPipeline(lifecycle *StageLifecycle, stages ...Stage) (*Pipeline, error) {
	if lifecycle == nil {
		return nil, errors.New("pipeline requires a stage lifecycle")
	}
	if len(stages) == 0 {
		return nil, errors.New("pipeline requires at least one stage")
	}
	return &Pipeline{lifecycle: lifecycle, stages: stages, logger: log.StandardLogger()}, nil
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run processes one dispatched item. Stages whose output is already recorded are
// skipped, so a re-dispatched item resumes where it failed. A stage failure is
// recorded on the item and returned wrapped in ErrStageFailed.
func (p *Pipeline) Run(ctx context.Context, entry models.BatchEntry) error {
	item, err := p.lifecycle.Begin(ctx, entry.RunID, entry.ItemKey)
	if err != nil {
		return err
	}
	logger := p.logger.WithFields(log.Fields{"run_id": entry.RunID, "item_key": entry.ItemKey})
	if item.StageOutputs == nil {
		item.StageOutputs = map[string]json.RawMessage{}
	}

	for i, stage := range p.stages {
		last := i == len(p.stages)-1
		name := stage.Name()
		if _, done := item.StageOutputs[name]; done && !last {
			logger.WithField("stage", name).Debug("stage output present, skipping")
			continue
		}
		out, err := stage.Process(ctx, StageInput{Entry: entry, Outputs: item.StageOutputs})
		if err != nil {
			if ferr := p.lifecycle.Fail(ctx, item, err); ferr != nil {
				return fmt.Errorf("stage %s failed (%v) and recording it failed: %w", name, err, ferr)
			}
			return fmt.Errorf("%w: %s: %w", ErrStageFailed, name, err)
		}
		if len(out) == 0 {
			out = json.RawMessage("{}")
		}
		if last {
			if err := p.lifecycle.Complete(ctx, item, name, out); err != nil {
				return err
			}
			logger.Info("item completed")
			return nil
		}
		if err := p.lifecycle.Record(ctx, item, name, out); err != nil {
			return err
		}
		item.StageOutputs[name] = out
	}
	return nil
}
