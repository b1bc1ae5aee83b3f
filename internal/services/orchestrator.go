package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookscan/internal/models"
	"bookscan/internal/store"

	log "github.com/sirupsen/logrus"
)

// Completion policies decide when a run with failed items counts as done.
const (
	// PolicyTerminal finishes a run once every non-cover item is COMPLETED or
	// FAILED_PERMANENT. Exhausted FAILED_RETRYABLE items are retired first.
	PolicyTerminal = "terminal"
	// PolicyStrict finishes a run only once every non-cover item is COMPLETED.
	PolicyStrict = "strict"
)

// BatchSizer computes how many items one tick may dispatch.
type BatchSizer interface {
	BatchSize(ctx context.Context) int
}

// EligibleFinder locates dispatchable items of a run.
type EligibleFinder interface {
	FindEligible(ctx context.Context, runID string, batchSize int) []*models.WorkItem
}

// CompletionNotifier is told once a run has nothing left to dispatch or wait for.
type CompletionNotifier interface {
	NotifyRunComplete(ctx context.Context, req models.FinalizeRequest) error
}

// OrchestratorConfig holds the tick policy knobs.
type OrchestratorConfig struct {
	MaxRetries       int
	MaxBatch         int
	CompletionPolicy string
}

// Orchestrator runs the per-tick dispatch decision for a run. It keeps no state
// between ticks; concurrent ticks coordinate only through conditional store writes.
type Orchestrator struct {
	store    store.StateStore
	sizer    BatchSizer
	finder   EligibleFinder
	notifier CompletionNotifier
	cfg      OrchestratorConfig
	now      func() time.Time
	logger   log.FieldLogger
}

// NewOrchestrator wires an orchestrator. A nil notifier disables completion signals.
func NewOrchestrator(st store.StateStore, sizer BatchSizer, finder EligibleFinder, notifier CompletionNotifier, cfg OrchestratorConfig) (*Orchestrator, error) {
	if st == nil || sizer == nil || finder == nil {
		return nil, errors.New("orchestrator requires a store, a batch sizer and a query engine")
	}
	switch cfg.CompletionPolicy {
	case "":
		cfg.CompletionPolicy = PolicyTerminal
	case PolicyTerminal, PolicyStrict:
	default:
		return nil, fmt.Errorf("unknown completion policy %q", cfg.CompletionPolicy)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Orchestrator{
		store:    st,
		sizer:    sizer,
		finder:   finder,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		logger:   log.StandardLogger(),
	}, nil
}

func waiting(phase string) *models.TickResponse {
	return &models.TickResponse{IsWorkDone: false, BatchToProcess: []models.BatchEntry{}, Phase: phase}
}

// Tick performs one orchestration step. Permanent and unexpected store errors are
// returned to the caller; the caller decides whether to retry the whole tick.
func (o *Orchestrator) Tick(ctx context.Context, req models.TickRequest) (*models.TickResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, models.Permanent("tick", err)
	}
	logger := o.logger.WithField("run_id", req.RunID)

	run, err := o.store.GetRun(ctx, req.RunID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("run summary not written yet, waiting for initializer")
		return waiting(models.PhaseNotInitialized), nil
	}
	if err != nil {
		return nil, classifyStoreError("load run summary", err)
	}

	switch {
	case run.Status == models.RunNoImages:
		return nil, models.Permanent("tick", fmt.Errorf("run %s: %w", req.RunID, models.ErrNoImages))
	case run.Status == models.RunCompleted:
		return &models.TickResponse{IsWorkDone: true, BatchToProcess: []models.BatchEntry{}, Phase: models.PhaseDone}, nil
	case run.Status == models.RunInitializing, run.TotalItems == 0:
		logger.Info("run initialization still in flight")
		return waiting(models.PhaseInitializing), nil
	}

	size := o.sizer.BatchSize(ctx)
	if o.cfg.MaxBatch > 0 && size > o.cfg.MaxBatch {
		size = o.cfg.MaxBatch
	}
	items := o.finder.FindEligible(ctx, req.RunID, size)
	if len(items) > 0 {
		batch, err := o.claim(ctx, req, items)
		if err != nil {
			return nil, err
		}
		logger.WithFields(log.Fields{"batch_size": size, "eligible": len(items), "dispatched": len(batch)}).Info("dispatching batch")
		return &models.TickResponse{IsWorkDone: false, BatchToProcess: batch, Phase: models.PhaseDispatching}, nil
	}

	return o.checkCompletion(ctx, req, run)
}

// claim moves each item to PROCESSING before it is returned. An item another tick
// claimed first is dropped from this batch.
func (o *Orchestrator) claim(ctx context.Context, req models.TickRequest, items []*models.WorkItem) ([]models.BatchEntry, error) {
	batch := make([]models.BatchEntry, 0, len(items))
	for _, item := range items {
		err := o.store.UpdateStatus(ctx, req.RunID, item.ItemKey, models.StatusProcessing, store.UpdateOptions{
			MustExist:        true,
			ExpectedStatuses: models.ClaimableStatuses,
		})
		switch {
		case err == nil:
			batch = append(batch, req.Entry(item.ItemKey))
		case errors.Is(err, store.ErrConflict):
			o.logger.WithFields(log.Fields{"run_id": req.RunID, "item_key": item.ItemKey}).Debug("item claimed by another tick")
		default:
			return nil, classifyStoreError("claim "+item.ItemKey, err)
		}
	}
	return batch, nil
}

func (o *Orchestrator) checkCompletion(ctx context.Context, req models.TickRequest, run *models.Run) (*models.TickResponse, error) {
	terminal := o.cfg.CompletionPolicy == PolicyTerminal
	if terminal {
		if err := o.retireExhausted(ctx, req.RunID); err != nil {
			return nil, err
		}
	}

	completed, err := o.store.CountByStatus(ctx, req.RunID, models.StatusCompleted, false)
	if err != nil {
		return nil, classifyStoreError("count completed items", err)
	}
	failed := 0
	if terminal {
		if failed, err = o.store.CountByStatus(ctx, req.RunID, models.StatusFailedPermanent, false); err != nil {
			return nil, classifyStoreError("count failed items", err)
		}
	}

	expected := run.ExpectedItems()
	logger := o.logger.WithFields(log.Fields{"run_id": req.RunID, "completed": completed, "failed": failed, "expected": expected})
	if expected == 0 || completed+failed != expected {
		logger.Info("no eligible items, waiting for in-flight work")
		return waiting(models.PhaseAwaitingWorkers), nil
	}

	if err := o.notifier.NotifyRunComplete(ctx, models.FinalizeRequestFor(req)); err != nil {
		return nil, models.Transient("notify run complete", err)
	}
	now := o.now().UTC()
	run.Status = models.RunCompleted
	run.CompletedItems = completed
	run.FailedItems = failed
	run.CompletedAt = &now
	if err := o.store.PutRun(ctx, run); err != nil {
		return nil, classifyStoreError("mark run completed", err)
	}
	logger.Info("run complete")
	return &models.TickResponse{IsWorkDone: true, BatchToProcess: []models.BatchEntry{}, Phase: models.PhaseDone}, nil
}

// retireExhausted moves FAILED_RETRYABLE items that used up their attempts to
// FAILED_PERMANENT so the run can converge.
func (o *Orchestrator) retireExhausted(ctx context.Context, runID string) error {
	items, err := o.store.QueryByStatus(ctx, runID, store.ItemFilter{
		Statuses:      []models.ItemStatus{models.StatusFailedRetryable},
		ExcludeCovers: true,
	})
	if err != nil {
		return classifyStoreError("query exhausted items", err)
	}
	for _, item := range items {
		if item.Attempts < o.cfg.MaxRetries {
			continue
		}
		err := o.store.UpdateStatus(ctx, runID, item.ItemKey, models.StatusFailedPermanent, store.UpdateOptions{
			MustExist:        true,
			ExpectedStatuses: []models.ItemStatus{models.StatusFailedRetryable},
			Error:            models.ErrMaxAttemptsExceeded.Error(),
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return classifyStoreError("retire "+item.ItemKey, err)
		}
		o.logger.WithFields(log.Fields{"run_id": runID, "item_key": item.ItemKey, "attempts": item.Attempts}).Warn("item exhausted its attempts")
	}
	return nil
}

// RunProgress is a point-in-time view of a run's item states.
type RunProgress struct {
	Run    *models.Run               `json:"run"`
	Counts map[models.ItemStatus]int `json:"counts"`
}

// Progress reports the summary and per-status item counts of a run.
func (o *Orchestrator) Progress(ctx context.Context, runID string) (*RunProgress, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, classifyStoreError("load run summary", err)
	}
	counts := make(map[models.ItemStatus]int, len(models.AllItemStatuses))
	for _, st := range models.AllItemStatuses {
		n, err := o.store.CountByStatus(ctx, runID, st, true)
		if err != nil {
			return nil, classifyStoreError("count "+string(st), err)
		}
		counts[st] = n
	}
	return &RunProgress{Run: run, Counts: counts}, nil
}
