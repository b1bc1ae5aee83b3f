package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bookscan/internal/models"
	"bookscan/internal/services"
	"bookscan/internal/store"
	"bookscan/internal/tasks"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
)

// Ticker runs one orchestration step.
type Ticker interface {
	Tick(ctx context.Context, req models.TickRequest) (*models.TickResponse, error)
}

// ItemProcessor drives one dispatched item through the stage chain.
type ItemProcessor interface {
	Run(ctx context.Context, entry models.BatchEntry) error
}

// Finalizer assembles a finished run.
type Finalizer interface {
	Finalize(ctx context.Context, req models.FinalizeRequest) (*models.FinalizeResponse, error)
}

// Reclaimer recovers orphaned PROCESSING items.
type Reclaimer interface {
	Reclaim(ctx context.Context, runID string) (services.SweepResult, error)
}

// Deps bundles what the task handlers need.
type Deps struct {
	Orchestrator Ticker
	// Pipeline may be nil, in which case item tasks are not handled.
	Pipeline     ItemProcessor
	Finalizer    Finalizer
	Sweeper      Reclaimer
	JobClient    store.JobClient
	TickInterval time.Duration
}

// RegisterHandlers wires the pipeline task types onto mux.
func RegisterHandlers(mux *asynq.ServeMux, deps Deps) {
	if deps.TickInterval <= 0 {
		deps.TickInterval = 30 * time.Second
	}
	mux.HandleFunc(tasks.TypeTick, HandleTick(deps))
	mux.HandleFunc(tasks.TypeFinalize, HandleFinalize(deps))
	mux.HandleFunc(tasks.TypeSweep, HandleSweep(deps))
	if deps.Pipeline != nil {
		mux.HandleFunc(tasks.TypeProcessItem, HandleProcessItem(deps))
	} else {
		log.Warnf("no item pipeline configured, %s tasks will not be handled", tasks.TypeProcessItem)
	}
}

func decode(t *asynq.Task, dest interface{}) error {
	if err := json.Unmarshal(t.Payload(), dest); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}

// retryable leaves err for asynq to retry unless it is permanent.
func retryable(err error) error {
	if models.IsPermanent(err) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// HandleTick runs a tick, fans the dispatched batch out and schedules the next
// tick until the run is done.
func HandleTick(deps Deps) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var req models.TickRequest
		if err := decode(t, &req); err != nil {
			return err
		}
		logger := log.WithField("run_id", req.RunID)

		resp, err := deps.Orchestrator.Tick(ctx, req)
		if err != nil {
			logger.WithError(err).Error("tick failed")
			return retryable(err)
		}

		if len(resp.BatchToProcess) > 0 {
			// Claimed items that fail to enqueue stay PROCESSING until the sweeper reclaims them.
			if err := deps.JobClient.EnqueueItems(ctx, resp.BatchToProcess); err != nil {
				logger.WithError(err).Error("failed to enqueue part of the batch")
			}
		}
		if resp.IsWorkDone {
			logger.Info("run done, tick loop stopped")
			return nil
		}
		if err := deps.JobClient.EnqueueTick(ctx, req, deps.TickInterval); err != nil {
			return fmt.Errorf("reschedule tick: %w", err)
		}
		logger.WithFields(log.Fields{"dispatched": len(resp.BatchToProcess), "phase": resp.Phase}).Debug("tick handled")
		return nil
	}
}

// HandleProcessItem runs the stage pipeline for one item. Stage failures are
// already recorded on the item and re-dispatched by the orchestrator, so the task
// itself succeeds.
func HandleProcessItem(deps Deps) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var entry models.BatchEntry
		if err := decode(t, &entry); err != nil {
			return err
		}
		logger := log.WithFields(log.Fields{"run_id": entry.RunID, "item_key": entry.ItemKey})

		err := deps.Pipeline.Run(ctx, entry)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, services.ErrStageFailed):
			logger.WithError(err).Warn("stage failed, item left for re-dispatch")
			return nil
		case errors.Is(err, models.ErrAlreadyTerminal):
			logger.Debug("item already terminal, duplicate delivery ignored")
			return nil
		case errors.Is(err, models.ErrNotClaimed):
			logger.Debug("item not claimed, stale delivery ignored")
			return nil
		default:
			logger.WithError(err).Error("item processing failed")
			return retryable(err)
		}
	}
}

// HandleFinalize runs the finalization gate. Items still in flight make asynq
// retry the task later.
func HandleFinalize(deps Deps) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var req models.FinalizeRequest
		if err := decode(t, &req); err != nil {
			return err
		}
		resp, err := deps.Finalizer.Finalize(ctx, req)
		if err != nil {
			if errors.Is(err, models.ErrStillProcessing) {
				log.WithField("run_id", req.RunID).WithError(err).Info("finalize deferred")
			}
			return retryable(err)
		}
		log.WithFields(log.Fields{"run_id": req.RunID, "output_key": resp.OutputKey, "pages": resp.PageCount}).Info("finalize task done")
		return nil
	}
}

// HandleSweep reclaims stale PROCESSING items.
func HandleSweep(deps Deps) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p tasks.SweepPayload
		if len(t.Payload()) > 0 {
			if err := decode(t, &p); err != nil {
				return err
			}
		}
		_, err := deps.Sweeper.Reclaim(ctx, p.RunID)
		return retryable(err)
	}
}

// DeadLetterHandler logs tasks that failed for good.
func DeadLetterHandler() asynq.ErrorHandler {
	return asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		taskID, _ := asynq.GetTaskID(ctx)
		entry := log.WithFields(log.Fields{
			"task_id":   taskID,
			"type":      task.Type(),
			"payload":   models.TruncateError(string(task.Payload())),
			"retried":   retried,
			"max_retry": maxRetry,
		}).WithError(err)
		if retried >= maxRetry || errors.Is(err, asynq.SkipRetry) {
			entry.Error("task failed permanently")
			return
		}
		entry.Warn("task failed, will retry")
	})
}
