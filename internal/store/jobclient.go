package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bookscan/internal/models"
	"bookscan/internal/tasks"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
)

// AsynqJobClient is a concrete JobClient backed by Redis through asynq.
type AsynqJobClient struct {
	client *asynq.Client
	queues tasks.Queues
}

var _ JobClient = (*AsynqJobClient)(nil)

// NewAsynqJobClient connects lazily; the first enqueue reports connection problems.
func NewAsynqJobClient(opt asynq.RedisClientOpt, queues tasks.Queues) (*AsynqJobClient, error) {
	if opt.Addr == "" {
		return nil, errors.New("redis address cannot be empty for AsynqJobClient")
	}
	return &AsynqJobClient{client: asynq.NewClient(opt), queues: queues.WithDefaults()}, nil
}

func (jc *AsynqJobClient) Close() error {
	return jc.client.Close()
}

func (jc *AsynqJobClient) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	if jc.client == nil {
		return errors.New("AsynqJobClient internal client is not initialized")
	}
	info, err := jc.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"task_id": info.ID, "type": task.Type(), "queue": info.Queue}).Debug("enqueued task")
	return nil
}

// EnqueueTick schedules the next orchestrator tick for a run.
func (jc *AsynqJobClient) EnqueueTick(ctx context.Context, req models.TickRequest, delay time.Duration) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode tick payload: %w", err)
	}
	opts := []asynq.Option{asynq.Queue(jc.queues.Orchestration)}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	if err := jc.enqueue(ctx, asynq.NewTask(tasks.TypeTick, payload), opts...); err != nil {
		return fmt.Errorf("enqueue tick for run %s: %w", req.RunID, err)
	}
	return nil
}

// EnqueueItems fans a dispatched batch out to the stage workers, one task per item.
func (jc *AsynqJobClient) EnqueueItems(ctx context.Context, entries []models.BatchEntry) error {
	var errs []error
	for _, entry := range entries {
		payload, err := json.Marshal(entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", entry.ItemKey, err))
			continue
		}
		task := asynq.NewTask(tasks.TypeProcessItem, payload)
		// Retries are driven by the orchestrator re-dispatching FAILED_RETRYABLE items.
		if err := jc.enqueue(ctx, task, asynq.Queue(jc.queues.Stages), asynq.MaxRetry(0)); err != nil {
			errs = append(errs, fmt.Errorf("enqueue item %s/%s: %w", entry.RunID, entry.ItemKey, err))
		}
	}
	return errors.Join(errs...)
}

// EnqueueFinalize schedules the finalization gate for a run. Duplicate requests for
// the same run collapse onto one task.
func (jc *AsynqJobClient) EnqueueFinalize(ctx context.Context, req models.FinalizeRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode finalize payload: %w", err)
	}
	task := asynq.NewTask(tasks.TypeFinalize, payload)
	err = jc.enqueue(ctx, task, asynq.Queue(jc.queues.Orchestration), asynq.TaskID(tasks.FinalizeTaskID(req.RunID)))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		log.WithField("run_id", req.RunID).Debug("finalize task already enqueued")
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue finalize for run %s: %w", req.RunID, err)
	}
	return nil
}

func (jc *AsynqJobClient) NotifyRunComplete(ctx context.Context, req models.FinalizeRequest) error {
	return jc.EnqueueFinalize(ctx, req)
}
