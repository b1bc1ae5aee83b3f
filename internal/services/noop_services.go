package services

import (
	"context"

	"bookscan/internal/models"

	log "github.com/sirupsen/logrus"
)

// NoopNotifier drops completion signals. Used when no task queue is configured.
type NoopNotifier struct{}

func (NoopNotifier) NotifyRunComplete(ctx context.Context, req models.FinalizeRequest) error {
	log.WithField("run_id", req.RunID).Info("run complete (no notifier configured)")
	return nil
}
