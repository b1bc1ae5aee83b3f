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

// SweeperConfig controls stale item recovery.
type SweeperConfig struct {
	// StaleAfter is how long an item may stay PROCESSING without an update.
	StaleAfter time.Duration
	MaxRetries int
	// Limit caps how many items a single sweep touches.
	Limit int
}

// SweepResult reports what one sweep changed.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Requeued  int `json:"requeued"`
	Abandoned int `json:"abandoned"`
	Conflicts int `json:"conflicts"`
}

// Sweeper returns items orphaned in PROCESSING to the claimable pool. A worker
// that died mid-item leaves no other trace, so staleness is the only signal.
type Sweeper struct {
	store  store.StateStore
	cfg    SweeperConfig
	now    func() time.Time
	logger log.FieldLogger
}

func NewSweeper(st store.StateStore, cfg SweeperConfig) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 500
	}
	return &Sweeper{store: st, cfg: cfg, now: time.Now, logger: log.StandardLogger()}
}

// Reclaim moves stale PROCESSING items of runID (all runs when empty) to
// FAILED_RETRYABLE, or FAILED_PERMANENT once their attempts are spent. Each write
// is conditional on the item still being PROCESSING and still stale, so an item a
// worker touched meanwhile is left alone.
func (s *Sweeper) Reclaim(ctx context.Context, runID string) (SweepResult, error) {
	var res SweepResult
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	items, err := s.store.ScanItems(ctx, store.ScanFilter{
		ItemFilter: store.ItemFilter{
			Statuses:      []models.ItemStatus{models.StatusProcessing},
			ExcludeCovers: true,
			Limit:         s.cfg.Limit,
		},
		RunID:         runID,
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return res, classifyStoreError("scan stale items", err)
	}
	res.Scanned = len(items)

	for _, it := range items {
		status := models.StatusFailedRetryable
		opts := store.UpdateOptions{
			Error:             fmt.Sprintf("no progress for %s, reclaimed", s.cfg.StaleAfter),
			MustExist:         true,
			IncrementAttempts: true,
			ExpectedStatuses:  []models.ItemStatus{models.StatusProcessing},
			UpdatedBefore:     cutoff,
		}
		if it.Attempts+1 >= s.cfg.MaxRetries {
			status = models.StatusFailedPermanent
			opts.Error = models.ErrMaxAttemptsExceeded.Error()
		}
		err := s.store.UpdateStatus(ctx, it.RunID, it.ItemKey, status, opts)
		switch {
		case errors.Is(err, store.ErrConflict):
			res.Conflicts++
			continue
		case err != nil:
			return res, classifyStoreError("reclaim "+it.ItemKey, err)
		}
		if status == models.StatusFailedPermanent {
			res.Abandoned++
		} else {
			res.Requeued++
		}
	}
	if res.Scanned > 0 {
		s.logger.WithFields(log.Fields{
			"run_id":    runID,
			"scanned":   res.Scanned,
			"requeued":  res.Requeued,
			"abandoned": res.Abandoned,
			"conflicts": res.Conflicts,
		}).Info("sweep finished")
	}
	return res, nil
}
