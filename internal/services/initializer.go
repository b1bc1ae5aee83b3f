package services

import (
	"context"
	"errors"
	"time"

	"bookscan/internal/models"
	"bookscan/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// InitializerConfig controls which source files become work items.
type InitializerConfig struct {
	Extensions []string
	Covers     CoverRules
	ShardCount int
}

// Initializer seeds the state store for a new run.
type Initializer struct {
	store  store.StateStore
	lister SourceLister
	cfg    InitializerConfig
	now    func() time.Time
	logger log.FieldLogger
}

func NewInitializer(st store.StateStore, lister SourceLister, cfg InitializerConfig) *Initializer {
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".jpg", ".jpeg"}
	}
	if cfg.Covers == (CoverRules{}) {
		cfg.Covers = DefaultCoverRules()
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 10
	}
	if lister == nil {
		lister = LocalLister{}
	}
	return &Initializer{store: st, lister: lister, cfg: cfg, now: time.Now, logger: log.StandardLogger()}
}

// Initialize writes one work item per eligible source file and the run summary.
// The summary is written first as RUN_INITIALIZING and last with the final
// counts, so a tick never sees totals before every item exists. Re-initializing
// a run that already finished seeding returns the existing summary unchanged.
func (in *Initializer) Initialize(ctx context.Context, req models.InitRequest) (*models.InitResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, models.Permanent("initialize", err)
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	logger := in.logger.WithField("run_id", req.RunID)

	existing, err := in.store.GetRun(ctx, req.RunID)
	switch {
	case err == nil && existing.Status != models.RunInitializing:
		logger.WithField("status", existing.Status).Info("run already initialized")
		return responseFor(existing), nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, classifyStoreError("load run summary", err)
	}

	objects, err := in.lister.List(ctx, req.SourceLocation, req.SourcePrefix)
	if err != nil {
		return nil, models.Transient("list sources", err)
	}

	run := &models.Run{
		RunID:          req.RunID,
		Status:         models.RunInitializing,
		SourceLocation: req.SourceLocation,
		SourcePrefix:   req.SourcePrefix,
		CreatedAt:      in.now().UTC(),
	}
	if err := in.store.PutRun(ctx, run); err != nil {
		return nil, classifyStoreError("write run summary", err)
	}

	items := in.buildItems(req.RunID, objects)
	if len(items) == 0 {
		run.Status = models.RunNoImages
		if err := in.store.PutRun(ctx, run); err != nil {
			return nil, classifyStoreError("write run summary", err)
		}
		logger.Warn("no images found for run")
		return responseFor(run), nil
	}

	if err := in.store.BatchPutItems(ctx, items); err != nil {
		return nil, classifyStoreError("write work items", err)
	}

	run.TotalItems = len(items)
	for _, it := range items {
		if it.IsCover {
			run.SkippedItems++
		}
	}
	run.Status = models.RunActive
	if run.ExpectedItems() == 0 {
		run.Status = models.RunNoImages
		logger.Warn("run holds only cover images, nothing to process")
	}
	if err := in.store.PutRun(ctx, run); err != nil {
		return nil, classifyStoreError("write run summary", err)
	}
	logger.WithFields(log.Fields{"total_items": run.TotalItems, "skipped_items": run.SkippedItems}).Info("run initialized")
	return responseFor(run), nil
}

func (in *Initializer) buildItems(runID string, objects []SourceObject) []*models.WorkItem {
	now := in.now().UTC()
	items := make([]*models.WorkItem, 0, len(objects))
	for _, obj := range objects {
		if !HasExtension(obj.Key, in.cfg.Extensions) {
			continue
		}
		priority := len(items)
		item := &models.WorkItem{
			RunID:     runID,
			ItemKey:   obj.Key,
			Status:    models.StatusPending,
			Priority:  priority,
			ShardID:   models.ShardKey(runID, priority, in.cfg.ShardCount),
			CreatedAt: now,
		}
		if in.cfg.Covers.IsCover(obj.Key) {
			item.IsCover = true
			item.Status = models.StatusCompleted
			item.CompletedAt = &now
		}
		items = append(items, item)
	}
	return items
}

func responseFor(run *models.Run) *models.InitResponse {
	return &models.InitResponse{
		RunID:          run.RunID,
		TotalItems:     run.TotalItems,
		SkippedItems:   run.SkippedItems,
		SourceLocation: run.SourceLocation,
		Status:         run.Status,
	}
}
