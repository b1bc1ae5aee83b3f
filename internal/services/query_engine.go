package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"bookscan/internal/models"
	"bookscan/internal/store"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Query tier names, usable in configuration.
const (
	TierSharded = "sharded"
	TierStatus  = "status"
	TierScan    = "scan"
)

// DefaultQueryTiers is the fallback order used when none is configured.
var DefaultQueryTiers = []string{TierSharded, TierStatus, TierScan}

// EligibleStatuses are the statuses a dispatchable item can be in.
var EligibleStatuses = []models.ItemStatus{models.StatusInitialized, models.StatusPending, models.StatusFailedRetryable}

// QueryTier is one strategy for locating eligible items.
type QueryTier interface {
	Name() string
	Find(ctx context.Context, runID string, batchSize int) ([]*models.WorkItem, error)
}

// QueryEngineConfig tunes the task query engine.
type QueryEngineConfig struct {
	MaxRetries int
	// ShardCount is the modulus used when items were written.
	ShardCount int
	// MaxShards caps how many shard queries run concurrently.
	MaxShards int
	Tiers     []string
}

// TaskQueryEngine finds eligible work items, falling back through its tiers.
type TaskQueryEngine struct {
	tiers      []QueryTier
	maxRetries int
	logger     log.FieldLogger
}

// NewTaskQueryEngine builds the configured tiers over st.
func NewTaskQueryEngine(st store.StateStore, cfg QueryEngineConfig) (*TaskQueryEngine, error) {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 10
	}
	if cfg.MaxShards <= 0 {
		cfg.MaxShards = 10
	}
	names := cfg.Tiers
	if len(names) == 0 {
		names = DefaultQueryTiers
	}
	tiers := make([]QueryTier, 0, len(names))
	for _, name := range names {
		switch name {
		case TierSharded:
			tiers = append(tiers, &shardedTier{store: st, maxRetries: cfg.MaxRetries, shardCount: cfg.ShardCount, maxShards: cfg.MaxShards})
		case TierStatus:
			tiers = append(tiers, &statusTier{store: st, maxRetries: cfg.MaxRetries})
		case TierScan:
			tiers = append(tiers, &scanTier{store: st, maxRetries: cfg.MaxRetries})
		default:
			return nil, fmt.Errorf("unknown query tier %q", name)
		}
	}
	return NewTaskQueryEngineWithTiers(cfg.MaxRetries, tiers...), nil
}

// NewTaskQueryEngineWithTiers uses the given strategies in order. Items whose
// attempts reached maxRetries are never returned; zero disables that check.
func NewTaskQueryEngineWithTiers(maxRetries int, tiers ...QueryTier) *TaskQueryEngine {
	return &TaskQueryEngine{tiers: tiers, maxRetries: maxRetries, logger: log.StandardLogger()}
}

// FindEligible returns up to batchSize eligible non-cover items ordered by priority.
// Tier failures are logged and treated as empty results; it never returns an error.
func (e *TaskQueryEngine) FindEligible(ctx context.Context, runID string, batchSize int) []*models.WorkItem {
	if batchSize <= 0 {
		return nil
	}
	for _, tier := range e.tiers {
		items, err := tier.Find(ctx, runID, batchSize)
		if err != nil {
			e.logger.WithError(err).WithFields(log.Fields{"run_id": runID, "tier": tier.Name()}).Warn("query tier failed, falling back")
			continue
		}
		items = filterEligible(items, e.maxRetries)
		if len(items) == 0 {
			continue
		}
		sortByPriority(items)
		if len(items) > batchSize {
			items = items[:batchSize]
		}
		e.logger.WithFields(log.Fields{"run_id": runID, "tier": tier.Name(), "found": len(items)}).Debug("eligible items located")
		return items
	}
	return nil
}

// filterEligible drops covers and anything a tier returned outside the eligible set.
func filterEligible(items []*models.WorkItem, maxRetries int) []*models.WorkItem {
	out := items[:0]
	for _, it := range items {
		if it == nil || it.IsCover || it.ItemKey == models.RunSummaryKey {
			continue
		}
		switch it.Status {
		case models.StatusInitialized, models.StatusPending:
			out = append(out, it)
		case models.StatusFailedRetryable:
			if maxRetries <= 0 || it.Attempts < maxRetries {
				out = append(out, it)
			}
		}
	}
	return out
}

func sortByPriority(items []*models.WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].ItemKey < items[j].ItemKey
	})
}

func eligibleFilter(maxRetries, limit int) store.ItemFilter {
	return store.ItemFilter{
		Statuses:      EligibleStatuses,
		MaxAttempts:   maxRetries,
		ExcludeCovers: true,
		Limit:         limit,
	}
}

// ShardFanOut is how many shard queries run concurrently for a batch size.
func ShardFanOut(batchSize, maxShards int) int {
	n := batchSize/5 + 1
	if n > maxShards {
		n = maxShards
	}
	return n
}

type shardedTier struct {
	store      store.StateStore
	maxRetries int
	shardCount int
	maxShards  int
}

func (t *shardedTier) Name() string { return TierSharded }

// Find queries every shard of the run, at most ShardFanOut at a time. A failing
// shard contributes nothing; the tier only errors when every shard failed.
func (t *shardedTier) Find(ctx context.Context, runID string, batchSize int) ([]*models.WorkItem, error) {
	shards := t.shardCount

	var (
		mu       sync.Mutex
		items    []*models.WorkItem
		failures int
		lastErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ShardFanOut(batchSize, t.maxShards))
	for i := 0; i < shards; i++ {
		shardID := models.ShardKey(runID, i, shards)
		g.Go(func() error {
			found, err := t.store.QueryShard(gctx, shardID, eligibleFilter(t.maxRetries, batchSize))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				lastErr = err
				log.WithError(err).WithField("shard_id", shardID).Warn("shard query failed")
				return nil
			}
			items = append(items, found...)
			return nil
		})
	}
	_ = g.Wait()
	if failures == shards && lastErr != nil {
		return nil, fmt.Errorf("all %d shard queries failed: %w", shards, lastErr)
	}
	return items, nil
}

type statusTier struct {
	store      store.StateStore
	maxRetries int
}

func (t *statusTier) Name() string { return TierStatus }

func (t *statusTier) Find(ctx context.Context, runID string, batchSize int) ([]*models.WorkItem, error) {
	return t.store.QueryByStatus(ctx, runID, eligibleFilter(t.maxRetries, batchSize))
}

type scanTier struct {
	store      store.StateStore
	maxRetries int
}

func (t *scanTier) Name() string { return TierScan }

func (t *scanTier) Find(ctx context.Context, runID string, batchSize int) ([]*models.WorkItem, error) {
	return t.store.ScanItems(ctx, store.ScanFilter{RunID: runID, ItemFilter: eligibleFilter(t.maxRetries, 0)})
}
