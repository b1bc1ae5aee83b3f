package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"bookscan/internal/models"
	"bookscan/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTier struct {
	name  string
	items []*models.WorkItem
	err   error
	calls int
}

func (s *stubTier) Name() string { return s.name }

func (s *stubTier) Find(context.Context, string, int) ([]*models.WorkItem, error) {
	s.calls++
	out := make([]*models.WorkItem, len(s.items))
	copy(out, s.items)
	return out, s.err
}

// shardFailingStore fails QueryShard for shard ids with the given suffix.
type shardFailingStore struct {
	store.StateStore
	failSuffix string
	all        bool
}

func (s *shardFailingStore) QueryShard(ctx context.Context, shardID string, f store.ItemFilter) ([]*models.WorkItem, error) {
	if s.all || strings.HasSuffix(shardID, s.failSuffix) {
		return nil, store.ErrThrottled
	}
	return s.StateStore.QueryShard(ctx, shardID, f)
}

func TestFindEligible_FallsBackPastFailingAndEmptyTiers(t *testing.T) {
	failing := &stubTier{name: "a", err: errors.New("boom")}
	empty := &stubTier{name: "b"}
	last := &stubTier{name: "c", items: []*models.WorkItem{
		{ItemKey: "z.jpg", Priority: 2, Status: models.StatusPending},
		{ItemKey: "y.jpg", Priority: 1, Status: models.StatusPending},
	}}
	e := NewTaskQueryEngineWithTiers(3, failing, empty, last)

	items := e.FindEligible(context.Background(), "run", 5)
	require.Len(t, items, 2)
	assert.Equal(t, "y.jpg", items[0].ItemKey)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, empty.calls)
}

func TestFindEligible_StopsAtFirstTierWithResults(t *testing.T) {
	first := &stubTier{name: "a", items: []*models.WorkItem{{ItemKey: "a.jpg", Status: models.StatusPending}}}
	second := &stubTier{name: "b", items: []*models.WorkItem{{ItemKey: "b.jpg", Status: models.StatusPending}}}
	e := NewTaskQueryEngineWithTiers(3, first, second)

	items := e.FindEligible(context.Background(), "run", 5)
	require.Len(t, items, 1)
	assert.Equal(t, 0, second.calls)
}

func TestFindEligible_FiltersIneligibleRecords(t *testing.T) {
	tier := &stubTier{name: "a", items: []*models.WorkItem{
		{ItemKey: "cover~.jpg", Status: models.StatusPending, IsCover: true},
		{ItemKey: models.RunSummaryKey, Status: models.StatusPending},
		{ItemKey: "done.jpg", Status: models.StatusCompleted},
		{ItemKey: "busy.jpg", Status: models.StatusProcessing},
		{ItemKey: "spent.jpg", Status: models.StatusFailedRetryable, Attempts: 3},
		{ItemKey: "retry.jpg", Status: models.StatusFailedRetryable, Attempts: 2, Priority: 1},
		{ItemKey: "new.jpg", Status: models.StatusInitialized},
	}}
	e := NewTaskQueryEngineWithTiers(3, tier)

	items := e.FindEligible(context.Background(), "run", 10)
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.ItemKey)
	}
	assert.Equal(t, []string{"new.jpg", "retry.jpg"}, keys)
}

func TestFindEligible_TruncatesToBatchSize(t *testing.T) {
	var many []*models.WorkItem
	for i := 0; i < 8; i++ {
		many = append(many, &models.WorkItem{ItemKey: string(rune('a'+i)) + ".jpg", Priority: 8 - i, Status: models.StatusPending})
	}
	e := NewTaskQueryEngineWithTiers(3, &stubTier{name: "a", items: many})

	items := e.FindEligible(context.Background(), "run", 3)
	require.Len(t, items, 3)
	assert.Equal(t, 1, items[0].Priority)
	assert.Empty(t, e.FindEligible(context.Background(), "run", 0))
}

func TestShardedTier_PartialShardFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedRun(t, st, "run", pending("0.jpg"), pending("1.jpg"), pending("2.jpg"))
	// Priority 1 lands in shard run#1.
	flaky := &shardFailingStore{StateStore: st, failSuffix: "#1"}
	e, err := NewTaskQueryEngine(flaky, QueryEngineConfig{MaxRetries: 3, Tiers: []string{TierSharded}})
	require.NoError(t, err)

	items := e.FindEligible(ctx, "run", 5)
	keys := []string{}
	for _, it := range items {
		keys = append(keys, it.ItemKey)
	}
	assert.Equal(t, []string{"0.jpg", "2.jpg"}, keys)
}

func TestShardedTier_AllShardsFailingFallsBack(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedRun(t, st, "run", pending("0.jpg"), pending("1.jpg"))
	flaky := &shardFailingStore{StateStore: st, all: true}
	e, err := NewTaskQueryEngine(flaky, QueryEngineConfig{MaxRetries: 3})
	require.NoError(t, err)

	items := e.FindEligible(ctx, "run", 5)
	assert.Len(t, items, 2)
}

func TestScanTierFindsItemsWithoutShards(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.PutItem(ctx, &models.WorkItem{RunID: "run", ItemKey: "odd.jpg", Status: models.StatusPending, ShardID: "legacy"}))
	e, err := NewTaskQueryEngine(st, QueryEngineConfig{MaxRetries: 3, Tiers: []string{TierSharded, TierScan}})
	require.NoError(t, err)

	items := e.FindEligible(ctx, "run", 5)
	require.Len(t, items, 1)
	assert.Equal(t, "odd.jpg", items[0].ItemKey)
}

func TestNewTaskQueryEngine_UnknownTier(t *testing.T) {
	_, err := NewTaskQueryEngine(newTestStore(t), QueryEngineConfig{Tiers: []string{"psychic"}})
	assert.Error(t, err)
}

func TestShardFanOut(t *testing.T) {
	assert.Equal(t, 1, ShardFanOut(3, 10))
	assert.Equal(t, 2, ShardFanOut(5, 10))
	assert.Equal(t, 10, ShardFanOut(50, 10))
	assert.Equal(t, 4, ShardFanOut(50, 4))
}
