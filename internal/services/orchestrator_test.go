package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"bookscan/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTick_DispatchesAllPendingItems(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedRun(t, st, "run-a", pending("p/001.jpg"), pending("p/002.jpg"), pending("p/003.jpg"))
	o := newTestOrchestrator(t, st, 5, PolicyTerminal, nil)

	resp, err := o.Tick(ctx, tickReq("run-a"))
	require.NoError(t, err)
	assert.False(t, resp.IsWorkDone)
	assert.Equal(t, models.PhaseDispatching, resp.Phase)
	require.Len(t, resp.BatchToProcess, 3)
	assert.Equal(t, "p/001.jpg", resp.BatchToProcess[0].ItemKey)
	assert.Equal(t, "tmp", resp.BatchToProcess[0].TempLocation)

	n, err := st.CountByStatus(ctx, "run-a", models.StatusProcessing, false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	item, err := st.GetItem(ctx, "run-a", "p/002.jpg")
	require.NoError(t, err)
	assert.NotNil(t, item.DispatchedAt)
}

func TestTick_CompletedRunIsDone(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedRun(t, st, "run-b", withStatus("p/001.jpg", models.StatusCompleted, 0))
	notifier := &recordingNotifier{}
	o := newTestOrchestrator(t, st, 5, PolicyTerminal, notifier)

	resp, err := o.Tick(ctx, tickReq("run-b"))
	require.NoError(t, err)
	assert.True(t, resp.IsWorkDone)
	assert.Empty(t, resp.BatchToProcess)
	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, "out", notifier.reqs[0].OutputLocation)

	run, err := st.GetRun(ctx, "run-b")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 1, run.CompletedItems)

	// A completed run stays done without notifying again.
	resp, err = o.Tick(ctx, tickReq("run-b"))
	require.NoError(t, err)
	assert.True(t, resp.IsWorkDone)
	assert.Equal(t, 1, notifier.count())
}

func TestTick_ExhaustedItemUnderPolicies(t *testing.T) {
	t.Run("strict never finishes", func(t *testing.T) {
		ctx := context.Background()
		st := newTestStore(t)
		seedRun(t, st, "run-c", withStatus("p/001.jpg", models.StatusFailedRetryable, 3))
		o := newTestOrchestrator(t, st, 5, PolicyStrict, nil)

		for i := 0; i < 3; i++ {
			resp, err := o.Tick(ctx, tickReq("run-c"))
			require.NoError(t, err)
			assert.False(t, resp.IsWorkDone)
			assert.Empty(t, resp.BatchToProcess)
			assert.Equal(t, models.PhaseAwaitingWorkers, resp.Phase)
		}
		item, err := st.GetItem(ctx, "run-c", "p/001.jpg")
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailedRetryable, item.Status)
	})

	t.Run("terminal retires and finishes", func(t *testing.T) {
		ctx := context.Background()
		st := newTestStore(t)
		seedRun(t, st, "run-c", withStatus("p/001.jpg", models.StatusFailedRetryable, 3), withStatus("p/002.jpg", models.StatusCompleted, 1))
		o := newTestOrchestrator(t, st, 5, PolicyTerminal, nil)

		resp, err := o.Tick(ctx, tickReq("run-c"))
		require.NoError(t, err)
		assert.True(t, resp.IsWorkDone)
		assert.Empty(t, resp.BatchToProcess)

		item, err := st.GetItem(ctx, "run-c", "p/001.jpg")
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailedPermanent, item.Status)

		run, err := st.GetRun(ctx, "run-c")
		require.NoError(t, err)
		assert.Equal(t, 1, run.CompletedItems)
		assert.Equal(t, 1, run.FailedItems)
	})
}

func TestTick_MissingSummaryWaits(t *testing.T) {
	st := newTestStore(t)
	o := newTestOrchestrator(t, st, 5, PolicyTerminal, nil)

	resp, err := o.Tick(context.Background(), tickReq("not-there"))
	require.NoError(t, err)
	assert.False(t, resp.IsWorkDone)
	assert.NotNil(t, resp.BatchToProcess)
	assert.Empty(t, resp.BatchToProcess)
	assert.Equal(t, models.PhaseNotInitialized, resp.Phase)
}

func TestTick_InitializingRunWaits(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.PutRun(ctx, &models.Run{RunID: "run-i", Status: models.RunInitializing}))
	require.NoError(t, st.PutItem(ctx, &models.WorkItem{RunID: "run-i", ItemKey: "a.jpg", Status: models.StatusPending, ShardID: "run-i#0"}))
	o := newTestOrchestrator(t, st, 5, PolicyTerminal, nil)

	resp, err := o.Tick(ctx, tickReq("run-i"))
	require.NoError(t, err)
	assert.Equal(t, models.PhaseInitializing, resp.Phase)
	assert.Empty(t, resp.BatchToProcess)
}

func TestTick_NoImagesIsPermanent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.PutRun(ctx, &models.Run{RunID: "run-n", Status: models.RunNoImages}))
	o := newTestOrchestrator(t, st, 5, PolicyTerminal, nil)

	_, err := o.Tick(ctx, tickReq("run-n"))
	require.Error(t, err)
	assert.True(t, models.IsPermanent(err))
	assert.ErrorIs(t, err, models.ErrNoImages)
}

func TestTick_InvalidRequest(t *testing.T) {
	o := newTestOrchestrator(t, newTestStore(t), 5, PolicyTerminal, nil)
	_, err := o.Tick(context.Background(), models.TickRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestTick_ConcurrentTicksNeverShareItems(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	items := make([]*models.WorkItem, 0, 12)
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		items = append(items, pending("p/"+k+".jpg"))
	}
	seedRun(t, st, "run-e", items...)
	o1 := newTestOrchestrator(t, st, 12, PolicyTerminal, nil)
	o2 := newTestOrchestrator(t, st, 12, PolicyTerminal, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		batches [][]models.BatchEntry
	)
	for _, o := range []*Orchestrator{o1, o2} {
		wg.Add(1)
		go func(o *Orchestrator) {
			defer wg.Done()
			resp, err := o.Tick(ctx, tickReq("run-e"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			batches = append(batches, resp.BatchToProcess)
			mu.Unlock()
		}(o)
	}
	wg.Wait()

	seen := map[string]int{}
	total := 0
	for _, b := range batches {
		for _, e := range b {
			seen[e.ItemKey]++
			total++
		}
	}
	for key, n := range seen {
		assert.Equal(t, 1, n, "item %s dispatched twice", key)
	}
	assert.Equal(t, 12, total)
}

func TestTick_BatchIsBoundedAndOrdered(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	items := []*models.WorkItem{pending("p/01.jpg"), pending("p/02.jpg"), pending("p/03.jpg"), pending("p/04.jpg"), pending("p/05.jpg"), pending("p/06.jpg"), pending("p/07.jpg")}
	seedRun(t, st, "run-f", items...)
	o := newTestOrchestrator(t, st, 5, PolicyTerminal, nil)

	first, err := o.Tick(ctx, tickReq("run-f"))
	require.NoError(t, err)
	require.Len(t, first.BatchToProcess, 5)
	assert.Equal(t, "p/01.jpg", first.BatchToProcess[0].ItemKey)
	assert.Equal(t, "p/05.jpg", first.BatchToProcess[4].ItemKey)

	second, err := o.Tick(ctx, tickReq("run-f"))
	require.NoError(t, err)
	require.Len(t, second.BatchToProcess, 2)
	assert.Equal(t, "p/06.jpg", second.BatchToProcess[0].ItemKey)

	third, err := o.Tick(ctx, tickReq("run-f"))
	require.NoError(t, err)
	assert.False(t, third.IsWorkDone)
	assert.Equal(t, models.PhaseAwaitingWorkers, third.Phase)
}

func TestTick_CoversAreNeverDispatched(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	front := &models.WorkItem{ItemKey: "p/000~.jpg", Status: models.StatusCompleted, IsCover: true}
	seedRun(t, st, "run-g", front, pending("p/001.jpg"))
	o := newTestOrchestrator(t, st, 5, PolicyTerminal, nil)

	resp, err := o.Tick(ctx, tickReq("run-g"))
	require.NoError(t, err)
	require.Len(t, resp.BatchToProcess, 1)
	assert.Equal(t, "p/001.jpg", resp.BatchToProcess[0].ItemKey)
}

func TestTick_RunWithoutPagesIsNeverDone(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedRun(t, st, "run-h",
		&models.WorkItem{ItemKey: "p/000~.jpg", Status: models.StatusCompleted, IsCover: true},
		&models.WorkItem{ItemKey: "p/999z.jpg", Status: models.StatusCompleted, IsCover: true})
	notifier := &recordingNotifier{}
	o := newTestOrchestrator(t, st, 5, PolicyTerminal, notifier)

	resp, err := o.Tick(ctx, tickReq("run-h"))
	require.NoError(t, err)
	assert.False(t, resp.IsWorkDone)
	assert.Empty(t, resp.BatchToProcess)
	assert.Zero(t, notifier.count())
}

func TestTick_NotifyFailureKeepsRunActive(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedRun(t, st, "run-x", withStatus("p/001.jpg", models.StatusCompleted, 0))
	notifier := &recordingNotifier{err: errors.New("queue down")}
	o := newTestOrchestrator(t, st, 5, PolicyTerminal, notifier)

	_, err := o.Tick(ctx, tickReq("run-x"))
	require.Error(t, err)
	assert.True(t, models.IsRetryable(err))

	run, err := st.GetRun(ctx, "run-x")
	require.NoError(t, err)
	assert.Equal(t, models.RunActive, run.Status)
}

func TestNewOrchestrator_RejectsUnknownPolicy(t *testing.T) {
	st := newTestStore(t)
	qe := NewTaskQueryEngineWithTiers(3)
	_, err := NewOrchestrator(st, fixedSizer(5), qe, nil, OrchestratorConfig{CompletionPolicy: "eventually"})
	assert.Error(t, err)
}

func TestProgress_CountsEveryStatus(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedRun(t, st, "run-p", pending("a.jpg"), withStatus("b.jpg", models.StatusCompleted, 0), withStatus("c.jpg", models.StatusFailedPermanent, 3))
	o := newTestOrchestrator(t, st, 5, PolicyTerminal, nil)

	p, err := o.Progress(ctx, "run-p")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Counts[models.StatusPending])
	assert.Equal(t, 1, p.Counts[models.StatusCompleted])
	assert.Equal(t, 1, p.Counts[models.StatusFailedPermanent])
	assert.Equal(t, 0, p.Counts[models.StatusProcessing])
	assert.Equal(t, 3, p.Run.TotalItems)
}
