package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bookscan/internal/models"
	"bookscan/internal/store"
	"bookscan/internal/store/sqlite"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// seedRun writes an active run summary plus the given items, assigning
// priorities and shards in order.
func seedRun(t *testing.T, st store.StateStore, runID string, items ...*models.WorkItem) *models.Run {
	t.Helper()
	ctx := context.Background()
	run := &models.Run{RunID: runID, Status: models.RunActive, CreatedAt: time.Now().UTC()}
	for i, it := range items {
		it.RunID = runID
		it.Priority = i
		it.ShardID = models.ShardKey(runID, i, 10)
		if it.Status == "" {
			it.Status = models.StatusPending
		}
		run.TotalItems++
		if it.IsCover {
			run.SkippedItems++
		}
	}
	require.NoError(t, st.BatchPutItems(ctx, items))
	require.NoError(t, st.PutRun(ctx, run))
	return run
}

func pending(key string) *models.WorkItem {
	return &models.WorkItem{ItemKey: key, Status: models.StatusPending}
}

func withStatus(key string, status models.ItemStatus, attempts int) *models.WorkItem {
	return &models.WorkItem{ItemKey: key, Status: status, Attempts: attempts}
}

type fixedSizer int

func (f fixedSizer) BatchSize(context.Context) int { return int(f) }

type recordingNotifier struct {
	mu   sync.Mutex
	reqs []models.FinalizeRequest
	err  error
}

func (n *recordingNotifier) NotifyRunComplete(_ context.Context, req models.FinalizeRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reqs = append(n.reqs, req)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reqs)
}

func newTestOrchestrator(t *testing.T, st store.StateStore, size int, policy string, notifier CompletionNotifier) *Orchestrator {
	t.Helper()
	qe, err := NewTaskQueryEngine(st, QueryEngineConfig{MaxRetries: 3, ShardCount: 10, MaxShards: 10})
	require.NoError(t, err)
	o, err := NewOrchestrator(st, fixedSizer(size), qe, notifier, OrchestratorConfig{MaxRetries: 3, MaxBatch: 50, CompletionPolicy: policy})
	require.NoError(t, err)
	return o
}

func tickReq(runID string) models.TickRequest {
	return models.TickRequest{RunID: runID, InputLocation: "in", TempLocation: "tmp", OutputLocation: "out"}
}
