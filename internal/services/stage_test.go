package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"bookscan/internal/models"
	"bookscan/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcStage struct {
	name  string
	calls int
	fn    func(in StageInput) (json.RawMessage, error)
}

func (s *funcStage) Name() string { return s.name }

func (s *funcStage) Process(_ context.Context, in StageInput) (json.RawMessage, error) {
	s.calls++
	return s.fn(in)
}

func okStage(name, payload string) *funcStage {
	return &funcStage{name: name, fn: func(StageInput) (json.RawMessage, error) { return json.RawMessage(payload), nil }}
}

func entry(runID, key string) models.BatchEntry {
	return models.BatchEntry{RunID: runID, ItemKey: key, InputLocation: "in", TempLocation: "tmp", OutputLocation: "out"}
}

func TestPipeline_CompletesItem(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedRun(t, st, "run", withStatus("p/001.jpg", models.StatusProcessing, 0))

	skew := okStage(StageDetectSkew, `{"angle":1.5}`)
	var seenSkew json.RawMessage
	upscale := &funcStage{name: StageUpscale, fn: func(in StageInput) (json.RawMessage, error) {
		seenSkew = in.Outputs[StageDetectSkew]
		return json.RawMessage(`{"upscaled_image_key":"up/001.png"}`), nil
	}}
	ocr := okStage(StageOCR, `{"ocr_output_key":"ocr/001.txt"}`)
	p, err := NewPipeline(NewStageLifecycle(st, 3), skew, upscale, ocr)
	require.NoError(t, err)
	assert.Equal(t, []string{StageDetectSkew, StageUpscale, StageOCR}, p.Stages())

	require.NoError(t, p.Run(ctx, entry("run", "p/001.jpg")))
	assert.JSONEq(t, `{"angle":1.5}`, string(seenSkew))

	item, err := st.GetItem(ctx, "run", "p/001.jpg")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, item.Status)
	assert.NotNil(t, item.CompletedAt)
	var up UpscaleOutput
	ok, err := item.Output(StageUpscale, &up)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "up/001.png", up.UpscaledImageKey)
	assert.Contains(t, item.StageOutputs, StageOCR)
	assert.Contains(t, item.StageOutputs, StageDetectSkew)
}

func TestPipeline_TransientFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedRun(t, st, "run", withStatus("p/001.jpg", models.StatusProcessing, 0))

	skew := okStage(StageDetectSkew, `{"angle":0}`)
	failing := &funcStage{name: StageUpscale, fn: func(StageInput) (json.RawMessage, error) {
		return nil, models.Transient("upscale", errors.New("gpu busy"))
	}}
	p, err := NewPipeline(NewStageLifecycle(st, 3), skew, failing)
	require.NoError(t, err)

	err = p.Run(ctx, entry("run", "p/001.jpg"))
	require.ErrorIs(t, err, ErrStageFailed)

	item, err := st.GetItem(ctx, "run", "p/001.jpg")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailedRetryable, item.Status)
	assert.Equal(t, 1, item.Attempts)
	require.NotNil(t, item.ErrorMessage)
	assert.Contains(t, *item.ErrorMessage, "gpu busy")

	// The orchestrator re-claims the item and the next delivery resumes after
	// the recorded stage.
	require.NoError(t, st.UpdateStatus(ctx, "run", "p/001.jpg", models.StatusProcessing, store.UpdateOptions{MustExist: true}))
	failing.fn = func(StageInput) (json.RawMessage, error) {
		return json.RawMessage(`{"upscaled_image_key":"up/001.png"}`), nil
	}
	require.NoError(t, p.Run(ctx, entry("run", "p/001.jpg")))
	assert.Equal(t, 1, skew.calls)

	item, err = st.GetItem(ctx, "run", "p/001.jpg")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, item.Status)
}

func TestPipeline_PermanentFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedRun(t, st, "run", withStatus("p/001.jpg", models.StatusProcessing, 0))
	bad := &funcStage{name: StageOCR, fn: func(StageInput) (json.RawMessage, error) {
		return nil, models.Permanent("ocr", errors.New("corrupt image"))
	}}
	p, err := NewPipeline(NewStageLifecycle(st, 3), bad)
	require.NoError(t, err)

	require.ErrorIs(t, p.Run(ctx, entry("run", "p/001.jpg")), ErrStageFailed)
	item, err := st.GetItem(ctx, "run", "p/001.jpg")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailedPermanent, item.Status)
	assert.Equal(t, 0, item.Attempts)
}

func TestLifecycle_BeginGuards(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedRun(t, st, "run",
		withStatus("done.jpg", models.StatusCompleted, 0),
		withStatus("spent.jpg", models.StatusProcessing, 3),
		withStatus("claimed.jpg", models.StatusProcessing, 1),
		withStatus("retry.jpg", models.StatusFailedRetryable, 1),
		pending("queued.jpg"),
	)
	l := NewStageLifecycle(st, 3)

	_, err := l.Begin(ctx, "run", "done.jpg")
	assert.ErrorIs(t, err, models.ErrAlreadyTerminal)

	_, err = l.Begin(ctx, "run", "spent.jpg")
	assert.ErrorIs(t, err, models.ErrMaxAttemptsExceeded)
	spent, err := st.GetItem(ctx, "run", "spent.jpg")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailedPermanent, spent.Status)

	item, err := l.Begin(ctx, "run", "claimed.jpg")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, item.Status)

	for _, key := range []string{"retry.jpg", "queued.jpg"} {
		_, err = l.Begin(ctx, "run", key)
		assert.ErrorIs(t, err, models.ErrNotClaimed, key)
		assert.True(t, models.IsPermanent(err), key)
	}
	retry, err := st.GetItem(ctx, "run", "retry.jpg")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailedRetryable, retry.Status)

	_, err = l.Begin(ctx, "run", "missing.jpg")
	assert.True(t, models.IsPermanent(err))
}

func TestPipeline_IgnoresDeliveryAfterSweep(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedRun(t, st, "run", withStatus("p/001.jpg", models.StatusProcessing, 0))
	s := NewSweeper(st, SweeperConfig{StaleAfter: time.Minute, MaxRetries: 3})
	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err := s.Reclaim(ctx, "run")
	require.NoError(t, err)

	stage := okStage(StageUpscale, `{"upscaled_image_key":"up/001.png"}`)
	p, err := NewPipeline(NewStageLifecycle(st, 3), stage)
	require.NoError(t, err)

	err = p.Run(ctx, entry("run", "p/001.jpg"))
	assert.ErrorIs(t, err, models.ErrNotClaimed)
	assert.Zero(t, stage.calls)

	item, err := st.GetItem(ctx, "run", "p/001.jpg")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailedRetryable, item.Status)
}

func TestRemoteStage_PostsInputAndReturnsOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in StageInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"upscaled_image_key":"up/` + in.Entry.ItemKey + `"}`))
	}))
	defer srv.Close()

	s := NewRemoteStage(StageUpscale, srv.URL, time.Second, 2)
	out, err := s.Process(context.Background(), StageInput{Entry: entry("run", "a.jpg")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"upscaled_image_key":"up/a.jpg"}`, string(out))
}

func TestRemoteStage_ClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		code      int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.code)
		}))
		_, err := NewRemoteStage("ocr", srv.URL, time.Second, 0).Process(context.Background(), StageInput{})
		srv.Close()
		require.Error(t, err)
		assert.Equal(t, tc.permanent, models.IsPermanent(err), "status %d", tc.code)
		assert.Equal(t, !tc.permanent, models.IsRetryable(err), "status %d", tc.code)
	}
}

func TestRemoteStage_BoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := NewRemoteStage("skew", srv.URL, 5*time.Second, 2)
	done := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := s.Process(context.Background(), StageInput{})
			done <- err
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	for i := 0; i < 5; i++ {
		require.NoError(t, <-done)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRemoteAssembler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req AssembleRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Write([]byte(`{"output_key":"final-pdfs/` + req.RunID + `.pdf"}`))
	}))
	defer srv.Close()

	key, err := NewRemoteAssembler(srv.URL, time.Second).Assemble(context.Background(), AssembleRequest{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "final-pdfs/r1.pdf", key)
}
