package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"bookscan/internal/store"

	"github.com/stretchr/testify/assert"
)

type fakeLatency struct {
	stats store.LatencyStats
	err   error
	since time.Time
}

func (f *fakeLatency) AverageLatency(_ context.Context, since time.Time) (store.LatencyStats, error) {
	f.since = since
	return f.stats, f.err
}

func memory(v float64) MemoryProbe {
	return func() (float64, error) { return v, nil }
}

func TestBatchSize_Interpolation(t *testing.T) {
	cases := []struct {
		name    string
		latency time.Duration
		want    int
	}{
		{"slow", 90 * time.Second, 5},
		{"at slow bound", 60 * time.Second, 5},
		{"fast", 5 * time.Second, 50},
		{"at fast bound", 10 * time.Second, 50},
		{"midway", 35 * time.Second, 27},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lat := &fakeLatency{stats: store.LatencyStats{Samples: 4, Average: tc.latency}}
			c := NewBatchSizeController(DefaultBatchSizeConfig(), lat, nil)
			assert.Equal(t, tc.want, c.BatchSize(context.Background()))
		})
	}
}

func TestBatchSize_NoTelemetryUsesMinimum(t *testing.T) {
	c := NewBatchSizeController(DefaultBatchSizeConfig(), &fakeLatency{}, nil)
	assert.Equal(t, 5, c.BatchSize(context.Background()))

	c = NewBatchSizeController(DefaultBatchSizeConfig(), &fakeLatency{err: errors.New("unavailable")}, nil)
	assert.Equal(t, 5, c.BatchSize(context.Background()))

	c = NewBatchSizeController(DefaultBatchSizeConfig(), nil, nil)
	assert.Equal(t, 5, c.BatchSize(context.Background()))
}

func TestBatchSize_QueriesConfiguredWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	lat := &fakeLatency{}
	c := NewBatchSizeController(DefaultBatchSizeConfig(), lat, nil)
	c.now = func() time.Time { return now }

	c.BatchSize(context.Background())
	assert.Equal(t, now.Add(-5*time.Minute), lat.since)
}

func TestBatchSize_MemoryPressureHalves(t *testing.T) {
	fast := &fakeLatency{stats: store.LatencyStats{Samples: 1, Average: time.Second}}

	c := NewBatchSizeController(DefaultBatchSizeConfig(), fast, memory(0.9))
	assert.Equal(t, 25, c.BatchSize(context.Background()))

	c = NewBatchSizeController(DefaultBatchSizeConfig(), fast, memory(0.5))
	assert.Equal(t, 50, c.BatchSize(context.Background()))

	c = NewBatchSizeController(DefaultBatchSizeConfig(), &fakeLatency{}, memory(0.95))
	assert.Equal(t, 5, c.BatchSize(context.Background()), "never below the minimum")

	failing := func() (float64, error) { return 0, errors.New("no /proc") }
	c = NewBatchSizeController(DefaultBatchSizeConfig(), fast, failing)
	assert.Equal(t, 50, c.BatchSize(context.Background()))
}

func TestBatchSize_ResultStaysInBounds(t *testing.T) {
	cfg := BatchSizeConfig{MinBatch: 2, MaxBatch: 8}
	for _, lat := range []time.Duration{0, time.Second, 15 * time.Second, 59 * time.Second, time.Hour} {
		c := NewBatchSizeController(cfg, &fakeLatency{stats: store.LatencyStats{Samples: 1, Average: lat}}, memory(0.99))
		got := c.BatchSize(context.Background())
		assert.GreaterOrEqual(t, got, 2)
		assert.LessOrEqual(t, got, 8)
	}
}
