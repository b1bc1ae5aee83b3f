package services

import (
	"context"
	"time"

	"bookscan/internal/store"

	log "github.com/sirupsen/logrus"
)

// LatencySource supplies recent processing latency telemetry.
type LatencySource interface {
	AverageLatency(ctx context.Context, since time.Time) (store.LatencyStats, error)
}

// MemoryProbe reports the fraction of host memory in use.
type MemoryProbe func() (float64, error)

// BatchSizeConfig bounds and tunes the batch size controller.
type BatchSizeConfig struct {
	MinBatch        int
	MaxBatch        int
	Window          time.Duration
	SlowLatency     time.Duration
	FastLatency     time.Duration
	MemoryThreshold float64
}

// DefaultBatchSizeConfig returns the 5..50 range interpolated between 60s and 10s.
func DefaultBatchSizeConfig() BatchSizeConfig {
	return BatchSizeConfig{
		MinBatch:        5,
		MaxBatch:        50,
		Window:          5 * time.Minute,
		SlowLatency:     60 * time.Second,
		FastLatency:     10 * time.Second,
		MemoryThreshold: 0.8,
	}
}

// BatchSizeController maps recent latency to a batch size within [MinBatch, MaxBatch].
type BatchSizeController struct {
	cfg     BatchSizeConfig
	latency LatencySource
	memory  MemoryProbe
	now     func() time.Time
	logger  log.FieldLogger
}

// NewBatchSizeController creates a controller. memory may be nil to skip the pressure check.
func NewBatchSizeController(cfg BatchSizeConfig, latency LatencySource, memory MemoryProbe) *BatchSizeController {
	def := DefaultBatchSizeConfig()
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = def.MinBatch
	}
	if cfg.MaxBatch < cfg.MinBatch {
		cfg.MaxBatch = cfg.MinBatch
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.SlowLatency <= 0 {
		cfg.SlowLatency = def.SlowLatency
	}
	if cfg.FastLatency <= 0 || cfg.FastLatency >= cfg.SlowLatency {
		cfg.FastLatency = def.FastLatency
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = def.MemoryThreshold
	}
	return &BatchSizeController{
		cfg:     cfg,
		latency: latency,
		memory:  memory,
		now:     time.Now,
		logger:  log.StandardLogger(),
	}
}

// Config returns the effective configuration.
func (c *BatchSizeController) Config() BatchSizeConfig { return c.cfg }

// BatchSize never fails: missing or unreadable telemetry yields MinBatch.
func (c *BatchSizeController) BatchSize(ctx context.Context) int {
	size := c.cfg.MinBatch
	if c.latency != nil {
		stats, err := c.latency.AverageLatency(ctx, c.now().Add(-c.cfg.Window))
		switch {
		case err != nil:
			c.logger.WithError(err).Warn("latency telemetry unavailable, using minimum batch size")
		case stats.Samples == 0:
			c.logger.Debug("no latency telemetry in window, using minimum batch size")
		default:
			size = c.interpolate(stats.Average)
		}
	}
	return c.applyMemoryPressure(size)
}

func (c *BatchSizeController) interpolate(latency time.Duration) int {
	if latency >= c.cfg.SlowLatency {
		return c.cfg.MinBatch
	}
	if latency <= c.cfg.FastLatency {
		return c.cfg.MaxBatch
	}
	span := float64(c.cfg.SlowLatency - c.cfg.FastLatency)
	headroom := float64(c.cfg.SlowLatency - latency)
	return c.cfg.MinBatch + int(float64(c.cfg.MaxBatch-c.cfg.MinBatch)*headroom/span)
}

func (c *BatchSizeController) applyMemoryPressure(size int) int {
	if c.memory == nil {
		return size
	}
	used, err := c.memory()
	if err != nil {
		c.logger.WithError(err).Debug("memory probe failed, skipping pressure adjustment")
		return size
	}
	if used > c.cfg.MemoryThreshold {
		size /= 2
		if size < c.cfg.MinBatch {
			size = c.cfg.MinBatch
		}
		c.logger.WithFields(log.Fields{"memory_used": used, "batch_size": size}).Info("memory pressure, halving batch size")
	}
	return size
}
