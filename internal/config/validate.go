package config

import (
	"errors"
	"fmt"
)

var (
	validDrivers  = map[string]bool{"postgres": true, "sqlite": true}
	validPolicies = map[string]bool{"terminal": true, "strict": true}
	validTiers    = map[string]bool{"sharded": true, "status": true, "scan": true}
	validFormats  = map[string]bool{"text": true, "json": true}
)

func (c *Config) Validate() error {
	// Store
	if !validDrivers[c.Store.Driver] {
		return fmt.Errorf("store.driver must be postgres or sqlite, got %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return errors.New("store.dsn is required")
	}
	if c.Store.Table == "" {
		return errors.New("store.table is required")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be a positive integer")
	}

	// Worker (only meaningful with a queue)
	if c.Redis.Address != "" {
		if c.Worker.Concurrency <= 0 {
			return errors.New("worker.concurrency must be a positive integer")
		}
		if len(c.Worker.Queues) == 0 {
			return errors.New("worker.queues must define at least one queue")
		}
		for name, priority := range c.Worker.Queues {
			if name == "" {
				return errors.New("worker.queues contains an empty queue name")
			}
			if priority <= 0 {
				return fmt.Errorf("worker.queues priority for queue '%s' must be positive", name)
			}
		}
		for _, q := range []string{c.Worker.OrchestrationQueue, c.Worker.StageQueue} {
			if _, ok := c.Worker.Queues[q]; !ok {
				return fmt.Errorf("queue '%s' is not listed in worker.queues", q)
			}
		}
	}

	// Orchestrator
	o := c.Orchestrator
	if o.MinBatch <= 0 {
		return errors.New("orchestrator.min_batch must be positive")
	}
	if o.MaxBatch < o.MinBatch {
		return fmt.Errorf("orchestrator.max_batch (%d) must not be below min_batch (%d)", o.MaxBatch, o.MinBatch)
	}
	if o.ShardCount <= 0 {
		return errors.New("orchestrator.shard_count must be positive")
	}
	if o.MaxRetries <= 0 {
		return errors.New("orchestrator.max_retries must be positive")
	}
	if o.FastLatency >= o.SlowLatency {
		return fmt.Errorf("orchestrator.fast_latency (%s) must be below slow_latency (%s)", o.FastLatency, o.SlowLatency)
	}
	if o.MemoryThreshold <= 0 || o.MemoryThreshold > 1 {
		return errors.New("orchestrator.memory_threshold must be in (0, 1]")
	}
	if !validPolicies[o.CompletionPolicy] {
		return fmt.Errorf("orchestrator.completion_policy must be terminal or strict, got %q", o.CompletionPolicy)
	}
	if len(o.QueryTiers) == 0 {
		return errors.New("orchestrator.query_tiers must name at least one tier")
	}
	for _, tier := range o.QueryTiers {
		if !validTiers[tier] {
			return fmt.Errorf("orchestrator.query_tiers contains unknown tier %q", tier)
		}
	}

	// Initializer
	if c.Initializer.FrontCoverPattern == "" || c.Initializer.BackCoverPattern == "" {
		return errors.New("initializer cover patterns are required")
	}
	if len(c.Initializer.Extensions) == 0 {
		return errors.New("initializer.extensions must list at least one extension")
	}

	// Stages
	seen := map[string]bool{}
	for i, s := range c.Stages {
		if s.Name == "" {
			return fmt.Errorf("stages[%d].name is required", i)
		}
		if s.Endpoint == "" {
			return fmt.Errorf("stages[%d].endpoint is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("stage %q is configured twice", s.Name)
		}
		seen[s.Name] = true
	}

	if c.Sweeper.StaleAfter <= 0 {
		return errors.New("sweeper.stale_after must be positive")
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
