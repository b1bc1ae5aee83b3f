package app

import (
	"context"
	"fmt"
	"os"

	"bookscan/internal/config"
	"bookscan/internal/services"
	"bookscan/internal/store"
	"bookscan/internal/store/primary"
	"bookscan/internal/store/sqlite"
	"bookscan/internal/sysinfo"
	"bookscan/internal/tasks"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
)

// App holds every long-lived component of the pipeline.
type App struct {
	Config *config.Config

	// Store is the throttle-retrying state store every service uses.
	Store store.StateStore
	// JobClient is nil when no Redis address is configured.
	JobClient store.JobClient
	Queues    tasks.Queues

	BatchSizer   *services.BatchSizeController
	QueryEngine  *services.TaskQueryEngine
	Orchestrator *services.Orchestrator
	Initializer  *services.Initializer
	Finalizer    *services.FinalizationGate
	Sweeper      *services.Sweeper
	Lifecycle    *services.StageLifecycle
	// Pipeline is nil when no stages are configured.
	Pipeline *services.Pipeline

	raw store.StateStore
}

func NewApp(cfg *config.Config) (*App, error) {
	return NewAppWithStore(context.Background(), cfg, nil)
}

// NewAppWithStore wires the services over st, opening the configured store when
// st is nil.
func NewAppWithStore(ctx context.Context, cfg *config.Config, st store.StateStore) (*App, error) {
	ConfigureLogging(cfg)
	app := &App{Config: cfg, Queues: tasks.Queues{
		Orchestration: cfg.Worker.OrchestrationQueue,
		Stages:        cfg.Worker.StageQueue,
	}.WithDefaults()}

	if st == nil {
		if err := app.initStore(ctx); err != nil {
			return nil, err
		}
	} else {
		app.raw = st
	}
	app.Store = store.NewRetryingStore(app.raw, &store.SimpleRetryStrategy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	})

	if err := app.initJobClient(); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.initServices(); err != nil {
		app.Close()
		return nil, err
	}

	log.WithField("driver", cfg.Store.Driver).Debug("application initialization complete")
	return app, nil
}

// ConfigureLogging applies the log section to the standard logrus logger.
func ConfigureLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	if cfg.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// RedisOpt is the asynq connection described by the redis section.
func (a *App) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.Config.Redis.Address,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	}
}

func (a *App) initStore(ctx context.Context) error {
	switch a.Config.Store.Driver {
	case "sqlite":
		st, err := sqlite.New(ctx, a.Config.Store.DSN)
		if err != nil {
			return fmt.Errorf("init sqlite store: %w", err)
		}
		a.raw = st
	default:
		st, err := primary.NewPrimaryStore(ctx, a.Config.Store.DSN, a.Config.Store.Table)
		if err != nil {
			return fmt.Errorf("init primary store: %w", err)
		}
		a.raw = st
	}
	return nil
}

func (a *App) initJobClient() error {
	if a.Config.Redis.Address == "" {
		log.Warn("redis.address not set, task queue disabled")
		return nil
	}
	jc, err := store.NewAsynqJobClient(a.RedisOpt(), a.Queues)
	if err != nil {
		return fmt.Errorf("init job client: %w", err)
	}
	a.JobClient = jc
	return nil
}

func (a *App) initServices() error {
	cfg := a.Config
	oc := cfg.Orchestrator

	a.BatchSizer = services.NewBatchSizeController(services.BatchSizeConfig{
		MinBatch:        oc.MinBatch,
		MaxBatch:        oc.MaxBatch,
		Window:          oc.LatencyWindow,
		SlowLatency:     oc.SlowLatency,
		FastLatency:     oc.FastLatency,
		MemoryThreshold: oc.MemoryThreshold,
	}, a.Store, sysinfo.MemoryUsedFraction)

	qe, err := services.NewTaskQueryEngine(a.Store, services.QueryEngineConfig{
		MaxRetries: oc.MaxRetries,
		ShardCount: oc.ShardCount,
		MaxShards:  oc.MaxShards,
		Tiers:      oc.QueryTiers,
	})
	if err != nil {
		return fmt.Errorf("init query engine: %w", err)
	}
	a.QueryEngine = qe

	var notifier services.CompletionNotifier = services.NoopNotifier{}
	if a.JobClient != nil {
		notifier = a.JobClient
	}
	orch, err := services.NewOrchestrator(a.Store, a.BatchSizer, a.QueryEngine, notifier, services.OrchestratorConfig{
		MaxRetries:       oc.MaxRetries,
		MaxBatch:         oc.MaxBatch,
		CompletionPolicy: oc.CompletionPolicy,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	a.Orchestrator = orch

	covers := services.CoverRules{Front: cfg.Initializer.FrontCoverPattern, Back: cfg.Initializer.BackCoverPattern}
	a.Initializer = services.NewInitializer(a.Store, services.LocalLister{}, services.InitializerConfig{
		Extensions: cfg.Initializer.Extensions,
		Covers:     covers,
		ShardCount: oc.ShardCount,
	})

	var assembler services.Assembler = services.ManifestAssembler{KeyPrefix: cfg.Assembler.KeyPrefix}
	if cfg.Assembler.Endpoint != "" {
		assembler = services.NewRemoteAssembler(cfg.Assembler.Endpoint, cfg.Assembler.Timeout)
	}
	a.Finalizer = services.NewFinalizationGate(a.Store, assembler, covers, oc.MaxRetries)

	a.Sweeper = services.NewSweeper(a.Store, services.SweeperConfig{
		StaleAfter: cfg.Sweeper.StaleAfter,
		MaxRetries: oc.MaxRetries,
		Limit:      cfg.Sweeper.Limit,
	})

	a.Lifecycle = services.NewStageLifecycle(a.Store, oc.MaxRetries)
	if len(cfg.Stages) == 0 {
		log.Warn("no stages configured, item processing disabled")
		return nil
	}
	stages := make([]services.Stage, 0, len(cfg.Stages))
	for _, sc := range cfg.Stages {
		stages = append(stages, services.NewRemoteStage(sc.Name, sc.Endpoint, sc.Timeout, sc.MaxConcurrent))
	}
	a.Pipeline, err = services.NewPipeline(a.Lifecycle, stages...)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	return nil
}

// Close releases the job client and the store.
func (a *App) Close() {
	if a.JobClient != nil {
		if err := a.JobClient.Close(); err != nil {
			log.WithError(err).Warn("error closing job client")
		}
	}
	if a.raw != nil {
		if err := a.raw.Close(); err != nil {
			log.WithError(err).Warn("error closing store")
		}
	}
}
