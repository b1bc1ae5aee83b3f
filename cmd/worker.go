package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookscan/internal/app"
	"bookscan/internal/tasks"
	"bookscan/internal/worker"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var workerNoSweep bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background task worker",
	Long: `Starts the asynq worker that runs ticks, processes items through the stages,
finalizes finished runs and periodically sweeps orphaned items.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get application context: %w", err)
		}
		if err := runWorker(appInstance); err != nil {
			log.WithError(err).Error("worker exited with error")
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().BoolVar(&workerNoSweep, "no-sweep", false, "Do not schedule the periodic sweep")
}

func runWorker(appInstance *app.App) error {
	cfg := appInstance.Config
	if appInstance.JobClient == nil {
		return fmt.Errorf("worker needs a task queue (redis.address)")
	}
	redisOpt := appInstance.RedisOpt()

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:  cfg.Worker.Concurrency,
		Queues:       cfg.Worker.Queues,
		ErrorHandler: worker.DeadLetterHandler(),
		Logger:       log.StandardLogger(),
	})

	mux := asynq.NewServeMux()
	deps := worker.Deps{
		Orchestrator: appInstance.Orchestrator,
		Finalizer:    appInstance.Finalizer,
		Sweeper:      appInstance.Sweeper,
		JobClient:    appInstance.JobClient,
		TickInterval: cfg.Orchestrator.TickInterval,
	}
	if appInstance.Pipeline != nil {
		deps.Pipeline = appInstance.Pipeline
	}
	worker.RegisterHandlers(mux, deps)

	var scheduler *asynq.Scheduler
	if !workerNoSweep && cfg.Sweeper.Schedule != "" {
		scheduler = asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC, Logger: log.StandardLogger()})
		entryID, err := scheduler.Register(cfg.Sweeper.Schedule, asynq.NewTask(tasks.TypeSweep, nil),
			asynq.Queue(appInstance.Queues.Orchestration), asynq.MaxRetry(0))
		if err != nil {
			return fmt.Errorf("register sweep schedule %q: %w", cfg.Sweeper.Schedule, err)
		}
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		log.WithFields(log.Fields{"entry_id": entryID, "schedule": cfg.Sweeper.Schedule}).Info("sweep scheduled")
	}

	log.WithFields(log.Fields{"concurrency": cfg.Worker.Concurrency, "queues": cfg.Worker.Queues}).Info("starting asynq worker server")
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	log.Info("shutdown signal received, stopping worker")
	if scheduler != nil {
		scheduler.Shutdown()
	}
	srv.Stop()
	srv.Shutdown()
	log.Info("worker shutdown complete")
	return nil
}
