package cmd

import (
	"context"
	"fmt"
	"os"

	"bookscan/internal/app"
	"bookscan/internal/config"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "bookscan",
	Short: "Bookscan pipeline orchestrator",
	Long: `Bookscan turns a folder of scanned page images into a single document.
It seeds a run from the source listing, dispatches pages to the processing
stages in adaptive batches and assembles the result once every page is done.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	// PersistentPreRunE builds the App once for every subcommand.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var (
			cfg *config.Config
			err error
		)
		if configFile != "" {
			cfg, err = config.LoadConfigFile(configFile)
		} else {
			cfg, err = config.LoadConfig()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		appInstance, err := app.NewApp(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}

		ctx := context.WithValue(cmd.Context(), appKey, appInstance)
		cmd.SetContext(ctx)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if appInstance, err := GetAppFromContext(cmd.Context()); err == nil {
			appInstance.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type contextKey string

const appKey contextKey = "app"

// GetAppFromContext returns the App stored by PersistentPreRunE.
func GetAppFromContext(ctx context.Context) (*app.App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("application instance not found in context")
	}
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application instance not found in context")
	}
	return appInstance, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a config file (default ./config.yaml)")
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check state store and queue connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		appInstance, err := GetAppFromContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to get app instance: %w", err)
		}

		fmt.Printf("Checking %s state store...\n", appInstance.Config.Store.Driver)
		if err := appInstance.Store.Ping(ctx); err != nil {
			return fmt.Errorf("state store ping failed: %w", err)
		}
		fmt.Println("State store connection successful.")

		if appInstance.JobClient == nil {
			fmt.Println("Task queue: disabled (redis.address not set).")
		} else {
			fmt.Printf("Task queue: %s\n", appInstance.Config.Redis.Address)
		}
		if appInstance.Pipeline == nil {
			fmt.Println("Stages: none configured.")
		} else {
			fmt.Printf("Stages: %v\n", appInstance.Pipeline.Stages())
		}
		return nil
	},
}
