package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"bookscan/internal/clix"

	"github.com/spf13/cobra"
)

var (
	tickQueue    bool
	tickDispatch bool
)

var tickCmd = &cobra.Command{
	Use:   "tick <run-id>",
	Short: "Run one orchestration step for a run",
	Long: `Runs a single tick and prints the response as JSON. Claimed items are only
handed to the stage workers with --dispatch. With --queue the tick is queued for
the worker instead, which keeps ticking until the run is done.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		req := clix.ParseTickRequest(cmd.Flags(), args[0])

		if tickQueue {
			if appInstance.JobClient == nil {
				return fmt.Errorf("--queue needs a task queue (redis.address)")
			}
			if err := appInstance.JobClient.EnqueueTick(cmd.Context(), req, 0); err != nil {
				return fmt.Errorf("queue tick: %w", err)
			}
			fmt.Printf("Tick queued for run %s.\n", req.RunID)
			return nil
		}

		resp, err := appInstance.Orchestrator.Tick(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("tick: %w", err)
		}
		if tickDispatch && len(resp.BatchToProcess) > 0 {
			if appInstance.JobClient == nil {
				return fmt.Errorf("--dispatch needs a task queue (redis.address)")
			}
			if err := appInstance.JobClient.EnqueueItems(cmd.Context(), resp.BatchToProcess); err != nil {
				return fmt.Errorf("dispatch batch: %w", err)
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	},
}

func init() {
	rootCmd.AddCommand(tickCmd)
	tickCmd.Flags().BoolVar(&tickQueue, "queue", false, "Queue the tick for the worker instead of running it here")
	tickCmd.Flags().BoolVar(&tickDispatch, "dispatch", false, "Enqueue the claimed batch for the stage workers")
	clix.AddLocationFlags(tickCmd.Flags())
}
