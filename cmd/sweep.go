package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep [run-id]",
	Short: "Reclaim items stuck in PROCESSING",
	Long: `Moves items that stayed PROCESSING longer than sweeper.stale_after back to
FAILED_RETRYABLE so the next tick re-dispatches them. Items out of attempts are
failed permanently. Without a run id every run is swept.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		runID := ""
		if len(args) == 1 {
			runID = args[0]
		}
		res, err := appInstance.Sweeper.Reclaim(cmd.Context(), runID)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		fmt.Printf("Scanned %d stale items: %d requeued, %d failed permanently, %d skipped.\n",
			res.Scanned, res.Requeued, res.Abandoned, res.Conflicts)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
