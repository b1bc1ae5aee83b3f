package cmd

import (
	"fmt"

	"bookscan/internal/clix"
	"bookscan/internal/models"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	initRunID  string
	initPrefix string
	initStart  bool
)

var initCmd = &cobra.Command{
	Use:   "init <source-location>",
	Short: "Seed a new run from the images under a source location",
	Long: `Lists the images under <source-location>, writes one work item per page and
the run summary. Cover images are recorded as already completed. With --start the
first tick is queued immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}

		resp, err := appInstance.Initializer.Initialize(cmd.Context(), models.InitRequest{
			RunID:          initRunID,
			SourceLocation: args[0],
			SourcePrefix:   initPrefix,
		})
		if err != nil {
			return fmt.Errorf("initialize run: %w", err)
		}

		fmt.Printf("Run:     %s\n", resp.RunID)
		fmt.Printf("Status:  %s\n", statusColor(string(resp.Status)))
		fmt.Printf("Items:   %d (%d covers)\n", resp.TotalItems, resp.SkippedItems)

		if !initStart || resp.Status != models.RunActive {
			return nil
		}
		if appInstance.JobClient == nil {
			return fmt.Errorf("--start needs a task queue (redis.address)")
		}
		req := clix.ParseTickRequest(cmd.Flags(), resp.RunID)
		if req.InputLocation == "" {
			req = models.TickRequest{RunID: resp.RunID, InputLocation: args[0], TempLocation: args[0], OutputLocation: args[0]}
		}
		if err := appInstance.JobClient.EnqueueTick(cmd.Context(), req, 0); err != nil {
			return fmt.Errorf("queue first tick: %w", err)
		}
		fmt.Println(color.GreenString("First tick queued."))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initRunID, "run-id", "", "Run identifier (generated when empty)")
	initCmd.Flags().StringVar(&initPrefix, "prefix", "", "Only include keys below this prefix")
	initCmd.Flags().BoolVar(&initStart, "start", false, "Queue the first tick after seeding")
	clix.AddLocationFlags(initCmd.Flags())
}
