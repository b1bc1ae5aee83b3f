package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"bookscan/internal/app"
	"bookscan/internal/clix"
	"bookscan/internal/models"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show run progress, or list runs when no run id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 1 {
			return showRun(cmd, appInstance, args[0])
		}

		pagination, err := clix.ParsePagination(cmd.Flags())
		if err != nil {
			return err
		}
		runs, err := appInstance.Store.ListRuns(cmd.Context(), pagination.Limit, pagination.Offset)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Run ID", "Status", "Items", "Covers", "Completed", "Failed", "Created At"})
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, run := range runs {
			table.Append([]string{
				run.RunID,
				statusColor(string(run.Status)),
				strconv.Itoa(run.TotalItems),
				strconv.Itoa(run.SkippedItems),
				strconv.Itoa(run.CompletedItems),
				strconv.Itoa(run.FailedItems),
				run.CreatedAt.Format(time.RFC3339),
			})
		}
		table.Render()
		return nil
	},
}

func showRun(cmd *cobra.Command, appInstance *app.App, runID string) error {
	progress, err := appInstance.Orchestrator.Progress(cmd.Context(), runID)
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	run := progress.Run
	fmt.Printf("Run:     %s\n", run.RunID)
	fmt.Printf("Status:  %s\n", statusColor(string(run.Status)))
	fmt.Printf("Source:  %s\n", run.SourceLocation)
	fmt.Printf("Items:   %d (%d covers)\n", run.TotalItems, run.SkippedItems)
	if run.OutputKey != "" {
		fmt.Printf("Output:  %s\n", run.OutputKey)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Item Status", "Count"})
	table.SetBorder(true)
	for _, st := range models.AllItemStatuses {
		table.Append([]string{statusColor(string(st)), strconv.Itoa(progress.Counts[st])})
	}
	table.Render()
	return nil
}

func statusColor(status string) string {
	switch status {
	case string(models.StatusCompleted), string(models.RunCompleted):
		return color.GreenString(status)
	case string(models.StatusFailedPermanent), string(models.RunNoImages):
		return color.RedString(status)
	case string(models.StatusFailedRetryable), string(models.StatusProcessing), string(models.RunInitializing):
		return color.YellowString(status)
	default:
		return status
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to list")
	statusCmd.Flags().IntP("offset", "o", 0, "Number of runs to skip")
}
