package cmd

import (
	"fmt"

	"bookscan/internal/clix"
	"bookscan/internal/models"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var finalizeCmd = &cobra.Command{
	Use:   "finalize <run-id>",
	Short: "Assemble the completed pages of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		req := models.FinalizeRequestFor(clix.ParseTickRequest(cmd.Flags(), args[0]))

		resp, err := appInstance.Finalizer.Finalize(cmd.Context(), req)
		if err != nil {
			if models.IsRetryable(err) {
				fmt.Println(color.YellowString("Run is not ready yet, try again later."))
			}
			return fmt.Errorf("finalize: %w", err)
		}

		fmt.Printf("Output:    %s\n", color.GreenString(resp.OutputKey))
		fmt.Printf("Pages:     %d\n", resp.PageCount)
		fmt.Printf("Completed: %d\n", resp.CompletedCount)
		if resp.FailedCount > 0 {
			fmt.Printf("Failed:    %s\n", color.RedString("%d", resp.FailedCount))
		} else {
			fmt.Printf("Failed:    %d\n", resp.FailedCount)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(finalizeCmd)
	clix.AddLocationFlags(finalizeCmd.Flags())
}
