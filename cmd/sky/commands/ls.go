package commands

import (
	"fmt"
	"time"

	"skyvault/pkg/exporter"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent uploads from the local ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Sky == nil {
			return fmt.Errorf("app not initialized")
		}
		if Sky.Ledger == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Ledger disabled (ledger.driver = none).")
			return nil
		}

		limit, _ := cmd.Flags().GetInt("limit")
		recs, err := Sky.Ledger.ListUploads(cmd.Context(), limit)
		if err != nil {
			return fmt.Errorf("failed to read ledger: %w", err)
		}
		if len(recs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No uploads yet.")
			return nil
		}
		return exporter.PrintUploads(cmd.OutOrStdout(), recs, time.Now())
	},
}

func init() {
	lsCmd.Flags().IntP("limit", "n", 20, "number of uploads to show (0 for all)")
	rootCmd.AddCommand(lsCmd)
}
