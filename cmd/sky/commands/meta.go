package commands

import (
	"fmt"

	"skyvault/pkg/exporter"
	"skyvault/pkg/skylink"

	"github.com/spf13/cobra"
)

var metaCmd = &cobra.Command{
	Use:   "meta [skylink]",
	Short: "Show a skyfile's metadata",
	Long:  `Reads the metadata the portal reports for a skylink. Only its length is checked against the skylink; use download to verify content.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Sky == nil {
			return fmt.Errorf("app not initialized")
		}
		link, err := skylink.Parse(args[0])
		if err != nil {
			return err
		}
		md, err := Sky.Client.GetMetadata(cmd.Context(), link)
		if err != nil {
			return fmt.Errorf("metadata failed: %w", err)
		}
		return exporter.PrintMetadata(cmd.OutOrStdout(), md)
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode [skylink]",
	Short: "Decode a skylink without contacting any portal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		link, err := skylink.Parse(args[0])
		if err != nil {
			return err
		}
		return exporter.PrintSkylink(cmd.OutOrStdout(), link)
	},
}

func init() {
	rootCmd.AddCommand(metaCmd)
	rootCmd.AddCommand(decodeCmd)
}
