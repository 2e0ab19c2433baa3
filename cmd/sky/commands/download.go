package commands

import (
	"bytes"
	"fmt"
	"io"

	"skyvault/pkg/core"
	"skyvault/pkg/exporter"
	"skyvault/pkg/skylink"
	"skyvault/pkg/types"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download [skylink]",
	Short: "Download and verify a skyfile",
	Long:  `Fetches the file in chunks from the configured portals and verifies the Merkle root against the skylink. Nothing is written unless verification succeeds. Without -o the content goes to stdout.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Sky == nil {
			return fmt.Errorf("app not initialized")
		}
		link, err := skylink.Parse(args[0])
		if err != nil {
			return err
		}

		var rng *types.ByteRange
		if s, _ := cmd.Flags().GetString("range"); s != "" {
			r, err := types.ParseByteRange(s)
			if err != nil {
				return err
			}
			rng = &r
		}
		out, _ := cmd.Flags().GetString("output")
		extract, _ := cmd.Flags().GetBool("extract")
		if extract && (out == "" || rng != nil) {
			return fmt.Errorf("--extract needs -o and cannot be combined with --range")
		}

		res, err := Sky.Client.Download(cmd.Context(), link, rng)
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		defer res.Body.Close()

		status := cmd.ErrOrStderr()
		source := "portal"
		if res.FromCache {
			source = "cache"
		}

		switch {
		case extract:
			// 1. 目录: 按子文件表还原
			data, err := io.ReadAll(res.Body)
			if err != nil {
				return err
			}
			err = exporter.RestoreDirectory(&res.Metadata, bytes.NewReader(data), out, func(path string, _ core.Subfile) {
				fmt.Fprintf(status, "  %s\n", path)
			})
			if err != nil {
				return err
			}
		case out != "":
			// 2. 单个文件: 原子写入
			if _, err := exporter.WriteFile(out, res.Body); err != nil {
				return err
			}
		default:
			if _, err := io.Copy(cmd.OutOrStdout(), res.Body); err != nil {
				return err
			}
		}

		fmt.Fprintf(status, "Verified %s: %s from %s\n", res.Metadata.Filename, humanize.IBytes(uint64(res.Range.Length)), source)
		return nil
	},
}

func init() {
	downloadCmd.Flags().StringP("output", "o", "", "write to this path instead of stdout")
	downloadCmd.Flags().String("range", "", "byte range start-end (end exclusive), sliced after verification")
	downloadCmd.Flags().Bool("extract", false, "restore a directory upload into the -o directory")
	rootCmd.AddCommand(downloadCmd)
}
