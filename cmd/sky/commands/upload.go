package commands

import (
	"fmt"
	"os"

	"skyvault/pkg/dirpack"
	"skyvault/pkg/transfer"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload [path]",
	Short: "Upload a file or directory and print its skylink",
	Long:  `Computes the skylink locally, uploads to the first healthy portal and checks that the portal reports the same skylink. Directories are uploaded as one multi-file skyfile, honoring .skyignore.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if Sky == nil {
			return fmt.Errorf("app not initialized")
		}
		path := args[0]
		st, err := os.Stat(path)
		if err != nil {
			return err
		}

		var res *transfer.UploadResult
		if st.IsDir() {
			defaultPath, _ := cmd.Flags().GetString("default-path")
			rules, _ := cmd.Flags().GetStringArray("ignore")
			res, err = Sky.Client.UploadDirectory(cmd.Context(), path, dirpack.Options{DefaultPath: defaultPath, Ignore: rules})
		} else {
			res, err = Sky.Client.UploadFile(cmd.Context(), path)
		}
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}

		w := cmd.ErrOrStderr()
		fmt.Fprintf(w, "Uploaded %s (%s) via %s in %d attempt(s)\n",
			res.Metadata.Filename, humanize.IBytes(uint64(res.Metadata.Length)), res.Portal, len(res.Attempts))
		if n := len(res.Metadata.Subfiles); n > 0 {
			fmt.Fprintf(w, "Files: %d, default path: %q\n", n, res.Metadata.DefaultPath)
		}
		// skylink 单独一行写到 stdout，方便脚本使用
		fmt.Fprintln(cmd.OutOrStdout(), res.Skylink)
		return nil
	},
}

func init() {
	uploadCmd.Flags().String("default-path", "", "subfile served by default for directory uploads (index.html if present)")
	uploadCmd.Flags().StringArray("ignore", nil, "extra .skyignore-style rule for directory uploads (repeatable)")
	rootCmd.AddCommand(uploadCmd)
}
