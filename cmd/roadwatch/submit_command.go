package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"roadwatch/internal/api"
	"roadwatch/internal/config"
)

var uploadExtensions = map[string]struct{}{
	".mp4":  {},
	".mkv":  {},
	".avi":  {},
	".mov":  {},
	".webm": {},
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var autoReport bool

	cmd := &cobra.Command{
		Use:   "submit <video-file>",
		Short: "Upload a video and start a batch analysis session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ExpandPath(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("inspect source file: %w", err)
			}
			if info.IsDir() {
				return fmt.Errorf("source path %q is a directory", path)
			}
			ext := strings.ToLower(filepath.Ext(info.Name()))
			if _, ok := uploadExtensions[ext]; !ok {
				return fmt.Errorf("unsupported file extension %q", ext)
			}

			return ctx.withClient(func(client *api.Client) error {
				sess, err := client.UploadSession(cmd.Context(), path, autoReport)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Session %s started for %s\n",
					sess.TaskID, filepath.Base(path))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&autoReport, "auto-report", false, "Generate an incident report when analysis completes")
	return cmd
}
