package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smartpaste/smartpaste/app"
)

func newProcessCommand(root *rootOptions) *cobra.Command {
	var sourceApp string

	cmd := &cobra.Command{
		Use:   "process [content...]",
		Short: "Run one piece of content through the pipeline",
		Long:  "Classify, enrich and run automation over the given content. With no arguments, or \"-\", content is read from stdin.",
		Example: strings.Join([]string{
			"  smartpaste process 'https://example.com'",
			"  smartpaste process 25 km",
			"  pbpaste | smartpaste process -",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args, " ")
			if len(args) == 0 || content == "-" {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxClipBytes))
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				content = string(data)
			}

			sess, err := root.openSession(cmd.Context(), oneShot, nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			outcome, err := sess.reg.Pipeline().Handle(cmd.Context(), app.Clip{Content: content, SourceApp: sourceApp})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), outcome, true)
		},
	}

	cmd.Flags().StringVar(&sourceApp, "source", "cli", "Source application recorded with the clip")
	return cmd
}
