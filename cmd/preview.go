package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/conneroisu/livedocs/internal/engine"
)

func newPreviewCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "preview <file>",
		Aliases: []string{"p"},
		Short:   "Print one source file as the plugins transform it",
		Long: `Run a single page, template or component file through every plugin that
accepts it and print the result. A markdown page is shown without its
layout and a component as its normalised fragment. The files related to it
are listed on stderr. Nothing is written to the output directory.

Examples:
  livedocs preview content/guide/intro.md
  livedocs preview components/button.html`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			eng, err := engine.New(cfg)
			if err != nil {
				return err
			}

			result, err := eng.Preview(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if _, err := cmd.OutOrStdout().Write(result.Content); err != nil {
				return err
			}

			errOut := cmd.ErrOrStderr()
			fmt.Fprintf(errOut, "output: %s\n", result.Path)
			base := filepath.Dir(result.Source)
			for _, related := range result.Related {
				if rel, err := filepath.Rel(base, related); err == nil {
					related = rel
				}
				fmt.Fprintf(errOut, "related: %s\n", related)
			}
			return nil
		},
	}
	return cmd
}
