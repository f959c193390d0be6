package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/conneroisu/livedocs/internal/engine"
	"github.com/conneroisu/livedocs/internal/errors"
)

func newBuildCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "build",
		Aliases: []string{"b"},
		Short:   "Build the site once",
		Long: `Scan the sources, render every page, bundle the assets, write the
site into the output directory and exit. The command fails when any page
could not be rendered.

Examples:
  livedocs build
  livedocs build --clean -o public`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuild(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringP("output", "o", "dist", "output directory")
	flags.Bool("clean", false, "remove the output directory before building")
	flags.Int("workers", 0, "pages rendered concurrently (0 uses one per CPU)")
	if err := bindFlags(opts.v, flags, map[string]string{
		"output":  "site.output_dir",
		"clean":   "build.clean",
		"workers": "build.workers",
	}); err != nil {
		panic(err)
	}
	return cmd
}

func runBuild(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}

	result, err := eng.Build(cmd.Context())
	if err != nil {
		if hints := errors.SourceHints(err); hints != nil {
			return errors.WithHints("Nothing to build", err, hints)
		}
		return err
	}
	printBuildResult(cmd.OutOrStdout(), result)

	if n := len(result.Errors); n > 0 {
		return fmt.Errorf("%d of %d pages failed to render", n, n+result.Pages)
	}
	return nil
}

func printBuildResult(out io.Writer, result engine.BuildResult) {
	pages := "pages"
	if result.Pages == 1 {
		pages = "page"
	}
	fmt.Fprintf(out, "Built %d %s from %d files in %s\n", result.Pages, pages, result.Files, result.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "Output: %s\n", result.OutputDir)
	if p := result.Assets.CSS.Path; p != "" {
		fmt.Fprintf(out, "CSS:    %s\n", p)
	}
	if p := result.Assets.JS.Path; p != "" {
		fmt.Fprintf(out, "JS:     %s\n", p)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(out, "  ✗ %v\n", e)
	}
}
