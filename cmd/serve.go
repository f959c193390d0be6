package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/livedocs/internal/engine"
	"github.com/conneroisu/livedocs/internal/errors"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Build the site and serve it with live reload",
		Long: `Build the site, then serve the output directory and keep it up to date.
Changed sources are re-rendered incrementally and open pages are reloaded
over WebSocket.

Examples:
  livedocs serve                       # Serve on localhost:8080
  livedocs serve -p 3000 --host 0.0.0.0
  livedocs serve --watch=false         # Serve the built site without watching
  livedocs serve --stats-interval 30s  # Print engine statistics every 30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.VarP(newPortValue(8080), "port", "p", "port to serve on (0 picks a free port)")
	flags.String("host", "localhost", "host to bind to")
	flags.Bool("watch", true, "rebuild when sources change")
	flags.Duration("stats-interval", 0, "print engine statistics as YAML at this interval (0 disables)")
	flags.Bool("debug", false, "enable debug logging")
	if err := bindFlags(opts.v, flags, map[string]string{
		"port":           "server.port",
		"host":           "server.host",
		"watch":          "watch.enabled",
		"stats-interval": "server.stats_interval",
	}); err != nil {
		panic(err)
	}
	return cmd
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		opts.v.Set("log.level", "debug")
	}
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if interval := cfg.Server.StatsInterval; interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-eng.Ready():
				printStats(ctx, eng, cmd.OutOrStdout(), interval)
			case <-ctx.Done():
			}
		}()
	}

	err = eng.Run(ctx)
	stop()
	wg.Wait()

	if err != nil && errors.IsNetworkError(err) {
		return errors.WithHints("Cannot serve the site", err, errors.ListenHints(err, cfg.Server.Port))
	}
	if hints := errors.SourceHints(err); hints != nil {
		return errors.WithHints("Nothing to serve", err, hints)
	}
	return err
}

// printStats writes the engine statistics as YAML documents every interval
// until ctx ends.
func printStats(ctx context.Context, eng *engine.Engine, out io.Writer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			statsCtx, cancel := context.WithTimeout(ctx, interval)
			stats, err := eng.Stats(statsCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				eng.Logger().Warn(ctx, err, "Skipping statistics")
				continue
			}
			if err := enc.Encode(stats); err != nil {
				eng.Logger().Warn(ctx, err, "Cannot print statistics")
			}
		}
	}
}
