package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/livedocs/internal/config"
	"github.com/conneroisu/livedocs/internal/errors"
)

// configFileEnv names a config file when --config is not given.
const configFileEnv = "LIVEDOCS_CONFIG_FILE"

// rootOptions is shared by every subcommand. Each command tree gets its own
// Viper instance.
type rootOptions struct {
	v          *viper.Viper
	configFile string
}

// Execute runs the livedocs command line.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}

// NewRootCommand builds the livedocs command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{v: config.New()}

	root := &cobra.Command{
		Use:   "livedocs",
		Short: "A live-reloading documentation site builder",
		Long: `livedocs turns a tree of markdown pages, layout templates and components
into a static documentation site. In serve mode it keeps a live dependency
graph of every page, rebuilds only what a change affects and pushes the
result to open browsers over WebSocket.

Quick Start:
  livedocs serve                  Build the site and serve it with live reload
  livedocs build                  Build the site once into the output directory
  livedocs preview <file>         Print one source file as the plugins transform it
  livedocs version                Show version information

Configuration is read from .livedocs.yml, LIVEDOCS_* environment variables
(for example LIVEDOCS_SERVER_PORT) and flags, in increasing precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.readConfig()
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		cmd.PrintErrln(cmd.UsageString())
		return err
	})

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "",
		"config file (default is .livedocs.yml, can also use "+configFileEnv+")")
	flags.StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	if err := bindFlags(opts.v, flags, map[string]string{"log-level": "log.level"}); err != nil {
		panic(err)
	}

	root.AddCommand(
		newServeCommand(opts),
		newBuildCommand(opts),
		newPreviewCommand(opts),
		newVersionCommand(),
	)
	return root
}

// readConfig reads the config file named by --config, then by
// LIVEDOCS_CONFIG_FILE, then .livedocs.yml in the working directory if
// present.
func (o *rootOptions) readConfig() error {
	path := o.configFile
	if path == "" {
		path = os.Getenv(configFileEnv)
	}
	if err := config.ReadFile(o.v, path, "."); err != nil {
		return configError(err, path)
	}
	return nil
}

// load decodes and validates the configuration.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.v)
	if err != nil {
		return nil, configError(err, o.v.ConfigFileUsed())
	}
	return cfg, nil
}

func configError(err error, path string) error {
	if path == "" {
		path = config.FileName + ".yml"
	}
	return errors.WithHints("Cannot load "+path, err, errors.ConfigHints(err, path))
}
