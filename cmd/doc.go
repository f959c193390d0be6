// Package cmd provides the livedocs command line, built with Cobra.
//
// # Commands
//
//   - serve: build the site, serve it and rebuild incrementally on change
//   - build: build the site once into the output directory
//   - preview: print one source file as the plugins transform it
//   - version: print build information
//
// # Configuration
//
// Every command reads its configuration through one Viper instance, from
// lowest to highest precedence:
//
//  1. Defaults registered by the config package
//  2. The config file: --config, else LIVEDOCS_CONFIG_FILE, else
//     .livedocs.yml in the working directory when present
//  3. LIVEDOCS_<SECTION>_<KEY> environment variables
//  4. Command-line flags
//
// # Exit status
//
// Invalid flags print the usage and exit non-zero. serve exits zero after a
// clean shutdown on SIGINT or SIGTERM; build exits non-zero when any page
// fails to render.
package cmd
