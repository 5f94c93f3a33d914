package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/localstore/internal/config"
	"github.com/vango-dev/localstore/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// cli holds state shared by every command.
type cli struct {
	configPath string
	hubURL     string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
	stderr io.Writer
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		errors.PrintError(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{stderr: os.Stderr}

	rootCmd := &cobra.Command{
		Use:   "localstore",
		Short: "Shared key/value entries kept in sync across contexts",
		Long: `localstore keeps a JSON object stored under one key in sync
between every context that opens it.

Run a hub in front of any storage backend, then read, update
and watch entries from the command line:

  localstore serve --config localstore.json
  localstore update settings '{"theme":"dark"}' --hub http://127.0.0.1:7070
  localstore watch settings --hub http://127.0.0.1:7070`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "Path to "+config.ConfigFileName+" (default: ./"+config.ConfigFileName+" if present)")
	flags.StringVar(&c.hubURL, "hub", "", "Hub URL; store commands go through the hub instead of the backend")
	flags.StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(
		serveCmd(c),
		getCmd(c),
		updateCmd(c),
		resetCmd(c),
		watchCmd(c),
		versionCmd(),
	)

	return rootCmd
}

// load reads configuration and applies command-line overrides.
func (c *cli) load() error {
	cfg, err := config.LoadOrDefault(c.configPath)
	if err != nil {
		return err
	}
	if c.hubURL != "" {
		cfg.Hub.URL = c.hubURL
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	c.cfg = cfg
	c.logger = cfg.Logger(c.stderr)
	slog.SetDefault(c.logger)
	return nil
}

// success prints a success message.
func success(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "  %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func warn(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "\033[33m⚠\033[0m %s\n", fmt.Sprintf(format, args...))
}
