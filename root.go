package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mieweb/mieapi-go/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
// It is available to all subcommands after the root pre-run phase completes.
var resolvedCfg *config.Config

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mieapi",
		Short:   "WebChart API client",
		Long:    "Call the WebChart JSON API from the command line or through a local gateway, sharing one cached session.",
		Version: version,
		// Silence Cobra's default error/usage printing; main reports errors.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "only log errors")

	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newPostCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newLayoutCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newEndpointsCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer override
// chain and stores the result in resolvedCfg for use by subcommands.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
		LogLevel:   levelOverride(flagVerbose, flagQuiet),
	}

	// serve --listen, only when explicitly set.
	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		listen := f.Value.String()
		cli.Listen = &listen
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// levelOverride maps --verbose / --quiet onto a log level. --quiet wins
// when both are given.
func levelOverride(verbose, quiet bool) *string {
	var level string

	switch {
	case quiet:
		level = "error"
	case verbose:
		level = "debug"
	default:
		return nil
	}

	return &level
}

// buildLogger creates an slog.Logger configured by the resolved config.
// CLI flags were already folded into the config by loadConfig.
func buildLogger() *slog.Logger {
	cfg := resolvedCfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	return newLogger(os.Stderr, cfg.Logging, isTerminal(os.Stderr))
}

// newLogger builds the handler for w. Format "auto" writes text to a
// terminal and JSON otherwise.
func newLogger(w io.Writer, lc config.LoggingConfig, tty bool) *slog.Logger {
	level := slog.LevelInfo

	switch lc.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	useJSON := lc.LogFormat == "json" || (lc.LogFormat == "auto" && !tty)
	if useJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	fd := f.Fd()

	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// newHTTPClient returns an HTTP client with the configured timeout, so a
// hung backend cannot block a command indefinitely.
func newHTTPClient(cfg *config.Config) *http.Client {
	return &http.Client{Timeout: cfg.Timeout()}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
