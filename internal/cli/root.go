package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/cidermigrate/internal/cider"
	"github.com/roach88/cidermigrate/internal/config"
	"github.com/roach88/cidermigrate/internal/idgen"
	"github.com/roach88/cidermigrate/internal/metrics"
)

// SourceOpener opens the CIDER database. The returned func releases it.
type SourceOpener func(ctx context.Context, url string) (cider.Source, func(), error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Flag overrides, applied over the config file when set.
	LogLevel              string
	WorkDir               string
	OutputDir             string
	Workers               int
	DiscardFailedPromises bool
	ValidationMode        string
	MetricsAddr           string

	// Config is resolved before any command runs.
	Config config.Config

	// OpenSource allows overriding the database connection (for testing).
	// If nil, defaults to a pgx pool.
	OpenSource SourceOpener

	// IDs allows overriding URI token generation (for testing).
	IDs idgen.Generator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the cidermigrate CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cidermigrate",
		Short: "Migrate CIDER collections into ArchivesSpace",
		Long: `Convert CIDER collections and objects into ArchivesSpace records,
resolve their hierarchy, validate them and submit them as a batch import.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return commandError(ExitCommandError, ErrCodeUsage,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			cfg, err := resolveConfig(opts, cmd)
			if err != nil {
				return commandError(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
			}
			opts.Config = cfg
			setupLogging(cmd.ErrOrStderr(), cfg.LogLevel, opts.Verbose)
			return nil
		},
	}

	// Global flags
	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	flags.StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	flags.StringVar(&opts.WorkDir, "work-dir", "", "directory for the migration store (default $MIGRATE_TMP_DIR/cider_migration)")
	flags.StringVar(&opts.OutputDir, "output-dir", "", "directory for exported and validated files")
	flags.IntVar(&opts.Workers, "workers", 0, "conversion workers (default GOMAXPROCS)")
	flags.BoolVar(&opts.DiscardFailedPromises, "discard-failed-promises", false, "drop array elements whose references could not be resolved")
	flags.StringVar(&opts.ValidationMode, "validation-mode", "", "vocabulary checking (strict|permit_all)")
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))

	return cmd
}

// resolveConfig loads the config file and applies the flags the user set.
func resolveConfig(opts *RootOptions, cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return cfg, err
	}

	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	if changed("log-level") {
		cfg.LogLevel = opts.LogLevel
	}
	if changed("work-dir") {
		cfg.WorkDir = opts.WorkDir
	}
	if changed("output-dir") {
		cfg.OutputDir = opts.OutputDir
	}
	if changed("workers") {
		cfg.Workers = opts.Workers
	}
	if changed("discard-failed-promises") {
		cfg.DiscardFailedPromises = opts.DiscardFailedPromises
	}
	if changed("validation-mode") {
		cfg.ValidationMode = opts.ValidationMode
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = opts.MetricsAddr
	}

	return cfg, cfg.Validate()
}

// setupLogging installs the default slog handler. --verbose wins over the
// configured level.
func setupLogging(w io.Writer, level string, verbose bool) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// signalContext returns a context cancelled on SIGINT/SIGTERM or when the
// command's own context ends.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// startMetrics serves m in the background when addr is set.
func startMetrics(ctx context.Context, m *metrics.Metrics, addr string) {
	if addr == "" {
		return
	}
	go func() {
		if err := m.Serve(ctx, addr); err != nil {
			slog.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
}

func (o *RootOptions) openSource(ctx context.Context, url string) (cider.Source, func(), error) {
	if o.OpenSource != nil {
		return o.OpenSource(ctx, url)
	}
	src, err := cider.Open(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return src, src.Close, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
