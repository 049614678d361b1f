package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/cidermigrate/internal/artifact"
	"github.com/roach88/cidermigrate/internal/aspace"
	"github.com/roach88/cidermigrate/internal/config"
	"github.com/roach88/cidermigrate/internal/metrics"
	"github.com/roach88/cidermigrate/internal/migrator"
	"github.com/roach88/cidermigrate/internal/validation"
)

// MigrateResult summarizes a full migration.
type MigrateResult struct {
	ExportedFile    string   `json:"exported_file"`
	ValidatedFile   string   `json:"validated_file"`
	Resources       int      `json:"resources"`
	ArchivalObjects int      `json:"archival_objects"`
	Emitted         int      `json:"emitted"`
	Rejected        int      `json:"rejected"`
	Uploaded        []string `json:"uploaded,omitempty"`
}

func (r MigrateResult) String() string {
	return fmt.Sprintf("Migrated %d resources and %d archival objects (%d records emitted, %d rejected)\nExported:  %s\nValidated: %s",
		r.Resources, r.ArchivalObjects, r.Emitted, r.Rejected, r.ExportedFile, r.ValidatedFile)
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate <cider-url> <backend-url> <repo-id> <admin-password>",
		Short: "Convert, validate and import a CIDER database",
		Long: `Log in to the ArchivesSpace backend, convert every CIDER collection and
object into records, validate them and submit the valid ones as one batch
import into the given repository.

Example:
  cidermigrate migrate postgres://cider@db/cider http://localhost:8089 2 admin
  cidermigrate migrate --config migrate.yaml --discard-failed-promises ...`,
		Args:          cobra.ExactArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			cfg.SourceURL = args[0]
			cfg.BackendURL = args[1]
			cfg.RepoID = args[2]
			cfg.AdminPassword = args[3]
			return runMigrate(rootOpts, cfg, cmd)
		},
	}
	return cmd
}

func runMigrate(opts *RootOptions, cfg config.Config, cmd *cobra.Command) error {
	if err := cfg.RequireBackend(); err != nil {
		return commandError(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	validator, err := newValidator(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	m := metrics.New()
	startMetrics(ctx, m, cfg.MetricsAddr)

	client, err := login(ctx, cfg)
	if err != nil {
		return err
	}

	result, err := convertAndValidate(ctx, opts, cfg, validator, m)
	if err != nil {
		return err
	}
	f := opts.formatter(cmd)
	f.VerboseLog("Exported %d records to %s", result.Emitted, result.ExportedFile)
	f.VerboseLog("Validated %d records (%d rejected) into %s",
		result.Emitted-result.Rejected, result.Rejected, result.ValidatedFile)

	slog.Info("sending records to ArchivesSpace", "repo", cfg.RepoID)
	if err := client.BatchImport(ctx, cfg.RepoID, result.ValidatedFile); err != nil {
		return commandError(ExitFailure, ErrCodeImport, "batch import failed", err)
	}

	result.Uploaded, err = uploadArtifacts(ctx, cfg.S3, result.ExportedFile, result.ValidatedFile)
	if err != nil {
		return err
	}

	return f.Success(result)
}

// convertAndValidate exports the source to NDJSON and filters it into a
// validated batch file.
func convertAndValidate(ctx context.Context, opts *RootOptions, cfg config.Config, v *validation.Validator, m *metrics.Metrics) (MigrateResult, error) {
	var result MigrateResult

	exported, sum, err := exportSource(ctx, opts, cfg, m)
	if err != nil {
		return result, err
	}
	result.ExportedFile = exported
	result.Resources = sum.Resources
	result.ArchivalObjects = sum.ArchivalObjects
	result.Emitted = sum.Emitted

	slog.Info("validating", "file", exported, "mode", v.Mode().String())
	result.ValidatedFile = migrator.ValidatedPath(cfg.OutputDir)
	counts, err := migrator.ValidateFile(exported, result.ValidatedFile, v, m)
	if err != nil {
		return result, commandError(ExitFailure, ErrCodeValidate, "validation failed", err)
	}
	result.Rejected = counts.Rejected
	return result, nil
}

// exportSource opens the CIDER database and runs the migrator into a new
// NDJSON file in the output dir.
func exportSource(ctx context.Context, opts *RootOptions, cfg config.Config, m *metrics.Metrics) (string, migrator.Summary, error) {
	src, release, err := opts.openSource(ctx, cfg.SourceURL)
	if err != nil {
		return "", migrator.Summary{}, commandError(ExitCommandError, ErrCodeSource, "cannot open CIDER database", err)
	}
	defer release()

	mopts := []migrator.Option{migrator.WithMetrics(m)}
	if opts.IDs != nil {
		mopts = append(mopts, migrator.WithIDGenerator(opts.IDs))
	}

	slog.Info("converting records", "work_dir", cfg.WorkDir)
	path, sum, err := migrator.New(cfg, src, mopts...).ExportFile(ctx, cfg.OutputDir)
	if err != nil {
		return path, sum, commandError(ExitFailure, ErrCodeConvert, "conversion failed", err)
	}
	return path, sum, nil
}

func newValidator(cfg config.Config) (*validation.Validator, error) {
	mode, err := cfg.Mode()
	if err != nil {
		return nil, commandError(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	v, err := validation.New(mode)
	if err != nil {
		return nil, commandError(ExitFailure, ErrCodeValidate, "loading record shapes", err)
	}
	return v, nil
}

func login(ctx context.Context, cfg config.Config) (*aspace.Client, error) {
	client, err := aspace.New(cfg.BackendURL)
	if err != nil {
		return nil, commandError(ExitCommandError, ErrCodeConfig, "invalid backend URL", err)
	}
	if _, err := client.Login(ctx, cfg.AdminUser, cfg.AdminPassword); err != nil {
		return nil, commandError(ExitCommandError, ErrCodeLogin, "ArchivesSpace login failed", err)
	}
	return client, nil
}

func uploadArtifacts(ctx context.Context, cfg artifact.Config, files ...string) ([]string, error) {
	uploader, err := artifact.New(ctx, cfg)
	if err != nil {
		return nil, commandError(ExitFailure, ErrCodeUpload, "artifact upload unavailable", err)
	}
	if uploader == nil {
		return nil, nil
	}
	var keys []string
	for _, f := range files {
		key, err := uploader.Upload(ctx, f)
		if err != nil {
			return keys, commandError(ExitFailure, ErrCodeUpload, "artifact upload failed", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
