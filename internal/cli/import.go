package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ImportResult reports a completed batch import.
type ImportResult struct {
	File   string `json:"file"`
	RepoID string `json:"repo_id"`
}

func (r ImportResult) String() string {
	return fmt.Sprintf("Imported %s into repository %s", r.File, r.RepoID)
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <backend-url> <repo-id> <admin-password> <file>",
		Short: "Submit a validated batch file to ArchivesSpace",
		Long: `Log in to the ArchivesSpace backend and post a validated JSON array of
records to the repository's batch import endpoint. Progress reported by
the backend is logged as it streams back.

Example:
  cidermigrate import http://localhost:8089 2 admin validated.json`,
		Args:          cobra.ExactArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			cfg.BackendURL = args[0]
			cfg.RepoID = args[1]
			cfg.AdminPassword = args[2]
			file := args[3]

			if err := cfg.RequireBackend(); err != nil {
				return commandError(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
			}

			ctx, cancel := signalContext(cmd)
			defer cancel()

			client, err := login(ctx, cfg)
			if err != nil {
				return err
			}
			if err := client.BatchImport(ctx, cfg.RepoID, file); err != nil {
				return commandError(ExitFailure, ErrCodeImport, "batch import failed", err)
			}

			return rootOpts.formatter(cmd).Success(ImportResult{File: file, RepoID: cfg.RepoID})
		},
	}
	return cmd
}
