package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cidermigrate/internal/metrics"
	"github.com/roach88/cidermigrate/internal/migrator"
)

// ValidationResult holds validation counts.
type ValidationResult struct {
	Input    string `json:"input"`
	Output   string `json:"output"`
	Read     int    `json:"read"`
	Written  int    `json:"written"`
	Rejected int    `json:"rejected"`
}

func (r ValidationResult) String() string {
	return fmt.Sprintf("%d of %d records valid (%d rejected), written to %s",
		r.Written, r.Read, r.Rejected, r.Output)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <ndjson-file> <output-file>",
		Short: "Filter exported records down to the valid ones",
		Long: `Check every record of an exported NDJSON file against the importer's
record shapes and write the valid ones as a JSON array, ready for import.
Rejected records are logged and skipped.

Example:
  cidermigrate validate exported_1700000000.ndjson validated.json
  cidermigrate validate --validation-mode permit_all in.ndjson out.json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newValidator(rootOpts.Config)
			if err != nil {
				return err
			}

			counts, err := migrator.ValidateFile(args[0], args[1], v, metrics.New())
			if err != nil {
				return commandError(ExitFailure, ErrCodeValidate, "validation failed", err)
			}

			return rootOpts.formatter(cmd).Success(ValidationResult{
				Input:    args[0],
				Output:   args[1],
				Read:     counts.Read,
				Written:  counts.Written,
				Rejected: counts.Rejected,
			})
		},
	}
	return cmd
}
