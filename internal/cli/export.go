package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cidermigrate/internal/metrics"
)

// ExportResult summarizes an export.
type ExportResult struct {
	ExportedFile    string   `json:"exported_file"`
	Resources       int      `json:"resources"`
	ArchivalObjects int      `json:"archival_objects"`
	Emitted         int      `json:"emitted"`
	Uploaded        []string `json:"uploaded,omitempty"`
}

func (r ExportResult) String() string {
	return fmt.Sprintf("Exported %d records (%d resources, %d archival objects) to %s",
		r.Emitted, r.Resources, r.ArchivalObjects, r.ExportedFile)
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <cider-url>",
		Short: "Convert a CIDER database to NDJSON without importing",
		Long: `Convert every CIDER collection and object into records, resolve their
hierarchy and write one JSON record per line to a timestamped file in the
output directory. Nothing is sent to ArchivesSpace.

Example:
  cidermigrate export postgres://cider@db/cider --output-dir ./out`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			cfg.SourceURL = args[0]

			ctx, cancel := signalContext(cmd)
			defer cancel()

			m := metrics.New()
			startMetrics(ctx, m, cfg.MetricsAddr)

			path, sum, err := exportSource(ctx, rootOpts, cfg, m)
			if err != nil {
				return err
			}
			uploaded, err := uploadArtifacts(ctx, cfg.S3, path)
			if err != nil {
				return err
			}

			return rootOpts.formatter(cmd).Success(ExportResult{
				ExportedFile:    path,
				Resources:       sum.Resources,
				ArchivalObjects: sum.ArchivalObjects,
				Emitted:         sum.Emitted,
				Uploaded:        uploaded,
			})
		},
	}
	return cmd
}
