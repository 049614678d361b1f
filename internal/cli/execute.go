package cli

import (
	"context"
	"errors"
	"io"

	"github.com/roach88/cidermigrate/internal/aspace"
	"github.com/roach88/cidermigrate/internal/validation"
)

// Execute runs the CLI with args and returns the process exit code.
// Failures are reported on stdout in the selected format.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return execute(ctx, &RootOptions{}, args, stdout, stderr)
}

func execute(ctx context.Context, opts *RootOptions, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		// Argument and flag errors come straight from cobra.
		exitErr = commandError(ExitCommandError, ErrCodeUsage, "invalid usage", err)
	}

	if !isValidFormat(opts.Format) {
		opts.Format = "text"
	}
	f := &OutputFormatter{Format: opts.Format, Writer: stdout, ErrWriter: stderr, Verbose: opts.Verbose}
	_ = f.Error(reasonOf(exitErr), exitErr.Error(), errorDetails(exitErr))
	return exitErr.Code
}

// errorDetails extracts structured context from err for the error envelope.
func errorDetails(err error) interface{} {
	var importErr *aspace.ImportError
	if errors.As(err, &importErr) {
		return map[string]interface{}{
			"status": importErr.Status,
			"body":   importErr.Body,
		}
	}
	var validationErr *validation.Error
	if errors.As(err, &validationErr) {
		return validationErr.Violations
	}
	return nil
}
