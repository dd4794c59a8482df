package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quillworks/quill/internal/config"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file against the schema without starting
the server. All violations are reported, not just the first.

Example:
  quilld validate ./quill.yaml
  quilld validate --format json ./quill.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	_, err := config.Load(path)
	if err == nil {
		return out.Success(fmt.Sprintf("%s: valid", path))
	}

	var errs config.ValidationErrors
	if errors.As(err, &errs) {
		// An unreadable file is a command error, not a validation verdict.
		if len(errs) == 1 && errs[0].Code == config.ErrCodeRead {
			return WrapExitError(ExitCommandError, "failed to read config", errs)
		}
		if opts.Format == "json" {
			_ = out.Failure(errs)
		} else {
			for _, e := range errs {
				fmt.Fprintln(cmd.OutOrStdout(), e.Error())
			}
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %d violation(s)", path, len(errs)))
	}
	return WrapExitError(ExitCommandError, "failed to validate", err)
}
