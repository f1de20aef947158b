package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/syncq/internal/catalog"
	"github.com/roach88/syncq/internal/config"
	"github.com/roach88/syncq/internal/logging"
	"github.com/roach88/syncq/internal/schema"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool               `json:"valid"`
	Errors []schema.Violation `json:"errors,omitempty"`
}

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Fields []string
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate [entity-type]",
		Short: "Check fields against an entity schema, or check the config",
		Long: `Check a set of fields against the schema of an entity type without
touching the queue. With no entity type, check the configuration instead.

Example:
  syncq validate product --field name=Tea --field price=450
  syncq validate --config syncq.yaml`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(opts.RootOptions, cmd)
			if len(args) == 0 {
				return runValidateConfig(opts, formatter)
			}
			return runValidateFields(opts, args[0], formatter)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Fields, "field", nil, "field as key=value (repeatable)")

	return cmd
}

func runValidateFields(opts *ValidateOptions, entityType string, formatter *OutputFormatter) error {
	s, err := catalog.Schema(entityType)
	if err != nil {
		return outputValidateError(formatter, ErrCodeUnknownType, err.Error(), catalog.Types())
	}
	fields, err := parseFieldFlags(opts.Fields)
	if err != nil {
		return outputValidateError(formatter, ErrCodeGeneric, err.Error(), nil)
	}

	formatter.VerboseLog("Checking %d field(s) against %s", len(fields), s.Name())
	if violations := s.Check(fields); len(violations) > 0 {
		return outputValidationErrors(formatter, violations)
	}
	return outputValidateSuccess(formatter, entityType+" fields valid")
}

func runValidateConfig(opts *ValidateOptions, formatter *OutputFormatter) error {
	// Load rejects structural problems; the rest are checked here.
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return outputValidateError(formatter, ErrCodeInvalidConfig, err.Error(), nil)
	}

	var violations []schema.Violation
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		violations = append(violations, schema.Violation{Field: "log.level", Message: err.Error()})
	}
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		violations = append(violations, schema.Violation{
			Field:   "log.format",
			Message: fmt.Sprintf("unknown format %q", cfg.Log.Format),
		})
	}
	if cfg.Primary.DSN == "" {
		violations = append(violations, schema.Violation{Field: "primary.dsn", Message: "required"})
	}
	if cfg.Auth.Token != "" && cfg.Auth.TokenFile != "" {
		violations = append(violations, schema.Violation{Field: "auth", Message: "set token or token_file, not both"})
	}

	if len(violations) > 0 {
		return outputValidationErrors(formatter, violations)
	}
	return outputValidateSuccess(formatter, "config valid")
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, what string) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true})
	}
	fmt.Fprintln(formatter.Writer, okStyle.Render("✓")+" "+what)
	return nil
}

// outputValidateError outputs a single validation error.
func outputValidateError(formatter *OutputFormatter, code, message string, details interface{}) error {
	_ = formatter.Error(code, message, details)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs schema violations.
func outputValidationErrors(formatter *OutputFormatter, violations []schema.Violation) error {
	if formatter.Format == "json" {
		_ = formatter.Success(ValidationResult{Valid: false, Errors: violations})
	} else {
		fmt.Fprintf(formatter.Writer, "%s %d violation(s):\n", errStyle.Render("✗"), len(violations))
		for _, v := range violations {
			fmt.Fprintf(formatter.Writer, "  %s\n", v)
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%s: %d violation(s)", ErrCodeInvalidFields, len(violations)))
}
