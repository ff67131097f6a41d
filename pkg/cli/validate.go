package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getmockd/interceptors/pkg/cli/internal/output"
	"github.com/getmockd/interceptors/pkg/handlers"
)

// ValidateOutput is the JSON result of validate.
type ValidateOutput struct {
	Valid    bool                       `json:"valid"`
	Handlers []string                   `json:"handlers,omitempty"`
	Errors   []handlers.ValidationError `json:"errors,omitempty"`
	Error    string                     `json:"error,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate [files or globs...]",
	Short: "Check handler files without running requests",
	Long: `Validate parses handler files and checks them against the handler schema.

Arguments are file paths or doublestar globs. Without arguments the globs from
the configuration (handlers or INTERCEPT_HANDLERS) are used.`,
	Example: `  intercept validate mocks/users.yaml
  intercept validate 'mocks/**/*.{yaml,json}'`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()

	patterns := args
	if len(patterns) == 0 {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		patterns = cfg.Handlers
	}

	f, err := handlers.LoadGlob(patterns...)
	if err != nil {
		out := ValidateOutput{Error: err.Error()}
		var vr *handlers.ValidationResult
		if errors.As(err, &vr) {
			out.Errors = vr.Errors
		}
		_ = printResult(w, out, func() {
			if len(out.Errors) == 0 {
				fmt.Fprintln(w, "invalid:", err)
				return
			}
			fmt.Fprintln(w, "invalid:")
			tw := output.Table(w)
			for _, e := range out.Errors {
				fmt.Fprintf(tw, "  %s\t%s\n", e.Path, e.Message)
			}
			_ = tw.Flush()
		})
		return fmt.Errorf("validation failed")
	}

	out := ValidateOutput{Valid: true}
	for _, d := range f.Handlers {
		out.Handlers = append(out.Handlers, d.Name)
	}
	return printResult(w, out, func() {
		fmt.Fprintf(w, "%d handlers valid\n", len(out.Handlers))
		for _, name := range out.Handlers {
			fmt.Fprintf(w, "  %s\n", name)
		}
	})
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
