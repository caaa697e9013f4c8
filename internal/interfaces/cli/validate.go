package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/erp/verifactu/internal/infrastructure/fiscaldoc"
)

// ErrInvalidDocument is returned when a document fails schema validation
var ErrInvalidDocument = errors.New("document is not valid")

// NewValidateCommand creates the validate command
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var schemaPath string
	cmd := &cobra.Command{
		Use:   "validate <document.xml>",
		Short: "Check a document against the fiscal document schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, rootOpts, schemaPath, args[0])
		},
	}
	cmd.Flags().StringVar(&schemaPath, "schema", "", "YAML schema to use instead of the built-in one")
	return cmd
}

func runValidate(cmd *cobra.Command, rootOpts *RootOptions, schemaPath, path string) error {
	markup, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var schema *fiscaldoc.Schema
	if schemaPath != "" {
		if schema, err = fiscaldoc.LoadSchemaFile(schemaPath); err != nil {
			return err
		}
	}

	report := fiscaldoc.Validate(string(markup), schema)
	err = render(cmd.OutOrStdout(), rootOpts.Format, report, func(w io.Writer) error {
		if report.IsValid {
			_, err := fmt.Fprintf(w, "%s: valid\n", path)
			return err
		}
		for _, e := range report.Errors {
			if _, err := fmt.Fprintf(w, "%s: %s\n", path, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !report.IsValid {
		return ErrInvalidDocument
	}
	return nil
}
