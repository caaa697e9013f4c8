// Package cli implements fiscalctl, an offline tool for hashing records and
// checking fiscal documents without a running ledger.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	Format string // text, json or yaml
}

// ValidFormats lists the accepted --format values
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the fiscalctl root command
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fiscalctl",
		Short: "Inspect fiscal records and documents",
		Long:  "Computes chain digests for records and validates or verifies fiscal documents offline.",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")

	cmd.AddCommand(NewHashCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	return cmd
}

// render writes v in the structured formats, or calls text for "text"
func render(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(w)
	}
}
