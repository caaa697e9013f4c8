package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/erp/verifactu/internal/domain/fiscal"
	"github.com/erp/verifactu/internal/infrastructure/fiscaldoc"
)

// HashedRecord is one chained record in hash output
type HashedRecord struct {
	Sequence       int64  `json:"sequence" yaml:"sequence"`
	RecordID       string `json:"record_id" yaml:"record_id"`
	Kind           string `json:"kind" yaml:"kind"`
	PreviousHash   string `json:"previous_hash" yaml:"previous_hash"`
	Hash           string `json:"hash" yaml:"hash"`
	CanonicalInput string `json:"canonical_input,omitempty" yaml:"canonical_input,omitempty"`
}

type hashOptions struct {
	issuer       string
	delimiter    string
	previousHash string
	canonical    bool
	document     bool
}

// NewHashCommand creates the hash command
func NewHashCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &hashOptions{}
	cmd := &cobra.Command{
		Use:   "hash <records.yaml|records.csv>",
		Short: "Chain records and print their digests",
		Long: `Chain the records in a YAML or CSV file in order and print each digest.

The chain starts at the file's previous_hash, or at --previous-hash when set.
CSV files have one record per row with a header naming the record fields;
pass the issuer with --issuer.
With --document the serialized fiscal document is printed instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHash(cmd, rootOpts, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.issuer, "issuer", "", "issuer tax id, overriding the file's issuer_tax_id")
	cmd.Flags().StringVar(&opts.delimiter, "delimiter", ",", "CSV field delimiter")
	cmd.Flags().StringVar(&opts.previousHash, "previous-hash", "", "digest of the record preceding the first one")
	cmd.Flags().BoolVar(&opts.canonical, "canonical", false, "include the canonical hash input of each record")
	cmd.Flags().BoolVar(&opts.document, "document", false, "print the serialized document")
	return cmd
}

func runHash(cmd *cobra.Command, rootOpts *RootOptions, opts *hashOptions, path string) error {
	set, err := LoadRecords(path, opts.delimiter)
	if err != nil {
		return err
	}
	if opts.issuer != "" {
		set.IssuerTaxID = opts.issuer
	}

	start := set.PreviousHash
	if cmd.Flags().Changed("previous-hash") {
		start = opts.previousHash
	}
	if start != "" && !fiscal.IsHash(start) {
		return fmt.Errorf("previous hash %q is not a lowercase hex SHA-256 digest", start)
	}

	state := fiscal.InitialChainState(set.IssuerTaxID)
	state.PreviousHash = start
	chained, _, err := fiscal.ChainRecords(state, set.Records)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.document {
		if set.IssuerTaxID == "" {
			return fmt.Errorf("%s: an issuer tax id is required to build a document", path)
		}
		doc, err := fiscaldoc.Serialize(fiscal.NewEnvelopeHeader(set.IssuerTaxID), chained)
		if err != nil {
			return err
		}
		_, err = out.Write(doc)
		return err
	}

	hashed := make([]HashedRecord, 0, len(chained))
	for _, cr := range chained {
		h := HashedRecord{
			Sequence:     cr.Sequence,
			RecordID:     cr.Record.Header().RecordID,
			Kind:         string(cr.Record.Kind()),
			PreviousHash: cr.PreviousHash,
			Hash:         cr.Hash,
		}
		if opts.canonical {
			if h.CanonicalInput, err = fiscal.CanonicalInput(cr.Record, cr.PreviousHash); err != nil {
				return err
			}
		}
		hashed = append(hashed, h)
	}

	return render(out, rootOpts.Format, hashed, func(w io.Writer) error {
		for _, h := range hashed {
			if _, err := fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", h.Sequence, h.Kind, h.RecordID, h.Hash); err != nil {
				return err
			}
			if h.CanonicalInput != "" {
				if _, err := fmt.Fprintf(w, "\t%s\n", h.CanonicalInput); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
