package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/erp/verifactu/internal/domain/fiscal"
	csvimport "github.com/erp/verifactu/internal/infrastructure/import"
)

// RecordFile is the YAML layout read by the hash command
type RecordFile struct {
	IssuerTaxID  string        `yaml:"issuer_tax_id"`
	PreviousHash string        `yaml:"previous_hash"`
	Entries      []RecordEntry `yaml:"records"`
}

// RecordEntry is one record. Cancellations use the header fields and
// modification_reason only.
type RecordEntry struct {
	Kind                 string `yaml:"kind"`
	fiscal.AdditionInput `yaml:",inline"`
	ModificationReason   string `yaml:"modification_reason"`
}

// ToRecord validates the entry into a domain record
func (e RecordEntry) ToRecord() (fiscal.Record, error) {
	switch fiscal.RecordKind(e.Kind) {
	case fiscal.RecordKindAddition, "":
		return fiscal.NewAddition(e.AdditionInput)
	case fiscal.RecordKindCancellation:
		return fiscal.NewCancellation(fiscal.CancellationInput{
			RecordID:           e.RecordID,
			SeriesNumber:       e.SeriesNumber,
			IssueDate:          e.IssueDate,
			InvoiceKind:        e.InvoiceKind,
			ModificationReason: e.ModificationReason,
		})
	default:
		return nil, fmt.Errorf("unknown record kind %q", e.Kind)
	}
}

// LoadRecordFile reads and parses a record file
func LoadRecordFile(path string) (*RecordFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f RecordFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Entries) == 0 {
		return nil, fmt.Errorf("%s: no records", path)
	}
	return &f, nil
}

// Records validates every entry, stopping at the first invalid one
func (f *RecordFile) Records() ([]fiscal.Record, error) {
	out := make([]fiscal.Record, 0, len(f.Entries))
	for i, e := range f.Entries {
		r, err := e.ToRecord()
		if err != nil {
			return nil, fmt.Errorf("records[%d]: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// RecordSet is a validated record sequence ready to be chained
type RecordSet struct {
	IssuerTaxID  string
	PreviousHash string
	Records      []fiscal.Record
}

// LoadRecords reads a YAML record file, or a CSV export when the path ends
// in .csv. CSV files carry no header block, so issuer and previous hash come
// from the caller.
func LoadRecords(path, delimiter string) (*RecordSet, error) {
	if !strings.EqualFold(filepath.Ext(path), ".csv") {
		file, err := LoadRecordFile(path)
		if err != nil {
			return nil, err
		}
		records, err := file.Records()
		if err != nil {
			return nil, err
		}
		return &RecordSet{IssuerTaxID: file.IssuerTaxID, PreviousHash: file.PreviousHash, Records: records}, nil
	}

	if utf8.RuneCountInString(delimiter) != 1 {
		return nil, fmt.Errorf("delimiter %q must be a single character", delimiter)
	}
	d, _ := utf8.DecodeRuneInString(delimiter)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csvimport.ReadRecords(f, csvimport.WithDelimiter(d))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &RecordSet{Records: records}, nil
}
