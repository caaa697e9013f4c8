package csvimport

import (
	"fmt"
	"io"

	"github.com/erp/verifactu/internal/domain/fiscal"
)

// Column names, after header normalization
const (
	ColumnKind                  = "kind"
	ColumnRecordID              = "record_id"
	ColumnSeriesNumber          = "series_number"
	ColumnIssueDate             = "issue_date"
	ColumnIssueTime             = "issue_time"
	ColumnInvoiceKind           = "invoice_kind"
	ColumnTaxTotal              = "tax_total"
	ColumnGrossTotal            = "gross_total"
	ColumnTaxableBase           = "taxable_base"
	ColumnDescription           = "description"
	ColumnCounterpartyName      = "counterparty_name"
	ColumnCounterpartyTaxID     = "counterparty_tax_id"
	ColumnCounterpartyTaxIDKind = "counterparty_tax_id_kind"
	ColumnCounterpartyCountry   = "counterparty_country"
	ColumnModificationReason    = "modification_reason"
)

// RequiredColumns must appear in every record file header
var RequiredColumns = []string{ColumnRecordID, ColumnSeriesNumber, ColumnIssueDate, ColumnInvoiceKind}

// ReadRecords parses one record per data row, in file order. A row whose
// kind column is blank is an addition. Every invalid row is reported in a
// single *ImportError.
func ReadRecords(r io.Reader, opts ...ParserOption) ([]fiscal.Record, error) {
	parser, err := NewCSVParser(r, opts...)
	if err != nil {
		return nil, err
	}
	if err := parser.ParseHeader(); err != nil {
		return nil, err
	}
	if missing := parser.MissingHeaders(RequiredColumns); len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %v", missing)
	}

	rows, err := parser.ReadAllRows()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoDataRows
	}

	type recordKey struct {
		kind fiscal.RecordKind
		id   string
	}
	seen := make(map[recordKey]int, len(rows))
	records := make([]fiscal.Record, 0, len(rows))
	var failures []RowError

	for _, row := range rows {
		record, rerr := recordFromRow(row)
		if rerr != nil {
			failures = append(failures, *rerr)
			continue
		}
		key := recordKey{kind: record.Kind(), id: record.Header().RecordID}
		if first, dup := seen[key]; dup {
			failures = append(failures, RowError{
				Row:     row.LineNumber,
				Column:  ColumnRecordID,
				Code:    ErrCodeImportDuplicateID,
				Message: fmt.Sprintf("record %q already appears on row %d", key.id, first),
			})
			continue
		}
		seen[key] = row.LineNumber
		records = append(records, record)
	}

	if len(failures) > 0 {
		return nil, &ImportError{Errors: failures}
	}
	return records, nil
}

func recordFromRow(row *Row) (fiscal.Record, *RowError) {
	switch kind := fiscal.RecordKind(row.Get(ColumnKind)); kind {
	case "", fiscal.RecordKindAddition:
		a, err := fiscal.NewAddition(fiscal.AdditionInput{
			RecordID:              row.Get(ColumnRecordID),
			SeriesNumber:          row.Get(ColumnSeriesNumber),
			IssueDate:             row.Get(ColumnIssueDate),
			IssueTime:             row.Get(ColumnIssueTime),
			InvoiceKind:           row.Get(ColumnInvoiceKind),
			TaxTotal:              row.Get(ColumnTaxTotal),
			GrossTotal:            row.Get(ColumnGrossTotal),
			TaxableBase:           row.Get(ColumnTaxableBase),
			Description:           row.Get(ColumnDescription),
			CounterpartyName:      row.Get(ColumnCounterpartyName),
			CounterpartyTaxID:     row.Get(ColumnCounterpartyTaxID),
			CounterpartyTaxIDKind: row.Get(ColumnCounterpartyTaxIDKind),
			CounterpartyCountry:   row.Get(ColumnCounterpartyCountry),
		})
		if err != nil {
			re := rowErrorFrom(row.LineNumber, err)
			return nil, &re
		}
		return a, nil
	case fiscal.RecordKindCancellation:
		c, err := fiscal.NewCancellation(fiscal.CancellationInput{
			RecordID:           row.Get(ColumnRecordID),
			SeriesNumber:       row.Get(ColumnSeriesNumber),
			IssueDate:          row.Get(ColumnIssueDate),
			InvoiceKind:        row.Get(ColumnInvoiceKind),
			ModificationReason: row.Get(ColumnModificationReason),
		})
		if err != nil {
			re := rowErrorFrom(row.LineNumber, err)
			return nil, &re
		}
		return c, nil
	default:
		return nil, &RowError{
			Row:     row.LineNumber,
			Column:  ColumnKind,
			Code:    ErrCodeImportUnknownKind,
			Message: fmt.Sprintf("unknown record kind %q", kind),
		}
	}
}
