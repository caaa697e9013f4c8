package csvimport

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/verifactu/internal/domain/fiscal"
)

const recordHeader = "kind,record_id,series_number,issue_date,issue_time,invoice_kind,tax_total,gross_total,taxable_base,description,counterparty_name,counterparty_tax_id,counterparty_country,modification_reason\n"

func additionRow(id, amount string) string {
	return ",INV-" + id + ",FAC-" + id + ",2024-01-15,10:00:00,F1," + amount + ",121.00,100.00,Servicios,Cliente S.L.,A12345678,ES,\n"
}

func TestReadRecords(t *testing.T) {
	input := recordHeader +
		additionRow("1", "21.00") +
		"anulacion,INV-1,FAC-1,2024-01-16,,F1,,,,,,,,Duplicada\n"

	records, err := ReadRecords(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 2)

	add, ok := records[0].(*fiscal.Addition)
	require.True(t, ok)
	assert.Equal(t, "INV-1", add.RecordID)
	assert.Equal(t, "21.00", fiscal.FormatAmount(add.TaxTotal))

	cancel, ok := records[1].(*fiscal.Cancellation)
	require.True(t, ok)
	assert.Equal(t, "Duplicada", cancel.ModificationReason)
}

func TestReadRecords_RowErrors(t *testing.T) {
	input := recordHeader +
		additionRow("1", "21.00") +
		additionRow("2", "abc") +
		additionRow("1", "21.00") +
		"rectificativa,INV-3,FAC-3,2024-01-15,,F1,,,,,,,,\n" +
		",INV-4,FAC-4,2024-02-30,10:00:00,F1,1.00,1.00,1.00,x,y,z,ES,\n"

	_, err := ReadRecords(strings.NewReader(input))
	require.Error(t, err)

	var importErr *ImportError
	require.True(t, errors.As(err, &importErr))
	require.Len(t, importErr.Errors, 4)

	tests := []struct {
		row    int
		column string
		code   string
	}{
		{row: 3, column: "tax_total", code: ErrCodeImportInvalidNumber},
		{row: 4, column: ColumnRecordID, code: ErrCodeImportDuplicateID},
		{row: 5, column: ColumnKind, code: ErrCodeImportUnknownKind},
		{row: 6, column: "issue_date", code: ErrCodeImportInvalidDate},
	}
	for i, tt := range tests {
		got := importErr.Errors[i]
		assert.Equal(t, tt.row, got.Row)
		assert.Equal(t, tt.column, got.Column)
		assert.Equal(t, tt.code, got.Code)
	}

	assert.Contains(t, err.Error(), "4 error(s) found")
	assert.Contains(t, err.Error(), "row 4, column 'record_id'")
}

func TestReadRecords_FileErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantIs  error
		wantErr string
	}{
		{name: "empty", input: "", wantIs: ErrEmptyFile},
		{name: "header only", input: recordHeader, wantIs: ErrNoDataRows},
		{name: "missing columns", input: "record_id,issue_date\nINV-1,2024-01-15\n", wantErr: "series_number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadRecords(strings.NewReader(tt.input))
			require.Error(t, err)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
