package csvimport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/erp/verifactu/internal/domain/fiscal"
)

// Row error codes
const (
	ErrCodeImportMalformedRow  = "ERR_IMPORT_MALFORMED_ROW"
	ErrCodeImportRequiredField = "ERR_IMPORT_REQUIRED_FIELD"
	ErrCodeImportInvalidNumber = "ERR_IMPORT_INVALID_NUMBER"
	ErrCodeImportInvalidDate   = "ERR_IMPORT_INVALID_DATE"
	ErrCodeImportInvalidCode   = "ERR_IMPORT_INVALID_CODE"
	ErrCodeImportSeparator     = "ERR_IMPORT_RESERVED_SEPARATOR"
	ErrCodeImportUnknownKind   = "ERR_IMPORT_UNKNOWN_KIND"
	ErrCodeImportDuplicateID   = "ERR_IMPORT_DUPLICATE_IN_FILE"
)

var (
	// ErrEmptyFile is returned when the CSV file is empty
	ErrEmptyFile = errors.New("CSV file is empty")

	// ErrInvalidEncoding is returned when the file is not UTF-8
	ErrInvalidEncoding = errors.New("invalid file encoding")

	// ErrMissingHeader is returned when the CSV file has no header row
	ErrMissingHeader = errors.New("CSV file missing header row")

	// ErrNoDataRows is returned when the CSV file has no data rows
	ErrNoDataRows = errors.New("CSV file contains no data rows")
)

// RowError is a problem with one data row
type RowError struct {
	Row     int    `json:"row" yaml:"row"`
	Column  string `json:"column,omitempty" yaml:"column,omitempty"`
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
}

func (e RowError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("row %d, column '%s': %s", e.Row, e.Column, e.Message)
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Message)
}

var validationCodes = map[fiscal.ValidationKind]string{
	fiscal.ValidationKindMissingField:      ErrCodeImportRequiredField,
	fiscal.ValidationKindMalformedNumber:   ErrCodeImportInvalidNumber,
	fiscal.ValidationKindInvalidDate:       ErrCodeImportInvalidDate,
	fiscal.ValidationKindInvalidCode:       ErrCodeImportInvalidCode,
	fiscal.ValidationKindReservedSeparator: ErrCodeImportSeparator,
}

// rowErrorFrom maps a record construction failure onto its row
func rowErrorFrom(row int, err error) RowError {
	var verr *fiscal.ValidationError
	if errors.As(err, &verr) {
		code, ok := validationCodes[verr.Kind]
		if !ok {
			code = ErrCodeImportMalformedRow
		}
		return RowError{Row: row, Column: verr.Field, Code: code, Message: err.Error()}
	}
	return RowError{Row: row, Code: ErrCodeImportMalformedRow, Message: err.Error()}
}

// ImportError collects every RowError found in a file
type ImportError struct {
	Errors []RowError
}

func (e *ImportError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d error(s) found:", len(e.Errors))
	for _, re := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(re.Error())
	}
	return sb.String()
}

