// Package fiscal holds the fiscal compliance ledger domain: typed Addition and
// Cancellation records, the per-entity hash chain, and the submission state
// machine that tracks each record through the tax authority.
package fiscal

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
)

// RecordKind discriminates the two record variants. The literal value is the
// first field of the canonical hash input.
type RecordKind string

const (
	RecordKindAddition     RecordKind = "alta"
	RecordKindCancellation RecordKind = "anulacion"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

// Record is a fiscal record admitted to an entity's chain. It is implemented
// only by *Addition and *Cancellation.
type Record interface {
	Kind() RecordKind
	Header() RecordHeader
	Validate() error
	hashFields(previousHash string) []namedField
}

// RecordHeader holds the fields common to both variants
type RecordHeader struct {
	RecordID     string
	SeriesNumber string
	IssueDate    string
	InvoiceKind  string
}

// Addition represents a newly issued invoice
type Addition struct {
	RecordHeader
	IssueTime             string
	TaxTotal              decimal.Decimal
	GrossTotal            decimal.Decimal
	TaxableBase           decimal.Decimal
	Description           string
	CounterpartyName      string
	CounterpartyTaxID     string
	CounterpartyTaxIDKind string
	CounterpartyCountry   string
}

// Cancellation represents the voiding of a previously issued invoice
type Cancellation struct {
	RecordHeader
	ModificationReason string
}

// AdditionInput is the invoice-shaped input supplied by the host application.
// Amounts arrive as strings so that malformed numbers can be reported as such.
type AdditionInput struct {
	RecordID              string `json:"record_id" yaml:"record_id"`
	SeriesNumber          string `json:"series_number" yaml:"series_number"`
	IssueDate             string `json:"issue_date" yaml:"issue_date"`
	IssueTime             string `json:"issue_time" yaml:"issue_time"`
	InvoiceKind           string `json:"invoice_kind" yaml:"invoice_kind"`
	TaxTotal              string `json:"tax_total" yaml:"tax_total"`
	GrossTotal            string `json:"gross_total" yaml:"gross_total"`
	TaxableBase           string `json:"taxable_base" yaml:"taxable_base"`
	Description           string `json:"description" yaml:"description"`
	CounterpartyName      string `json:"counterparty_name" yaml:"counterparty_name"`
	CounterpartyTaxID     string `json:"counterparty_tax_id" yaml:"counterparty_tax_id"`
	CounterpartyTaxIDKind string `json:"counterparty_tax_id_kind,omitempty" yaml:"counterparty_tax_id_kind"`
	CounterpartyCountry   string `json:"counterparty_country" yaml:"counterparty_country"`
}

// CancellationInput is the host input for a cancellation record
type CancellationInput struct {
	RecordID           string `json:"record_id" yaml:"record_id"`
	SeriesNumber       string `json:"series_number" yaml:"series_number"`
	IssueDate          string `json:"issue_date" yaml:"issue_date"`
	InvoiceKind        string `json:"invoice_kind" yaml:"invoice_kind"`
	ModificationReason string `json:"modification_reason" yaml:"modification_reason"`
}

// NewAddition parses and validates host input into an Addition
func NewAddition(in AdditionInput) (*Addition, error) {
	a := &Addition{
		RecordHeader: RecordHeader{
			RecordID:     strings.TrimSpace(in.RecordID),
			SeriesNumber: in.SeriesNumber,
			IssueDate:    in.IssueDate,
			InvoiceKind:  in.InvoiceKind,
		},
		IssueTime:             in.IssueTime,
		Description:           in.Description,
		CounterpartyName:      in.CounterpartyName,
		CounterpartyTaxID:     in.CounterpartyTaxID,
		CounterpartyTaxIDKind: in.CounterpartyTaxIDKind,
		CounterpartyCountry:   in.CounterpartyCountry,
	}

	amounts := []struct {
		field string
		raw   string
		dst   *decimal.Decimal
	}{
		{"tax_total", in.TaxTotal, &a.TaxTotal},
		{"gross_total", in.GrossTotal, &a.GrossTotal},
		{"taxable_base", in.TaxableBase, &a.TaxableBase},
	}
	for _, amt := range amounts {
		d, err := ParseAmount(amt.field, amt.raw)
		if err != nil {
			return nil, err
		}
		*amt.dst = d
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewCancellation parses and validates host input into a Cancellation
func NewCancellation(in CancellationInput) (*Cancellation, error) {
	c := &Cancellation{
		RecordHeader: RecordHeader{
			RecordID:     strings.TrimSpace(in.RecordID),
			SeriesNumber: in.SeriesNumber,
			IssueDate:    in.IssueDate,
			InvoiceKind:  in.InvoiceKind,
		},
		ModificationReason: in.ModificationReason,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseAmount parses a non-negative fixed-point amount with at most two
// fraction digits.
func ParseAmount(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, newValidationError(ValidationKindMissingField, field, "amount is required")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, newValidationError(ValidationKindMalformedNumber, field, "%q is not a decimal number", raw)
	}
	return d, checkAmount(field, d)
}

// FormatAmount renders an amount with exactly two fraction digits
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func (a *Addition) Kind() RecordKind { return RecordKindAddition }

func (a *Addition) Header() RecordHeader { return a.RecordHeader }

// Validate checks the Addition's field constraints
func (a *Addition) Validate() error {
	if err := a.RecordHeader.validate(); err != nil {
		return err
	}
	required := []struct{ field, value string }{
		{"issue_time", a.IssueTime},
		{"description", a.Description},
		{"counterparty_name", a.CounterpartyName},
		{"counterparty_tax_id", a.CounterpartyTaxID},
		{"counterparty_country", a.CounterpartyCountry},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return newValidationError(ValidationKindMissingField, r.field, "value is required")
		}
	}
	if _, err := time.Parse(TimeLayout, a.IssueTime); err != nil {
		return newValidationError(ValidationKindInvalidDate, "issue_time", "%q is not a valid HH:MM:SS time", a.IssueTime)
	}
	for _, amt := range []struct {
		field string
		value decimal.Decimal
	}{
		{"tax_total", a.TaxTotal},
		{"gross_total", a.GrossTotal},
		{"taxable_base", a.TaxableBase},
	} {
		if err := checkAmount(amt.field, amt.value); err != nil {
			return err
		}
	}
	if err := checkCountry(a.CounterpartyCountry); err != nil {
		return err
	}
	return checkSeparators(a.hashFields(""))
}

func (c *Cancellation) Kind() RecordKind { return RecordKindCancellation }

func (c *Cancellation) Header() RecordHeader { return c.RecordHeader }

// Validate checks the Cancellation's field constraints
func (c *Cancellation) Validate() error {
	if err := c.RecordHeader.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.ModificationReason) == "" {
		return newValidationError(ValidationKindMissingField, "modification_reason", "value is required")
	}
	return checkSeparators(c.hashFields(""))
}

func (h RecordHeader) validate() error {
	required := []struct{ field, value string }{
		{"record_id", h.RecordID},
		{"series_number", h.SeriesNumber},
		{"issue_date", h.IssueDate},
		{"invoice_kind", h.InvoiceKind},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return newValidationError(ValidationKindMissingField, r.field, "value is required")
		}
	}
	// time.Parse rejects out-of-range days such as 2023-02-30
	if _, err := time.Parse(DateLayout, h.IssueDate); err != nil {
		return newValidationError(ValidationKindInvalidDate, "issue_date", "%q is not a valid YYYY-MM-DD date", h.IssueDate)
	}
	return nil
}

func checkAmount(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return newValidationError(ValidationKindMalformedNumber, field, "amount must not be negative")
	}
	if !d.Equal(d.Truncate(2)) {
		return newValidationError(ValidationKindMalformedNumber, field, "amount %s has more than two fraction digits", d.String())
	}
	return nil
}

func checkCountry(code string) error {
	if len(code) != 2 || strings.ToUpper(code) != code {
		return newValidationError(ValidationKindInvalidCode, "counterparty_country", "%q is not an ISO 3166-1 alpha-2 code", code)
	}
	region, err := language.ParseRegion(code)
	if err != nil || !region.IsCountry() {
		return newValidationError(ValidationKindInvalidCode, "counterparty_country", "%q is not a known country", code)
	}
	return nil
}
