// Package fiscaldoc renders chained fiscal records into the authority's
// canonical markup and reads it back. Output is byte-for-byte reproducible:
// fixed element order, two-space indentation and "\n" line endings.
package fiscaldoc

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/erp/verifactu/internal/domain/fiscal"
)

// Namespace is the only attribute value ever written
const Namespace = "urn:fiscal:ledger:1.0"

const (
	declaration = `<?xml version="1.0" encoding="UTF-8"?>`
	indentUnit  = "  "
)

// Element names, in schema order
const (
	elemRoot         = "FiscalDocument"
	elemHeader       = "Header"
	elemRecords      = "Records"
	elemAddition     = "Addition"
	elemCancellation = "Cancellation"
	elemCounterparty = "Counterparty"
	elemChainLink    = "ChainLink"
	elemHash         = "Hash"
)

// Serialize renders the envelope header and records into canonical markup.
// Records must be in chain order: each record's PreviousHash must equal the
// digest of the record before it, and every digest must match its record.
func Serialize(header fiscal.EnvelopeHeader, records []fiscal.ChainedRecord) ([]byte, error) {
	if err := header.Validate(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fiscal.ErrEmptyBatch
	}
	for i, cr := range records {
		if cr.Record == nil {
			return nil, &fiscal.ValidationError{
				Kind:    fiscal.ValidationKindMissingField,
				Field:   "record",
				Message: fmt.Sprintf("record %d is nil", i),
			}
		}
	}
	if err := fiscal.VerifyChain(header.IssuerTaxID, records[0].PreviousHash, records); err != nil {
		return nil, err
	}

	w := newWriter()
	w.raw(declaration)
	w.open(elemRoot, fmt.Sprintf(` xmlns="%s"`, Namespace))

	w.open(elemHeader, "")
	w.leaf("IssuerTaxID", header.IssuerTaxID)
	w.leaf("Conformance", header.ConformanceFlag())
	w.leaf("FormatVersion", header.FormatVersion)
	w.leaf("DigestAlgorithm", header.DigestAlgorithm)
	w.leaf("ExchangeType", header.ExchangeType)
	w.close(elemHeader)

	w.open(elemRecords, "")
	for _, cr := range records {
		switch r := cr.Record.(type) {
		case *fiscal.Addition:
			writeAddition(w, r, cr)
		case *fiscal.Cancellation:
			writeCancellation(w, r, cr)
		default:
			return nil, fmt.Errorf("fiscaldoc: unsupported record type %T", cr.Record)
		}
	}
	w.close(elemRecords)
	w.close(elemRoot)

	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

func writeAddition(w *writer, a *fiscal.Addition, cr fiscal.ChainedRecord) {
	w.open(elemAddition, "")
	w.leaf("RecordID", a.RecordID)
	w.leaf("SeriesNumber", a.SeriesNumber)
	w.leaf("IssueDate", a.IssueDate)
	w.leaf("IssueTime", a.IssueTime)
	w.leaf("InvoiceKind", a.InvoiceKind)
	w.leaf("TaxTotal", fiscal.FormatAmount(a.TaxTotal))
	w.leaf("GrossTotal", fiscal.FormatAmount(a.GrossTotal))
	w.leaf("TaxableBase", fiscal.FormatAmount(a.TaxableBase))
	w.leaf("Description", a.Description)
	w.open(elemCounterparty, "")
	w.leaf("Name", a.CounterpartyName)
	w.leaf("TaxID", a.CounterpartyTaxID)
	if a.CounterpartyTaxIDKind != "" {
		w.leaf("TaxIDKind", a.CounterpartyTaxIDKind)
	}
	w.leaf("Country", a.CounterpartyCountry)
	w.close(elemCounterparty)
	w.leaf(elemChainLink, cr.PreviousHash)
	w.leaf(elemHash, cr.Hash)
	w.close(elemAddition)
}

func writeCancellation(w *writer, c *fiscal.Cancellation, cr fiscal.ChainedRecord) {
	w.open(elemCancellation, "")
	w.leaf("RecordID", c.RecordID)
	w.leaf("SeriesNumber", c.SeriesNumber)
	w.leaf("IssueDate", c.IssueDate)
	w.leaf("InvoiceKind", c.InvoiceKind)
	w.leaf("ModificationReason", c.ModificationReason)
	w.leaf(elemChainLink, cr.PreviousHash)
	w.leaf(elemHash, cr.Hash)
	w.close(elemCancellation)
}

type writer struct {
	buf   bytes.Buffer
	depth int
	err   error
}

func newWriter() *writer {
	return &writer{}
}

func (w *writer) indent() {
	for i := 0; i < w.depth; i++ {
		w.buf.WriteString(indentUnit)
	}
}

func (w *writer) raw(s string) {
	w.buf.WriteString(s)
	w.buf.WriteByte('\n')
}

func (w *writer) open(name, attrs string) {
	w.indent()
	w.buf.WriteString("<" + name + attrs + ">\n")
	w.depth++
}

func (w *writer) close(name string) {
	w.depth--
	w.indent()
	w.buf.WriteString("</" + name + ">\n")
}

func (w *writer) leaf(name, text string) {
	if w.err == nil && !isMarkupText(text) {
		w.err = &fiscal.ValidationError{
			Kind:    fiscal.ValidationKindInvalidCode,
			Field:   name,
			Message: "value contains characters that cannot appear in markup",
		}
	}
	w.indent()
	w.buf.WriteString("<" + name + ">")
	escapeText(&w.buf, text)
	w.buf.WriteString("</" + name + ">\n")
}

// escapeText writes s with the five markup metacharacters replaced by their
// named entities. Carriage returns become a character reference, since a
// parser folds raw ones into line feeds.
func escapeText(buf *bytes.Buffer, s string) {
	for _, r := range s {
		switch r {
		case '&':
			buf.WriteString("&amp;")
		case '<':
			buf.WriteString("&lt;")
		case '>':
			buf.WriteString("&gt;")
		case '"':
			buf.WriteString("&quot;")
		case '\'':
			buf.WriteString("&apos;")
		case '\r':
			buf.WriteString("&#xD;")
		default:
			buf.WriteRune(r)
		}
	}
}

func isMarkupText(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if !isMarkupChar(r) {
			return false
		}
	}
	return true
}

// isMarkupChar reports whether r is in the XML 1.0 Char production
func isMarkupChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		r >= 0x20 && r <= 0xD7FF ||
		r >= 0xE000 && r <= 0xFFFD ||
		r >= 0x10000 && r <= 0x10FFFF
}
