package fiscaldoc

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/erp/verifactu/internal/domain/fiscal"
)

// Document is a parsed fiscal document
type Document struct {
	Header  fiscal.EnvelopeHeader
	Records []fiscal.ChainedRecord
}

// FirstLink returns the ChainLink carried by the first record
func (d *Document) FirstLink() string {
	if len(d.Records) == 0 {
		return ""
	}
	return d.Records[0].PreviousHash
}

type xmlDocument struct {
	XMLName xml.Name   `xml:"FiscalDocument"`
	Header  xmlHeader  `xml:"Header"`
	Records xmlRecords `xml:"Records"`
}

type xmlHeader struct {
	IssuerTaxID     string `xml:"IssuerTaxID"`
	Conformance     string `xml:"Conformance"`
	FormatVersion   string `xml:"FormatVersion"`
	DigestAlgorithm string `xml:"DigestAlgorithm"`
	ExchangeType    string `xml:"ExchangeType"`
}

type xmlRecords struct {
	Items []xmlRecord `xml:",any"`
}

type xmlRecord struct {
	XMLName            xml.Name
	RecordID           string           `xml:"RecordID"`
	SeriesNumber       string           `xml:"SeriesNumber"`
	IssueDate          string           `xml:"IssueDate"`
	IssueTime          string           `xml:"IssueTime"`
	InvoiceKind        string           `xml:"InvoiceKind"`
	TaxTotal           string           `xml:"TaxTotal"`
	GrossTotal         string           `xml:"GrossTotal"`
	TaxableBase        string           `xml:"TaxableBase"`
	Description        string           `xml:"Description"`
	Counterparty       *xmlCounterparty `xml:"Counterparty"`
	ModificationReason string           `xml:"ModificationReason"`
	ChainLink          string           `xml:"ChainLink"`
	Hash               string           `xml:"Hash"`
}

type xmlCounterparty struct {
	Name      string `xml:"Name"`
	TaxID     string `xml:"TaxID"`
	TaxIDKind string `xml:"TaxIDKind"`
	Country   string `xml:"Country"`
}

// Parse decodes canonical markup back into its header and chained records.
// Records are validated with the same rules used at admission; digests are
// not checked here, see Verify.
func Parse(markup []byte) (*Document, error) {
	var raw xmlDocument
	dec := xml.NewDecoder(bytes.NewReader(markup))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("fiscaldoc: decode document: %w", err)
	}
	if raw.XMLName.Space != Namespace {
		return nil, fmt.Errorf("fiscaldoc: unexpected namespace %q", raw.XMLName.Space)
	}

	doc := &Document{
		Header: fiscal.EnvelopeHeader{
			IssuerTaxID:     raw.Header.IssuerTaxID,
			Conformance:     raw.Header.Conformance == "S",
			FormatVersion:   raw.Header.FormatVersion,
			DigestAlgorithm: raw.Header.DigestAlgorithm,
			ExchangeType:    raw.Header.ExchangeType,
		},
	}
	if err := doc.Header.Validate(); err != nil {
		return nil, err
	}

	for i, item := range raw.Records.Items {
		record, err := item.toRecord()
		if err != nil {
			return nil, fmt.Errorf("fiscaldoc: record %d: %w", i, err)
		}
		doc.Records = append(doc.Records, fiscal.ChainedRecord{
			Record:       record,
			Sequence:     int64(i + 1),
			PreviousHash: item.ChainLink,
			Hash:         item.Hash,
		})
	}
	if len(doc.Records) == 0 {
		return nil, fiscal.ErrEmptyBatch
	}
	return doc, nil
}

func (x xmlRecord) toRecord() (fiscal.Record, error) {
	switch x.XMLName.Local {
	case elemAddition:
		cp := x.Counterparty
		if cp == nil {
			cp = &xmlCounterparty{}
		}
		return fiscal.NewAddition(fiscal.AdditionInput{
			RecordID:              x.RecordID,
			SeriesNumber:          x.SeriesNumber,
			IssueDate:             x.IssueDate,
			IssueTime:             x.IssueTime,
			InvoiceKind:           x.InvoiceKind,
			TaxTotal:              x.TaxTotal,
			GrossTotal:            x.GrossTotal,
			TaxableBase:           x.TaxableBase,
			Description:           x.Description,
			CounterpartyName:      cp.Name,
			CounterpartyTaxID:     cp.TaxID,
			CounterpartyTaxIDKind: cp.TaxIDKind,
			CounterpartyCountry:   cp.Country,
		})
	case elemCancellation:
		return fiscal.NewCancellation(fiscal.CancellationInput{
			RecordID:           x.RecordID,
			SeriesNumber:       x.SeriesNumber,
			IssueDate:          x.IssueDate,
			InvoiceKind:        x.InvoiceKind,
			ModificationReason: x.ModificationReason,
		})
	}
	return nil, fmt.Errorf("unknown record element %q", x.XMLName.Local)
}

type verifyOptions struct {
	previousHash *string
}

// VerifyOption configures Verify
type VerifyOption func(*verifyOptions)

// WithPreviousHash anchors verification: the first record must link to hash
func WithPreviousHash(hash string) VerifyOption {
	return func(o *verifyOptions) {
		o.previousHash = &hash
	}
}

// Verify parses markup and independently recomputes every record digest and
// chain link. Without WithPreviousHash the first record's ChainLink is taken
// as the starting point.
func Verify(markup []byte, opts ...VerifyOption) (*Document, error) {
	var o verifyOptions
	for _, opt := range opts {
		opt(&o)
	}
	doc, err := Parse(markup)
	if err != nil {
		return nil, err
	}
	start := doc.FirstLink()
	if o.previousHash != nil {
		start = *o.previousHash
	}
	if err := fiscal.VerifyChain(doc.Header.IssuerTaxID, start, doc.Records); err != nil {
		return doc, err
	}
	return doc, nil
}
