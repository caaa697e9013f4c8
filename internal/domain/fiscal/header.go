package fiscal

import "strings"

// Defaults for the envelope header
const (
	DefaultFormatVersion     = "1.0"
	DefaultDigestAlgorithm   = "SHA-256"
	ExchangeTypeRegistration = "T"
)

// EnvelopeHeader describes one submission batch. It is built fresh for every
// call and is not persisted.
type EnvelopeHeader struct {
	IssuerTaxID     string
	Conformance     bool
	FormatVersion   string
	DigestAlgorithm string
	ExchangeType    string
}

// NewEnvelopeHeader returns a header for issuerTaxID with default version,
// algorithm and exchange type.
func NewEnvelopeHeader(issuerTaxID string) EnvelopeHeader {
	return EnvelopeHeader{
		IssuerTaxID:     issuerTaxID,
		Conformance:     true,
		FormatVersion:   DefaultFormatVersion,
		DigestAlgorithm: DefaultDigestAlgorithm,
		ExchangeType:    ExchangeTypeRegistration,
	}
}

// Validate checks that every header field is present
func (h EnvelopeHeader) Validate() error {
	required := []struct{ field, value string }{
		{"issuer_tax_id", h.IssuerTaxID},
		{"format_version", h.FormatVersion},
		{"digest_algorithm", h.DigestAlgorithm},
		{"exchange_type", h.ExchangeType},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return newValidationError(ValidationKindMissingField, r.field, "header value is required")
		}
	}
	return nil
}

// ConformanceFlag renders the conformance flag as the authority expects it
func (h EnvelopeHeader) ConformanceFlag() string {
	if h.Conformance {
		return "S"
	}
	return "N"
}
