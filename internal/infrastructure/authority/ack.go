package authority

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/erp/verifactu/internal/domain/fiscal"
)

// Status codes carried by the authority's acknowledgment
const (
	StatusCodeAccepted          = "Correcto"
	StatusCodePartiallyAccepted = "ParcialmenteCorrecto"
	StatusCodeRejected          = "Incorrecto"
	StatusCodeInProgress        = "EnProceso"
)

type ackDocument struct {
	XMLName           xml.Name          `xml:"Acknowledgment"`
	StatusCode        string            `xml:"StatusCode"`
	TrackingReference string            `xml:"TrackingReference"`
	Results           []ackRecordResult `xml:"RecordResults>RecordResult"`
}

type ackRecordResult struct {
	RecordID string `xml:"RecordID"`
	Code     string `xml:"Code"`
	Message  string `xml:"Message"`
}

// parseAcknowledgment normalizes an acknowledgment body. Anything that is not
// a well-formed acknowledgment with a known status code is malformed.
func parseAcknowledgment(body []byte) (*fiscal.AckResponse, error) {
	var doc ackDocument
	if err := xml.NewDecoder(bytes.NewReader(body)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", fiscal.ErrMalformedAcknowledgment, err)
	}

	code := strings.TrimSpace(doc.StatusCode)
	var status fiscal.AckStatus
	switch code {
	case StatusCodeAccepted:
		status = fiscal.AckAccepted
	case StatusCodePartiallyAccepted:
		status = fiscal.AckPartiallyAccepted
	case StatusCodeRejected:
		status = fiscal.AckRejected
	case StatusCodeInProgress:
		status = fiscal.AckInProgress
	case "":
		return nil, fmt.Errorf("%w: missing status code", fiscal.ErrMalformedAcknowledgment)
	default:
		return nil, fmt.Errorf("%w: unknown status code %q", fiscal.ErrMalformedAcknowledgment, code)
	}

	ack := &fiscal.AckResponse{
		Status:            status,
		StatusCode:        code,
		TrackingReference: strings.TrimSpace(doc.TrackingReference),
		ReceivedAt:        time.Now().UTC(),
	}
	for _, r := range doc.Results {
		ack.RecordErrors = append(ack.RecordErrors, fiscal.RecordError{
			RecordID: strings.TrimSpace(r.RecordID),
			Code:     strings.TrimSpace(r.Code),
			Message:  r.Message,
		})
	}
	return ack, nil
}
