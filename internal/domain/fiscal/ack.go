package fiscal

import (
	"context"
	"time"
)

// AckStatus is the normalized overall outcome of an authority call
type AckStatus string

const (
	AckAccepted          AckStatus = "accepted"
	AckPartiallyAccepted AckStatus = "partially_accepted"
	AckRejected          AckStatus = "rejected"
	AckInProgress        AckStatus = "in_progress"
)

// RecordError is the authority's verdict on a single record
type RecordError struct {
	RecordID string
	Code     string
	Message  string
}

// AckResponse is the normalized acknowledgment for submit and status calls.
// A rejection is a normal outcome and is carried here, not as an error.
type AckResponse struct {
	Status            AckStatus
	StatusCode        string
	TrackingReference string
	RecordErrors      []RecordError
	ReceivedAt        time.Time
}

// IsSuccess reports whether the authority accepted the call as a whole
func (a *AckResponse) IsSuccess() bool {
	return a.Status == AckAccepted || a.Status == AckPartiallyAccepted
}

// Messages returns every per-record error message verbatim
func (a *AckResponse) Messages() []string {
	msgs := make([]string, 0, len(a.RecordErrors))
	for _, e := range a.RecordErrors {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

// ErrorsFor returns the messages addressed to recordID
func (a *AckResponse) ErrorsFor(recordID string) []string {
	var msgs []string
	for _, e := range a.RecordErrors {
		if e.RecordID == recordID {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}

// Rejection builds the AuthorityRejection carried by a negative acknowledgment
func (a *AckResponse) Rejection() *AuthorityRejection {
	return &AuthorityRejection{StatusCode: a.StatusCode, Messages: a.Messages()}
}

// Authority is the port to the external tax authority
type Authority interface {
	// Submit delivers a signed document and returns the acknowledgment
	Submit(ctx context.Context, entityID string, signed []byte) (*AckResponse, error)
	// CheckStatus is an idempotent read of a previous submission
	CheckStatus(ctx context.Context, entityID, trackingReference string) (*AckResponse, error)
}

// Signer applies the entity's signature to a serialized document. Signing is
// performed outside the core.
type Signer interface {
	Sign(ctx context.Context, entityID string, document []byte) ([]byte, error)
}

// DocumentArchive keeps a copy of every signed document sent to the authority
type DocumentArchive interface {
	Archive(ctx context.Context, batch *Batch) error
}
