package dto

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	fiscalapp "github.com/erp/verifactu/internal/application/fiscal"
	"github.com/erp/verifactu/internal/domain/fiscal"
)

// EnqueueTaskRequest submits records for chaining and delivery
type EnqueueTaskRequest struct {
	// ExpectedPreviousHash, when present, must match the entity's chain head
	ExpectedPreviousHash *string         `json:"expected_previous_hash" binding:"omitempty,len=64,hexadecimal"`
	Header               *HeaderRequest  `json:"header"`
	Records              []RecordRequest `json:"records" binding:"required,min=1,max=1000,dive"`
}

// HeaderRequest overrides the default envelope header
type HeaderRequest struct {
	IssuerTaxID     string `json:"issuer_tax_id" binding:"required,max=20"`
	Conformance     *bool  `json:"conformance"`
	FormatVersion   string `json:"format_version" binding:"omitempty,max=8"`
	DigestAlgorithm string `json:"digest_algorithm" binding:"omitempty,max=16"`
	ExchangeType    string `json:"exchange_type" binding:"omitempty,max=2"`
}

// RecordRequest is one alta or anulacion record. Amounts are decimal strings.
type RecordRequest struct {
	Kind                  string `json:"kind" binding:"required,oneof=alta anulacion"`
	RecordID              string `json:"record_id" binding:"required,max=128"`
	SeriesNumber          string `json:"series_number"`
	IssueDate             string `json:"issue_date"`
	IssueTime             string `json:"issue_time"`
	InvoiceKind           string `json:"invoice_kind"`
	TaxTotal              string `json:"tax_total"`
	GrossTotal            string `json:"gross_total"`
	TaxableBase           string `json:"taxable_base"`
	Description           string `json:"description"`
	CounterpartyName      string `json:"counterparty_name"`
	CounterpartyTaxID     string `json:"counterparty_tax_id"`
	CounterpartyTaxIDKind string `json:"counterparty_tax_id_kind"`
	CounterpartyCountry   string `json:"counterparty_country"`
	ModificationReason    string `json:"modification_reason"`
}

// ToRecord parses the request into a validated domain record
func (r RecordRequest) ToRecord() (fiscal.Record, error) {
	if fiscal.RecordKind(r.Kind) == fiscal.RecordKindCancellation {
		return fiscal.NewCancellation(fiscal.CancellationInput{
			RecordID:           r.RecordID,
			SeriesNumber:       r.SeriesNumber,
			IssueDate:          r.IssueDate,
			InvoiceKind:        r.InvoiceKind,
			ModificationReason: r.ModificationReason,
		})
	}
	return fiscal.NewAddition(fiscal.AdditionInput{
		RecordID:              r.RecordID,
		SeriesNumber:          r.SeriesNumber,
		IssueDate:             r.IssueDate,
		IssueTime:             r.IssueTime,
		InvoiceKind:           r.InvoiceKind,
		TaxTotal:              r.TaxTotal,
		GrossTotal:            r.GrossTotal,
		TaxableBase:           r.TaxableBase,
		Description:           r.Description,
		CounterpartyName:      r.CounterpartyName,
		CounterpartyTaxID:     r.CounterpartyTaxID,
		CounterpartyTaxIDKind: r.CounterpartyTaxIDKind,
		CounterpartyCountry:   r.CounterpartyCountry,
	})
}

// ToRecords converts every record, stopping at the first invalid one
func (r EnqueueTaskRequest) ToRecords() ([]fiscal.Record, error) {
	out := make([]fiscal.Record, 0, len(r.Records))
	for i, rec := range r.Records {
		parsed, err := rec.ToRecord()
		if err != nil {
			return nil, fmt.Errorf("records[%d]: %w", i, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

// ToHeader returns the header override, or nil for the default header
func (r EnqueueTaskRequest) ToHeader() *fiscal.EnvelopeHeader {
	if r.Header == nil {
		return nil
	}
	h := fiscal.NewEnvelopeHeader(r.Header.IssuerTaxID)
	if r.Header.Conformance != nil {
		h.Conformance = *r.Header.Conformance
	}
	if r.Header.FormatVersion != "" {
		h.FormatVersion = r.Header.FormatVersion
	}
	if r.Header.DigestAlgorithm != "" {
		h.DigestAlgorithm = r.Header.DigestAlgorithm
	}
	if r.Header.ExchangeType != "" {
		h.ExchangeType = r.Header.ExchangeType
	}
	return &h
}

// ReleaseHaltRequest records who released a halted entity and why
type ReleaseHaltRequest struct {
	Operator string `json:"operator" binding:"required,max=128"`
	Reason   string `json:"reason" binding:"required,max=1024"`
}

// TaskAcceptedResponse is returned when a task was queued
type TaskAcceptedResponse struct {
	TaskID   string `json:"task_id"`
	EntityID string `json:"entity_id"`
	Status   string `json:"status"`
}

// TaskResultResponse is returned when the caller waited for the outcome
type TaskResultResponse struct {
	TaskID     string                   `json:"task_id"`
	EntityID   string                   `json:"entity_id"`
	BatchID    string                   `json:"batch_id,omitempty"`
	RetryClass fiscal.RetryClass        `json:"retry_class"`
	Error      string                   `json:"error,omitempty"`
	Records    []fiscalapp.RecordStatus `json:"records"`
}

// ChainHeadResponse describes an entity's last committed chain state
type ChainHeadResponse struct {
	EntityID     string     `json:"entity_id"`
	PreviousHash string     `json:"previous_hash"`
	Sequence     int64      `json:"sequence"`
	Initial      bool       `json:"initial"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// NewChainHeadResponse converts a chain state
func NewChainHeadResponse(s fiscal.ChainState) ChainHeadResponse {
	resp := ChainHeadResponse{
		EntityID:     s.EntityID,
		PreviousHash: s.PreviousHash,
		Sequence:     s.Sequence,
		Initial:      s.IsInitial(),
	}
	if !s.UpdatedAt.IsZero() {
		updated := s.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

// HaltResponse is one halted entity
type HaltResponse struct {
	EntityID  string `json:"entity_id"`
	Violation string `json:"violation"`
}

// NewTaskResultResponse converts a finished task
func NewTaskResultResponse(r fiscalapp.Result) TaskResultResponse {
	resp := TaskResultResponse{
		TaskID:     r.TaskID.String(),
		EntityID:   r.EntityID,
		RetryClass: r.RetryClass(),
		Records:    r.Records(),
	}
	if r.BatchID != uuid.Nil {
		resp.BatchID = r.BatchID.String()
	}
	if r.Err != nil {
		resp.Error = r.Err.Error()
	}
	return resp
}
