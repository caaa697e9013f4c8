package dto

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fiscalapp "github.com/erp/verifactu/internal/application/fiscal"
	"github.com/erp/verifactu/internal/domain/fiscal"
)

func validAddition(id string) RecordRequest {
	return RecordRequest{
		Kind:                "alta",
		RecordID:            id,
		SeriesNumber:        "A-" + id,
		IssueDate:           "2024-03-07",
		IssueTime:           "10:15:00",
		InvoiceKind:         "F1",
		TaxTotal:            "21.00",
		GrossTotal:          "121.00",
		TaxableBase:         "100.00",
		Description:         "Consulting",
		CounterpartyName:    "Cliente SA",
		CounterpartyTaxID:   "A87654321",
		CounterpartyCountry: "ES",
	}
}

func TestRecordRequest_ToRecord(t *testing.T) {
	tests := []struct {
		name     string
		req      RecordRequest
		wantKind fiscal.RecordKind
		wantErr  fiscal.ValidationKind
	}{
		{name: "addition", req: validAddition("1"), wantKind: fiscal.RecordKindAddition},
		{
			name: "cancellation",
			req: RecordRequest{
				Kind:               "anulacion",
				RecordID:           "2",
				SeriesNumber:       "A-1",
				IssueDate:          "2024-03-07",
				InvoiceKind:        "F1",
				ModificationReason: "duplicate",
			},
			wantKind: fiscal.RecordKindCancellation,
		},
		{
			name: "malformed amount",
			req: func() RecordRequest {
				r := validAddition("3")
				r.TaxTotal = "twenty"
				return r
			}(),
			wantErr: fiscal.ValidationKindMalformedNumber,
		},
		{
			name: "bad date",
			req: func() RecordRequest {
				r := validAddition("4")
				r.IssueDate = "07/03/2024"
				return r
			}(),
			wantErr: fiscal.ValidationKindInvalidDate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := tt.req.ToRecord()
			if tt.wantErr != "" {
				var ve *fiscal.ValidationError
				require.True(t, errors.As(err, &ve), "got %v", err)
				assert.Equal(t, tt.wantErr, ve.Kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, rec.Kind())
			assert.Equal(t, tt.req.RecordID, rec.Header().RecordID)
		})
	}
}

func TestEnqueueTaskRequest_ToRecordsReportsIndex(t *testing.T) {
	bad := validAddition("2")
	bad.GrossTotal = "1,5"
	req := EnqueueTaskRequest{Records: []RecordRequest{validAddition("1"), bad}}

	_, err := req.ToRecords()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "records[1]")
	assert.True(t, fiscal.IsValidationError(err))
}

func TestEnqueueTaskRequest_ToHeader(t *testing.T) {
	assert.Nil(t, EnqueueTaskRequest{}.ToHeader())

	off := false
	h := EnqueueTaskRequest{Header: &HeaderRequest{IssuerTaxID: "B12345678", Conformance: &off}}.ToHeader()
	require.NotNil(t, h)
	assert.Equal(t, "B12345678", h.IssuerTaxID)
	assert.False(t, h.Conformance)
	assert.Equal(t, fiscal.DefaultFormatVersion, h.FormatVersion)
	assert.Equal(t, fiscal.DefaultDigestAlgorithm, h.DigestAlgorithm)
}

func TestNewChainHeadResponse(t *testing.T) {
	initial := NewChainHeadResponse(fiscal.InitialChainState("B12345678"))
	assert.True(t, initial.Initial)
	assert.Nil(t, initial.UpdatedAt)

	now := time.Now()
	head := NewChainHeadResponse(fiscal.ChainState{
		EntityID:     "B12345678",
		PreviousHash: "ABCD",
		Sequence:     3,
		UpdatedAt:    now,
	})
	assert.False(t, head.Initial)
	assert.Equal(t, int64(3), head.Sequence)
	require.NotNil(t, head.UpdatedAt)
	assert.True(t, now.Equal(*head.UpdatedAt))
}

func TestNewTaskResultResponse(t *testing.T) {
	result := fiscalapp.Result{
		TaskID:   uuid.New(),
		EntityID: "B12345678",
		Err:      fiscal.ErrTaskCancelled,
	}
	resp := NewTaskResultResponse(result)
	assert.Equal(t, result.TaskID.String(), resp.TaskID)
	assert.Empty(t, resp.BatchID)
	assert.Equal(t, fiscal.ErrTaskCancelled.Error(), resp.Error)
	assert.Empty(t, resp.Records)
}
