package fiscal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// FieldSeparator joins the canonical hash fields. Fields containing it are
// rejected: escaping would silently change the format the authority
// recomputes.
const FieldSeparator = "|"

// HashLength is the length of a rendered chain digest
const HashLength = sha256.Size * 2

type namedField struct {
	name  string
	value string
}

// ChainState is the head of one issuing entity's chain. An empty PreviousHash
// is the valid initial state. Values are immutable; Advance returns the next
// state.
type ChainState struct {
	EntityID     string
	PreviousHash string
	Sequence     int64
	UpdatedAt    time.Time
}

// InitialChainState returns the state of an entity that has never chained a record
func InitialChainState(entityID string) ChainState {
	return ChainState{EntityID: entityID}
}

// IsInitial reports whether no record has been chained yet
func (s ChainState) IsInitial() bool {
	return s.PreviousHash == "" && s.Sequence == 0
}

// Advance returns the state after chaining a record whose digest is digest
func (s ChainState) Advance(digest string) ChainState {
	return ChainState{
		EntityID:     s.EntityID,
		PreviousHash: digest,
		Sequence:     s.Sequence + 1,
		UpdatedAt:    time.Now().UTC(),
	}
}

// ChainedRecord is a record together with its position in the chain
type ChainedRecord struct {
	Record       Record
	Sequence     int64
	PreviousHash string
	Hash         string
}

func (a *Addition) hashFields(previousHash string) []namedField {
	return []namedField{
		{"record_kind", string(RecordKindAddition)},
		{"record_id", a.RecordID},
		{"series_number", a.SeriesNumber},
		{"issue_date", a.IssueDate},
		{"issue_time", a.IssueTime},
		{"invoice_kind", a.InvoiceKind},
		{"tax_total", FormatAmount(a.TaxTotal)},
		{"gross_total", FormatAmount(a.GrossTotal)},
		{"taxable_base", FormatAmount(a.TaxableBase)},
		{"description", a.Description},
		{"counterparty_name", a.CounterpartyName},
		{"counterparty_tax_id", a.CounterpartyTaxID},
		{"counterparty_tax_id_kind", a.CounterpartyTaxIDKind},
		{"counterparty_country", a.CounterpartyCountry},
		{"previous_hash", previousHash},
	}
}

func (c *Cancellation) hashFields(previousHash string) []namedField {
	return []namedField{
		{"record_kind", string(RecordKindCancellation)},
		{"record_id", c.RecordID},
		{"series_number", c.SeriesNumber},
		{"issue_date", c.IssueDate},
		{"invoice_kind", c.InvoiceKind},
		{"previous_hash", previousHash},
		{"modification_reason", c.ModificationReason},
	}
}

func checkSeparators(fields []namedField) error {
	for _, f := range fields {
		if strings.Contains(f.value, FieldSeparator) {
			return newValidationError(ValidationKindReservedSeparator, f.name, "value must not contain %q", FieldSeparator)
		}
	}
	return nil
}

// CanonicalInput returns the exact byte string that is hashed for record
// when chained after previousHash.
func CanonicalInput(record Record, previousHash string) (string, error) {
	if record == nil {
		return "", newValidationError(ValidationKindMissingField, "record", "record is required")
	}
	fields := record.hashFields(previousHash)
	if err := checkSeparators(fields); err != nil {
		return "", err
	}
	values := make([]string, len(fields))
	for i, f := range fields {
		values[i] = f.value
	}
	return strings.Join(values, FieldSeparator), nil
}

// ComputeHash returns the lowercase hex SHA-256 digest of record chained
// after previousHash. It has no side effects.
func ComputeHash(record Record, previousHash string) (string, error) {
	input, err := CanonicalInput(record, previousHash)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:]), nil
}

// ChainRecords chains records in order starting at state. Record i is hashed
// with record i-1's digest as its previous hash. The returned state is the
// head after the last record; state itself is left untouched.
func ChainRecords(state ChainState, records []Record) ([]ChainedRecord, ChainState, error) {
	if len(records) == 0 {
		return nil, state, ErrEmptyBatch
	}
	chained := make([]ChainedRecord, 0, len(records))
	head := state
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return nil, state, err
		}
		digest, err := ComputeHash(r, head.PreviousHash)
		if err != nil {
			return nil, state, err
		}
		next := head.Advance(digest)
		chained = append(chained, ChainedRecord{
			Record:       r,
			Sequence:     next.Sequence,
			PreviousHash: head.PreviousHash,
			Hash:         digest,
		})
		head = next
	}
	return chained, head, nil
}

// VerifyChain recomputes every digest in chained and checks that each record
// links to its predecessor, starting from previousHash.
func VerifyChain(entityID, previousHash string, chained []ChainedRecord) error {
	expectedPrev := previousHash
	for i, cr := range chained {
		if cr.PreviousHash != expectedPrev {
			return &ChainIntegrityError{
				EntityID: entityID,
				Expected: expectedPrev,
				Actual:   cr.PreviousHash,
				Reason:   fmt.Sprintf("record %d (%s) does not link to its predecessor", i, recordID(cr.Record)),
			}
		}
		digest, err := ComputeHash(cr.Record, cr.PreviousHash)
		if err != nil {
			return err
		}
		if digest != cr.Hash {
			return &ChainIntegrityError{
				EntityID: entityID,
				Expected: digest,
				Actual:   cr.Hash,
				Reason:   fmt.Sprintf("record %d (%s) digest mismatch", i, recordID(cr.Record)),
			}
		}
		expectedPrev = cr.Hash
	}
	return nil
}

// IsHash reports whether s looks like a rendered chain digest
func IsHash(s string) bool {
	if len(s) != HashLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func recordID(r Record) string {
	if r == nil {
		return ""
	}
	return r.Header().RecordID
}
