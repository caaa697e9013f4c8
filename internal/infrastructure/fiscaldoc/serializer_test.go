package fiscaldoc

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/verifactu/internal/domain/fiscal"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func scenarioAddition(t *testing.T) *fiscal.Addition {
	t.Helper()
	a, err := fiscal.NewAddition(fiscal.AdditionInput{
		RecordID:            "VERI-INV-001",
		SeriesNumber:        "INV-0001",
		IssueDate:           "2024-01-15",
		IssueTime:           "14:30:00",
		InvoiceKind:         "F1",
		TaxTotal:            "21.00",
		GrossTotal:          "121.00",
		TaxableBase:         "100.00",
		Description:         "Factura de servicios",
		CounterpartyName:    "Cliente S.L.",
		CounterpartyTaxID:   "A12345678",
		CounterpartyCountry: "ES",
	})
	require.NoError(t, err)
	return a
}

func chainFrom(t *testing.T, previousHash string, records ...fiscal.Record) []fiscal.ChainedRecord {
	t.Helper()
	chained, _, err := fiscal.ChainRecords(fiscal.ChainState{EntityID: "B12345678", PreviousHash: previousHash}, records)
	require.NoError(t, err)
	return chained
}

func mixedRecords(t *testing.T) []fiscal.Record {
	t.Helper()
	a, err := fiscal.NewAddition(fiscal.AdditionInput{
		RecordID:              "VERI-INV-002",
		SeriesNumber:          "INV-0002",
		IssueDate:             "2024-02-01",
		IssueTime:             "09:05:00",
		InvoiceKind:           "F1",
		TaxTotal:              "42",
		GrossTotal:            "242.0",
		TaxableBase:           "200.00",
		Description:           `Consultoría "Q1" & <soporte> d'equip`,
		CounterpartyName:      "O'Brien & Hijos",
		CounterpartyTaxID:     "X1234567L",
		CounterpartyTaxIDKind: "02",
		CounterpartyCountry:   "IE",
	})
	require.NoError(t, err)
	c, err := fiscal.NewCancellation(fiscal.CancellationInput{
		RecordID:           "VERI-INV-002-C",
		SeriesNumber:       "INV-0002",
		IssueDate:          "2024-02-02",
		InvoiceKind:        "F1",
		ModificationReason: "R1",
	})
	require.NoError(t, err)
	return []fiscal.Record{a, c}
}

func TestSerialize_Golden(t *testing.T) {
	header := fiscal.NewEnvelopeHeader("B12345678")
	g := newGoldie(t)

	t.Run("single_addition", func(t *testing.T) {
		out, err := Serialize(header, chainFrom(t, "previous_hash_123", scenarioAddition(t)))
		require.NoError(t, err)
		g.Assert(t, "single_addition", out)
	})

	t.Run("addition_then_cancellation", func(t *testing.T) {
		out, err := Serialize(header, chainFrom(t, "", mixedRecords(t)...))
		require.NoError(t, err)
		g.Assert(t, "addition_then_cancellation", out)
	})
}

func TestSerialize_IsReproducible(t *testing.T) {
	header := fiscal.NewEnvelopeHeader("B12345678")
	chained := chainFrom(t, "", mixedRecords(t)...)

	first, err := Serialize(header, chained)
	require.NoError(t, err)
	second, err := Serialize(header, chained)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NotContains(t, string(first), "\r")
}

func TestSerialize_ChainLinkScenario(t *testing.T) {
	header := fiscal.NewEnvelopeHeader("B12345678")
	record := scenarioAddition(t)

	first := chainFrom(t, "previous_hash_123", record)
	out1, err := Serialize(header, first)
	require.NoError(t, err)
	assert.Contains(t, string(out1), "<ChainLink>previous_hash_123</ChainLink>")
	assert.Len(t, first[0].Hash, fiscal.HashLength)
	assert.Contains(t, string(out1), "<Hash>"+first[0].Hash+"</Hash>")

	second := chainFrom(t, "new_chain_hash", record)
	out2, err := Serialize(header, second)
	require.NoError(t, err)
	assert.Contains(t, string(out2), "<ChainLink>new_chain_hash</ChainLink>")

	// only the link and the digest derived from it differ
	strip := func(doc []byte) []string {
		var kept []string
		for _, line := range strings.Split(string(doc), "\n") {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "<ChainLink>") || strings.HasPrefix(trimmed, "<Hash>") {
				continue
			}
			kept = append(kept, line)
		}
		return kept
	}
	assert.Equal(t, strip(out1), strip(out2))
	assert.NotEqual(t, first[0].Hash, second[0].Hash)
}

func TestSerialize_NRecordsInChainOrder(t *testing.T) {
	header := fiscal.NewEnvelopeHeader("B12345678")
	var records []fiscal.Record
	for i := 0; i < 5; i++ {
		a := scenarioAddition(t)
		a.RecordID = a.RecordID + "-" + string(rune('a'+i))
		records = append(records, a)
	}
	chained := chainFrom(t, "", records...)

	out, err := Serialize(header, chained)
	require.NoError(t, err)
	doc := string(out)
	assert.Equal(t, 5, strings.Count(doc, "<Addition>"))

	pos := 0
	for i, cr := range chained {
		idx := strings.Index(doc[pos:], "<RecordID>"+cr.Record.Header().RecordID+"</RecordID>")
		require.GreaterOrEqual(t, idx, 0, "record %d out of order", i)
		pos += idx
		linkIdx := strings.Index(doc[pos:], "<ChainLink>")
		require.GreaterOrEqual(t, linkIdx, 0)
		expected := ""
		if i > 0 {
			expected = chained[i-1].Hash
		}
		assert.True(t, strings.HasPrefix(doc[pos+linkIdx:], "<ChainLink>"+expected+"</ChainLink>"))
	}
}

func TestSerialize_CancellationOmitsAdditionFields(t *testing.T) {
	header := fiscal.NewEnvelopeHeader("B12345678")
	records := mixedRecords(t)
	chained := chainFrom(t, "", records[1])

	out, err := Serialize(header, chained)
	require.NoError(t, err)
	doc := string(out)
	for _, elem := range []string{"IssueTime", "TaxTotal", "GrossTotal", "TaxableBase", "Description", "Counterparty"} {
		assert.NotContains(t, doc, "<"+elem+">")
	}
	assert.Contains(t, doc, "<ModificationReason>R1</ModificationReason>")
}

func TestSerialize_Errors(t *testing.T) {
	header := fiscal.NewEnvelopeHeader("B12345678")
	records := mixedRecords(t)

	t.Run("out of chain order", func(t *testing.T) {
		chained := chainFrom(t, "", records...)
		swapped := []fiscal.ChainedRecord{chained[1], chained[0]}
		_, err := Serialize(header, swapped)
		assert.True(t, fiscal.IsChainIntegrityError(err))
	})

	t.Run("forged digest", func(t *testing.T) {
		chained := chainFrom(t, "", records[0])
		chained[0].Hash = strings.Repeat("0", fiscal.HashLength)
		_, err := Serialize(header, chained)
		assert.True(t, fiscal.IsChainIntegrityError(err))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Serialize(header, nil)
		assert.ErrorIs(t, err, fiscal.ErrEmptyBatch)
	})

	t.Run("missing header field", func(t *testing.T) {
		bad := header
		bad.DigestAlgorithm = ""
		_, err := Serialize(bad, chainFrom(t, "", records[0]))
		assert.True(t, fiscal.IsValidationError(err))
	})

	t.Run("control character", func(t *testing.T) {
		a := scenarioAddition(t)
		a.Description = "bell\x07"
		_, err := Serialize(header, chainFrom(t, "", a))
		assert.True(t, fiscal.IsValidationError(err))
	})
}

func TestEscapeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`&<>"'plain`, "&amp;&lt;&gt;&quot;&apos;plain"},
		{"line1\r\nline2", "line1&#xD;\nline2"},
		{"tab\there", "tab\there"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		escapeText(&buf, tt.in)
		assert.Equal(t, tt.want, buf.String())
	}
}
