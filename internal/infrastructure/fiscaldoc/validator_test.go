package fiscaldoc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/verifactu/internal/domain/fiscal"
)

func serializedMixed(t *testing.T) string {
	t.Helper()
	out, err := Serialize(fiscal.NewEnvelopeHeader("B12345678"), chainFrom(t, "", mixedRecords(t)...))
	require.NoError(t, err)
	return string(out)
}

func TestValidate_SerializedDocumentsAreValid(t *testing.T) {
	for _, name := range []string{"single_addition", "addition_then_cancellation"} {
		t.Run(name, func(t *testing.T) {
			data, err := os.ReadFile("testdata/golden/" + name + ".golden")
			require.NoError(t, err)
			report := Validate(string(data), DefaultSchema())
			assert.True(t, report.IsValid, "errors: %v", report.Errors)
			assert.Empty(t, report.Errors)
		})
	}
}

func TestValidate_NilSchemaUsesDefault(t *testing.T) {
	report := Validate(serializedMixed(t), nil)
	assert.True(t, report.IsValid, "errors: %v", report.Errors)
}

func TestValidate_Invalid(t *testing.T) {
	valid := serializedMixed(t)

	tests := []struct {
		name    string
		markup  string
		message string
	}{
		{"empty", "", "document is empty"},
		{"not markup", "just some text", "malformed markup"},
		{"truncated", valid[:len(valid)/2], "malformed markup"},
		{"mismatched tags", "<FiscalDocument><Header></Records></FiscalDocument>", "malformed markup"},
		{"wrong root", `<Invoice xmlns="urn:fiscal:ledger:1.0"/>`, "root element Invoice"},
		{"wrong namespace", strings.Replace(valid, Namespace, "urn:other", 1), "namespace"},
		{"missing hash", removeLine(valid, "<Hash>"), "missing required element Hash"},
		{"bad amount", strings.Replace(valid, "<TaxTotal>42.00</TaxTotal>", "<TaxTotal>42</TaxTotal>", 1), "/FiscalDocument/Records/Addition/TaxTotal"},
		{"bad conformance", strings.Replace(valid, "<Conformance>S</Conformance>", "<Conformance>Y</Conformance>", 1), "not one of S, N"},
		{"unknown record", strings.Replace(valid, "Cancellation>", "Correction>", 2), "Correction: unexpected element"},
		{"no records", cutBetween(valid, "<Records>", "</Records>"), "missing required element Addition|Cancellation"},
		{"text in container", strings.Replace(valid, "<Header>", "<Header>oops", 1), "unexpected text content"},
		{"two roots", valid + "<FiscalDocument/>", "more than one root"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var report Report
			require.NotPanics(t, func() { report = Validate(tt.markup, DefaultSchema()) })
			assert.False(t, report.IsValid)
			require.NotEmpty(t, report.Errors)
			assert.Contains(t, strings.Join(report.Errors, "\n"), tt.message)
		})
	}
}

func TestValidate_SuppliedSchema(t *testing.T) {
	schema, err := LoadSchema(strings.NewReader(`
root:
  name: Note
  children:
    - name: To
      pattern: '^[a-z]+$'
    - name: Body
      optional: true
`))
	require.NoError(t, err)

	assert.True(t, Validate("<Note><To>ana</To></Note>", schema).IsValid)
	assert.True(t, Validate("<Note><To>ana</To><Body>hi</Body></Note>", schema).IsValid)

	report := Validate("<Note><To>Ana</To></Note>", schema)
	assert.False(t, report.IsValid)
	assert.Contains(t, report.Errors[0], "/Note/To")
}

func TestLoadSchemaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte("root:\n  name: Note\n"), 0o600))

	schema, err := LoadSchemaFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Note", schema.Root.Name)

	_, err = LoadSchemaFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseSchema_Errors(t *testing.T) {
	tests := map[string]string{
		"no root":           "namespace: x\n",
		"bad pattern":       "root:\n  name: A\n  pattern: '('\n",
		"unnamed element":   "root:\n  name: A\n  children:\n    - pattern: x\n",
		"named choice":      "root:\n  name: A\n  children:\n    - name: B\n      choice:\n        - name: C\n",
		"text and children": "root:\n  name: A\n  pattern: x\n  children:\n    - name: B\n",
		"not yaml":          "root: [\n",
		"choice as root":    "root:\n  choice:\n    - name: A\n",
		"nested choice":     "root:\n  name: A\n  children:\n    - choice:\n        - choice:\n            - name: B\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSchema([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func removeLine(doc, prefix string) string {
	lines := strings.Split(doc, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), prefix) {
			return strings.Join(append(lines[:i:i], lines[i+1:]...), "\n")
		}
	}
	return doc
}

func cutBetween(doc, open, close string) string {
	start := strings.Index(doc, open) + len(open)
	end := strings.Index(doc, close)
	return doc[:start] + "\n  " + doc[end:]
}
