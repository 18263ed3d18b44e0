package inputguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstThreat(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType ThreatType
		found    bool
	}{
		{name: "plain text", input: "Audiencia programada para el 5 de marzo", found: false},
		{name: "email address", input: "Juan Perez <juan@example.com>", found: false},
		{name: "spanish prose with select-like word", input: "El cliente seleccionó la opción de conciliación", found: false},
		{name: "non tautological or", input: "pagar 1 or 2 cuotas, x or 1=2", found: false},
		{name: "script tag", input: "<script>alert(1)</script>", wantType: ThreatXSS, found: true},
		{name: "javascript scheme", input: `<a href="JavaScript:steal()">ver</a>`, wantType: ThreatXSS, found: true},
		{name: "event handler", input: `<img src=x onerror=alert(1)>`, wantType: ThreatXSS, found: true},
		{name: "iframe", input: `<iframe src="https://evil.example"></iframe>`, wantType: ThreatXSS, found: true},
		{name: "eval", input: "eval (document.cookie)", wantType: ThreatXSS, found: true},
		{name: "html encoded script", input: "&lt;script&gt;alert(1)&lt;/script&gt;", wantType: ThreatXSS, found: true},
		{name: "url encoded script", input: "%3Cscript%3Ealert(1)%3C%2Fscript%3E", wantType: ThreatXSS, found: true},
		{name: "union select", input: "1 UNION SELECT password FROM users", wantType: ThreatSQLInjection, found: true},
		{name: "numeric tautology", input: "' OR 1=1", wantType: ThreatSQLInjection, found: true},
		{name: "quoted tautology", input: "x' or 'a'='a", wantType: ThreatSQLInjection, found: true},
		{name: "trailing comment", input: "admin'--", wantType: ThreatSQLInjection, found: true},
		{name: "block comment", input: "id /* hidden */", wantType: ThreatSQLInjection, found: true},
		{name: "quote semicolon", input: "x'; DROP TABLE clientes", wantType: ThreatSQLInjection, found: true},
		{name: "delete statement", input: "delete from audit_events", wantType: ThreatSQLInjection, found: true},
		{name: "mixed prefers sql", input: "<script>x</script>' OR 1=1", wantType: ThreatSQLInjection, found: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, found := FirstThreat(tt.input)
			require.Equal(t, tt.found, found, "input %q", tt.input)
			if tt.found {
				assert.Equal(t, tt.wantType, d.Type)
				assert.NotEmpty(t, d.Description)
			}
			assert.Equal(t, tt.found, IsMalicious(tt.input))
		})
	}
}

func TestDetect_Positions(t *testing.T) {
	input := "hola <script>"
	detections := Detect(input)
	require.NotEmpty(t, detections)

	d := detections[0]
	assert.Equal(t, ThreatXSS, d.Type)
	assert.False(t, d.Decoded)
	assert.Equal(t, "<script", input[d.StartPos:d.EndPos])
}

func TestDetect_DecodedOnly(t *testing.T) {
	detections := Detect("&lt;iframe&gt;")
	require.NotEmpty(t, detections)
	for _, d := range detections {
		assert.True(t, d.Decoded)
	}
}

func TestDetect_Clean(t *testing.T) {
	assert.Empty(t, Detect("Radicado 2024-00123, juzgado 4 civil"))
	assert.Empty(t, Detect(""))
}
