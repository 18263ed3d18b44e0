package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AuditEvent tests
func TestNewAuditEvent(t *testing.T) {
	event := NewAuditEvent("firm-1", "case", "case-42", AuditActionInsert)

	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, "firm-1", event.TenantScope)
	assert.Equal(t, "case", event.EntityType)
	assert.Equal(t, "case-42", event.EntityID)
	assert.Equal(t, AuditActionInsert, event.Action)
	assert.NotNil(t, event.Changes)
	assert.False(t, event.CreatedAt.IsZero())
	assert.Nil(t, event.ActorID)
	assert.Equal(t, "audit_events", event.TableName())
}

func TestAuditEvent_Builders(t *testing.T) {
	event := NewAuditEvent("firm-1", "case", "case-42", AuditActionUpdate).
		WithActor("lawyer-7").
		WithRequest("10.0.0.1", "test-agent").
		WithChanges(Changes{"estado": Diff("activo", "cerrado")})

	require.NotNil(t, event.ActorID)
	assert.Equal(t, "lawyer-7", event.Actor())
	assert.Equal(t, "10.0.0.1", event.IPAddress)
	assert.Equal(t, "test-agent", event.UserAgent)
	assert.Len(t, event.Changes, 1)

	event.WithActor("")
	assert.Nil(t, event.ActorID)
	assert.Equal(t, "system", event.Actor())

	event.WithChanges(nil)
	assert.NotNil(t, event.Changes)
}

func TestAuditAction_Valid(t *testing.T) {
	for _, a := range []AuditAction{AuditActionInsert, AuditActionUpdate, AuditActionDelete, AuditActionViewPII} {
		assert.True(t, a.Valid(), a)
	}
	assert.False(t, AuditAction("TRUNCATE").Valid())
	assert.False(t, AuditAction("insert").Valid())
}

func TestChainHead(t *testing.T) {
	assert.True(t, ChainHead{}.IsGenesis())
	assert.False(t, ChainHead{Seq: 3, HeadHash: "abc"}.IsGenesis())
	assert.Equal(t, "audit_chain_heads", ChainHead{}.TableName())
}

// Changes tests
func TestChanges_MarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		changes Changes
		want    string
	}{
		{
			name:    "transition",
			changes: Changes{"estado": Diff("activo", "cerrado")},
			want:    `{"estado":{"from":"activo","to":"cerrado"}}`,
		},
		{
			name:    "single value",
			changes: Changes{"cedula": Value("[REDACTED]")},
			want:    `{"cedula":"[REDACTED]"}`,
		},
		{
			name:    "keys are sorted",
			changes: Changes{"b": Value(2), "a": Value(1)},
			want:    `{"a":1,"b":2}`,
		},
		{
			name:    "nil change set",
			changes: nil,
			want:    `{}`,
		},
		{
			name:    "transition from nothing",
			changes: Changes{"title": Diff(nil, "Demanda")},
			want:    `{"title":{"from":null,"to":"Demanda"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.changes)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestChanges_UnmarshalJSON(t *testing.T) {
	var changes Changes
	err := json.Unmarshal([]byte(`{"estado":{"from":"activo","to":"cerrado"},"count":3,"meta":{"from":1}}`), &changes)
	require.NoError(t, err)

	require.Contains(t, changes, "estado")
	assert.True(t, changes["estado"].IsDiff())
	assert.Equal(t, "activo", changes["estado"].From)
	assert.Equal(t, "cerrado", changes["estado"].To)

	assert.False(t, changes["count"].IsDiff())
	assert.Equal(t, json.Number("3"), changes["count"].Value)

	assert.False(t, changes["meta"].IsDiff())

	var empty Changes
	require.NoError(t, json.Unmarshal([]byte(`null`), &empty))
	assert.NotNil(t, empty)
	assert.Len(t, empty, 0)
}

func TestChanges_RoundTripIsByteStable(t *testing.T) {
	input := `{"amount":12345678901234567890,"ratio":0.1,"tags":["a","b"]}`

	var changes Changes
	require.NoError(t, json.Unmarshal([]byte(input), &changes))

	out, err := json.Marshal(changes)
	require.NoError(t, err)
	assert.Equal(t, input, string(out))
}

func TestChanges_ScanAndValue(t *testing.T) {
	changes := Changes{"estado": Diff("activo", "cerrado")}

	v, err := changes.Value()
	require.NoError(t, err)

	var scanned Changes
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, "cerrado", scanned["estado"].To)

	require.NoError(t, scanned.Scan(`{"x":"y"}`))
	assert.Equal(t, "y", scanned["x"].Value)

	require.NoError(t, scanned.Scan(nil))
	assert.Len(t, scanned, 0)

	assert.Error(t, scanned.Scan(42))
}

func TestChanges_Validate(t *testing.T) {
	nested := func(levels int) any {
		var v any = "leaf"
		for i := 0; i < levels; i++ {
			v = map[string]any{"n": v}
		}
		return v
	}

	tooMany := Changes{}
	for i := 0; i <= MaxChangeKeys; i++ {
		tooMany[fmt.Sprintf("field_%d", i)] = Value(i)
	}

	tests := []struct {
		name    string
		changes Changes
		wantErr error
	}{
		{name: "empty", changes: Changes{}},
		{name: "simple", changes: Changes{"estado": Diff("activo", "cerrado")}},
		{name: "too many keys", changes: tooMany, wantErr: ErrTooManyChangeKeys},
		{name: "too large", changes: Changes{"blob": Value(strings.Repeat("x", MaxChangesSize))}, wantErr: ErrChangesTooLarge},
		{name: "at depth limit", changes: Changes{"a": Value(nested(MaxChangeDepth - 1))}},
		{name: "too deep", changes: Changes{"a": Value(nested(MaxChangeDepth))}, wantErr: ErrChangesTooDeep},
		{name: "empty key", changes: Changes{"": Value(1)}, wantErr: ErrEmptyChangeKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.changes.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestChanges_Normalize(t *testing.T) {
	changes := Changes{"hours": Value(7), "estado": Diff("activo", "cerrado")}

	normalized, err := changes.Normalize()
	require.NoError(t, err)
	assert.Equal(t, json.Number("7"), normalized["hours"].Value)
	assert.True(t, normalized["estado"].IsDiff())
	assert.Equal(t, []string{"estado", "hours"}, normalized.Keys())
}

func TestCanonicalNumber(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"7", "7"},
		{"-12", "-12"},
		{"0.1", "0.1"},
		{"1.50", "1.50"},
		{"1e2", "100"},
		{"1E2", "100"},
		{"1.5e1", "15"},
		{"1.25e1", "12.5"},
		{"1e-7", "0.0000001"},
		{"1e+21", "1000000000000000000000"},
		{"12345678901234567890", "12345678901234567890"},
		{"-0", "0"},
		{"-0.0", "0.0"},
		{"0e5", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CanonicalNumber(json.Number(tt.in))
			require.NoError(t, err)
			assert.Equal(t, json.Number(tt.want), got)

			again, err := CanonicalNumber(got)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}

	_, err := CanonicalNumber(json.Number("1e100000"))
	assert.ErrorIs(t, err, ErrNumberOutOfRange)
}

func TestChanges_NormalizeRewritesNumbers(t *testing.T) {
	var changes Changes
	require.NoError(t, json.Unmarshal([]byte(`{"monto":1e2,"f":1e-7,"list":[2E3]}`), &changes))
	changes["big"] = Value(1e21)

	normalized, err := changes.Normalize()
	require.NoError(t, err)

	data, err := json.Marshal(normalized)
	require.NoError(t, err)
	assert.Equal(t, `{"big":1000000000000000000000,"f":0.0000001,"list":[2000],"monto":100}`, string(data))

	var outOfRange Changes
	assert.Error(t, json.Unmarshal([]byte(`{"x":1e5000}`), &outOfRange))
}

func TestChangesBetween(t *testing.T) {
	before := map[string]any{"estado": "activo", "titulo": "Demanda", "juez": "Perez"}
	after := map[string]any{"estado": "cerrado", "titulo": "Demanda", "cuantia": 1000}

	changes := ChangesBetween(before, after)

	assert.Equal(t, []string{"cuantia", "estado", "juez"}, changes.Keys())
	assert.Equal(t, Diff("activo", "cerrado"), changes["estado"])
	assert.Equal(t, Diff(nil, 1000), changes["cuantia"])
	assert.Equal(t, Diff("Perez", nil), changes["juez"])
}

// SecurityEvent tests
func TestNewSecurityEvent(t *testing.T) {
	event := NewSecurityEvent(SecurityEventXSSAttempt, SeverityHigh).
		WithUser("user-1").
		WithTenant("firm-1").
		WithRequest("10.0.0.9", "curl/8").
		WithMetadata("field", "comment")

	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, SecurityEventXSSAttempt, event.Type)
	assert.Equal(t, SeverityHigh, event.Severity)
	require.NotNil(t, event.UserID)
	assert.Equal(t, "user-1", *event.UserID)
	assert.Equal(t, "firm-1", event.TenantScope)
	assert.Equal(t, "comment", event.Metadata["field"])
	assert.Equal(t, "security_events", event.TableName())

	assert.True(t, event.IsPersistent())

	anonymous := NewSecurityEvent(SecurityEventFailedLogin, SeverityMedium).WithUser("").WithMessage("bad password")
	assert.Nil(t, anonymous.UserID)
	assert.Equal(t, "bad password", anonymous.Message)
	assert.False(t, anonymous.IsPersistent())
}

func TestSeverity_Rank(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityMedium.Rank(), SeverityHigh.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
	assert.False(t, Severity("urgent").Valid())
	assert.True(t, SecurityEventRateLimitExceeded.Valid())
	assert.True(t, SecurityEventInvalidInput.Valid())
	assert.False(t, SecurityEventType("port_scan").Valid())
}

func TestMetadata_ScanAndValue(t *testing.T) {
	m := Metadata{"class": "auth"}
	v, err := m.Value()
	require.NoError(t, err)

	var scanned Metadata
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, "auth", scanned["class"])

	var nilMeta Metadata
	v, err = nilMeta.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), v)
}
