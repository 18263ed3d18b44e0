// Package redact replaces personally identifying values in audit change sets
// before they are hashed or persisted.
package redact

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/upb/legal-audit/models"
)

// Sentinel replaces every redacted value
const Sentinel = "[REDACTED]"

// DefaultFields are the sensitive field names redacted when no list is configured
var DefaultFields = []string{
	"cedula",
	"identity_number",
	"national_id",
	"dni",
	"passport",
	"email",
	"phone",
	"telefono",
	"address",
	"direccion",
	"postal_address",
	"password",
	"password_hash",
}

// DefaultSuffixes mark encrypted columns that must never appear in clear
var DefaultSuffixes = []string{"_encrypted", "_enc"}

// Redactor decides which change keys are sensitive. It is safe for concurrent use.
type Redactor struct {
	fields   map[string]struct{}
	suffixes []string
}

// New creates a Redactor over the given field names and key suffixes.
// Nil slices fall back to the defaults.
func New(fields, suffixes []string) *Redactor {
	if fields == nil {
		fields = DefaultFields
	}
	if suffixes == nil {
		suffixes = DefaultSuffixes
	}
	r := &Redactor{fields: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		if n := NormalizeKey(f); n != "" {
			r.fields[n] = struct{}{}
		}
	}
	for _, s := range suffixes {
		if n := NormalizeKey(s); n != "" {
			r.suffixes = append(r.suffixes, n)
		}
	}
	return r
}

// NewDefault creates a Redactor with the default field list
func NewDefault() *Redactor {
	return New(nil, nil)
}

// NormalizeKey lowercases a key and folds '-' and ' ' into '_'
func NormalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.NewReplacer("-", "_", " ", "_").Replace(key)
}

// IsSensitive reports whether a change key must be redacted
func (r *Redactor) IsSensitive(key string) bool {
	n := NormalizeKey(key)
	if _, ok := r.fields[n]; ok {
		return true
	}
	for _, s := range r.suffixes {
		if strings.HasSuffix(n, s) {
			return true
		}
	}
	return false
}

// Redact returns a copy of changes with every sensitive value replaced.
// A sensitive transition keeps its shape with both sides replaced. Nested
// objects are walked too. The input is never modified and
// Redact(Redact(c)) equals Redact(c).
func (r *Redactor) Redact(changes models.Changes) models.Changes {
	out := make(models.Changes, len(changes))
	for k, v := range changes {
		switch {
		case r.IsSensitive(k) && v.IsDiff():
			out[k] = models.Diff(Sentinel, Sentinel)
		case r.IsSensitive(k):
			out[k] = models.Value(Sentinel)
		case v.IsDiff():
			out[k] = models.Diff(r.RedactValue(v.From), r.RedactValue(v.To))
		default:
			out[k] = models.Value(r.RedactValue(v.Value))
		}
	}
	return out
}

// RedactValue returns a copy of v in which every object key that is
// sensitive has its value replaced, at any depth. Values that are not plain
// JSON maps or slices are converted through their JSON encoding first.
func (r *Redactor) RedactValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, json.Number, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			if r.IsSensitive(k) {
				out[k] = Sentinel
				continue
			}
			out[k] = r.RedactValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.RedactValue(item)
		}
		return out
	}

	generic, ok := toGeneric(v)
	if !ok {
		return v
	}
	return r.RedactValue(generic)
}

// toGeneric converts structs, typed maps and slices into map[string]any /
// []any trees
func toGeneric(v any) (any, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, false
	}
	switch out.(type) {
	case map[string]any, []any:
		return out, true
	}
	// scalars with custom encodings (time.Time, uuid) stay as they are
	return nil, false
}

// Fields returns the normalized sensitive field names
func (r *Redactor) Fields() []string {
	out := make([]string, 0, len(r.fields))
	for f := range r.fields {
		out = append(out, f)
	}
	return out
}
