package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Bounds on a single change set.
const (
	MaxChangeKeys  = 64
	MaxChangesSize = 16 * 1024
	MaxChangeDepth = 8

	// MaxNumberExponent bounds the exponent of a number in a change set,
	// since numbers are expanded to plain decimal form
	MaxNumberExponent = 1000
)

var (
	ErrTooManyChangeKeys = errors.New("change set has too many keys")
	ErrChangesTooLarge   = errors.New("change set exceeds maximum encoded size")
	ErrChangesTooDeep    = errors.New("change set exceeds maximum nesting depth")
	ErrEmptyChangeKey    = errors.New("change set contains an empty key")
	ErrNumberOutOfRange  = errors.New("change set contains a number with an out of range exponent")
)

// ChangeValue is either a {from, to} transition or a single observed value.
type ChangeValue struct {
	From  any
	To    any
	Value any
	diff  bool
}

// Diff builds a transition from one value to another
func Diff(from, to any) ChangeValue {
	return ChangeValue{From: from, To: to, diff: true}
}

// Value builds a single-value change entry
func Value(v any) ChangeValue {
	return ChangeValue{Value: v}
}

// IsDiff reports whether the entry is a {from, to} transition
func (c ChangeValue) IsDiff() bool {
	return c.diff
}

type changeDiff struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// MarshalJSON encodes a transition as {"from":...,"to":...} and a single value as itself.
func (c ChangeValue) MarshalJSON() ([]byte, error) {
	if c.diff {
		return json.Marshal(changeDiff{From: c.From, To: c.To})
	}
	return json.Marshal(c.Value)
}

// UnmarshalJSON decodes numbers as json.Number in plain decimal form (see
// CanonicalNumber), so re-encoding is byte-stable across a JSONB round trip.
// An object holding exactly the keys "from" and "to" decodes as a transition;
// both forms encode identically, so the distinction never affects hashing.
func (c *ChangeValue) UnmarshalJSON(data []byte) error {
	v, err := decodeJSON(data)
	if err != nil {
		return err
	}
	if m, ok := v.(map[string]any); ok && len(m) == 2 {
		from, hasFrom := m["from"]
		to, hasTo := m["to"]
		if hasFrom && hasTo {
			*c = Diff(from, to)
			return nil
		}
	}
	*c = Value(v)
	return nil
}

// Changes maps a field name to what happened to it
type Changes map[string]ChangeValue

// MarshalJSON always encodes a nil change set as an empty object
func (c Changes) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]ChangeValue(c))
}

// UnmarshalJSON decodes a change set, treating null as empty
func (c *Changes) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*c = Changes{}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Changes, len(raw))
	for k, msg := range raw {
		var cv ChangeValue
		if err := cv.UnmarshalJSON(msg); err != nil {
			return fmt.Errorf("change %q: %w", k, err)
		}
		out[k] = cv
	}
	*c = out
	return nil
}

// Value implements driver.Valuer for JSONB columns
func (c Changes) Value() (driver.Value, error) {
	data, err := c.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Scan implements sql.Scanner for JSONB columns
func (c *Changes) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*c = Changes{}
		return nil
	case []byte:
		return c.UnmarshalJSON(v)
	case string:
		return c.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into Changes", src)
	}
}

// Keys returns the change keys in sorted order
func (c Changes) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks the change set against the key, size and depth limits
func (c Changes) Validate() error {
	if len(c) > MaxChangeKeys {
		return ErrTooManyChangeKeys
	}
	for k := range c {
		if k == "" {
			return ErrEmptyChangeKey
		}
	}
	data, err := c.MarshalJSON()
	if err != nil {
		return err
	}
	if len(data) > MaxChangesSize {
		return ErrChangesTooLarge
	}
	depth, err := jsonDepth(data)
	if err != nil {
		return err
	}
	if depth > MaxChangeDepth {
		return ErrChangesTooDeep
	}
	return nil
}

// Normalize validates the change set and round-trips it through its JSON
// encoding, so the result is exactly what a store will hand back later.
// Numbers come back in plain decimal form, which can grow the encoding, so
// the limits are checked again afterwards.
func (c Changes) Normalize() (Changes, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	data, err := c.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var out Changes
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// ChangesBetween returns a transition for every key whose value differs
// between before and after. Keys missing from after transition to nil.
func ChangesBetween(before, after map[string]any) Changes {
	out := Changes{}
	for k, to := range after {
		from, ok := before[k]
		if ok && sameJSON(from, to) {
			continue
		}
		out[k] = Diff(from, to)
	}
	for k, from := range before {
		if _, ok := after[k]; !ok {
			out[k] = Diff(from, nil)
		}
	}
	return out
}

func sameJSON(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return canonicalNumbers(v)
}

func canonicalNumbers(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		return CanonicalNumber(t)
	case map[string]any:
		for k, child := range t {
			c, err := canonicalNumbers(child)
			if err != nil {
				return nil, err
			}
			t[k] = c
		}
	case []any:
		for i, child := range t {
			c, err := canonicalNumbers(child)
			if err != nil {
				return nil, err
			}
			t[i] = c
		}
	}
	return v, nil
}

// CanonicalNumber rewrites a JSON number the way PostgreSQL numeric prints
// it: no exponent, no leading zeros, no negative zero, and a scale of
// max(0, fraction digits - exponent). 1e2 becomes 100, 1e-7 becomes
// 0.0000001, 1.50 stays 1.50. The result is a fixed point of the rewrite.
func CanonicalNumber(n json.Number) (json.Number, error) {
	s := string(n)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	mantissa, exp := s, 0
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		e, err := strconv.Atoi(s[i+1:])
		if err != nil || e > MaxNumberExponent || e < -MaxNumberExponent {
			return "", ErrNumberOutOfRange
		}
		mantissa, exp = s[:i], e
	}

	intPart, frac := mantissa, ""
	if i := strings.IndexByte(mantissa, '.'); i >= 0 {
		intPart, frac = mantissa[:i], mantissa[i+1:]
	}
	if intPart == "" || strings.Trim(intPart+frac, "0123456789") != "" {
		return "", fmt.Errorf("invalid number %q", string(n))
	}

	digits := intPart + frac
	point := len(intPart) + exp
	if point < 0 {
		digits = strings.Repeat("0", -point) + digits
		point = 0
	}
	if point > len(digits) {
		digits += strings.Repeat("0", point-len(digits))
	}

	whole := strings.TrimLeft(digits[:point], "0")
	if whole == "" {
		whole = "0"
	}
	out := whole
	if fraction := digits[point:]; fraction != "" {
		out += "." + fraction
	}
	if neg && strings.Trim(digits, "0") != "" {
		out = "-" + out
	}
	return json.Number(out), nil
}

func jsonDepth(data []byte) (int, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth, deepest := 0, 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return deepest, nil
		}
		if err != nil {
			return 0, err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
				if depth > deepest {
					deepest = depth
				}
			case '}', ']':
				depth--
			}
		}
	}
}
