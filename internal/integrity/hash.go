// Package integrity computes and checks the SHA-256 hashes that chain audit events.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/upb/legal-audit/models"
)

// TimestampLayout fixes created_at to microsecond precision in UTC,
// the resolution Postgres stores.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// HashLength is the length of a hex encoded SHA-256 digest
const HashLength = 64

// canonicalEvent fixes the hashed fields and their order.
type canonicalEvent struct {
	TenantScope string         `json:"tenant_scope"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	ActorID     *string        `json:"actor_id"`
	Action      string         `json:"action"`
	Changes     models.Changes `json:"changes"`
	CreatedAt   string         `json:"created_at"`
	PrevHash    string         `json:"prev_hash"`
}

// NormalizeTime truncates t to the stored precision and converts it to UTC
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Canonical returns the exact bytes hashed for an event. Identifiers, request
// metadata, the sequence number and the hash itself are not part of it.
func Canonical(e *models.AuditEvent) ([]byte, error) {
	changes := e.Changes
	if changes == nil {
		changes = models.Changes{}
	}
	data, err := json.Marshal(canonicalEvent{
		TenantScope: e.TenantScope,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		ActorID:     e.ActorID,
		Action:      string(e.Action),
		Changes:     changes,
		CreatedAt:   NormalizeTime(e.CreatedAt).Format(TimestampLayout),
		PrevHash:    e.PrevHash,
	})
	if err != nil {
		return nil, fmt.Errorf("canonicalize audit event: %w", err)
	}
	return data, nil
}

// ComputeHash returns the lowercase hex SHA-256 of the canonical form
func ComputeHash(e *models.AuditEvent) (string, error) {
	blob, err := Canonical(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// Matches recomputes the hash of e and compares it with the stored
// payload_hash in constant time. Any failure yields false.
func Matches(e *models.AuditEvent) bool {
	if e == nil || len(e.PayloadHash) != HashLength {
		return false
	}
	expected, err := ComputeHash(e)
	if err != nil {
		return false
	}
	return Equal(expected, e.PayloadHash)
}

// Equal compares two hashes in constant time
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// IsHash reports whether s looks like a lowercase hex SHA-256 digest
func IsHash(s string) bool {
	if len(s) != HashLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
