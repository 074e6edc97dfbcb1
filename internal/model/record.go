package model

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Record is one input entity identified by a stable natural key.
type Record struct {
	Key     string         `json:"key"`
	Payload map[string]any `json:"payload"`
}

// NormalizeKey trims whitespace and applies Unicode NFC so visually identical
// keys compare equal.
func NormalizeKey(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// String returns the payload value for field as a trimmed string. Missing
// fields and nulls yield "".
func (r Record) String(field string) string {
	v, ok := r.Payload[field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// FirstString returns the first non-empty value among fields.
func (r Record) FirstString(fields ...string) string {
	for _, f := range fields {
		if s := r.String(f); s != "" {
			return s
		}
	}
	return ""
}

// Prompt is the rendered request text for one remote call.
type Prompt struct {
	System string `json:"system,omitempty"`
	User   string `json:"user"`
}

// WorkUnit is one sub-task of a Record that needs exactly one remote call.
type WorkUnit struct {
	RecordKey string `json:"record_key"`
	// Index is the 1-based position of the unit within its record.
	Index int `json:"index"`
	// Name prefixes the unit's fields in the merged output, e.g. "step 2".
	// Empty means fields are written unprefixed.
	Name        string         `json:"name"`
	Prompt      Prompt         `json:"prompt"`
	Passthrough map[string]any `json:"passthrough,omitempty"`
}

// ID identifies the unit in logs.
func (u WorkUnit) ID() string {
	return fmt.Sprintf("%s#%d", u.RecordKey, u.Index)
}

// KeySet is the set of natural keys already present in an output store. It is
// built once at startup and never mutated afterwards.
type KeySet struct {
	keys map[string]struct{}
}

// NewKeySet builds a KeySet from keys, normalizing each one.
func NewKeySet(keys ...string) KeySet {
	ks := KeySet{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		ks.keys[NormalizeKey(k)] = struct{}{}
	}
	return ks
}

// Has reports whether key was processed.
func (ks KeySet) Has(key string) bool {
	_, ok := ks.keys[NormalizeKey(key)]
	return ok
}

// Len returns the number of processed keys.
func (ks KeySet) Len() int {
	return len(ks.keys)
}
