package flagkit

// The feature flag schema. The document is a flat JSON object with a
// fixed set of boolean keys; anything else is a validation error.

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Flags is the feature flag document.
type Flags struct {
	EnablePayments          bool `json:"enablePayments"`
	EnableAIRecommendations bool `json:"enableAIRecommendations"`
	EnableNostrIntegration  bool `json:"enableNostrIntegration"`
	EnableExperimentalUI    bool `json:"enableExperimentalUI"`
}

// flagFields maps JSON keys to setters in schema order.
var flagFields = []struct {
	key string
	set func(*Flags, bool)
	get func(*Flags) bool
}{
	{"enablePayments", func(f *Flags, v bool) { f.EnablePayments = v }, func(f *Flags) bool { return f.EnablePayments }},
	{"enableAIRecommendations", func(f *Flags, v bool) { f.EnableAIRecommendations = v }, func(f *Flags) bool { return f.EnableAIRecommendations }},
	{"enableNostrIntegration", func(f *Flags, v bool) { f.EnableNostrIntegration = v }, func(f *Flags) bool { return f.EnableNostrIntegration }},
	{"enableExperimentalUI", func(f *Flags, v bool) { f.EnableExperimentalUI = v }, func(f *Flags) bool { return f.EnableExperimentalUI }},
}

// FlagKeys returns the JSON keys of the schema in declaration order.
func FlagKeys() []string {
	keys := make([]string, len(flagFields))
	for i, f := range flagFields {
		keys[i] = f.key
	}
	return keys
}

// DefaultFlags returns the document used to bootstrap a new store:
// payments enabled, everything else off.
func DefaultFlags() *Flags {
	return &Flags{EnablePayments: true}
}

// ParseFlags decodes and validates a flag document. Unknown keys and
// non-boolean values are rejected; missing keys take their schema
// defaults (see DefaultFlags). All violations are collected into a
// single validation error so the caller sees every problem at once.
func ParseFlags(data []byte) (*Flags, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrBadRequest.With("Document must be a JSON object")
	}
	if raw == nil {
		return nil, ErrBadRequest.With("Document must be a JSON object")
	}

	flags := DefaultFlags()
	var fieldErrs []FieldError

	for _, field := range flagFields {
		value, present := raw[field.key]
		if !present {
			continue
		}
		delete(raw, field.key)

		var b bool
		if err := json.Unmarshal(value, &b); err != nil {
			fieldErrs = append(fieldErrs, FieldError{
				Param:   field.key,
				Code:    "invalid_type",
				Message: "must be a boolean",
			})
			continue
		}
		field.set(flags, b)
	}

	if len(raw) > 0 {
		unknown := make([]string, 0, len(raw))
		for key := range raw {
			unknown = append(unknown, key)
		}
		sort.Strings(unknown)
		for _, key := range unknown {
			fieldErrs = append(fieldErrs, FieldError{
				Param:   key,
				Code:    "unknown_field",
				Message: "is not a supported feature flag",
			})
		}
	}

	if len(fieldErrs) > 0 {
		return nil, NewValidationError(fieldErrs)
	}

	return flags, nil
}

// Map returns the document as key to value pairs.
func (f *Flags) Map() map[string]bool {
	m := make(map[string]bool, len(flagFields))
	for _, field := range flagFields {
		m[field.key] = field.get(f)
	}
	return m
}

// Set assigns the flag named by key. Unknown keys are rejected with an
// error naming the valid set.
func (f *Flags) Set(key string, value bool) error {
	for _, field := range flagFields {
		if field.key == key {
			field.set(f, value)
			return nil
		}
	}
	return fmt.Errorf("unknown flag %q (valid flags: %s)", key, strings.Join(FlagKeys(), ", "))
}

// Get returns the value of the flag named by key.
func (f *Flags) Get(key string) (bool, error) {
	for _, field := range flagFields {
		if field.key == key {
			return field.get(f), nil
		}
	}
	return false, fmt.Errorf("unknown flag %q (valid flags: %s)", key, strings.Join(FlagKeys(), ", "))
}
