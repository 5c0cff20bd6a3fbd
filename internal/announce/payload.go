// Package announce validates and normalizes inbound server announcements.
package announce

import (
	"encoding/json"
	"fmt"
)

// Payload is a decoded announce object. Schema validation coerces legacy
// representations in place, so after Validate the typed getters are safe.
type Payload map[string]any

// Decode parses raw JSON into a Payload, requiring a JSON object.
func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unable to process JSON data")
	}
	if p == nil {
		return nil, fmt.Errorf("JSON data is not an object")
	}
	return p, nil
}

// Has reports whether the field is present.
func (p Payload) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Str returns a string field, or "" if absent.
func (p Payload) Str(name string) string {
	s, _ := p[name].(string)
	return s
}

// Int returns an integer field. JSON numbers decode as float64; coerced
// fields are stored back as int.
func (p Payload) Int(name string) int {
	switch v := p[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// Float returns a numeric field as float64.
func (p Payload) Float(name string) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// Bool returns a boolean field, or false if absent.
func (p Payload) Bool(name string) bool {
	b, _ := p[name].(bool)
	return b
}

// StrList returns a string list field, or nil if absent.
func (p Payload) StrList(name string) []string {
	raw, ok := p[name].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, _ := item.(string)
		out = append(out, s)
	}
	return out
}
