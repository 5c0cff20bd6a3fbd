package announce

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindFloat
	kindBool
	kindList
)

func (k fieldKind) String() string {
	switch k {
	case kindString:
		return "str"
	case kindInt:
		return "int"
	case kindFloat:
		return "float"
	case kindBool:
		return "bool"
	case kindList:
		return "list"
	}
	return "unknown"
}

type fieldSpec struct {
	name     string
	required bool
	kind     fieldKind
	elem     fieldKind // element type for kindList
}

// Field schema for announce payloads. Kept as a slice, not a map, so
// validation order (and therefore error messages) is deterministic.
var announceFields = []fieldSpec{
	{name: "action", required: true, kind: kindString},

	{name: "world_uuid", kind: kindString},

	{name: "address", kind: kindString},
	{name: "port", kind: kindInt},

	{name: "clients", required: true, kind: kindInt},
	{name: "clients_max", required: true, kind: kindInt},
	{name: "uptime", required: true, kind: kindInt},
	{name: "game_time", required: true, kind: kindInt},
	{name: "lag", kind: kindFloat},

	{name: "clients_list", kind: kindList, elem: kindString},
	{name: "mods", kind: kindList, elem: kindString},

	{name: "server_id", kind: kindString},
	{name: "version", required: true, kind: kindString},
	{name: "proto_min", required: true, kind: kindInt},
	{name: "proto_max", required: true, kind: kindInt},

	{name: "gameid", required: true, kind: kindString},
	{name: "mapgen", kind: kindString},
	{name: "url", kind: kindString},
	{name: "privs", kind: kindString},
	{name: "name", required: true, kind: kindString},
	{name: "description", required: true, kind: kindString},

	// Flags
	{name: "creative", kind: kindBool},
	{name: "dedicated", kind: kindBool},
	{name: "damage", kind: kindBool},
	{name: "pvp", kind: kindBool},
	{name: "password", kind: kindBool},
	{name: "rollback", kind: kindBool},
	{name: "can_see_far_names", kind: kindBool},
}

// Characters that would break the downstream text protocol if they appeared
// in generated fields. The single quote is included on purpose.
const badChars = " \t\v\r\n\x00'"

func hasBadChars(s string) bool {
	return strings.ContainsAny(s, badChars)
}

func stripBadChars(s string) string {
	for _, c := range badChars {
		s = strings.ReplaceAll(s, string(c), "")
	}
	return s
}

func kindOf(v any) fieldKind {
	switch v.(type) {
	case string:
		return kindString
	case bool:
		return kindBool
	case []any:
		return kindList
	case float64:
		// encoding/json decodes every number as float64
		if v.(float64) == math.Trunc(v.(float64)) {
			return kindInt
		}
		return kindFloat
	case int:
		return kindInt
	}
	return fieldKind(-1)
}

// DefaultPort is assumed when an announce does not name one.
const DefaultPort = 30000

// NormalizePort applies the port default and the legacy string-port
// coercion. It runs before ban checks and identity lookup, which both need
// the port, so it cannot wait for full schema validation.
func NormalizePort(p Payload) error {
	raw, ok := p["port"]
	if !ok {
		p["port"] = DefaultPort
		return nil
	}
	if s, isStr := raw.(string); isStr {
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("field 'port' has incorrect type (expected int found str)")
		}
		p["port"] = n
	}
	return nil
}

// Validate checks the payload against the announce schema, applying one
// legacy coercion per field (numbers and booleans sent as strings by old
// servers) before failing. Coerced values are written back into the payload.
// Empty optional string fields are normalized to absent. Fails fast with a
// descriptive error on the first violation.
func Validate(p Payload) error {
	for _, f := range announceFields {
		raw, present := p[f.name]

		// Normalize empty optional strings to absent.
		if present && !f.required && f.kind == kindString && raw == "" {
			delete(p, f.name)
			present = false
		}

		if !present {
			if f.required {
				return fmt.Errorf("required field '%s' is missing", f.name)
			}
			continue
		}

		if s, isStr := raw.(string); isStr && f.kind != kindString {
			// Legacy compatibility: old servers sent some integers and
			// booleans as strings.
			switch f.kind {
			case kindBool:
				lower := strings.ToLower(s)
				p[f.name] = lower == "true" || lower == "1"
				continue
			case kindInt:
				n, err := strconv.Atoi(s)
				if err != nil {
					return fmt.Errorf("field '%s' has incorrect type (expected int found str)", f.name)
				}
				p[f.name] = n
				continue
			}
		}

		got := kindOf(raw)
		if got != f.kind && !(f.kind == kindFloat && got == kindInt) {
			return fmt.Errorf("field '%s' has incorrect type (expected %s found %s)", f.name, f.kind, got)
		}

		if f.kind == kindList {
			for _, item := range raw.([]any) {
				if kindOf(item) != f.elem {
					return fmt.Errorf("entry in field '%s' has incorrect type (expected %s found %s)",
						f.name, f.elem, kindOf(item))
				}
			}
		}
	}

	return checkValues(p)
}

// checkValues performs the semantic checks that go beyond field types.
func checkValues(p Payload) error {
	for _, name := range []string{"clients", "clients_max", "uptime", "game_time", "lag", "proto_min", "proto_max"} {
		if p.Has(name) && p.Float(name) < 0 {
			return fmt.Errorf("field '%s' must not be negative", name)
		}
	}

	if p.Int("proto_min") > p.Int("proto_max") {
		return fmt.Errorf("field 'proto_min' must not be greater than 'proto_max'")
	}

	// URL must be absolute http(s). Invalid values are dropped, not fatal.
	if p.Has("url") {
		u := p.Str("url")
		ok := strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "//")
		if !ok || hasBadChars(u) {
			delete(p, "url")
		}
	}

	// Reject funny business in client or mod lists; the client list, when
	// present, is authoritative for the client count.
	if p.Has("clients_list") {
		names := p.StrList("clients_list")
		for _, n := range names {
			if n == "" || hasBadChars(n) {
				return fmt.Errorf("field 'clients_list' contains an invalid name")
			}
		}
		p["clients"] = len(names)
	}
	if p.Has("mods") {
		for _, m := range p.StrList("mods") {
			if m == "" || hasBadChars(m) {
				return fmt.Errorf("field 'mods' contains an invalid name")
			}
		}
	}

	// Sanitize text that ends up in generated responses.
	for _, name := range []string{"gameid", "mapgen", "version", "privs"} {
		if p.Has(name) {
			p[name] = stripBadChars(p.Str(name))
		}
	}

	if p.Has("world_uuid") {
		s := p.Str("world_uuid")
		u, err := uuid.Parse(s)
		if err != nil || s != u.String() {
			return fmt.Errorf("field 'world_uuid' does not match expected format")
		}
	}

	return nil
}
