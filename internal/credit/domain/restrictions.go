package domain

import (
	"bytes"
	"encoding/json"
	"strings"

	"gorm.io/datatypes"
)

type RestrictionKind string

const (
	// RestrictionNone permits every operation.
	RestrictionNone RestrictionKind = "none"
	// RestrictionAllow permits only the listed operation codes.
	RestrictionAllow RestrictionKind = "allow"
	// RestrictionDeny permits everything except the listed operation codes.
	RestrictionDeny RestrictionKind = "deny"
)

// Restrictions limits which operation codes may draw from an allocation.
// Operation patterns match exactly, or by prefix when they end in ".*"
// ("crm.*" matches "crm.leads.create").
//
// Restrictions are decoded once by ParseRestrictions when an allocation is
// created or loaded; nothing downstream inspects the raw JSON.
type Restrictions struct {
	Kind       RestrictionKind `json:"kind"`
	Operations []string        `json:"operations,omitempty"`
}

func NoRestrictions() Restrictions {
	return Restrictions{Kind: RestrictionNone}
}

// ParseRestrictions accepts null, a JSON object, or a JSON string that itself
// contains a JSON object. Upstream producers have sent both shapes.
func ParseRestrictions(raw []byte) (Restrictions, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return NoRestrictions(), nil
	}

	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return Restrictions{}, invalidRestrictions("not a JSON string")
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			return NoRestrictions(), nil
		}
		if !strings.HasPrefix(inner, "{") {
			return Restrictions{}, invalidRestrictions("string must contain a JSON object")
		}
		trimmed = []byte(inner)
	}

	if trimmed[0] != '{' {
		return Restrictions{}, invalidRestrictions("must be a JSON object")
	}

	var decoded struct {
		Kind       string   `json:"kind"`
		Operations []string `json:"operations"`
	}
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return Restrictions{}, invalidRestrictions("malformed JSON object")
	}

	ops := make([]string, 0, len(decoded.Operations))
	for _, op := range decoded.Operations {
		op = strings.TrimSpace(op)
		if op == "" {
			continue
		}
		ops = append(ops, op)
	}

	kind := RestrictionKind(strings.ToLower(strings.TrimSpace(decoded.Kind)))
	switch kind {
	case "", RestrictionNone:
		if len(ops) > 0 {
			return Restrictions{}, invalidRestrictions("operations require kind allow or deny")
		}
		return NoRestrictions(), nil
	case RestrictionAllow, RestrictionDeny:
		if len(ops) == 0 {
			return Restrictions{}, invalidRestrictions("operations must not be empty")
		}
		return Restrictions{Kind: kind, Operations: ops}, nil
	default:
		return Restrictions{}, invalidRestrictions("unknown kind " + string(kind))
	}
}

// Permits reports whether operationCode may be funded by the allocation.
func (r Restrictions) Permits(operationCode string) bool {
	switch r.Kind {
	case RestrictionAllow:
		return matchesAny(r.Operations, operationCode)
	case RestrictionDeny:
		return !matchesAny(r.Operations, operationCode)
	default:
		return true
	}
}

func (r Restrictions) IsZero() bool {
	return r.Kind == "" || r.Kind == RestrictionNone
}

// JSON renders the canonical stored form; unrestricted allocations store NULL.
func (r Restrictions) JSON() datatypes.JSON {
	if r.IsZero() {
		return nil
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return datatypes.JSON(body)
}

func matchesAny(patterns []string, operationCode string) bool {
	for _, pattern := range patterns {
		if strings.HasSuffix(pattern, ".*") {
			if strings.HasPrefix(operationCode, strings.TrimSuffix(pattern, "*")) {
				return true
			}
			continue
		}
		if pattern == operationCode {
			return true
		}
	}
	return false
}

func invalidRestrictions(reason string) error {
	return &ValidationError{Field: "restrictions", Reason: reason}
}
