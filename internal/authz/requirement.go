package authz

import "strings"

// Mode selects how a requirement's permission codes combine.
type Mode int

const (
	// RequireAll demands every code be held.
	RequireAll Mode = iota
	// RequireAny demands at least one code be held.
	RequireAny
)

func (m Mode) String() string {
	switch m {
	case RequireAll:
		return "all"
	case RequireAny:
		return "any"
	default:
		return "unknown"
	}
}

// Requirement is the access-control condition declared once per operation
// and evaluated per request. An empty Codes set means "authenticated is
// sufficient". Requirements are never persisted.
type Requirement struct {
	Codes []string
	Mode  Mode
}

// AllOf declares a requirement where every code must be held.
func AllOf(codes ...string) Requirement {
	return Requirement{Codes: codes, Mode: RequireAll}
}

// AnyOf declares a requirement where at least one code must be held.
func AnyOf(codes ...string) Requirement {
	return Requirement{Codes: codes, Mode: RequireAny}
}

// Authenticated declares a requirement satisfied by any valid principal.
func Authenticated() Requirement {
	return Requirement{}
}

// Satisfied evaluates the requirement against the held permission set.
// Pure and total: case-insensitive exact match on codes, no wildcard or
// hierarchy semantics, blank codes ignored. An empty requirement always
// evaluates to true.
func (r Requirement) Satisfied(held map[string]struct{}) bool {
	codes := make([]string, 0, len(r.Codes))
	for _, code := range r.Codes {
		code = strings.ToLower(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		codes = append(codes, code)
	}
	if len(codes) == 0 {
		return true
	}

	switch r.Mode {
	case RequireAny:
		for _, code := range codes {
			if _, ok := held[code]; ok {
				return true
			}
		}
		return false
	default:
		for _, code := range codes {
			if _, ok := held[code]; !ok {
				return false
			}
		}
		return true
	}
}
