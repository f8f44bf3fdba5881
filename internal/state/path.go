// Package state implements the three-tier state model: read-only inputs,
// mutable state, and computed fields derived through a dependency graph with
// dirty tracking and topological recomputation.
package state

import (
	"strings"

	"github.com/aromcp/workflow-engine/internal/errors"
)

// Scope identifies which tier (or pseudo-tier) a path resolves against.
type Scope string

const (
	ScopeInputs   Scope = "inputs"
	ScopeState    Scope = "state"
	ScopeComputed Scope = "computed"
	ScopeThis     Scope = "this"   // own tiers with precedence computed > inputs > state
	ScopeGlobal   Scope = "global" // root instance's tiers, same precedence
	ScopeLoop     Scope = "loop"   // innermost loop frame bindings
)

// Path is a parsed scoped path such as "state.user.name".
type Path struct {
	Scope    Scope
	Segments []string
	Raw      string

	// Legacy is set for the deprecated raw.* alias of inputs.*.
	Legacy bool
}

// Parse splits a scoped path. The legacy prefix "raw" maps to inputs.
func Parse(raw string) (Path, error) {
	parts := strings.Split(raw, ".")
	if len(parts) == 0 || parts[0] == "" {
		return Path{}, errors.Newf(errors.KindStateAccess, errors.CodeBadPath, "empty path %q", raw)
	}

	p := Path{Raw: raw, Segments: parts[1:]}
	switch parts[0] {
	case "inputs":
		p.Scope = ScopeInputs
	case "raw":
		p.Scope = ScopeInputs
		p.Legacy = true
	case "state":
		p.Scope = ScopeState
	case "computed":
		p.Scope = ScopeComputed
	case "this":
		p.Scope = ScopeThis
	case "global":
		p.Scope = ScopeGlobal
	case "loop":
		p.Scope = ScopeLoop
	default:
		// Bare name: resolve against the merged view.
		p.Scope = ScopeThis
		p.Segments = parts
	}

	if len(p.Segments) == 0 {
		return Path{}, errors.Newf(errors.KindStateAccess, errors.CodeBadPath,
			"path %q names a tier but no field", raw)
	}
	return p, nil
}

// ParseWrite parses a path for mutation. Bare names default to the state
// tier; this.* writes target state; inputs/computed/global are rejected.
func ParseWrite(raw string) (Path, error) {
	p, err := Parse(raw)
	if err != nil {
		return Path{}, err
	}
	switch p.Scope {
	case ScopeState:
		return p, nil
	case ScopeThis:
		p.Scope = ScopeState
		return p, nil
	case ScopeInputs:
		return Path{}, errors.Newf(errors.KindStateAccess, errors.CodeReadOnlyTier,
			"cannot write to read-only inputs tier: %s", raw)
	case ScopeComputed:
		return Path{}, errors.Newf(errors.KindStateAccess, errors.CodeReadOnlyTier,
			"computed tier is derived and read-only: %s", raw)
	case ScopeGlobal:
		return Path{}, errors.Newf(errors.KindStateAccess, errors.CodeReadOnlyTier,
			"global scope is a snapshot read, not a write target: %s", raw)
	default:
		return Path{}, errors.Newf(errors.KindStateAccess, errors.CodeBadPath,
			"cannot write to %s scope: %s", p.Scope, raw)
	}
}

// covers reports whether a write to `written` affects a computed source
// `source`: equal paths, or either a prefix of the other, in the same tier.
// A this.* source matches the same field in any writable tier.
func covers(written, source Path) bool {
	sameTier := written.Scope == source.Scope ||
		source.Scope == ScopeThis || written.Scope == ScopeThis
	if !sameTier {
		return false
	}
	n := len(written.Segments)
	if len(source.Segments) < n {
		n = len(source.Segments)
	}
	for i := 0; i < n; i++ {
		if written.Segments[i] != source.Segments[i] {
			return false
		}
	}
	return true
}
