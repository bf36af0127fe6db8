package gemlock

import (
	"fmt"
	"strings"
)

// An Operator is a version comparison operator usable in a [Constraint]
// clause.
type Operator string

const (
	OpEqual       Operator = "="
	OpNotEqual    Operator = "!="
	OpGreater     Operator = ">"
	OpGreaterEq   Operator = ">="
	OpLess        Operator = "<"
	OpLessEq      Operator = "<="
	OpApproximate Operator = "~>" // "pessimistic": >= v and < v.Bump()
)

// A Clause is one (operator, version) pair in a [Constraint].
type Clause struct {
	Op      Operator
	Version Version
}

func (c Clause) String() string {
	return fmt.Sprintf("%v %v", c.Op, c.Version)
}

// A Constraint is a conjunction of [Clause] values.  The zero Constraint is
// satisfied by every version.  An unsatisfiable intersection is represented
// by the explicit empty-set marker (see [Constraint.Empty]), never by a
// silent failure.
//
// Constraints are immutable values; every method returns a new Constraint.
type Constraint struct {
	clauses []Clause
	none    bool
}

// NewConstraint constructs a [Constraint] from the given clauses.  No clauses
// means any version is acceptable.
func NewConstraint(clauses ...Clause) Constraint {
	return Constraint{clauses: clauses}
}

// ParseConstraint parses a comma-separated list of clauses such as
// "~> 2.0" or ">= 1.0, < 2.0".  A bare version means exact equality, and the
// empty string means any version.
func ParseConstraint(s string) (Constraint, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Constraint{}, nil
	}
	var clauses []Clause
	for part := range strings.SplitSeq(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return Constraint{}, fmt.Errorf("malformed constraint %q: empty clause", s)
		}
		op := OpEqual
		for _, known := range []Operator{OpApproximate, OpNotEqual, OpGreaterEq, OpLessEq, OpGreater, OpLess, OpEqual} {
			if strings.HasPrefix(part, string(known)) {
				op = known
				part = strings.TrimSpace(part[len(known):])
				break
			}
		}
		v, err := ParseVersion(part)
		if err != nil {
			return Constraint{}, fmt.Errorf("malformed constraint %q: %w", s, err)
		}
		clauses = append(clauses, Clause{Op: op, Version: v})
	}
	return Constraint{clauses: clauses}, nil
}

// MustParseConstraint is like [ParseConstraint] but panics on error.
func MustParseConstraint(s string) Constraint {
	c, err := ParseConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// String renders the constraint in the same comma-separated form accepted by
// [ParseConstraint].  The any-version constraint renders as ">= 0" and the
// empty-set marker as "none".
func (c Constraint) String() string {
	if c.none {
		return "none"
	}
	if len(c.clauses) == 0 {
		return ">= 0"
	}
	parts := make([]string, len(c.clauses))
	for i, cl := range c.clauses {
		parts[i] = cl.String()
	}
	return strings.Join(parts, ", ")
}

// Empty reports whether c is the explicit empty-set marker produced by an
// unsatisfiable [Constraint.Intersect].
func (c Constraint) Empty() bool {
	return c.none
}

// IsAny reports whether c accepts every version.
func (c Constraint) IsAny() bool {
	if c.none {
		return false
	}
	for _, cl := range c.clauses {
		if cl.Op != OpGreaterEq || VersionCompare(cl.Version, MustParseVersion("0")) != 0 {
			return false
		}
	}
	return true
}

// Clauses returns a copy of the constraint's clauses.
func (c Constraint) Clauses() []Clause {
	out := make([]Clause, len(c.clauses))
	copy(out, c.clauses)
	return out
}

// AllowsPrerelease reports whether any clause mentions a prerelease version.
// A constraint that does is taken as opting in to prerelease candidates.
func (c Constraint) AllowsPrerelease() bool {
	for _, cl := range c.clauses {
		if cl.Version.Prerelease() {
			return true
		}
	}
	return false
}

// SatisfiedBy reports whether v satisfies every clause of c.  Nothing
// satisfies the empty-set marker.
func (c Constraint) SatisfiedBy(v Version) bool {
	if c.none {
		return false
	}
	for _, cl := range c.clauses {
		cmp := VersionCompare(v, cl.Version)
		ok := false
		switch cl.Op {
		case OpEqual:
			ok = cmp == 0
		case OpNotEqual:
			ok = cmp != 0
		case OpGreater:
			ok = cmp > 0
		case OpGreaterEq:
			ok = cmp >= 0
		case OpLess:
			ok = cmp < 0
		case OpLessEq:
			ok = cmp <= 0
		case OpApproximate:
			ok = cmp >= 0 && VersionCompare(v, cl.Version.Bump()) < 0
		}
		if !ok {
			return false
		}
	}
	return true
}

// Intersect returns the conjunction of c and other.  If the two constraints
// are mutually exclusive the result is the explicit empty-set marker.
func (c Constraint) Intersect(other Constraint) Constraint {
	if c.none || other.none {
		return Constraint{none: true}
	}
	merged := make([]Clause, 0, len(c.clauses)+len(other.clauses))
	merged = append(merged, c.clauses...)
outer:
	for _, cl := range other.clauses {
		for _, have := range merged {
			if have.Op == cl.Op && VersionCompare(have.Version, cl.Version) == 0 {
				continue outer
			}
		}
		merged = append(merged, cl)
	}
	out := Constraint{clauses: merged}
	if !out.satisfiable() {
		return Constraint{none: true}
	}
	return out
}

// satisfiable decides whether any version can satisfy the conjunction.  The
// clauses are normalized to a lower bound, an upper bound, equality pins, and
// exclusions; an interval with positive extent is always satisfiable.
func (c Constraint) satisfiable() bool {
	type bound struct {
		v      Version
		strict bool
	}
	var lower, upper *bound
	var pins, exclusions []Version
	raiseLower := func(b bound) {
		if lower == nil || VersionCompare(b.v, lower.v) > 0 ||
			(VersionCompare(b.v, lower.v) == 0 && b.strict && !lower.strict) {
			lower = &b
		}
	}
	lowerUpper := func(b bound) {
		if upper == nil || VersionCompare(b.v, upper.v) < 0 ||
			(VersionCompare(b.v, upper.v) == 0 && b.strict && !upper.strict) {
			upper = &b
		}
	}
	for _, cl := range c.clauses {
		switch cl.Op {
		case OpEqual:
			pins = append(pins, cl.Version)
		case OpNotEqual:
			exclusions = append(exclusions, cl.Version)
		case OpGreater:
			raiseLower(bound{cl.Version, true})
		case OpGreaterEq:
			raiseLower(bound{cl.Version, false})
		case OpLess:
			lowerUpper(bound{cl.Version, true})
		case OpLessEq:
			lowerUpper(bound{cl.Version, false})
		case OpApproximate:
			raiseLower(bound{cl.Version, false})
			lowerUpper(bound{cl.Version.Bump(), true})
		}
	}
	if len(pins) > 0 {
		// A pinned version must itself satisfy every clause.
		for _, p := range pins[1:] {
			if VersionCompare(p, pins[0]) != 0 {
				return false
			}
		}
		return c.SatisfiedBy(pins[0])
	}
	if lower != nil && upper != nil {
		switch cmp := VersionCompare(lower.v, upper.v); {
		case cmp > 0:
			return false
		case cmp == 0:
			if lower.strict || upper.strict {
				return false
			}
			// The interval collapsed to a single version; exclusions can
			// still rule it out.
			for _, x := range exclusions {
				if VersionCompare(x, lower.v) == 0 {
					return false
				}
			}
		}
	}
	return true
}
