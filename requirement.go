package gemlock

import (
	"fmt"
	"strings"
)

// ManifestProvenance is the [Requirement.Via] value for requirements declared
// directly in the manifest rather than by another package.
const ManifestProvenance = "the manifest"

// A Requirement names a package and the [Constraint] it must satisfy in a
// given context.  Requirements are ephemeral: they are created while the
// requirement graph is expanded and are never persisted individually.
type Requirement struct {
	// Name of the required package.
	Name string

	// Constraint the selected version must satisfy.  The zero Constraint
	// accepts any version.
	Constraint Constraint

	// Platforms optionally restricts the requirement to the named target
	// platforms.  Empty means all platforms.
	Platforms []string

	// Groups optionally tags the requirement ("default", "test", ...).
	Groups []string

	// Source optionally pins the requirement to the source with this remote.
	Source string

	// Via records who introduced the requirement: [ManifestProvenance] or the
	// "name version" of the package whose declared dependencies produced it.
	Via string
}

func (r Requirement) String() string {
	if len(r.Constraint.Clauses()) == 0 && !r.Constraint.Empty() {
		return r.Name
	}
	return fmt.Sprintf("%v (%v)", r.Name, r.Constraint)
}

// RequirementCompare orders requirements by name, then by the rendered
// constraint, for deterministic output.
func RequirementCompare(a, b Requirement) int {
	if cmp := strings.Compare(a.Name, b.Name); cmp != 0 {
		return cmp
	}
	return strings.Compare(a.Constraint.String(), b.Constraint.String())
}
