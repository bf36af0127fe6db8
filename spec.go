package gemlock

import (
	"fmt"
	"strings"
)

// GenericPlatform is the platform of a spec that runs anywhere ("ruby" in the
// gem ecosystem).  A spec with an empty platform is treated the same.
const GenericPlatform = "ruby"

// A PackageSpec describes one candidate version of a package as visible
// through a [UniverseIndex]: its version, platform variant, declared
// dependencies, originating source, and content checksum.  PackageSpecs are
// immutable once retrieved from the index.
type PackageSpec struct {
	Name     string
	Version  Version
	Platform string // [GenericPlatform] or "" for the generic variant

	// Deps are the declared dependency requirements of this exact version.
	// Each requirement's Via field names this spec.
	Deps []Requirement

	// Source is the remote of the source this spec was seen in.
	Source string

	// Checksum is the SHA-256 digest of the package archive, if known.
	Checksum string
}

// Generic reports whether the spec is the platform-independent variant.
func (s PackageSpec) Generic() bool {
	return s.Platform == "" || s.Platform == GenericPlatform
}

// FullName returns "name-version" or "name-version-platform" for a
// platform-specific variant.
func (s PackageSpec) FullName() string {
	if s.Generic() {
		return fmt.Sprintf("%v-%v", s.Name, s.Version)
	}
	return fmt.Sprintf("%v-%v-%v", s.Name, s.Version, s.Platform)
}

// String returns the spec in lockfile spelling: "name (version)" or
// "name (version-platform)".
func (s PackageSpec) String() string {
	if s.Generic() {
		return fmt.Sprintf("%v (%v)", s.Name, s.Version)
	}
	return fmt.Sprintf("%v (%v-%v)", s.Name, s.Version, s.Platform)
}

// SpecCompare orders specs by name, then by descending version, then with
// platform-specific variants before the generic one.  This matches the
// candidate order guaranteed by a [UniverseIndex] within a single source.
func SpecCompare(a, b PackageSpec) int {
	if cmp := strings.Compare(a.Name, b.Name); cmp != 0 {
		return cmp
	}
	if cmp := VersionCompare(b.Version, a.Version); cmp != 0 {
		return cmp
	}
	switch {
	case a.Generic() == b.Generic():
		return strings.Compare(a.Platform, b.Platform)
	case b.Generic():
		return -1
	default:
		return 1
	}
}
