package gemlock

import (
	"fmt"
	"strings"
)

// A ConstraintConflictError reports that no version assignment can satisfy
// every requirement on [ConstraintConflictError.Name].  Requirements holds
// the contributing requirements with their provenance, so the explanation can
// cite every path that produced the conflict.
type ConstraintConflictError struct {
	Name         string
	Requirements []Requirement
}

func (e *ConstraintConflictError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "could not find a version of %v satisfying every requirement:", e.Name)
	for _, r := range e.Requirements {
		fmt.Fprintf(&b, "\n  %v required by %v", r, r.Via)
	}
	return b.String()
}

// A MissingPackageError reports that a required package has no visible
// candidates in the universe index.
type MissingPackageError struct {
	Name string
	Via  []string // who required it
}

func (e *MissingPackageError) Error() string {
	if len(e.Via) == 0 {
		return fmt.Sprintf("no candidates found for %v in any source", e.Name)
	}
	return fmt.Sprintf("no candidates found for %v (required by %v) in any source",
		e.Name, strings.Join(e.Via, ", "))
}

// A NoMatchingPlatformError reports that candidates exist for a package but
// none is visible for the requested target platform set.
type NoMatchingPlatformError struct {
	Name      string
	Platforms []string
}

func (e *NoMatchingPlatformError) Error() string {
	return fmt.Sprintf("%v has no variant for the requested platforms (%v)",
		e.Name, strings.Join(e.Platforms, ", "))
}

// A LockfileParseError reports malformed persisted lockfile text.
type LockfileParseError struct {
	Line    int
	Message string
}

func (e *LockfileParseError) Error() string {
	return fmt.Sprintf("malformed lockfile at line %v: %v", e.Line, e.Message)
}

// A ChecksumMismatchError reports that the content observed for a resolved
// package does not match the checksum recorded in the lockfile.  The core
// never observes archives itself; this is constructed by the installer via
// [Lockfile.VerifyChecksum].
type ChecksumMismatchError struct {
	Name     string
	Version  Version
	Locked   string
	Observed string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %v-%v: lockfile records sha256=%v, observed sha256=%v",
		e.Name, e.Version, e.Locked, e.Observed)
}
