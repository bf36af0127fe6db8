package gemlock

import (
	"fmt"
	"strconv"
	"strings"
)

// A Version is an immutable gem-style package version: an ordered sequence of
// segments, each either numeric or alphabetic.  Segments are delimited by
// punctuation and by digit/letter boundaries, so "1.0.rc1" has the segments
// 1, 0, "rc", 1.  A version with at least one alphabetic segment is a
// prerelease and orders strictly below the same numeric prefix without one.
//
// The zero Version is not valid; construct one with [ParseVersion] or
// [MustParseVersion].
type Version struct {
	raw  string
	segs []segment
}

// A segment is numeric (alpha == "") or alphabetic (alpha != "").
type segment struct {
	num   int64
	alpha string
}

// ParseVersion parses s into a [Version].  The accepted grammar is runs of
// digits or ASCII letters separated by "." or "-"; anything else is an error.
func ParseVersion(s string) (Version, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Version{}, fmt.Errorf("malformed version %q: empty", s)
	}
	var segs []segment
	i := 0
	for i < len(trimmed) {
		c := trimmed[i]
		switch {
		case c >= '0' && c <= '9':
			j := i
			for j < len(trimmed) && trimmed[j] >= '0' && trimmed[j] <= '9' {
				j++
			}
			n, err := strconv.ParseInt(trimmed[i:j], 10, 64)
			if err != nil {
				return Version{}, fmt.Errorf("malformed version %q: %w", s, err)
			}
			segs = append(segs, segment{num: n})
			i = j
		case isAlpha(c):
			j := i
			for j < len(trimmed) && isAlpha(trimmed[j]) {
				j++
			}
			segs = append(segs, segment{alpha: trimmed[i:j]})
			i = j
		case c == '.' || c == '-':
			i++
		default:
			return Version{}, fmt.Errorf("malformed version %q: unexpected character %q", s, c)
		}
	}
	if len(segs) == 0 {
		return Version{}, fmt.Errorf("malformed version %q: no segments", s)
	}
	return Version{raw: trimmed, segs: segs}, nil
}

// MustParseVersion is like [ParseVersion] but panics on error.  Intended for
// static version literals and test fixtures.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// String returns the version's original spelling.
func (v Version) String() string {
	return v.raw
}

// IsZero reports whether v is the invalid zero Version.
func (v Version) IsZero() bool {
	return v.segs == nil
}

// Prerelease reports whether v carries a prerelease marker (any alphabetic
// segment).
func (v Version) Prerelease() bool {
	for _, s := range v.segs {
		if s.alpha != "" {
			return true
		}
	}
	return false
}

// Bump returns the smallest version that is excluded from the range accepted
// by the approximate constraint "~> v": prerelease segments are stripped,
// then the second-most-significant remaining segment is incremented and every
// subsequent segment is zeroed (dropped).  A single-segment version has that
// segment incremented.
func (v Version) Bump() Version {
	numeric := v.segs
	for i, s := range v.segs {
		if s.alpha != "" {
			numeric = v.segs[:i]
			break
		}
	}
	if len(numeric) == 0 {
		numeric = []segment{{}}
	}
	if len(numeric) > 1 {
		numeric = numeric[:len(numeric)-1]
	}
	segs := make([]segment, len(numeric))
	copy(segs, numeric)
	segs[len(segs)-1].num++
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = strconv.FormatInt(s.num, 10)
	}
	return Version{raw: strings.Join(parts, "."), segs: segs}
}

// VersionCompare orders two versions segment by segment.  Numeric segments
// compare numerically, alphabetic segments lexicographically, and an
// alphabetic segment orders below any numeric segment.  Missing trailing
// segments are treated as zero, so "1.0" and "1.0.0" are equal.
func VersionCompare(a, b Version) int {
	n := max(len(a.segs), len(b.segs))
	for i := range n {
		sa, sb := segment{}, segment{}
		if i < len(a.segs) {
			sa = a.segs[i]
		}
		if i < len(b.segs) {
			sb = b.segs[i]
		}
		if cmp := segmentCompare(sa, sb); cmp != 0 {
			return cmp
		}
	}
	return 0
}

func segmentCompare(a, b segment) int {
	switch {
	case a.alpha == "" && b.alpha == "":
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		}
		return 0
	case a.alpha != "" && b.alpha != "":
		return strings.Compare(a.alpha, b.alpha)
	case a.alpha != "":
		// Alphabetic (prerelease) segments sort below numeric segments.
		return -1
	default:
		return 1
	}
}
