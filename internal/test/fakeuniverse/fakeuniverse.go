// Package fakeuniverse makes it easy to build small in-memory package
// universes to exercise the resolver and lockfile code in tests.
package fakeuniverse

import (
	"fmt"
	"strings"

	"github.com/gemlock/gemlock"
)

// DefaultRemote is the source remote used for specs added without an
// explicit [Remote] option.
const DefaultRemote = "https://gems.example.com/"

// A Universe accumulates fake package specs and produces a
// [gemlock.UniverseIndex] over them.  Methods panic on malformed input;
// this package is for test fixtures only.
type Universe struct {
	order     []string
	specs     map[string][]gemlock.PackageSpec
	platforms []string
}

func New() *Universe {
	return &Universe{specs: map[string][]gemlock.PackageSpec{}}
}

// Platforms sets the target platform set used by [Universe.Index].
func (u *Universe) Platforms(platforms ...string) *Universe {
	u.platforms = platforms
	return u
}

// Add creates one fake spec from the given options.  At minimum an [Id]
// option is required.
func (u *Universe) Add(opts ...Option) *Universe {
	spec := gemlock.PackageSpec{}
	remote := DefaultRemote
	for _, opt := range opts {
		opt(&spec, &remote)
	}
	if spec.Name == "" {
		panic("fakeuniverse: spec with no Id")
	}
	if _, ok := u.specs[remote]; !ok {
		u.order = append(u.order, remote)
	}
	u.specs[remote] = append(u.specs[remote], spec)
	return u
}

// Sources returns the accumulated specs as ordered [gemlock.Source] values
// (remote first-use order).
func (u *Universe) Sources() []gemlock.Source {
	var out []gemlock.Source
	for _, remote := range u.order {
		out = append(out, gemlock.Source{Remote: remote, Specs: u.specs[remote]})
	}
	return out
}

// Index builds the in-memory index over the accumulated specs.
func (u *Universe) Index() gemlock.UniverseIndex {
	return gemlock.NewUniverse(u.Sources(), u.platforms)
}

// An Option configures one fake spec.
type Option func(spec *gemlock.PackageSpec, remote *string)

// Id sets the spec's name, version, and optional platform from a compact
// "name version" or "name version platform" string.
func Id(id string) Option {
	return func(spec *gemlock.PackageSpec, _ *string) {
		fields := strings.Fields(id)
		if len(fields) < 2 || len(fields) > 3 {
			panic(fmt.Errorf("fakeuniverse: malformed Id %q", id))
		}
		spec.Name = fields[0]
		spec.Version = gemlock.MustParseVersion(fields[1])
		if len(fields) == 3 {
			spec.Platform = fields[2]
		}
	}
}

// Dep adds a declared dependency requirement to the spec.  The constraint
// string uses [gemlock.ParseConstraint] grammar; "" means any version.
func Dep(name, constraint string) Option {
	return func(spec *gemlock.PackageSpec, _ *string) {
		spec.Deps = append(spec.Deps, gemlock.Requirement{
			Name:       name,
			Constraint: gemlock.MustParseConstraint(constraint),
		})
	}
}

// Remote places the spec in the source with the given remote instead of
// [DefaultRemote].
func Remote(remote string) Option {
	return func(_ *gemlock.PackageSpec, r *string) {
		*r = remote
	}
}

// Checksum records a content checksum on the spec.
func Checksum(sum string) Option {
	return func(spec *gemlock.PackageSpec, _ *string) {
		spec.Checksum = sum
	}
}
