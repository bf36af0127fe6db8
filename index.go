package gemlock

import (
	"context"
	"fmt"
	"slices"

	"github.com/gemlock/gemlock/internal/syncmap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// A UniverseIndex is the resolver's read-only view of every package version
// visible for a resolution session.  An index is populated once per session
// by an external provider (network, cache, snapshot file) and is treated as
// frozen for the duration of the session, which makes resolution runs
// deterministic and independently testable.
type UniverseIndex interface {
	// Candidates returns the specs visible for name, ordered by source
	// priority (declaration order of sources) then by descending version,
	// with platform-specific variants before the generic one.  The index
	// performs no constraint filtering; that is the caller's job.  An
	// unknown name yields an empty slice, not an error: only the resolver
	// decides that a missing package is fatal.  An index that holds specs
	// for name but none visible for the session's target platforms returns a
	// [*NoMatchingPlatformError].
	Candidates(ctx context.Context, name string) ([]PackageSpec, error)

	// Dependencies returns the declared dependency requirements of spec,
	// normalized so that each requirement's Via names the spec.
	Dependencies(ctx context.Context, spec PackageSpec) ([]Requirement, error)
}

// A Source is one ordered origin of package specs used to build an in-memory
// [UniverseIndex].
type Source struct {
	Remote string
	Specs  []PackageSpec
}

// NewUniverse builds an in-memory [UniverseIndex] over the given sources for
// the given target platform set (empty means the generic platform only).
// Source declaration order fixes candidate priority.  Each spec's Source
// field is stamped with its source's remote.
func NewUniverse(sources []Source, platforms []string) UniverseIndex {
	if len(platforms) == 0 {
		platforms = []string{GenericPlatform}
	}
	u := &universe{
		platforms: platforms,
		visible:   map[string][]PackageSpec{},
		hidden:    map[string]bool{},
	}
	for _, src := range sources {
		perName := map[string][]PackageSpec{}
		for _, spec := range src.Specs {
			spec.Source = src.Remote
			if !spec.Generic() && !slices.Contains(platforms, spec.Platform) {
				u.hidden[spec.Name] = true
				continue
			}
			perName[spec.Name] = append(perName[spec.Name], spec)
		}
		for name, specs := range perName {
			slices.SortStableFunc(specs, SpecCompare)
			// Later sources rank below earlier ones regardless of version.
			u.visible[name] = append(u.visible[name], specs...)
		}
	}
	return u
}

type universe struct {
	platforms []string
	visible   map[string][]PackageSpec
	hidden    map[string]bool // names with specs, none platform-visible
}

var _ UniverseIndex = (*universe)(nil)

func (u *universe) Candidates(ctx context.Context, name string) ([]PackageSpec, error) {
	if err := context.Cause(ctx); err != nil {
		return nil, err
	}
	specs := u.visible[name]
	if len(specs) == 0 && u.hidden[name] {
		return nil, &NoMatchingPlatformError{Name: name, Platforms: u.platforms}
	}
	return specs, nil
}

func (u *universe) Dependencies(ctx context.Context, spec PackageSpec) ([]Requirement, error) {
	if err := context.Cause(ctx); err != nil {
		return nil, err
	}
	return declaredDependencies(spec), nil
}

func declaredDependencies(spec PackageSpec) []Requirement {
	via := fmt.Sprintf("%v %v", spec.Name, spec.Version)
	out := make([]Requirement, len(spec.Deps))
	for i, dep := range spec.Deps {
		dep.Via = via
		out[i] = dep
	}
	return out
}

// SingleFlight wraps index so that concurrent Candidates calls for the same
// name collapse into at most one in-flight fetch, with successful results
// cached for the rest of the session.  This is the contract an index backed
// by a concurrent fetch layer must uphold; wrapping an in-memory index is
// harmless.
func SingleFlight(index UniverseIndex) UniverseIndex {
	return &singleFlightIndex{index: index}
}

type singleFlightIndex struct {
	index UniverseIndex
	group singleflight.Group
	cache syncmap.Map[string, []PackageSpec]
}

var _ UniverseIndex = (*singleFlightIndex)(nil)

func (s *singleFlightIndex) Candidates(ctx context.Context, name string) ([]PackageSpec, error) {
	if specs, ok := s.cache.Load(name); ok {
		return specs, nil
	}
	v, err, _ := s.group.Do(name, func() (any, error) {
		specs, err := s.index.Candidates(ctx, name)
		if err != nil {
			return nil, err
		}
		s.cache.LoadOrStore(name, specs)
		return specs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]PackageSpec), nil
}

func (s *singleFlightIndex) Dependencies(ctx context.Context, spec PackageSpec) ([]Requirement, error) {
	return s.index.Dependencies(ctx, spec)
}

// A Refresher is an index whose cached metadata for a name can be
// invalidated between resolution sessions.  Within a session the index is
// treated as frozen; callers refresh only between runs.
type Refresher interface {
	Refresh(name string)
}

var _ Refresher = (*singleFlightIndex)(nil)

func (s *singleFlightIndex) Refresh(name string) {
	s.cache.Delete(name)
}

// Warm concurrently prefetches candidate metadata for the given names,
// typically a manifest's direct requirements, so that the resolver's first
// decisions do not serialize behind the fetch layer.  Fetch failures are
// ignored here (the resolver will surface them); only cancellation is
// returned.
func Warm(ctx context.Context, index UniverseIndex, names []string) error {
	gr, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		gr.Go(func() error {
			_, _ = index.Candidates(ctx, name)
			return context.Cause(ctx)
		})
	}
	return gr.Wait()
}

type universeYaml struct {
	Sources []struct {
		Remote string `yaml:"remote"`
		Gems   []struct {
			Name         string `yaml:"name"`
			Version      string `yaml:"version"`
			Platform     string `yaml:"platform"`
			Checksum     string `yaml:"checksum"`
			Dependencies []struct {
				Name    string `yaml:"name"`
				Version string `yaml:"version"`
			} `yaml:"dependencies"`
		} `yaml:"gems"`
	} `yaml:"sources"`
}

// ParseUniverse parses the YAML universe-snapshot format consumed by the
// gemlock command into ordered [Source] values suitable for [NewUniverse].
func ParseUniverse(data []byte) ([]Source, error) {
	var uy universeYaml
	if err := yaml.Unmarshal(data, &uy); err != nil {
		return nil, fmt.Errorf("malformed universe snapshot: %w", err)
	}
	var sources []Source
	for _, sy := range uy.Sources {
		src := Source{Remote: sy.Remote}
		for _, gy := range sy.Gems {
			v, err := ParseVersion(gy.Version)
			if err != nil {
				return nil, fmt.Errorf("malformed universe snapshot: gem %v: %w", gy.Name, err)
			}
			spec := PackageSpec{
				Name:     gy.Name,
				Version:  v,
				Platform: gy.Platform,
				Checksum: gy.Checksum,
			}
			for _, dy := range gy.Dependencies {
				c, err := ParseConstraint(dy.Version)
				if err != nil {
					return nil, fmt.Errorf("malformed universe snapshot: gem %v dependency %v: %w",
						gy.Name, dy.Name, err)
				}
				spec.Deps = append(spec.Deps, Requirement{Name: dy.Name, Constraint: c})
			}
			src.Specs = append(src.Specs, spec)
		}
		sources = append(sources, src)
	}
	return sources, nil
}
