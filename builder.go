package gemlock

import (
	"context"
	"errors"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// nameState is the live aggregated state for one package name during a
// resolution: the intersection of every requirement seen so far, the
// requirements that contributed to it, and the tentative assignment.
type nameState struct {
	name         string
	constraint   Constraint
	contributors []Requirement
	sources      []string // pinned source remotes, in arrival order
	assigned     *PackageSpec
	candidates   []PackageSpec // full visible list, fetched once per session
	fetched      bool
	platformErr  *NoMatchingPlatformError // specs exist, none platform-visible
}

// A mergeUndo records what one requirement merge changed, so a backtrack can
// restore the state exactly.
type mergeUndo struct {
	name           string
	prevConstraint Constraint
	prevContribs   int
	prevSources    int
	wasPending     bool
	created        bool
}

// graphBuilder expands a manifest's direct requirements into the resolver's
// pending work set and merges requirements reachable via multiple paths by
// intersecting their constraints and unioning their provenance.
type graphBuilder struct {
	index     UniverseIndex
	platforms []string
	allowPre  bool
	states    map[string]*nameState
	pending   mapset.Set[string]
}

func newGraphBuilder(index UniverseIndex, manifest *Manifest) *graphBuilder {
	return &graphBuilder{
		index:     index,
		platforms: manifest.TargetPlatforms(),
		allowPre:  manifest.AllowPrerelease,
		states:    map[string]*nameState{},
		pending:   mapset.NewThreadUnsafeSet[string](),
	}
}

// applicable reports whether req matters for the session's target platforms.
// A requirement restricted to platforms outside the target set is skipped
// entirely rather than resolved and discarded later.
func (b *graphBuilder) applicable(req Requirement) bool {
	if len(req.Platforms) == 0 {
		return true
	}
	for _, p := range req.Platforms {
		if slices.Contains(b.platforms, p) {
			return true
		}
	}
	return false
}

// seed merges every applicable direct requirement of the manifest.  A
// conflict among direct requirements alone is reported immediately.
func (b *graphBuilder) seed(manifest *Manifest) error {
	for _, req := range manifest.Requirements {
		if !b.applicable(req) {
			continue
		}
		req.Via = ManifestProvenance
		if _, err := b.merge(req); err != nil {
			return err
		}
	}
	return nil
}

// merge intersects req into the aggregated constraint for req.Name.  It
// returns a [mergeUndo] that restores the previous state, or a
// [*ConstraintConflictError] if the intersection is empty or the name's
// current assignment no longer satisfies it.
func (b *graphBuilder) merge(req Requirement) (mergeUndo, error) {
	st, ok := b.states[req.Name]
	if !ok {
		st = &nameState{name: req.Name}
		b.states[req.Name] = st
	}
	undo := mergeUndo{
		name:           req.Name,
		prevConstraint: st.constraint,
		prevContribs:   len(st.contributors),
		prevSources:    len(st.sources),
		wasPending:     b.pending.Contains(req.Name),
		created:        !ok,
	}
	merged := st.constraint.Intersect(req.Constraint)
	if merged.Empty() {
		conflict := &ConstraintConflictError{
			Name:         req.Name,
			Requirements: append(slices.Clone(st.contributors), req),
		}
		b.revert(undo)
		return mergeUndo{}, conflict
	}
	st.constraint = merged
	st.contributors = append(st.contributors, req)
	if req.Source != "" && !slices.Contains(st.sources, req.Source) {
		st.sources = append(st.sources, req.Source)
	}
	if st.assigned != nil {
		if !b.specAllowed(st, *st.assigned) {
			// The tentative choice is invalidated; the caller backtracks.
			conflict := &ConstraintConflictError{
				Name:         req.Name,
				Requirements: slices.Clone(st.contributors),
			}
			b.revert(undo)
			return mergeUndo{}, conflict
		}
	} else {
		b.pending.Add(req.Name)
	}
	return undo, nil
}

// revert undoes a successful merge.  Undos must be applied in reverse order
// of the merges they record.
func (b *graphBuilder) revert(undo mergeUndo) {
	st := b.states[undo.name]
	st.constraint = undo.prevConstraint
	st.contributors = st.contributors[:undo.prevContribs]
	st.sources = st.sources[:undo.prevSources]
	if !undo.wasPending && st.assigned == nil {
		b.pending.Remove(undo.name)
	}
	if undo.created {
		delete(b.states, undo.name)
	}
}

// fetch loads the full candidate list for name from the index, once per
// session.
func (b *graphBuilder) fetch(ctx context.Context, name string) (*nameState, error) {
	st := b.states[name]
	if st == nil {
		st = &nameState{name: name}
		b.states[name] = st
	}
	if st.fetched {
		return st, nil
	}
	specs, err := b.index.Candidates(ctx, name)
	if err != nil {
		var perr *NoMatchingPlatformError
		if !errors.As(err, &perr) {
			return nil, err
		}
		st.platformErr = perr
		specs = nil
	}
	st.candidates = specs
	st.fetched = true
	return st, nil
}

// specAllowed reports whether spec is acceptable for the name's current
// aggregated state: it satisfies the constraint, honors any pinned sources,
// and is not an unwanted prerelease.
func (b *graphBuilder) specAllowed(st *nameState, spec PackageSpec) bool {
	if !st.constraint.SatisfiedBy(spec.Version) {
		return false
	}
	for _, pin := range st.sources {
		if spec.Source != pin {
			return false
		}
	}
	if spec.Version.Prerelease() && !b.allowPre && !st.constraint.AllowsPrerelease() {
		return false
	}
	return true
}

// satisfying returns the candidates currently acceptable for st, in the
// index's fixed order.
func (b *graphBuilder) satisfying(st *nameState) []PackageSpec {
	var out []PackageSpec
	for _, spec := range st.candidates {
		if b.specAllowed(st, spec) {
			out = append(out, spec)
		}
	}
	return out
}
