package gemlock

import (
	"context"
	"log/slog"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// Resolve computes a single consistent version assignment for every package
// in the transitive closure of the manifest's direct requirements and returns
// it as a [Lockfile] value.  The caller is responsible for persisting the
// lockfile atomically; Resolve itself never touches storage.
//
// prev, when non-nil, enables conservative resolution: a package present in
// prev and not named in unlocked keeps its locked version as long as that
// version still satisfies every aggregated requirement, which keeps the
// lockfile diff minimal.  unlocked may be nil.
//
// The search is chronological backtracking over an explicit decision stack:
// the most constrained undecided name is decided first (ties broken
// alphabetically), candidates are tried in the index's fixed order (locked
// version first under conservative resolution), and a conflict pops the most
// recent decision.  Cancellation is checked between decision steps; a
// canceled ctx yields the context's cause with no partial results.
//
// Failures are returned as typed errors: [*ConstraintConflictError],
// [*MissingPackageError], [*NoMatchingPlatformError].  A package with no
// usable candidates is a conflict like any other: it is terminal only once
// every alternative parent choice has been exhausted.
func Resolve(ctx context.Context, manifest *Manifest, prev *Lockfile, unlocked mapset.Set[string], index UniverseIndex) (*Lockfile, error) {
	if unlocked == nil {
		unlocked = mapset.NewThreadUnsafeSet[string]()
	}
	s := &solver{
		ctx:      ctx,
		builder:  newGraphBuilder(index, manifest),
		index:    index,
		unlocked: unlocked,
		locked:   map[string]PackageSpec{},
	}
	if prev != nil {
		for spec := range prev.AllSpecs() {
			if _, ok := s.locked[spec.Name]; !ok {
				s.locked[spec.Name] = spec
			}
		}
	}
	if err := s.builder.seed(manifest); err != nil {
		return nil, err
	}
	if err := s.run(); err != nil {
		return nil, err
	}
	return synthesize(manifest, prev, s.builder.states), nil
}

// A frame is one decision point on the solver's explicit stack: the name
// being decided, the candidates that satisfied its aggregated constraint at
// decision time, the index of the current choice, and everything the choice
// changed so it can be undone.
type frame struct {
	name       string
	candidates []PackageSpec
	idx        int
	undos      []mergeUndo
}

type solver struct {
	ctx      context.Context
	builder  *graphBuilder
	index    UniverseIndex
	unlocked mapset.Set[string]
	locked   map[string]PackageSpec
	stack    []*frame
	steps    int
}

func (s *solver) run() error {
	b := s.builder
	for b.pending.Cardinality() > 0 {
		if err := context.Cause(s.ctx); err != nil {
			return err
		}
		s.steps++
		st, err := s.selectName()
		if err != nil {
			return err
		}
		cands := s.orderedCandidates(st)
		f := &frame{name: st.name, candidates: cands}
		s.stack = append(s.stack, f)
		var conflict error
		switch {
		case len(cands) > 0:
			conflict = s.choose(f)
		case st.platformErr != nil:
			conflict = st.platformErr
		case len(st.candidates) == 0:
			conflict = &MissingPackageError{Name: st.name, Via: contributorVias(st)}
		default:
			conflict = &ConstraintConflictError{
				Name:         st.name,
				Requirements: slices.Clone(st.contributors),
			}
		}
		if conflict != nil {
			if err := s.backtrack(conflict); err != nil {
				return err
			}
		}
	}
	slog.Debug("resolution succeeded", "packages", len(s.builder.states), "steps", s.steps)
	return nil
}

// selectName picks the pending name with the fewest satisfying candidates,
// breaking ties alphabetically for determinism.  A name with no candidates
// sorts first with count zero and becomes a conflict in run, not a terminal
// error, so a bad parent choice can still be backtracked.
func (s *solver) selectName() (*nameState, error) {
	names := s.builder.pending.ToSlice()
	slices.Sort(names)
	var best *nameState
	bestCount := -1
	for _, name := range names {
		st, err := s.builder.fetch(s.ctx, name)
		if err != nil {
			return nil, err
		}
		if count := len(s.builder.satisfying(st)); best == nil || count < bestCount {
			best, bestCount = st, count
		}
	}
	return best, nil
}

// contributorVias lists the distinct provenances of a name's contributing
// requirements, in arrival order.
func contributorVias(st *nameState) []string {
	var via []string
	for _, r := range st.contributors {
		if !slices.Contains(via, r.Via) {
			via = append(via, r.Via)
		}
	}
	return via
}

// orderedCandidates returns the satisfying candidates for st in trial order.
// Under conservative resolution the locked spec is moved to the front so an
// undisturbed package resolves to its previous version even when newer
// candidates exist.
func (s *solver) orderedCandidates(st *nameState) []PackageSpec {
	cands := s.builder.satisfying(st)
	locked, ok := s.locked[st.name]
	if !ok || s.unlocked.Contains(st.name) {
		return cands
	}
	for i, spec := range cands {
		if VersionCompare(spec.Version, locked.Version) == 0 && spec.Platform == locked.Platform {
			if i > 0 {
				cands = slices.Concat(cands[i:i+1], cands[:i], cands[i+1:])
			}
			break
		}
	}
	return cands
}

// choose tentatively assigns the frame's current candidate and expands its
// declared dependencies.  On conflict the partially applied merges remain
// recorded in f.undos; backtrack reverts them.
func (s *solver) choose(f *frame) error {
	b := s.builder
	st := b.states[f.name]
	spec := f.candidates[f.idx]
	st.assigned = &spec
	b.pending.Remove(f.name)
	slog.Debug("solver: decide", "name", f.name, "spec", spec.FullName(),
		"alternatives", len(f.candidates)-f.idx-1, "depth", len(s.stack))
	return s.expand(f, spec)
}

// expand merges the assigned spec's declared requirements into the aggregated
// state.  Requirement cycles terminate here without bookkeeping: a
// requirement reaching a name that already carries an assignment is checked
// against that assignment inside merge instead of producing new pending work,
// and expand runs at most once per live decision frame.
func (s *solver) expand(f *frame, spec PackageSpec) error {
	deps, err := s.index.Dependencies(s.ctx, spec)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		if !s.builder.applicable(dep) {
			continue
		}
		undo, err := s.builder.merge(dep)
		if err != nil {
			return err
		}
		f.undos = append(f.undos, undo)
	}
	return nil
}

// undoChoice reverts everything the frame's current choice did, leaving the
// frame on the stack so the next candidate can be tried.
func (s *solver) undoChoice(f *frame) {
	b := s.builder
	for i := len(f.undos) - 1; i >= 0; i-- {
		b.revert(f.undos[i])
	}
	f.undos = f.undos[:0]
	if st := b.states[f.name]; st != nil {
		st.assigned = nil
	}
}

// backtrack pops decision frames, most recent first, advancing each to its
// next viable candidate.  It returns nil once some frame accepts a new
// choice, or the conflict that exhausted the root decision.
func (s *solver) backtrack(conflict error) error {
	b := s.builder
	for len(s.stack) > 0 {
		if err := context.Cause(s.ctx); err != nil {
			return err
		}
		f := s.stack[len(s.stack)-1]
		s.undoChoice(f)
		f.idx++
		for f.idx < len(f.candidates) && !b.specAllowed(b.states[f.name], f.candidates[f.idx]) {
			f.idx++
		}
		if f.idx >= len(f.candidates) {
			slog.Debug("solver: exhausted", "name", f.name, "depth", len(s.stack))
			b.pending.Add(f.name)
			s.stack = s.stack[:len(s.stack)-1]
			continue
		}
		slog.Debug("solver: backtrack", "name", f.name,
			"next", f.candidates[f.idx].FullName(), "depth", len(s.stack))
		if err := s.choose(f); err != nil {
			conflict = err
			continue
		}
		return nil
	}
	return conflict
}
