package gemlock

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	gsat "github.com/crillab/gophersat/solver"
	mapset "github.com/deckarep/golang-set/v2"
)

// ResolveSat is an alternative to [Resolve] that encodes the reachable slice
// of the universe as a Boolean satisfiability problem and hands it to a SAT
// solver.  It honors the same contract (conservative resolution, typed
// failures, no side effects) but its conflict reports cannot cite provenance
// chains, so [Resolve] remains the primary algorithm; ResolveSat is useful
// for cross-checking solvability on pathological graphs.
func ResolveSat(ctx context.Context, manifest *Manifest, prev *Lockfile, unlocked mapset.Set[string], index UniverseIndex) (*Lockfile, error) {
	if unlocked == nil {
		unlocked = mapset.NewThreadUnsafeSet[string]()
	}
	b := newGraphBuilder(index, manifest)
	if err := b.seed(manifest); err != nil {
		return nil, err
	}
	locked := map[string]PackageSpec{}
	if prev != nil {
		for spec := range prev.AllSpecs() {
			if _, ok := locked[spec.Name]; !ok {
				locked[spec.Name] = spec
			}
		}
	}
	sp, err := buildSatProblem(ctx, b, manifest, locked, unlocked, index)
	if err != nil {
		return nil, err
	}
	s := gsat.New(sp.prob)
	// Minimize (not Solve) so the cost function binds: the model kept is the
	// cheapest one, which is what makes the locked-first preference real.
	if cost := s.Minimize(); cost < 0 {
		return nil, sp.diagnose(manifest)
	}
	model := s.Model()
	states := map[string]*nameState{}
	for v := range model {
		if !model[v] {
			continue
		}
		spec := sp.nodes[v]
		states[spec.Name] = &nameState{name: spec.Name, assigned: &spec}
	}
	return synthesize(manifest, prev, states), nil
}

// satProblem is the encoded universe slice plus the bookkeeping needed to
// turn an unsatisfiable outcome back into one of the typed resolution errors.
// Names with no visible candidates (gaps) are encoded as droppable clauses so
// the solver can route around them through a different parent candidate, the
// same way the backtracking solver treats an empty candidate list as an
// ordinary conflict.
type satProblem struct {
	prob *gsat.Problem
	// relaxed is prob without the gap clauses, nil when there are no gaps.
	// If relaxed is satisfiable while prob is not, a gap is the sole cause of
	// failure and the report names the missing package rather than a generic
	// conflict.
	relaxed     *gsat.Problem
	nodes       []PackageSpec
	gapVias     map[string][]string
	platformGap map[string]*NoMatchingPlatformError
}

// diagnose picks the typed error to report for an unsatisfiable problem.
func (sp *satProblem) diagnose(manifest *Manifest) error {
	if sp.relaxed != nil {
		s := gsat.New(sp.relaxed)
		if s.Solve() == gsat.Sat {
			name := slices.Sorted(maps.Keys(sp.gapVias))[0]
			if perr := sp.platformGap[name]; perr != nil {
				return perr
			}
			return &MissingPackageError{Name: name, Via: sp.gapVias[name]}
		}
	}
	return &ConstraintConflictError{
		Name:         "the manifest",
		Requirements: slices.Clone(manifest.Requirements),
	}
}

// buildSatProblem enumerates every spec reachable from the manifest's direct
// requirements and emits: one clause per direct requirement (some satisfying
// candidate must be selected), an at-most-one constraint per package name,
// and an implication clause per (selected spec, declared dependency) pair.
// The cost function prefers earlier candidates (locked version first under
// conservative resolution, then the index's order), mirroring the
// backtracking solver's trial order.
func buildSatProblem(ctx context.Context, b *graphBuilder, manifest *Manifest, locked map[string]PackageSpec, unlocked mapset.Set[string], index UniverseIndex) (*satProblem, error) {
	sp := &satProblem{
		gapVias:     map[string][]string{},
		platformGap: map[string]*NoMatchingPlatformError{},
	}
	addGapVia := func(name, via string) {
		if !slices.Contains(sp.gapVias[name], via) {
			sp.gapVias[name] = append(sp.gapVias[name], via)
		}
	}
	perName := map[string][]PackageSpec{}
	order := []string(nil)
	queue := []Requirement(nil)
	for _, req := range manifest.Requirements {
		if b.applicable(req) {
			queue = append(queue, req)
		}
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	for len(queue) > 0 {
		if err := context.Cause(ctx); err != nil {
			return nil, err
		}
		req := queue[0]
		queue = queue[1:]
		name := req.Name
		if !seen.Add(name) {
			if _, gap := sp.gapVias[name]; gap {
				addGapVia(name, req.Via)
			}
			continue
		}
		specs, err := index.Candidates(ctx, name)
		if err != nil {
			var perr *NoMatchingPlatformError
			if !errors.As(err, &perr) {
				return nil, err
			}
			sp.platformGap[name] = perr
			specs = nil
		}
		if len(specs) == 0 {
			// A gap still occupies a slot in the encoding so implication
			// clauses that point at it can be isolated as droppable.
			addGapVia(name, req.Via)
			perName[name] = nil
			order = append(order, name)
			continue
		}
		specs = slices.Clone(specs)
		if prevSpec, ok := locked[name]; ok && !unlocked.Contains(name) {
			for i, spec := range specs {
				if VersionCompare(spec.Version, prevSpec.Version) == 0 && spec.Platform == prevSpec.Platform {
					if i > 0 {
						specs = slices.Concat(specs[i:i+1], specs[:i], specs[i+1:])
					}
					break
				}
			}
		}
		perName[name] = specs
		order = append(order, name)
		for _, spec := range specs {
			deps, err := index.Dependencies(ctx, spec)
			if err != nil {
				return nil, err
			}
			for _, dep := range deps {
				if b.applicable(dep) {
					queue = append(queue, dep)
				}
			}
		}
	}
	firstVar := map[string]int{}
	for _, name := range order {
		firstVar[name] = len(sp.nodes)
		sp.nodes = append(sp.nodes, perName[name]...)
	}
	satisfyingLits := func(req Requirement) []int {
		var lits []int
		for i, spec := range perName[req.Name] {
			if !req.Constraint.SatisfiedBy(spec.Version) {
				continue
			}
			if req.Source != "" && spec.Source != req.Source {
				continue
			}
			// Prerelease opt-in is per requiring edge, matching the
			// backtracking solver's aggregated constraint check.
			if spec.Version.Prerelease() && !b.allowPre && !req.Constraint.AllowsPrerelease() {
				continue
			}
			lits = append(lits, int(gsat.Var(firstVar[req.Name]+i).Int()))
		}
		return lits
	}
	var constrs []gsat.PBConstr
	for _, req := range manifest.Requirements {
		if !b.applicable(req) {
			continue
		}
		lits := satisfyingLits(req)
		if len(lits) == 0 {
			// Nothing can route around a failing direct requirement, so it
			// is terminal here exactly as it is for the backtracking solver.
			if perr := sp.platformGap[req.Name]; perr != nil {
				return nil, perr
			}
			if len(perName[req.Name]) == 0 {
				return nil, &MissingPackageError{Name: req.Name, Via: sp.gapVias[req.Name]}
			}
			return nil, &ConstraintConflictError{Name: req.Name, Requirements: []Requirement{req}}
		}
		constrs = append(constrs, gsat.PropClause(lits...))
	}
	for _, name := range order {
		if n := len(perName[name]); n > 1 {
			lits := make([]int, n)
			for i := range n {
				lits[i] = int(gsat.Var(firstVar[name] + i).Int())
			}
			constrs = append(constrs, gsat.AtMost(lits, 1))
		}
	}
	var gapConstrs []gsat.PBConstr
	for v, spec := range sp.nodes {
		deps, err := index.Dependencies(ctx, spec)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if !b.applicable(dep) {
				continue
			}
			if _, ok := perName[dep.Name]; !ok {
				return nil, fmt.Errorf("dependency %v of %v escaped enumeration", dep.Name, spec.FullName())
			}
			// Either this spec is NOT selected, or some satisfying candidate
			// of its dependency IS.
			clause := append([]int{-int(gsat.Var(v).Int())}, satisfyingLits(dep)...)
			if _, gap := sp.gapVias[dep.Name]; gap && len(clause) == 1 {
				gapConstrs = append(gapConstrs, gsat.PropClause(clause...))
			} else {
				constrs = append(constrs, gsat.PropClause(clause...))
			}
		}
	}
	if len(gapConstrs) > 0 {
		sp.relaxed = gsat.ParsePBConstrs(constrs)
	}
	sp.prob = gsat.ParsePBConstrs(slices.Concat(constrs, gapConstrs))
	lits := make([]gsat.Lit, len(sp.nodes))
	weights := make([]int, len(sp.nodes))
	for _, name := range order {
		for i := range perName[name] {
			v := gsat.Var(firstVar[name] + i)
			lits[int(v)] = v.Lit()
			// Selecting anything costs at least 1 so spurious selections are
			// minimized away; later candidates cost more so the preferred
			// (locked or highest-priority) candidate wins.
			weights[int(v)] = 1 + i
		}
	}
	sp.prob.SetCostFunc(lits, weights)
	return sp, nil
}
