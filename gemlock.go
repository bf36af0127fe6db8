// Package gemlock contains the dependency resolution core of a gem-style
// package manager: it computes a single consistent version assignment for
// every package in the transitive requirement graph of a manifest, and models
// the reproducible, minimally-diffing lockfile that records the assignment.
//
// # Quick Start
//
// (The following is also available as a package-level example.)
//
// Build a [UniverseIndex] over the package versions visible to this
// resolution session, typically via [NewUniverse] from an externally
// populated snapshot, wrapped in [SingleFlight] when the backing provider
// fetches concurrently:
//
//	index := gemlock.SingleFlight(gemlock.NewUniverse(sources, manifest.TargetPlatforms()))
//
// Optionally warm the index for the manifest's direct requirements:
//
//	names := make([]string, len(manifest.Requirements))
//	for i, req := range manifest.Requirements {
//		names[i] = req.Name
//	}
//	if err := gemlock.Warm(ctx, index, names); err != nil {
//		return err
//	}
//
// Resolve, passing the previous [Lockfile] (if any) and the set of names the
// user asked to unlock:
//
//	lf, err := gemlock.Resolve(ctx, manifest, prev, unlocked, index)
//	if err != nil {
//		return err
//	}
//
// Serialize the result and persist it atomically (write to a temporary file,
// then rename); the core never touches storage itself:
//
//	text := lf.Serialize()
//
// # Terminology
//
//   - The manifest is the user-declared list of direct requirements, sources,
//     and target platforms for a project.
//   - A requirement names a package plus the constraint it must satisfy in a
//     given context.  Requirements carry provenance: who introduced them (the
//     manifest, or another package's declared dependencies).
//   - A candidate is a specific package version (and platform variant)
//     visible to the resolver for a given name.
//   - The lockfile is the persisted, reproducible record of a resolved
//     dependency graph.
//   - Conservative resolution means preferring previously locked versions
//     over newer ones unless explicitly unlocked, so that re-resolving
//     changes only what is causally necessary (the minimal-diff law).
//
// # Resolver Behavior
//
// [Resolve] performs chronological backtracking search over package-name
// decisions.  Among names with a pending decision it always decides the one
// with the fewest satisfying candidates first, breaking ties alphabetically,
// so runs are deterministic for a frozen index.  Candidates are tried in the
// index's fixed order (source declaration priority, then descending version,
// with platform-specific variants ahead of the generic one), except that a
// locked, not-unlocked, still-satisfying version is tried first.  Requirements
// reaching a name via multiple paths are merged by constraint intersection
// with provenance union, so a [*ConstraintConflictError] can cite every
// contributing path.
//
// Requirement graphs may be cyclic (A's chosen version requires B, B's
// requires A).  A requirement that reaches a name already carrying a
// tentative assignment is checked against that assignment instead of
// re-expanded, so cycles produce no new work and the search terminates.
//
// The search never recurses: decisions live on an explicit stack, which
// bounds memory on deep graphs and lets the solver check for cancellation
// between steps.  A resolution run owns its state exclusively and performs no
// network or file I/O; everything it learns about the universe comes through
// the [UniverseIndex] it was handed.
//
// [ResolveSat] is an alternative strategy that encodes the reachable
// universe as a SAT problem; see its documentation for the tradeoff.
//
// # Lockfile Model
//
// A successful resolution is canonicalized into a [Lockfile]: one block per
// declared source in declaration order, alphabetical spec ordering within a
// block, the manifest's direct requirements as originally declared, recorded
// content checksums, and a tool-version trailer.  [ParseLockfile] and
// [Lockfile.Serialize] round-trip byte-identically, and re-resolving an
// unchanged manifest against an unchanged universe with nothing unlocked
// reproduces the input lockfile exactly.
package gemlock
