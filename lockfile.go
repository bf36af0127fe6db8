package gemlock

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gemlock/gemlock/internal/itertools"
)

// ToolVersion is stamped into the lockfile trailer of newly synthesized
// lockfiles.  Re-resolving an existing lockfile keeps the trailer it was
// created with, so an unchanged resolution round-trips byte-identically.
const ToolVersion = "1.0.3"

// A SourceKind names the kind of a lockfile source block.  Resolution only
// produces [SourceGem] blocks; [SourceGit] and [SourcePath] exist so lockfiles
// written by installers that pin repositories or local trees round-trip
// intact.
type SourceKind string

const (
	SourceGem  SourceKind = "GEM"
	SourceGit  SourceKind = "GIT"
	SourcePath SourceKind = "PATH"
)

// A LockfileSource is one source block in a [Lockfile]: the source remote and
// the specs resolved from it, in canonical (alphabetical) order.  Revision,
// Branch and Tag are only meaningful on [SourceGit] blocks.
type LockfileSource struct {
	Kind     SourceKind // zero value means SourceGem
	Remote   string
	Revision string
	Branch   string
	Tag      string
	Specs    []PackageSpec
}

func (src *LockfileSource) kind() SourceKind {
	if src.Kind == "" {
		return SourceGem
	}
	return src.Kind
}

// A Lockfile is the persisted, reproducible record of a successful
// resolution: the resolved specs grouped per declared source (sources in
// original declaration order), the target platforms, the manifest's direct
// requirements as originally declared, and a tool-version tag.  RubyVersion,
// when nonempty, is the interpreter pin recorded verbatim (including any
// "ruby " prefix) so it survives a parse and re-serialize unchanged.
//
// A Lockfile is a value; persisting it (atomically, write-then-rename) is the
// caller's responsibility.
type Lockfile struct {
	Sources      []LockfileSource
	Platforms    []string
	Dependencies []Requirement
	RubyVersion  string
	ToolVersion  string
}

// AllSpecs yields every resolved spec across all source blocks, in block
// order then spec order.
func (lf *Lockfile) AllSpecs() iter.Seq[PackageSpec] {
	return func(yield func(PackageSpec) bool) {
		for _, src := range lf.Sources {
			for _, spec := range src.Specs {
				if !yield(spec) {
					return
				}
			}
		}
	}
}

// Spec returns the resolved spec for name, if any.
func (lf *Lockfile) Spec(name string) (PackageSpec, bool) {
	for spec := range lf.AllSpecs() {
		if spec.Name == name {
			return spec, true
		}
	}
	return PackageSpec{}, false
}

// VerifyChecksum compares an observed archive digest against the recorded
// one.  It returns a [*ChecksumMismatchError] on disagreement, and nil when
// they match or when no checksum was recorded for the package.  The core
// never reads archives itself; the installer calls this at install time.
func (lf *Lockfile) VerifyChecksum(name string, version Version, observed string) error {
	for spec := range lf.AllSpecs() {
		if spec.Name != name || VersionCompare(spec.Version, version) != 0 {
			continue
		}
		if spec.Checksum != "" && spec.Checksum != observed {
			return &ChecksumMismatchError{
				Name:     name,
				Version:  version,
				Locked:   spec.Checksum,
				Observed: observed,
			}
		}
		return nil
	}
	return nil
}

// synthesize canonicalizes a successful resolution into a [Lockfile]:
// specs grouped by the source they resolved from (declared source order
// preserved), alphabetical spec ordering within a block, declared platform
// list and direct requirements carried over verbatim.  Synthesizing an
// unchanged resolution of an unchanged manifest reproduces prev byte for
// byte.
func synthesize(manifest *Manifest, prev *Lockfile, states map[string]*nameState) *Lockfile {
	bySource := map[string][]PackageSpec{}
	for _, st := range states {
		if st.assigned == nil {
			continue
		}
		spec := *st.assigned
		bySource[spec.Source] = append(bySource[spec.Source], spec)
	}
	lf := &Lockfile{
		Platforms:    manifest.TargetPlatforms(),
		Dependencies: slices.Clone(manifest.Requirements),
		ToolVersion:  ToolVersion,
	}
	if prev != nil {
		if prev.ToolVersion != "" {
			lf.ToolVersion = prev.ToolVersion
		}
		lf.RubyVersion = prev.RubyVersion
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, remote := range manifest.Sources {
		if seen.Add(remote) {
			lf.Sources = append(lf.Sources, newSourceBlock(remote, bySource[remote]))
		}
	}
	// Specs from sources the manifest does not declare (an index built
	// without remotes, say) still need a home.
	var extra []string
	for remote := range bySource {
		if !seen.Contains(remote) {
			extra = append(extra, remote)
		}
	}
	slices.Sort(extra)
	for _, remote := range extra {
		lf.Sources = append(lf.Sources, newSourceBlock(remote, bySource[remote]))
	}
	return lf
}

func newSourceBlock(remote string, specs []PackageSpec) LockfileSource {
	slices.SortFunc(specs, SpecCompare)
	for i := range specs {
		specs[i].Deps = slices.SortedFunc(slices.Values(specs[i].Deps), RequirementCompare)
	}
	return LockfileSource{Remote: remote, Specs: specs}
}

// Serialize renders the lockfile in its textual layout: one block per source
// (GEM, GIT or PATH), then PLATFORMS, DEPENDENCIES (direct requirements in
// declaration order), CHECKSUMS, RUBY VERSION when recorded, and the BUNDLED
// WITH trailer.  [ParseLockfile] of the output reproduces the receiver, and
// serializing an unchanged parse is byte-identical to the input.
func (lf *Lockfile) Serialize() string {
	var b strings.Builder
	for _, src := range lf.Sources {
		fmt.Fprintf(&b, "%v\n", src.kind())
		fmt.Fprintf(&b, "  remote: %v\n", src.Remote)
		if src.Revision != "" {
			fmt.Fprintf(&b, "  revision: %v\n", src.Revision)
		}
		if src.Branch != "" {
			fmt.Fprintf(&b, "  branch: %v\n", src.Branch)
		}
		if src.Tag != "" {
			fmt.Fprintf(&b, "  tag: %v\n", src.Tag)
		}
		b.WriteString("  specs:\n")
		for _, spec := range src.Specs {
			fmt.Fprintf(&b, "    %v\n", spec)
			for _, dep := range spec.Deps {
				fmt.Fprintf(&b, "      %v\n", dep)
			}
		}
		b.WriteString("\n")
	}
	b.WriteString("PLATFORMS\n")
	for _, p := range lf.Platforms {
		fmt.Fprintf(&b, "  %v\n", p)
	}
	b.WriteString("\n")
	b.WriteString("DEPENDENCIES\n")
	for _, dep := range lf.Dependencies {
		fmt.Fprintf(&b, "  %v\n", dep)
	}
	b.WriteString("\n")
	checksummed := slices.Collect(itertools.Filter(lf.AllSpecs(),
		func(spec PackageSpec) bool { return spec.Checksum != "" }))
	if len(checksummed) > 0 {
		slices.SortFunc(checksummed, SpecCompare)
		b.WriteString("CHECKSUMS\n")
		for _, spec := range checksummed {
			fmt.Fprintf(&b, "  %v sha256=%v\n", spec, spec.Checksum)
		}
		b.WriteString("\n")
	}
	if lf.RubyVersion != "" {
		b.WriteString("RUBY VERSION\n")
		fmt.Fprintf(&b, "   %v\n", lf.RubyVersion)
		b.WriteString("\n")
	}
	b.WriteString("BUNDLED WITH\n")
	fmt.Fprintf(&b, "   %v\n", lf.ToolVersion)
	return b.String()
}

// LockfileDiff returns the names whose entries differ between two lockfiles:
// added, removed, or changed in version, platform, source, or checksum.
// Under conservative resolution, unlocking one name must leave this set
// limited to that name and any entries whose satisfying range excluded the
// previously locked version.
func LockfileDiff(old, updated *Lockfile) mapset.Set[string] {
	changed := mapset.NewThreadUnsafeSet[string]()
	oldSpecs := map[string]PackageSpec{}
	for spec := range old.AllSpecs() {
		oldSpecs[spec.Name] = spec
	}
	for spec := range updated.AllSpecs() {
		prev, ok := oldSpecs[spec.Name]
		if !ok {
			changed.Add(spec.Name)
			continue
		}
		delete(oldSpecs, spec.Name)
		if VersionCompare(prev.Version, spec.Version) != 0 ||
			prev.Platform != spec.Platform ||
			prev.Source != spec.Source ||
			prev.Checksum != spec.Checksum {
			changed.Add(spec.Name)
		}
	}
	for name := range oldSpecs {
		changed.Add(name)
	}
	return changed
}

// ParseLockfile parses persisted lockfile text.  Malformed input yields a
// [*LockfileParseError].
func ParseLockfile(text string) (*Lockfile, error) {
	p := &lockfileParser{lines: strings.Split(text, "\n")}
	lf := &Lockfile{}
	for !p.eof() {
		line := p.current()
		switch {
		case line == "":
			p.advance()
		case line == "GEM" || line == "GIT" || line == "PATH":
			p.advance()
			if err := p.parseSourceBlock(lf, SourceKind(line)); err != nil {
				return nil, err
			}
		case line == "PLATFORMS":
			p.advance()
			lf.Platforms = append(lf.Platforms, p.parseIndentedList()...)
		case line == "DEPENDENCIES":
			p.advance()
			deps, err := p.parseDependencies()
			if err != nil {
				return nil, err
			}
			lf.Dependencies = append(lf.Dependencies, deps...)
		case line == "CHECKSUMS":
			p.advance()
			if err := p.parseChecksums(lf); err != nil {
				return nil, err
			}
		case line == "RUBY VERSION":
			p.advance()
			if !p.eof() {
				lf.RubyVersion = strings.TrimSpace(p.current())
				p.advance()
			}
		case line == "BUNDLED WITH":
			p.advance()
			if !p.eof() {
				lf.ToolVersion = strings.TrimSpace(p.current())
				p.advance()
			}
		case strings.HasPrefix(line, " "):
			return nil, &LockfileParseError{Line: p.pos + 1, Message: fmt.Sprintf("unexpected indented line %q", line)}
		default:
			return nil, &LockfileParseError{Line: p.pos + 1, Message: fmt.Sprintf("unknown section %q", line)}
		}
	}
	return lf, nil
}

type lockfileParser struct {
	lines []string
	pos   int
}

func (p *lockfileParser) eof() bool       { return p.pos >= len(p.lines) }
func (p *lockfileParser) current() string { return p.lines[p.pos] }
func (p *lockfileParser) advance()        { p.pos++ }

func (p *lockfileParser) parseSourceBlock(lf *Lockfile, kind SourceKind) error {
	src := LockfileSource{Kind: kind}
	if kind == SourceGem {
		src.Kind = "" // canonical zero value, so synthesized and parsed blocks compare equal
	}
	if !p.eof() && strings.HasPrefix(p.current(), "  remote: ") {
		src.Remote = strings.TrimPrefix(p.current(), "  remote: ")
		p.advance()
	}
	for !p.eof() {
		line := p.current()
		if rest, ok := strings.CutPrefix(line, "  revision: "); ok {
			src.Revision = rest
		} else if rest, ok := strings.CutPrefix(line, "  branch: "); ok {
			src.Branch = rest
		} else if rest, ok := strings.CutPrefix(line, "  tag: "); ok {
			src.Tag = rest
		} else {
			break
		}
		p.advance()
	}
	if p.eof() || strings.TrimSpace(p.current()) != "specs:" {
		return &LockfileParseError{Line: p.pos + 1, Message: fmt.Sprintf("expected specs: in %v block", kind)}
	}
	p.advance()
	for !p.eof() {
		line := p.current()
		if !strings.HasPrefix(line, "    ") {
			break
		}
		if strings.HasPrefix(line, "      ") {
			return &LockfileParseError{Line: p.pos + 1, Message: fmt.Sprintf("dependency line %q with no spec", strings.TrimSpace(line))}
		}
		name, version, platform, err := parseSpecLine(strings.TrimSpace(line), p.pos+1)
		if err != nil {
			return err
		}
		spec := PackageSpec{Name: name, Version: version, Platform: platform, Source: src.Remote}
		p.advance()
		for !p.eof() && strings.HasPrefix(p.current(), "      ") {
			dep, err := parseRequirementLine(strings.TrimSpace(p.current()), p.pos+1)
			if err != nil {
				return err
			}
			dep.Via = fmt.Sprintf("%v %v", spec.Name, spec.Version)
			spec.Deps = append(spec.Deps, dep)
			p.advance()
		}
		src.Specs = append(src.Specs, spec)
	}
	lf.Sources = append(lf.Sources, src)
	return nil
}

func (p *lockfileParser) parseIndentedList() []string {
	var out []string
	for !p.eof() {
		line := p.current()
		if !strings.HasPrefix(line, "  ") || strings.TrimSpace(line) == "" {
			break
		}
		out = append(out, strings.TrimSpace(line))
		p.advance()
	}
	return out
}

func (p *lockfileParser) parseDependencies() ([]Requirement, error) {
	var out []Requirement
	for !p.eof() {
		line := p.current()
		if !strings.HasPrefix(line, "  ") || strings.TrimSpace(line) == "" {
			break
		}
		req, err := parseRequirementLine(strings.TrimSpace(line), p.pos+1)
		if err != nil {
			return nil, err
		}
		req.Via = ManifestProvenance
		out = append(out, req)
		p.advance()
	}
	return out, nil
}

func (p *lockfileParser) parseChecksums(lf *Lockfile) error {
	for !p.eof() {
		line := p.current()
		if !strings.HasPrefix(line, "  ") || strings.TrimSpace(line) == "" {
			break
		}
		entry, checksum, ok := strings.Cut(strings.TrimSpace(line), " sha256=")
		if !ok {
			return &LockfileParseError{Line: p.pos + 1, Message: fmt.Sprintf("malformed checksum line %q", strings.TrimSpace(line))}
		}
		name, version, platform, err := parseSpecLine(entry, p.pos+1)
		if err != nil {
			return err
		}
		for si := range lf.Sources {
			for pi := range lf.Sources[si].Specs {
				spec := &lf.Sources[si].Specs[pi]
				if spec.Name == name && VersionCompare(spec.Version, version) == 0 && spec.Platform == platform {
					spec.Checksum = checksum
				}
			}
		}
		p.advance()
	}
	return nil
}

// parseSpecLine parses "name (version)" or "name (version-platform)".
func parseSpecLine(line string, lineNo int) (name string, version Version, platform string, err error) {
	name, rest, ok := strings.Cut(line, " (")
	if !ok || !strings.HasSuffix(rest, ")") {
		return "", Version{}, "", &LockfileParseError{Line: lineNo, Message: fmt.Sprintf("expected %q, got %q", "name (version)", line)}
	}
	verPart := strings.TrimSuffix(rest, ")")
	verStr, platform := splitVersionPlatform(verPart)
	version, perr := ParseVersion(verStr)
	if perr != nil {
		return "", Version{}, "", &LockfileParseError{Line: lineNo, Message: perr.Error()}
	}
	return name, version, platform, nil
}

// platformKeywords distinguishes a platform suffix ("1.14.0-arm64-darwin")
// from a version with an embedded dash ("1.0.0-beta").
var platformKeywords = []string{
	"darwin", "linux", "mingw", "mswin", "java", "jruby",
	"x86_64", "aarch64", "arm64", "x86", "i386",
}

func splitVersionPlatform(verPart string) (string, string) {
	hasKeyword := func(s string) bool {
		for _, k := range platformKeywords {
			if strings.Contains(s, k) {
				return true
			}
		}
		return false
	}
	dash := strings.LastIndex(verPart, "-")
	if dash < 0 || !hasKeyword(verPart[dash+1:]) {
		return verPart, ""
	}
	split := dash
	// "1.14.0-arm64-darwin" splits before "arm64", not after it.
	if prev := strings.LastIndex(verPart[:dash], "-"); prev >= 0 && hasKeyword(verPart[prev+1:dash]) {
		split = prev
	}
	return verPart[:split], verPart[split+1:]
}

// parseRequirementLine parses "name (constraint)" or a bare "name".
func parseRequirementLine(line string, lineNo int) (Requirement, error) {
	name, rest, ok := strings.Cut(line, " (")
	if !ok {
		return Requirement{Name: line}, nil
	}
	if !strings.HasSuffix(rest, ")") {
		return Requirement{}, &LockfileParseError{Line: lineNo, Message: fmt.Sprintf("unterminated constraint in %q", line)}
	}
	c, err := ParseConstraint(strings.TrimSuffix(rest, ")"))
	if err != nil {
		return Requirement{}, &LockfileParseError{Line: lineNo, Message: err.Error()}
	}
	return Requirement{Name: name, Constraint: c}, nil
}
