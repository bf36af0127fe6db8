package gemlock_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	. "github.com/gemlock/gemlock"
	"github.com/gemlock/gemlock/internal/itertools"
	fu "github.com/gemlock/gemlock/internal/test/fakeuniverse"
	"github.com/google/go-cmp/cmp"
)

func railsUniverse() *fu.Universe {
	return fu.New().
		Add(fu.Id("rails 7.0.0"),
			fu.Remote("https://rubygems.org/"),
			fu.Dep("activesupport", "= 7.0.0"),
			fu.Dep("rack", ">= 2.2")).
		Add(fu.Id("activesupport 7.0.0"), fu.Remote("https://rubygems.org/")).
		Add(fu.Id("rack 3.0.8"), fu.Remote("https://rubygems.org/"), fu.Checksum("abc123"))
}

func railsManifest() *Manifest {
	return &Manifest{
		Requirements: []Requirement{{
			Name:       "rails",
			Constraint: MustParseConstraint("~> 7.0"),
			Via:        ManifestProvenance,
		}},
		Sources: []string{"https://rubygems.org/"},
	}
}

const railsLock = `GEM
  remote: https://rubygems.org/
  specs:
    activesupport (7.0.0)
    rack (3.0.8)
    rails (7.0.0)
      activesupport (= 7.0.0)
      rack (>= 2.2)

PLATFORMS
  ruby

DEPENDENCIES
  rails (~> 7.0)

CHECKSUMS
  rack (3.0.8) sha256=abc123

BUNDLED WITH
   1.0.3
`

func TestLockfileSerialize(t *testing.T) {
	t.Parallel()
	lf, err := Resolve(context.Background(), railsManifest(), nil, nil, railsUniverse().Index())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(railsLock, lf.Serialize()); diff != "" {
		t.Errorf("lockfile differs from expected (-want, +got):\n%s", diff)
	}
}

func TestLockfileRoundTrip(t *testing.T) {
	t.Parallel()
	lf, err := ParseLockfile(railsLock)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(railsLock, lf.Serialize()); diff != "" {
		t.Errorf("serialization differs from the parsed text (-want, +got):\n%s", diff)
	}
	got := slices.Collect(itertools.Stringify(lf.AllSpecs()))
	want := []string{"activesupport (7.0.0)", "rack (3.0.8)", "rails (7.0.0)"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("specs differ from expected (-want, +got):\n%s", diff)
	}
	rack, ok := lf.Spec("rack")
	if !ok {
		t.Fatal("rack missing from the parsed lockfile")
	}
	if rack.Checksum != "abc123" {
		t.Errorf("rack checksum = %q, want %q", rack.Checksum, "abc123")
	}
	if rack.Source != "https://rubygems.org/" {
		t.Errorf("rack source = %q", rack.Source)
	}
}

func TestLockfileRoundTripPlatformsAndDashes(t *testing.T) {
	t.Parallel()
	// Platform suffixes and prerelease dashes both live after a "-"; the
	// parser must tell them apart.
	text := `GEM
  remote: https://rubygems.org/
  specs:
    nokogiri (1.15.0-x86_64-linux)
    rack (3.1.0-beta)

PLATFORMS
  ruby
  x86_64-linux

DEPENDENCIES
  nokogiri
  rack (>= 3.1.0-beta)

BUNDLED WITH
   1.0.3
`
	lf, err := ParseLockfile(text)
	if err != nil {
		t.Fatal(err)
	}
	nokogiri, _ := lf.Spec("nokogiri")
	if nokogiri.Platform != "x86_64-linux" || nokogiri.Version.String() != "1.15.0" {
		t.Errorf("nokogiri parsed as version %q platform %q", nokogiri.Version, nokogiri.Platform)
	}
	rack, _ := lf.Spec("rack")
	if rack.Platform != "" || !rack.Version.Prerelease() {
		t.Errorf("rack parsed as version %q platform %q", rack.Version, rack.Platform)
	}
	if diff := cmp.Diff(text, lf.Serialize()); diff != "" {
		t.Errorf("serialization differs from the parsed text (-want, +got):\n%s", diff)
	}
}

func TestLockfileRoundTripGitAndPathSources(t *testing.T) {
	t.Parallel()
	text := `GEM
  remote: https://rubygems.org/
  specs:
    rack (3.0.8)

GIT
  remote: https://github.com/rails/rails.git
  revision: 9fca9f8bf69bd12d36bbd7dd6dfd2b4b8ce44c0e
  branch: main
  specs:
    rails (7.1.0.alpha)
      rack (>= 2.2)

PATH
  remote: ../gems/internal-auth
  specs:
    internal-auth (0.3.0)

PLATFORMS
  ruby

DEPENDENCIES
  internal-auth
  rails

RUBY VERSION
   ruby 3.2.2p53

BUNDLED WITH
   1.0.3
`
	lf, err := ParseLockfile(text)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(text, lf.Serialize()); diff != "" {
		t.Errorf("serialization differs from the parsed text (-want, +got):\n%s", diff)
	}
	kinds := make([]SourceKind, 0, len(lf.Sources))
	for _, src := range lf.Sources {
		k := src.Kind
		if k == "" {
			k = SourceGem
		}
		kinds = append(kinds, k)
	}
	if diff := cmp.Diff([]SourceKind{SourceGem, SourceGit, SourcePath}, kinds); diff != "" {
		t.Errorf("source kinds differ from expected (-want, +got):\n%s", diff)
	}
	git := lf.Sources[1]
	if git.Revision != "9fca9f8bf69bd12d36bbd7dd6dfd2b4b8ce44c0e" || git.Branch != "main" {
		t.Errorf("git block parsed as revision %q branch %q", git.Revision, git.Branch)
	}
	if lf.RubyVersion != "ruby 3.2.2p53" {
		t.Errorf("RubyVersion = %q, want %q", lf.RubyVersion, "ruby 3.2.2p53")
	}
	rails, ok := lf.Spec("rails")
	if !ok {
		t.Fatal("rails missing from the parsed lockfile")
	}
	if rails.Source != "https://github.com/rails/rails.git" {
		t.Errorf("rails source = %q", rails.Source)
	}
}

func TestResolveIdempotent(t *testing.T) {
	t.Parallel()
	prev, err := ParseLockfile(railsLock)
	if err != nil {
		t.Fatal(err)
	}
	lf, err := Resolve(context.Background(), railsManifest(), prev, nil, railsUniverse().Index())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(railsLock, lf.Serialize()); diff != "" {
		t.Errorf("re-resolution changed the lockfile (-want, +got):\n%s", diff)
	}
}

func TestResolveKeepsPrevToolVersion(t *testing.T) {
	t.Parallel()
	old := "1.0.1"
	prev, err := ParseLockfile(railsLock)
	if err != nil {
		t.Fatal(err)
	}
	prev.ToolVersion = old
	lf, err := Resolve(context.Background(), railsManifest(), prev, nil, railsUniverse().Index())
	if err != nil {
		t.Fatal(err)
	}
	if lf.ToolVersion != old {
		t.Errorf("ToolVersion = %q, want the previous lockfile's %q", lf.ToolVersion, old)
	}
}

func TestResolveKeepsPrevRubyVersion(t *testing.T) {
	t.Parallel()
	prev, err := ParseLockfile(railsLock)
	if err != nil {
		t.Fatal(err)
	}
	prev.RubyVersion = "ruby 3.2.2p53"
	lf, err := Resolve(context.Background(), railsManifest(), prev, nil, railsUniverse().Index())
	if err != nil {
		t.Fatal(err)
	}
	if lf.RubyVersion != prev.RubyVersion {
		t.Errorf("RubyVersion = %q, want the previous lockfile's %q", lf.RubyVersion, prev.RubyVersion)
	}
}

func TestLockfileDiff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	prev, err := ParseLockfile(railsLock)
	if err != nil {
		t.Fatal(err)
	}
	universe := railsUniverse().
		Add(fu.Id("rack 3.0.9"), fu.Remote("https://rubygems.org/"), fu.Checksum("def456"))

	t.Run("conservative resolution changes nothing", func(t *testing.T) {
		t.Parallel()
		lf, err := Resolve(ctx, railsManifest(), prev, nil, universe.Index())
		if err != nil {
			t.Fatal(err)
		}
		if changed := LockfileDiff(prev, lf); changed.Cardinality() != 0 {
			t.Errorf("diff = %v, want none", changed)
		}
	})
	t.Run("unlocking one name changes only it", func(t *testing.T) {
		t.Parallel()
		lf, err := Resolve(ctx, railsManifest(), prev, mapset.NewSet("rack"), universe.Index())
		if err != nil {
			t.Fatal(err)
		}
		changed := LockfileDiff(prev, lf)
		if want := mapset.NewThreadUnsafeSet("rack"); !changed.Equal(want) {
			t.Errorf("diff = %v, want %v", changed, want)
		}
		rack, _ := lf.Spec("rack")
		if rack.Version.String() != "3.0.9" {
			t.Errorf("rack = %v, want 3.0.9", rack.Version)
		}
	})
}

func TestVerifyChecksum(t *testing.T) {
	t.Parallel()
	lf, err := ParseLockfile(railsLock)
	if err != nil {
		t.Fatal(err)
	}
	v := MustParseVersion("3.0.8")
	if err := lf.VerifyChecksum("rack", v, "abc123"); err != nil {
		t.Errorf("matching checksum rejected: %v", err)
	}
	err = lf.VerifyChecksum("rack", v, "tampered")
	var cerr *ChecksumMismatchError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ChecksumMismatchError", err)
	}
	if cerr.Locked != "abc123" || cerr.Observed != "tampered" {
		t.Errorf("mismatch records locked %q observed %q", cerr.Locked, cerr.Observed)
	}
	// No recorded checksum means nothing to verify against.
	if err := lf.VerifyChecksum("rails", MustParseVersion("7.0.0"), "whatever"); err != nil {
		t.Errorf("unchecksummed package rejected: %v", err)
	}
}

func TestParseLockfileErrors(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		desc     string
		text     string
		wantLine int
	}{
		{
			desc:     "unknown section",
			text:     "SURPRISES\n  rack (1.0)\n",
			wantLine: 1,
		},
		{
			desc:     "dependency line with no spec",
			text:     "GEM\n  specs:\n      orphan (>= 1.0)\n",
			wantLine: 3,
		},
		{
			desc:     "spec line without a version",
			text:     "GEM\n  specs:\n    rack 3.0.8\n",
			wantLine: 3,
		},
		{
			desc:     "GEM block without specs",
			text:     "GEM\n  remote: https://rubygems.org/\nPLATFORMS\n",
			wantLine: 3,
		},
		{
			desc:     "malformed checksum line",
			text:     "CHECKSUMS\n  rack (1.0) md5=nope\n",
			wantLine: 2,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()
			_, err := ParseLockfile(tc.text)
			var perr *LockfileParseError
			if !errors.As(err, &perr) {
				t.Fatalf("err = %v, want *LockfileParseError", err)
			}
			if perr.Line != tc.wantLine {
				t.Errorf("error at line %v, want %v", perr.Line, tc.wantLine)
			}
		})
	}
}
