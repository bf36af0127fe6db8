package gemlock_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	. "github.com/gemlock/gemlock"
	fu "github.com/gemlock/gemlock/internal/test/fakeuniverse"
	"github.com/google/go-cmp/cmp"
)

func fullNames(specs []PackageSpec) []string {
	var out []string
	for _, spec := range specs {
		out = append(out, spec.FullName())
	}
	return out
}

func TestUniverseCandidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	index := fu.New().
		Platforms("ruby", "x86_64-linux").
		Add(fu.Id("rack 3.0.8")).
		Add(fu.Id("rack 2.2.4")).
		Add(fu.Id("nokogiri 1.15.0")).
		Add(fu.Id("nokogiri 1.15.0 x86_64-linux")).
		Add(fu.Id("nokogiri 1.15.0 arm64-darwin")).
		Add(fu.Id("nokogiri 1.14.0")).
		Index()

	for _, tc := range []struct {
		name string
		want []string
	}{
		// Descending version order.
		{name: "rack", want: []string{"rack-3.0.8", "rack-2.2.4"}},
		// Platform-specific variants ahead of the generic one, hidden
		// platforms filtered out.
		{name: "nokogiri", want: []string{
			"nokogiri-1.15.0-x86_64-linux",
			"nokogiri-1.15.0",
			"nokogiri-1.14.0",
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			specs, err := index.Candidates(ctx, tc.name)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, fullNames(specs)); diff != "" {
				t.Errorf("candidates differ from expected (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestUniverseCandidatesUnknownName(t *testing.T) {
	t.Parallel()
	index := fu.New().Add(fu.Id("rack 3.0.8")).Index()
	specs, err := index.Candidates(context.Background(), "no-such-gem")
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 0 {
		t.Errorf("Candidates for an unknown name = %v, want none", fullNames(specs))
	}
}

func TestUniverseCandidatesNoMatchingPlatform(t *testing.T) {
	t.Parallel()
	index := fu.New().
		Platforms("ruby").
		Add(fu.Id("libv8 8.4.255 x86_64-linux")).
		Index()
	_, err := index.Candidates(context.Background(), "libv8")
	var perr *NoMatchingPlatformError
	if !errors.As(err, &perr) {
		t.Fatalf("Candidates error = %v, want *NoMatchingPlatformError", err)
	}
	if perr.Name != "libv8" {
		t.Errorf("error names %q, want %q", perr.Name, "libv8")
	}
}

func TestUniverseSourcePriority(t *testing.T) {
	t.Parallel()
	index := fu.New().
		Add(fu.Id("rails 7.0.0"), fu.Remote("https://primary.example.com/")).
		Add(fu.Id("rails 7.1.0"), fu.Remote("https://mirror.example.com/")).
		Index()
	specs, err := index.Candidates(context.Background(), "rails")
	if err != nil {
		t.Fatal(err)
	}
	// The earlier source wins priority even though the mirror has a newer
	// version.
	want := []string{"rails-7.0.0", "rails-7.1.0"}
	if diff := cmp.Diff(want, fullNames(specs)); diff != "" {
		t.Errorf("candidates differ from expected (-want, +got):\n%s", diff)
	}
	if specs[0].Source != "https://primary.example.com/" {
		t.Errorf("Source = %q, want the primary remote", specs[0].Source)
	}
}

func TestUniverseDependenciesVia(t *testing.T) {
	t.Parallel()
	index := fu.New().
		Add(fu.Id("rails 7.0.0"),
			fu.Dep("activesupport", "= 7.0.0"),
			fu.Dep("railties", "= 7.0.0")).
		Index()
	ctx := context.Background()
	specs, err := index.Candidates(ctx, "rails")
	if err != nil {
		t.Fatal(err)
	}
	reqs, err := index.Dependencies(ctx, specs[0])
	if err != nil {
		t.Fatal(err)
	}
	for _, req := range reqs {
		if req.Via != "rails 7.0.0" {
			t.Errorf("requirement %v has Via %q, want %q", req, req.Via, "rails 7.0.0")
		}
	}
}

type countingIndex struct {
	UniverseIndex
	calls atomic.Int64
}

func (c *countingIndex) Candidates(ctx context.Context, name string) ([]PackageSpec, error) {
	c.calls.Add(1)
	return c.UniverseIndex.Candidates(ctx, name)
}

func TestSingleFlightCachesCandidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := &countingIndex{UniverseIndex: fu.New().Add(fu.Id("rack 3.0.8")).Index()}
	index := SingleFlight(inner)
	for range 3 {
		if _, err := index.Candidates(ctx, "rack"); err != nil {
			t.Fatal(err)
		}
	}
	if got := inner.calls.Load(); got != 1 {
		t.Errorf("underlying Candidates called %v times, want 1", got)
	}

	index.(Refresher).Refresh("rack")
	if _, err := index.Candidates(ctx, "rack"); err != nil {
		t.Fatal(err)
	}
	if got := inner.calls.Load(); got != 2 {
		t.Errorf("underlying Candidates called %v times after Refresh, want 2", got)
	}
}

func TestWarm(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := &countingIndex{UniverseIndex: fu.New().
		Add(fu.Id("rack 3.0.8")).
		Add(fu.Id("puma 6.4.0")).
		Index()}
	index := SingleFlight(inner)
	// Fetch failures (here: nothing fails, but unknown names are fine too)
	// must not abort the warmup.
	if err := Warm(ctx, index, []string{"rack", "puma", "no-such-gem"}); err != nil {
		t.Fatal(err)
	}
	if got := inner.calls.Load(); got != 3 {
		t.Errorf("underlying Candidates called %v times, want 3", got)
	}
	if _, err := index.Candidates(ctx, "rack"); err != nil {
		t.Fatal(err)
	}
	if got := inner.calls.Load(); got != 3 {
		t.Errorf("warmed lookup hit the underlying index (%v calls)", got)
	}
}

func TestWarmCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	index := fu.New().Add(fu.Id("rack 3.0.8")).Index()
	if err := Warm(ctx, index, []string{"rack"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Warm on a cancelled context = %v, want %v", err, context.Canceled)
	}
}

func TestParseUniverse(t *testing.T) {
	t.Parallel()
	snapshot := `
sources:
  - remote: https://rubygems.org/
    gems:
      - name: rack
        version: 3.0.8
        checksum: abc123
      - name: rails
        version: 7.0.0
        dependencies:
          - name: rack
            version: ">= 2.2, < 4"
  - remote: https://gems.internal.example.com/
    gems:
      - name: secretgem
        version: 1.0.0
        platform: x86_64-linux
`
	sources, err := ParseUniverse([]byte(snapshot))
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 2 {
		t.Fatalf("parsed %v sources, want 2", len(sources))
	}
	if sources[0].Remote != "https://rubygems.org/" {
		t.Errorf("first remote = %q", sources[0].Remote)
	}
	rails := sources[0].Specs[1]
	if rails.FullName() != "rails-7.0.0" {
		t.Errorf("second spec = %v, want rails-7.0.0", rails.FullName())
	}
	if len(rails.Deps) != 1 || rails.Deps[0].Constraint.String() != ">= 2.2, < 4" {
		t.Errorf("rails dependencies = %v", rails.Deps)
	}
	if sources[0].Specs[0].Checksum != "abc123" {
		t.Errorf("rack checksum = %q", sources[0].Specs[0].Checksum)
	}
	if sources[1].Specs[0].Platform != "x86_64-linux" {
		t.Errorf("secretgem platform = %q", sources[1].Specs[0].Platform)
	}
}
