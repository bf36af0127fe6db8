package gemlock_test

import (
	"testing"

	. "github.com/gemlock/gemlock"
	"github.com/google/go-cmp/cmp"
)

func TestParseManifest(t *testing.T) {
	t.Parallel()
	data := `
sources:
  - https://rubygems.org/
  - https://gems.internal.example.com/
platforms:
  - ruby
  - x86_64-linux
gems:
  - name: rails
    version: "~> 7.0"
    groups: [default]
  - name: rspec
    version: "~> 3.12"
    groups: [test]
  - name: wdm
    version: ">= 0.1"
    platforms: [x64-mingw32]
  - name: secret
    source: https://gems.internal.example.com/
`
	m, err := ParseManifest([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"https://rubygems.org/", "https://gems.internal.example.com/"}, m.Sources); diff != "" {
		t.Errorf("sources differ from expected (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"ruby", "x86_64-linux"}, m.TargetPlatforms()); diff != "" {
		t.Errorf("platforms differ from expected (-want, +got):\n%s", diff)
	}
	if len(m.Requirements) != 4 {
		t.Fatalf("parsed %v requirements, want 4", len(m.Requirements))
	}
	rails := m.Requirements[0]
	if rails.String() != "rails (~> 7.0)" {
		t.Errorf("first requirement = %v", rails)
	}
	if rails.Via != ManifestProvenance {
		t.Errorf("Via = %q, want %q", rails.Via, ManifestProvenance)
	}
	if diff := cmp.Diff([]string{"test"}, m.Requirements[1].Groups); diff != "" {
		t.Errorf("rspec groups differ (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"x64-mingw32"}, m.Requirements[2].Platforms); diff != "" {
		t.Errorf("wdm platforms differ (-want, +got):\n%s", diff)
	}
	secret := m.Requirements[3]
	if secret.Source != "https://gems.internal.example.com/" {
		t.Errorf("secret source = %q", secret.Source)
	}
	// No version clause means any version.
	if !secret.Constraint.IsAny() {
		t.Errorf("secret constraint = %v, want any", secret.Constraint)
	}
}

func TestParseManifestDefaults(t *testing.T) {
	t.Parallel()
	m, err := ParseManifest([]byte("gems:\n  - name: rack\n"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{GenericPlatform}, m.TargetPlatforms()); diff != "" {
		t.Errorf("default platforms differ (-want, +got):\n%s", diff)
	}
	if m.AllowPrerelease {
		t.Error("AllowPrerelease defaults to true, want false")
	}
}

func TestParseManifestErrors(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		desc string
		data string
	}{
		{desc: "not yaml", data: "gems: ["},
		{desc: "gem without a name", data: "gems:\n  - version: \"1.0\"\n"},
		{desc: "malformed constraint", data: "gems:\n  - name: rack\n    version: \">= oops!\"\n"},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()
			if m, err := ParseManifest([]byte(tc.data)); err == nil {
				t.Errorf("ParseManifest = %+v, want error", m)
			}
		})
	}
}
