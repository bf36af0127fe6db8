package gemlock

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// A Manifest is the user-declared input to a resolution: the direct
// requirements in declaration order, the declared sources (declaration order
// is resolution priority), and the target platform set.
type Manifest struct {
	// Requirements are the direct requirements as declared.  Each has Via set
	// to [ManifestProvenance].
	Requirements []Requirement

	// Sources lists the declared source remotes, earliest highest priority.
	Sources []string

	// Platforms is the target platform set.  Empty means the generic
	// platform only.
	Platforms []string

	// AllowPrerelease opts every requirement into prerelease candidates.
	// Without it a prerelease is eligible only where the aggregated
	// constraint itself mentions one.
	AllowPrerelease bool
}

// TargetPlatforms returns the manifest's platform set, defaulting to the
// generic platform.
func (m *Manifest) TargetPlatforms() []string {
	if len(m.Platforms) == 0 {
		return []string{GenericPlatform}
	}
	return m.Platforms
}

type manifestYaml struct {
	Sources         []string `yaml:"sources"`
	Platforms       []string `yaml:"platforms"`
	AllowPrerelease bool     `yaml:"allow_prerelease"`
	Gems            []struct {
		Name      string   `yaml:"name"`
		Version   string   `yaml:"version"`
		Groups    []string `yaml:"groups"`
		Platforms []string `yaml:"platforms"`
		Source    string   `yaml:"source"`
	} `yaml:"gems"`
}

// ParseManifest parses the YAML manifest format consumed by the gemlock
// command.  Constraint strings use the same grammar as [ParseConstraint].
func ParseManifest(data []byte) (*Manifest, error) {
	var my manifestYaml
	if err := yaml.Unmarshal(data, &my); err != nil {
		return nil, fmt.Errorf("malformed manifest: %w", err)
	}
	m := &Manifest{
		Sources:         my.Sources,
		Platforms:       my.Platforms,
		AllowPrerelease: my.AllowPrerelease,
	}
	for _, g := range my.Gems {
		if g.Name == "" {
			return nil, fmt.Errorf("malformed manifest: gem with no name")
		}
		c, err := ParseConstraint(g.Version)
		if err != nil {
			return nil, fmt.Errorf("malformed manifest: gem %v: %w", g.Name, err)
		}
		m.Requirements = append(m.Requirements, Requirement{
			Name:       g.Name,
			Constraint: c,
			Groups:     g.Groups,
			Platforms:  g.Platforms,
			Source:     g.Source,
			Via:        ManifestProvenance,
		})
	}
	return m, nil
}
