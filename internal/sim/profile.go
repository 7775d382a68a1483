package sim

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Profile is a piecewise-constant current command over the session,
// discharge-positive. An empty profile holds a constant current.
type Profile struct {
	constantMA float64
	steps      []ProfileStep
}

// ProfileStep sets the command from AtSec onward.
type ProfileStep struct {
	AtSec     float64 `yaml:"at_sec"`
	CurrentMA float64 `yaml:"current_ma"`
}

// ConstantProfile commands one current for the whole run.
func ConstantProfile(currentMA float64) *Profile {
	return &Profile{constantMA: currentMA}
}

// LoadProfile reads a YAML list of steps, sorted by time.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{"profile", err.Error()}
	}
	var doc struct {
		Steps []ProfileStep `yaml:"steps"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{"profile", fmt.Sprintf("parsing %s: %v", path, err)}
	}
	if len(doc.Steps) == 0 {
		return nil, &ConfigError{"profile", "no steps"}
	}
	sort.Slice(doc.Steps, func(i, j int) bool { return doc.Steps[i].AtSec < doc.Steps[j].AtSec })
	return &Profile{steps: doc.Steps}, nil
}

// CurrentAt returns the commanded current at tSec.
func (p *Profile) CurrentAt(tSec float64) float64 {
	if len(p.steps) == 0 {
		return p.constantMA
	}
	cur := 0.0
	for _, s := range p.steps {
		if s.AtSec > tSec {
			break
		}
		cur = s.CurrentMA
	}
	return cur
}
