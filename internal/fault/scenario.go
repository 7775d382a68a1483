package fault

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Scenario is a YAML fault scenario file: a named set of fault declarations
// plus optional correlation groups coupling their trigger times.
type Scenario struct {
	Name         string             `yaml:"name"`
	Description  string             `yaml:"description"`
	Faults       []ScenarioFault    `yaml:"faults"`
	Correlations []CorrelationGroup `yaml:"correlations,omitempty"`
}

// ScenarioFault is one fault declaration in a scenario file.
type ScenarioFault struct {
	Type       string                  `yaml:"type"`
	Target     scenarioTarget          `yaml:"target"`
	Trigger    Trigger                 `yaml:"trigger"`
	Parameters map[string]float64      `yaml:"parameters,omitempty"`
	Sampled    map[string]Distribution `yaml:"sampled,omitempty"`
}

// CorrelationGroup couples the trigger times of the referenced faults
// (indices into the Faults list) through a Gaussian copula.
type CorrelationGroup struct {
	Faults []int   `yaml:"faults"`
	Rho    float64 `yaml:"rho"`
}

// scenarioTarget accepts a cell index, "pack", or "all".
type scenarioTarget struct {
	Target
}

func (t *scenarioTarget) UnmarshalYAML(node *yaml.Node) error {
	switch node.Value {
	case "pack":
		t.Pack = true
		return nil
	case "all":
		t.All = true
		return nil
	}
	idx, err := strconv.Atoi(node.Value)
	if err != nil {
		return fmt.Errorf("target must be a cell index, \"pack\" or \"all\": %q", node.Value)
	}
	t.Cell = idx
	return nil
}

// LoadScenario reads and parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario %s: %w", path, err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &s, nil
}

// Validate checks fault types, triggers and correlation references without
// touching an engine.
func (s *Scenario) Validate() error {
	if len(s.Faults) == 0 {
		return fmt.Errorf("no faults declared")
	}
	correlated := map[int]bool{}
	for gi, g := range s.Correlations {
		if len(g.Faults) < 2 {
			return fmt.Errorf("correlation group %d needs at least two faults", gi)
		}
		if g.Rho <= -1 || g.Rho >= 1 {
			return fmt.Errorf("correlation group %d: rho %g outside (-1, 1)", gi, g.Rho)
		}
		for _, fi := range g.Faults {
			if fi < 0 || fi >= len(s.Faults) {
				return fmt.Errorf("correlation group %d references fault %d, have %d", gi, fi, len(s.Faults))
			}
			if correlated[fi] {
				return fmt.Errorf("fault %d appears in more than one correlation group", fi)
			}
			correlated[fi] = true
			if s.Faults[fi].Trigger.Model == nil {
				return fmt.Errorf("correlated fault %d (%s) has no trigger model", fi, s.Faults[fi].Type)
			}
		}
	}
	for i, f := range s.Faults {
		if _, err := ParseType(f.Type); err != nil {
			return fmt.Errorf("fault %d: %w", i, err)
		}
		if err := f.Trigger.validate(); err != nil {
			return fmt.Errorf("fault %d (%s): %w", i, f.Type, err)
		}
	}
	return nil
}

// Apply injects every fault in the scenario into the engine, routing
// correlation groups through the copula path.
func (s *Scenario) Apply(eng *Engine) ([]*Instance, error) {
	specs := make([]Spec, len(s.Faults))
	for i, f := range s.Faults {
		specs[i] = Spec{
			Type:       Type(f.Type),
			Target:     f.Target.Target,
			Trigger:    f.Trigger,
			Parameters: f.Parameters,
			Sampled:    f.Sampled,
		}
	}

	inGroup := map[int]bool{}
	out := make([]*Instance, len(specs))
	for _, g := range s.Correlations {
		group := make([]Spec, len(g.Faults))
		for i, fi := range g.Faults {
			group[i] = specs[fi]
			inGroup[fi] = true
		}
		instances, err := eng.InjectCorrelated(group, g.Rho)
		if err != nil {
			return nil, err
		}
		for i, fi := range g.Faults {
			out[fi] = instances[i]
		}
	}
	for i, spec := range specs {
		if inGroup[i] {
			continue
		}
		in, err := eng.Inject(spec)
		if err != nil {
			return nil, err
		}
		out[i] = in
	}
	return out, nil
}
