// Package fault injects cell, pack and sensor faults into a running
// simulation. Faults are declared up front (directly or from a YAML
// scenario), triggered by time, SOC crossing or a pre-drawn probabilistic
// model, and applied each tick as explicit override values consumed by the
// pack and AFE layers.
package fault

import "fmt"

// Category groups fault types by failure mechanism.
type Category string

const (
	Electrical  Category = "electrical"
	Thermal     Category = "thermal"
	Degradation Category = "degradation"
	Sensor      Category = "sensor"
	System      Category = "system"
	Propagation Category = "propagation"
)

// Type identifies one fault in the catalog.
type Type string

const (
	InternalShortHard     Type = "internal_short_circuit_hard"
	InternalShortSoft     Type = "internal_short_circuit_soft"
	ExternalShort         Type = "external_short_circuit"
	Overcharge            Type = "overcharge"
	Overdischarge         Type = "overdischarge"
	AbnormalSelfDischarge Type = "abnormal_self_discharge"
	OpenCircuit           Type = "open_circuit"
	Overheating           Type = "overheating"
	ThermalRunaway        Type = "thermal_runaway"
	AbnormalTemperature   Type = "abnormal_temperature"
	CapacityFade          Type = "capacity_fade"
	ResistanceIncrease    Type = "resistance_increase"
	LithiumPlating        Type = "lithium_plating"
	CellImbalance         Type = "cell_imbalance"
	ElectrolyteLeakage    Type = "electrolyte_leakage"
	SensorOffset          Type = "sensor_offset"
	SensorDrift           Type = "sensor_drift"
	InsulationFault       Type = "insulation_fault"
	ThermalPropagation    Type = "thermal_propagation"
	CascadingFailure      Type = "cascading_failure"
)

var catalog = map[Type]struct {
	category Category
	defaults map[string]float64
}{
	InternalShortHard:     {Electrical, map[string]float64{"resistance_ohm": 0.1, "degradation_rate": 0.0001, "min_resistance_ohm": 0.001}},
	InternalShortSoft:     {Electrical, map[string]float64{"resistance_ohm": 500.0, "degradation_rate": 0.00005, "min_resistance_ohm": 10.0}},
	ExternalShort:         {Electrical, map[string]float64{"resistance_ohm": 0.05}},
	Overcharge:            {Electrical, map[string]float64{"voltage_limit_mv": 3700.0}},
	Overdischarge:         {Electrical, map[string]float64{"voltage_limit_mv": 2500.0}},
	AbnormalSelfDischarge: {Electrical, map[string]float64{"leakage_current_ma": 10.0}},
	OpenCircuit:           {Electrical, map[string]float64{"resistance_ohm": 1e6}},
	Overheating:           {Thermal, map[string]float64{"temperature_c": 60.0}},
	ThermalRunaway:        {Thermal, map[string]float64{"escalation_factor": 1.1}},
	AbnormalTemperature:   {Thermal, map[string]float64{"temperature_offset_c": 10.0}},
	CapacityFade:          {Degradation, map[string]float64{"fade_factor": 0.9}},
	ResistanceIncrease:    {Degradation, map[string]float64{"resistance_multiplier": 1.5}},
	LithiumPlating:        {Degradation, map[string]float64{"plating_resistance_ohm": 0.5, "capacity_reduction": 0.05}},
	CellImbalance:         {Degradation, map[string]float64{"soc_variation_pct": 5.0, "capacity_variation_pct": 2.0}},
	ElectrolyteLeakage:    {Degradation, map[string]float64{"resistance_multiplier": 1.3, "leakage_current_ma": 5.0}},
	SensorOffset:          {Sensor, map[string]float64{"voltage_offset_mv": 10.0, "temperature_offset_c": 2.0}},
	SensorDrift:           {Sensor, map[string]float64{"drift_rate_mv_per_hour": 1.0}},
	InsulationFault:       {System, map[string]float64{"insulation_resistance_ohm": 1000.0}},
	ThermalPropagation:    {Propagation, map[string]float64{"correlation_coefficient": 0.7}},
	CascadingFailure:      {Propagation, map[string]float64{"trigger_probability": 0.1}},
}

// Category returns the failure-mechanism category of t.
func (t Type) Category() Category {
	if e, ok := catalog[t]; ok {
		return e.category
	}
	return System
}

// DefaultParameters returns a copy of the catalog defaults for t.
func (t Type) DefaultParameters() map[string]float64 {
	out := map[string]float64{}
	for k, v := range catalog[t].defaults {
		out[k] = v
	}
	return out
}

// ParseType validates a catalog name.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, ok := catalog[t]; !ok {
		return "", fmt.Errorf("unknown fault type %q", s)
	}
	return t, nil
}

// Types returns every catalog entry, for enumeration in tests and CLI help.
func Types() []Type {
	out := make([]Type, 0, len(catalog))
	for t := range catalog {
		out = append(out, t)
	}
	return out
}

// State is the lifecycle of one fault instance. Transitions are
// unidirectional: pending faults activate once, active faults expire once.
type State int

const (
	Pending State = iota
	Active
	Expired
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Target addresses a fault: a cell index 0..15, or the whole pack.
type Target struct {
	Cell int  // valid when All and Pack are false
	All  bool // every cell
	Pack bool // pack-level fault (external short, imbalance, insulation)
}

func (t Target) String() string {
	switch {
	case t.Pack:
		return "pack"
	case t.All:
		return "all"
	default:
		return fmt.Sprintf("cell %d", t.Cell)
	}
}

// appliesTo reports whether a cell index is covered by the target.
func (t Target) appliesTo(cellIndex int) bool {
	return t.All || (!t.Pack && t.Cell == cellIndex)
}
