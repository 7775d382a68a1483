package fault

import (
	"fmt"
	"log"
	"math/rand"
	"sort"

	"github.com/google/uuid"

	"packsim/internal/cell"
	"packsim/internal/pack"
)

// Trigger says when a fault fires. Exactly one of Immediate, TimeSec,
// SOCPct or Model must be set; DurationSec optionally bounds the active
// period.
type Trigger struct {
	Immediate   bool          `yaml:"immediate"`
	TimeSec     *float64      `yaml:"time_sec"`
	SOCPct      *float64      `yaml:"soc_pct"`
	Model       *Distribution `yaml:"model"`
	DurationSec *float64      `yaml:"duration_sec"`
}

func (t Trigger) validate() error {
	n := 0
	if t.Immediate {
		n++
	}
	if t.TimeSec != nil {
		n++
	}
	if t.SOCPct != nil {
		n++
	}
	if t.Model != nil {
		n++
		if err := t.Model.Validate(); err != nil {
			return err
		}
	}
	if n != 1 {
		return fmt.Errorf("trigger needs exactly one of immediate, time_sec, soc_pct, model; got %d", n)
	}
	if t.DurationSec != nil && *t.DurationSec <= 0 {
		return fmt.Errorf("duration_sec must be positive")
	}
	return nil
}

// Spec declares one fault to inject.
type Spec struct {
	Type       Type
	Target     Target
	Trigger    Trigger
	Parameters map[string]float64       // overrides catalog defaults
	Sampled    map[string]Distribution  // parameters drawn once at injection
}

// Instance is one declared fault moving through its lifecycle.
type Instance struct {
	ID     uuid.UUID
	Type   Type
	Target Target
	Params map[string]float64

	state        State
	trigger      Trigger
	triggerAtSec float64 // resolved for time and probabilistic triggers
	activatedAt  float64
	expiresAt    float64 // 0 means never
	imbalanceSent bool
}

// State returns the lifecycle state.
func (in *Instance) State() State { return in.state }

// TriggerTimeSec returns the pre-drawn or declared trigger time; zero for
// SOC and immediate triggers.
func (in *Instance) TriggerTimeSec() float64 { return in.triggerAtSec }

// ActivatedAtSec returns the simulation time the fault went active, valid
// once the state has left pending.
func (in *Instance) ActivatedAtSec() float64 { return in.activatedAt }

func (in *Instance) param(name string) float64 { return in.Params[name] }

// Engine owns the declared fault instances and turns the active set into
// per-tick Effects. It is driven from the single simulation goroutine.
type Engine struct {
	rng       *rand.Rand
	instances []*Instance
	lastSOC   float64
	havePrev  bool
	lastStep  float64

	injected int
	expired  int
}

// NewEngine returns an engine whose probabilistic draws are reproducible
// under the given seed.
func NewEngine(seed int64) *Engine {
	return &Engine{rng: rand.New(rand.NewSource(seed))}
}

// Inject validates a spec, resolves its parameters (catalog defaults,
// explicit values, then one-time sampled draws) and pre-draws the trigger
// time for probabilistic models.
func (e *Engine) Inject(spec Spec) (*Instance, error) {
	if _, err := ParseType(string(spec.Type)); err != nil {
		return nil, err
	}
	if err := spec.Trigger.validate(); err != nil {
		return nil, fmt.Errorf("fault %s: %w", spec.Type, err)
	}
	if !spec.Target.Pack && !spec.Target.All && (spec.Target.Cell < 0 || spec.Target.Cell >= pack.NumCells) {
		return nil, fmt.Errorf("fault %s: cell index %d out of range", spec.Type, spec.Target.Cell)
	}

	in := &Instance{
		ID:      uuid.New(),
		Type:    spec.Type,
		Target:  spec.Target,
		Params:  spec.Type.DefaultParameters(),
		trigger: spec.Trigger,
	}
	for k, v := range spec.Parameters {
		in.Params[k] = v
	}

	// Sampled parameters are drawn exactly once, here, so a given seed
	// always yields the same fault severity.
	names := make([]string, 0, len(spec.Sampled))
	for k := range spec.Sampled {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		d := spec.Sampled[k]
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("fault %s: parameter %s: %w", spec.Type, k, err)
		}
		in.Params[k] = d.Sample(e.rng)
	}

	switch {
	case spec.Trigger.TimeSec != nil:
		in.triggerAtSec = *spec.Trigger.TimeSec
	case spec.Trigger.Model != nil:
		in.triggerAtSec = spec.Trigger.Model.Sample(e.rng)
	}

	e.instances = append(e.instances, in)
	e.injected++
	return in, nil
}

// InjectCorrelated injects a group of probabilistic faults whose trigger
// times are coupled by a Gaussian copula with pairwise correlation rho.
// Every spec in the group must carry a Model trigger.
func (e *Engine) InjectCorrelated(specs []Spec, rho float64) ([]*Instance, error) {
	if len(specs) < 2 {
		return nil, fmt.Errorf("correlated group needs at least two faults")
	}
	if rho <= -1 || rho >= 1 {
		return nil, fmt.Errorf("correlation %g outside (-1, 1)", rho)
	}
	for i, s := range specs {
		if s.Trigger.Model == nil {
			return nil, fmt.Errorf("correlated fault %d (%s) has no trigger model", i, s.Type)
		}
	}
	u, err := copulaDraw(e.rng, pairCorrelation(len(specs), rho), len(specs))
	if err != nil {
		return nil, err
	}

	out := make([]*Instance, 0, len(specs))
	for i, s := range specs {
		in, err := e.Inject(s)
		if err != nil {
			return nil, err
		}
		// Replace the independent draw with the correlated one.
		in.triggerAtSec = s.Trigger.Model.Quantile(u[i])
		out = append(out, in)
	}
	return out, nil
}

// Instances returns all declared instances in injection order.
func (e *Engine) Instances() []*Instance { return e.instances }

// ActiveCount returns how many faults are currently active.
func (e *Engine) ActiveCount() int {
	n := 0
	for _, in := range e.instances {
		if in.state == Active {
			n++
		}
	}
	return n
}

// Step advances fault lifecycles to nowSec against the latest pack snapshot
// and returns the effects to apply this tick.
func (e *Engine) Step(nowSec float64, snap pack.Snapshot) Effects {
	dtSec := 0.0
	if e.havePrev {
		dtSec = nowSec - e.lastStep
	}
	e.lastStep = nowSec

	e.advanceLifecycles(nowSec, snap, dtSec)

	eff := newEffects()
	for _, in := range e.instances {
		if in.state != Active {
			continue
		}
		e.applyInstance(&eff, in, nowSec, snap)
	}

	e.lastSOC = snap.PackSOCPct
	e.havePrev = true
	return eff
}

func (e *Engine) advanceLifecycles(nowSec float64, snap pack.Snapshot, dtSec float64) {
	for _, in := range e.instances {
		switch in.state {
		case Pending:
			if e.shouldTrigger(in, nowSec, snap) {
				in.state = Active
				in.activatedAt = nowSec
				if in.trigger.DurationSec != nil {
					in.expiresAt = nowSec + *in.trigger.DurationSec
				}
				log.Printf("fault: %s on %s active at t=%.1fs", in.Type, in.Target, nowSec)
			}
		case Active:
			if in.expiresAt > 0 && nowSec >= in.expiresAt {
				in.state = Expired
				e.expired++
				log.Printf("fault: %s on %s expired at t=%.1fs", in.Type, in.Target, nowSec)
			}
		}
	}

	// Cascading failures roll a dice each step while active.
	for _, in := range e.instances {
		if in.state != Active || in.Type != CascadingFailure || dtSec <= 0 {
			continue
		}
		p := in.param("trigger_probability") * dtSec
		if e.rng.Float64() < p {
			target := e.rng.Intn(pack.NumCells)
			spec := Spec{
				Type:    InternalShortHard,
				Target:  Target{Cell: target},
				Trigger: Trigger{Immediate: true},
			}
			if _, err := e.Inject(spec); err == nil {
				log.Printf("fault: cascade spawned internal short on cell %d at t=%.1fs", target, nowSec)
			}
		}
	}
}

// shouldTrigger evaluates pending triggers. SOC triggers are crossing
// detectors: they fire on the tick the pack SOC moves through the threshold
// in the fault's natural direction (downward for everything except
// overcharge, which arms on the way up).
func (e *Engine) shouldTrigger(in *Instance, nowSec float64, snap pack.Snapshot) bool {
	t := in.trigger
	switch {
	case t.Immediate:
		return true
	case t.TimeSec != nil, t.Model != nil:
		return nowSec >= in.triggerAtSec
	case t.SOCPct != nil:
		if !e.havePrev {
			return false
		}
		threshold := *t.SOCPct
		if in.Type == Overcharge {
			return e.lastSOC < threshold && snap.PackSOCPct >= threshold
		}
		return e.lastSOC > threshold && snap.PackSOCPct <= threshold
	}
	return false
}

// nominalCellV sizes short-circuit drain and heating.
const nominalCellV = 3.2

func (e *Engine) applyInstance(eff *Effects, in *Instance, nowSec float64, snap pack.Snapshot) {
	elapsed := nowSec - in.activatedAt

	forEachTarget := func(apply func(i int)) {
		if in.Target.Pack {
			return
		}
		for i := 0; i < pack.NumCells; i++ {
			if in.Target.appliesTo(i) {
				apply(i)
			}
		}
	}

	switch in.Type {
	case InternalShortHard, InternalShortSoft:
		r := shortResistanceAt(in.param("resistance_ohm"), in.param("degradation_rate"),
			in.param("min_resistance_ohm"), elapsed)
		forEachTarget(func(i int) {
			eff.addCell(i, cell.Overrides{
				ShortResistanceOhm: r,
				ExtraCurrentMA:     nominalCellV / r * 1000.0,
				ExtraHeatW:         nominalCellV * nominalCellV / r,
			})
		})

	case ExternalShort:
		if r := in.param("resistance_ohm"); r > 0 &&
			(eff.ExternalShortOhm == 0 || r < eff.ExternalShortOhm) {
			eff.ExternalShortOhm = r
		}

	case Overcharge:
		forEachTarget(func(i int) {
			eff.addCell(i, cell.Overrides{CeilingVoltageV: in.param("voltage_limit_mv") / 1000.0})
		})

	case Overdischarge:
		forEachTarget(func(i int) {
			eff.addCell(i, cell.Overrides{FloorVoltageV: in.param("voltage_limit_mv") / 1000.0})
		})

	case AbnormalSelfDischarge:
		forEachTarget(func(i int) {
			eff.addCell(i, cell.Overrides{ExtraCurrentMA: in.param("leakage_current_ma")})
		})

	case OpenCircuit:
		forEachTarget(func(i int) {
			eff.addCell(i, cell.Overrides{OpenCircuitOhm: in.param("resistance_ohm")})
		})

	case Overheating:
		target := in.param("temperature_c")
		forEachTarget(func(i int) {
			// Heater model: push toward the target temperature, bounded.
			w := 5.0 * (target - snap.CellTempsC[i])
			if w < 0 {
				w = 0
			} else if w > 100 {
				w = 100
			}
			eff.addCell(i, cell.Overrides{ExtraHeatW: w})
		})

	case ThermalRunaway:
		forEachTarget(func(i int) {
			eff.addCell(i, cell.Overrides{RunawayFactor: in.param("escalation_factor")})
		})

	case AbnormalTemperature:
		forEachTarget(func(i int) {
			eff.TempOffsetC[i] += in.param("temperature_offset_c")
		})

	case CapacityFade:
		forEachTarget(func(i int) {
			eff.addCell(i, cell.Overrides{CapacityScale: in.param("fade_factor")})
		})

	case ResistanceIncrease:
		forEachTarget(func(i int) {
			eff.addCell(i, cell.Overrides{ResistanceScale: in.param("resistance_multiplier")})
		})

	case LithiumPlating:
		forEachTarget(func(i int) {
			eff.addCell(i, cell.Overrides{
				ExtraResistanceOhm: in.param("plating_resistance_ohm"),
				CapacityScale:      1.0 - in.param("capacity_reduction"),
			})
		})

	case CellImbalance:
		if !in.imbalanceSent {
			in.imbalanceSent = true
			imb := &ImbalanceEffect{}
			spread := in.param("soc_variation_pct")
			for i := range imb.SOCOffsetPct {
				imb.SOCOffsetPct[i] = e.rng.NormFloat64() * spread
			}
			eff.Imbalance = imb
		}

	case ElectrolyteLeakage:
		forEachTarget(func(i int) {
			eff.addCell(i, cell.Overrides{
				ResistanceScale: in.param("resistance_multiplier"),
				ExtraCurrentMA:  in.param("leakage_current_ma"),
			})
		})

	case SensorOffset:
		forEachTarget(func(i int) {
			eff.VoltageOffsetMV[i] += in.param("voltage_offset_mv")
			eff.TempOffsetC[i] += in.param("temperature_offset_c")
		})

	case SensorDrift:
		drift := in.param("drift_rate_mv_per_hour") * elapsed / 3600.0
		forEachTarget(func(i int) {
			eff.VoltageOffsetMV[i] += drift
		})

	case InsulationFault:
		if r := in.param("insulation_resistance_ohm"); r > 0 &&
			(eff.InsulationOhm == 0 || r < eff.InsulationOhm) {
			eff.InsulationOhm = r
		}

	case ThermalPropagation:
		coeff := in.param("correlation_coefficient")
		for i := 0; i < pack.NumCells; i++ {
			if snap.CellTempsC[i] < 60.0 {
				continue
			}
			for _, n := range []int{i - 1, i + 1} {
				if n < 0 || n >= pack.NumCells {
					continue
				}
				q := coeff * (snap.CellTempsC[i] - snap.CellTempsC[n])
				if q > 0 {
					eff.addCell(n, cell.Overrides{ExtraHeatW: q})
				}
			}
		}

	case CascadingFailure:
		// Spawning handled in advanceLifecycles; no direct cell effect.
	}
}

// Stats summarizes engine activity for the status line and final report.
type Stats struct {
	Injected int `json:"injected"`
	Active   int `json:"active"`
	Expired  int `json:"expired"`
}

// Statistics returns injection counters.
func (e *Engine) Statistics() Stats {
	return Stats{Injected: e.injected, Active: e.ActiveCount(), Expired: e.expired}
}
