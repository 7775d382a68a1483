// Package cell implements a lumped equivalent-circuit model of one LiFePO4
// cell: OCV with charge/discharge hysteresis, ohmic plus 2RC polarization,
// a lumped thermal mass with convective and radiative loss, and cycle plus
// Arrhenius calendar aging.
//
// Sign convention throughout: positive current = discharge, negative = charge.
package cell

import "math"

// Direction is the cell's current direction, used to select the OCV
// hysteresis curve.
type Direction int

const (
	Rest Direction = iota
	Charge
	Discharge
)

// String returns the human-readable name for a direction.
func (d Direction) String() string {
	switch d {
	case Charge:
		return "charge"
	case Discharge:
		return "discharge"
	default:
		return "rest"
	}
}

// Terminal voltage limits. Every voltage leaving this package passes through
// clampTerminal; the 2.51 V floor matches what the paired BMS firmware
// expects even at 0% SOC.
const (
	FloorVoltageV   = 2.51
	CeilingVoltageV = 3.65
)

// directionThresholdMA keeps measurement noise from flapping the hysteresis
// direction around zero current.
const directionThresholdMA = 1.0

// Params holds the ECM, thermal and aging constants for one cell.
type Params struct {
	CapacityAh float64 // nominal capacity

	// 2RC network: fast (R1,C1) and slow (R2,C2) branches.
	R1Ohm float64
	C1F   float64
	R2Ohm float64
	C2F   float64

	R0BaseOhm float64 // ohmic resistance at 25°C, 50% SOC

	OCVTempCoeffVPerC    float64 // OCV shift per °C away from 25°C
	CapacityTempCoeff    float64 // capacity gain per °C away from 25°C
	ResistanceTempCoeff  float64 // R0 reduction per °C away from 25°C
	CycleFadeRate        float64 // capacity fade per sqrt(cycle)
	CycleResistanceRate  float64 // resistance increase per cycle
	CalendarBaseRate     float64 // fade per hour at 25°C, 50% SOC
	CalendarActivationJ  float64 // Arrhenius activation energy (J/mol)
	CalendarSOCExponent  float64
	ThermalMassJPerC     float64
	SurfaceAreaM2        float64
	ConvectionWPerM2K    float64
	Emissivity           float64
	StructuralImpedanceOhm float64 // tab/connection impedance seen by a short
}

// DefaultParams returns constants for a 100 Ah prismatic LiFePO4 cell.
func DefaultParams() Params {
	return Params{
		CapacityAh: 100.0,

		R1Ohm: 1e-3,
		C1F:   2000.0,
		R2Ohm: 0.5e-3,
		C2F:   10000.0,

		R0BaseOhm: 0.5e-3,

		OCVTempCoeffVPerC:   -0.5e-3,
		CapacityTempCoeff:   0.005,
		ResistanceTempCoeff: 0.005,
		CycleFadeRate:       0.0001,
		CycleResistanceRate: 0.001,
		CalendarBaseRate:    1.0e-9,
		CalendarActivationJ: 30000.0,
		CalendarSOCExponent: 0.5,
		ThermalMassJPerC:    3500.0,
		SurfaceAreaM2:       0.15,
		ConvectionWPerM2K:   10.0,
		Emissivity:          0.9,

		StructuralImpedanceOhm: 10e-3,
	}
}

const (
	gasConstant     = 8.314   // J/(mol·K)
	stefanBoltzmann = 5.67e-8 // W/(m²·K⁴)
)

// Overrides carries the fault effects the fault engine wants applied to one
// cell for one tick. A zero Overrides value means "no fault". Passing this
// explicitly per update keeps fault effects auditable instead of living as
// ambient cell state.
type Overrides struct {
	// Pre-physics: current and parameter perturbations.
	ExtraCurrentMA     float64 // added to the cell current (discharge-positive); leakage, short drain
	CapacityScale      float64 // multiplies effective capacity; 0 means 1
	ResistanceScale    float64 // multiplies R0; 0 means 1
	ExtraResistanceOhm float64 // added to R0 (lithium plating)
	ExtraHeatW         float64 // additional heat input (short-circuit Joule heating)
	RunawayFactor      float64 // thermal-runaway escalation; >1 compounds temperature

	// Post-physics: terminal behavior.
	ShortResistanceOhm float64 // >0: internal short, voltage-divider drop
	OpenCircuitOhm     float64 // >0: open circuit series resistance replaces R0
	FloorVoltageV      float64 // >0: overdischarge fault lowers the clamp floor
	CeilingVoltageV    float64 // >0: overcharge fault raises the clamp ceiling
}

func (o Overrides) capacityScale() float64 {
	if o.CapacityScale == 0 {
		return 1
	}
	return o.CapacityScale
}

func (o Overrides) resistanceScale() float64 {
	if o.ResistanceScale == 0 {
		return 1
	}
	return o.ResistanceScale
}

// Cell is the mutable state of one cell. It is owned by exactly one pack and
// updated from the single simulation goroutine; it carries no lock.
type Cell struct {
	params Params

	soc         float64
	tempC       float64
	vRC1        float64
	vRC2        float64
	direction   Direction
	cycles      int
	calendarHrs float64
	lastAgingHrs float64

	// Sampled once at construction for cell-to-cell variation.
	capacityScale   float64
	resistanceScale float64

	// Derived by updateAging.
	capacityActualAh float64
	agingResistance  float64

	lastTerminalV float64
}

// New creates a cell at the given initial SOC and temperature.
// capacityScale and resistanceScale carry manufacturing variation; pass 1.0
// for a nominal cell.
func New(p Params, initialSOC, tempC, capacityScale, resistanceScale float64) *Cell {
	c := &Cell{
		params:          p,
		soc:             clamp01(initialSOC),
		tempC:           tempC,
		direction:       Rest,
		capacityScale:   math.Max(capacityScale, 0.1),
		resistanceScale: math.Max(resistanceScale, 0.1),
	}
	c.updateAging()
	c.lastTerminalV = c.terminalVoltage(0, Overrides{})
	return c
}

// SOC returns the state of charge as a fraction in [0,1].
func (c *Cell) SOC() float64 { return c.soc }

// Temperature returns the cell temperature in °C.
func (c *Cell) Temperature() float64 { return c.tempC }

// CapacityAh returns the aged actual capacity.
func (c *Cell) CapacityAh() float64 { return c.capacityActualAh }

// CurrentDirection returns the hysteresis direction after the last update.
func (c *Cell) CurrentDirection() Direction { return c.direction }

// Cycles returns the accumulated cycle count.
func (c *Cell) Cycles() int { return c.cycles }

// SetAging sets the cycle count and calendar hours, recomputing capacity and
// resistance aging factors.
func (c *Cell) SetAging(cycles int, calendarHours float64) {
	if cycles > 0 {
		c.cycles = cycles
	}
	if calendarHours > 0 {
		c.calendarHrs = calendarHours
	}
	c.updateAging()
}

// SetSOC forces the SOC, clamped to [0,1]. Used for imbalance faults and
// test setup.
func (c *Cell) SetSOC(soc float64) { c.soc = clamp01(soc) }

// SetTemperature forces the cell temperature.
func (c *Cell) SetTemperature(tempC float64) { c.tempC = tempC }

// OCV returns the open-circuit voltage for the given direction at the cell's
// current SOC and temperature. Rest uses the last known direction; with no
// history it averages the two curves.
func (c *Cell) OCV(dir Direction) float64 {
	if dir == Rest {
		dir = c.direction
	}
	var base float64
	switch dir {
	case Charge:
		base = interpOCV(&ocvCharge, c.soc)
	case Discharge:
		base = interpOCV(&ocvDischarge, c.soc)
	default:
		base = (interpOCV(&ocvCharge, c.soc) + interpOCV(&ocvDischarge, c.soc)) / 2
	}
	return base + c.params.OCVTempCoeffVPerC*(c.tempC-25.0)
}

// InternalResistance returns the ohmic resistance R0 in ohms: the base value
// scaled by SOC (higher at low SOC), temperature, manufacturing variation,
// aging, and any fault override.
func (c *Cell) InternalResistance(ov Overrides) float64 {
	if ov.OpenCircuitOhm > 0 {
		return ov.OpenCircuitOhm
	}

	// 1.4x at 0% SOC, 1.0x at 50%, 0.75x at 100%.
	var socMult float64
	if c.soc <= 0.5 {
		socMult = 1.4 - c.soc*0.8
	} else {
		socMult = 1.0 - (c.soc-0.5)*0.5
	}

	tempFactor := 1.0 - c.params.ResistanceTempCoeff*(c.tempC-25.0)
	tempFactor = math.Max(tempFactor, 0.5)

	r := c.params.R0BaseOhm * socMult * tempFactor * c.resistanceScale * c.agingResistance
	return r*ov.resistanceScale() + ov.ExtraResistanceOhm
}

// Update advances the cell by dtMS milliseconds under the given current
// (mA, discharge-positive) and ambient temperature, applying the fault
// overrides for this tick.
func (c *Cell) Update(currentMA, dtMS, ambientC float64, ov Overrides) {
	effectiveMA := currentMA + ov.ExtraCurrentMA
	currentA := effectiveMA / 1000.0
	dtSec := dtMS / 1000.0
	dtHours := dtSec / 3600.0

	c.updateThermal(currentA, dtSec, ambientC, ov)

	// Coulomb counting, discharge-positive: dSOC = -I·dt/Q.
	capacityAh := c.capacityActualAh * (1.0 + c.params.CapacityTempCoeff*(c.tempC-25.0)) * ov.capacityScale()
	if capacityAh > 0 {
		c.soc = clamp01(c.soc - (currentA*dtHours)/capacityAh)
	}

	// Hysteresis direction from the commanded (not fault-modified) current.
	switch {
	case currentMA > directionThresholdMA:
		c.direction = Discharge
	case currentMA < -directionThresholdMA:
		c.direction = Charge
	}

	// RC polarization. At high C-rates the effective polarization resistance
	// drops: scale = 1/(1 + 0.15·(Crate-1)) with a 30% lower bound.
	cRate := math.Abs(currentA) / c.params.CapacityAh
	rcScale := 1.0
	if cRate > 1.0 {
		rcScale = math.Max(1.0/(1.0+0.15*(cRate-1.0)), 0.3)
	}
	c.vRC1 = rcStep(c.vRC1, currentA, c.params.R1Ohm*rcScale, c.params.C1F, dtSec)
	c.vRC2 = rcStep(c.vRC2, currentA, c.params.R2Ohm*rcScale, c.params.C2F, dtSec)

	// Calendar aging bookkeeping; refreshed hourly to keep the exp out of
	// the per-tick path.
	c.calendarHrs += dtHours
	if c.calendarHrs-c.lastAgingHrs > 1.0 {
		c.updateAging()
		c.lastAgingHrs = c.calendarHrs
	}

	c.lastTerminalV = c.terminalVoltage(currentA, ov)
}

// TerminalVoltage returns the terminal voltage computed at the last Update,
// already clamped by the floor/ceiling invariant.
func (c *Cell) TerminalVoltage() float64 { return c.lastTerminalV }

// terminalVoltage computes OCV minus IR and polarization drops, applies the
// internal-short voltage divider if one is active, and clamps.
func (c *Cell) terminalVoltage(currentA float64, ov Overrides) float64 {
	ocv := c.OCV(c.direction)
	r0 := c.InternalResistance(ov)
	v := ocv - math.Abs(currentA)*r0 - math.Abs(c.vRC1) - math.Abs(c.vRC2)

	if ov.ShortResistanceOhm > 0 {
		// The short is in parallel with the cell's internal impedance (R0
		// plus tab/structural impedance); the terminal sees the divider
		// R_short / (R_internal + R_short).
		rInternal := math.Max(r0+c.params.StructuralImpedanceOhm, 8e-3)
		v *= ov.ShortResistanceOhm / (rInternal + ov.ShortResistanceOhm)
	}

	return clampTerminal(v, ov)
}

// clampTerminal is the single place the floor/ceiling invariant is enforced.
// Overdischarge and overcharge faults substitute their own limits.
func clampTerminal(v float64, ov Overrides) float64 {
	floor := FloorVoltageV
	if ov.FloorVoltageV > 0 {
		floor = ov.FloorVoltageV
	}
	ceiling := CeilingVoltageV
	if ov.CeilingVoltageV > 0 {
		ceiling = ov.CeilingVoltageV
	}
	return math.Min(math.Max(v, floor), ceiling)
}

// updateThermal advances the lumped thermal model: Joule heating plus fault
// heat in, convection and radiation out, plus exothermic runaway stages.
func (c *Cell) updateThermal(currentA, dtSec, ambientC float64, ov Overrides) {
	r0 := c.InternalResistance(ov)
	heatW := currentA*currentA*r0 + ov.ExtraHeatW + c.runawayHeatW()

	dT := c.tempC - ambientC
	convW := c.params.ConvectionWPerM2K * c.params.SurfaceAreaM2 * dT
	tCellK := c.tempC + 273.15
	tAmbK := ambientC + 273.15
	radW := c.params.Emissivity * stefanBoltzmann * c.params.SurfaceAreaM2 *
		(math.Pow(tCellK, 4) - math.Pow(tAmbK, 4))

	c.tempC += (heatW - convW - radW) * dtSec / c.params.ThermalMassJPerC

	if ov.RunawayFactor > 1 {
		c.tempC += (ov.RunawayFactor - 1.0) * c.tempC * dtSec
	}

	// -40..200°C; the upper bound leaves room for runaway scenarios.
	c.tempC = math.Min(math.Max(c.tempC, -40.0), 200.0)
}

// runawayHeatW models the exothermic decomposition stages that switch on as
// the cell heats: SEI breakdown from 90°C, anode-electrolyte reaction from
// 120°C, cathode decomposition from 150°C, electrolyte breakdown past 200°C.
func (c *Cell) runawayHeatW() float64 {
	t := c.tempC
	var w float64
	if t >= 90.0 {
		if t < 120.0 {
			w += 0.5 * math.Exp((t-90.0)/10.0)
		} else {
			w += 5.0
		}
	}
	if t >= 120.0 {
		if t < 150.0 {
			w += 2.0 * math.Exp((t-120.0)/8.0)
		} else {
			w += 20.0
		}
	}
	if t >= 150.0 {
		if t < 200.0 {
			w += 5.0 * math.Exp((t-150.0)/10.0)
		} else {
			w += 50.0
		}
	}
	if t >= 200.0 {
		w += 100.0 * math.Exp((t-200.0)/5.0)
	}
	return w
}

// updateAging recomputes the aged capacity and resistance multiplier from
// cycle count and Arrhenius calendar aging.
func (c *Cell) updateAging() {
	cycleFade := 1.0 - c.params.CycleFadeRate*math.Sqrt(float64(max(c.cycles, 0)))
	cycleFade = math.Max(cycleFade, 0.5)

	calendarFade := 1.0
	if c.calendarHrs > 0 {
		tempK := c.tempC + 273.15
		arrhenius := math.Exp(-c.params.CalendarActivationJ / (gasConstant * tempK))
		socFactor := (math.Pow(c.soc, c.params.CalendarSOCExponent) +
			math.Pow(1.0-c.soc, c.params.CalendarSOCExponent)) / 2.0
		fade := c.params.CalendarBaseRate * arrhenius * socFactor * c.calendarHrs
		calendarFade = 1.0 - math.Min(fade, 0.3)
	}

	total := math.Max(cycleFade*calendarFade, 0.5)
	c.capacityActualAh = c.params.CapacityAh * total * c.capacityScale
	c.agingResistance = 1.0 + c.params.CycleResistanceRate*float64(max(c.cycles, 0))
}

// rcStep advances a first-order RC branch by one discrete step.
func rcStep(v, currentA, r, cF, dtSec float64) float64 {
	tau := r * cF
	if tau <= 0 {
		return 0
	}
	e := math.Exp(-dtSec / tau)
	return v*e + currentA*r*(1.0-e)
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0.0), 1.0)
}
