package fault

import (
	"math"

	"packsim/internal/cell"
)

// Effects is everything the active faults want done to the plant this tick.
// Cell overrides feed pack.Update, sensor offsets feed the AFE, and the
// pack-level fields are resolved by the simulation loop.
type Effects struct {
	Cells map[int]cell.Overrides

	// Pack-level electrical faults.
	ExternalShortOhm float64 // >0: pack terminals bridged by this resistance
	InsulationOhm    float64 // >0: leakage path from pack to chassis

	// Sensor-side measurement corruption, keyed by cell channel.
	VoltageOffsetMV map[int]float64
	TempOffsetC     map[int]float64

	// One-shot SOC/capacity scatter, non-nil on the activation tick of a
	// cell imbalance fault.
	Imbalance *ImbalanceEffect
}

// ImbalanceEffect carries per-cell perturbations drawn once at activation.
type ImbalanceEffect struct {
	SOCOffsetPct [16]float64
}

func newEffects() Effects {
	return Effects{
		Cells:           map[int]cell.Overrides{},
		VoltageOffsetMV: map[int]float64{},
		TempOffsetC:     map[int]float64{},
	}
}

// addCell merges an override contribution into the accumulated overrides for
// one cell. Scales compose multiplicatively, additive terms sum, and
// competing resistances resolve toward the more severe fault.
func (e *Effects) addCell(i int, ov cell.Overrides) {
	cur := e.Cells[i]

	cur.ExtraCurrentMA += ov.ExtraCurrentMA
	cur.ExtraResistanceOhm += ov.ExtraResistanceOhm
	cur.ExtraHeatW += ov.ExtraHeatW

	if ov.CapacityScale != 0 {
		if cur.CapacityScale == 0 {
			cur.CapacityScale = 1
		}
		cur.CapacityScale *= ov.CapacityScale
	}
	if ov.ResistanceScale != 0 {
		if cur.ResistanceScale == 0 {
			cur.ResistanceScale = 1
		}
		cur.ResistanceScale *= ov.ResistanceScale
	}

	if ov.RunawayFactor > cur.RunawayFactor {
		cur.RunawayFactor = ov.RunawayFactor
	}
	if ov.ShortResistanceOhm > 0 &&
		(cur.ShortResistanceOhm == 0 || ov.ShortResistanceOhm < cur.ShortResistanceOhm) {
		cur.ShortResistanceOhm = ov.ShortResistanceOhm
	}
	if ov.OpenCircuitOhm > cur.OpenCircuitOhm {
		cur.OpenCircuitOhm = ov.OpenCircuitOhm
	}
	if ov.FloorVoltageV > 0 &&
		(cur.FloorVoltageV == 0 || ov.FloorVoltageV < cur.FloorVoltageV) {
		cur.FloorVoltageV = ov.FloorVoltageV
	}
	if ov.CeilingVoltageV > cur.CeilingVoltageV {
		cur.CeilingVoltageV = ov.CeilingVoltageV
	}

	e.Cells[i] = cur
}

// shortResistanceAt degrades a short over its active lifetime:
// R(t) = R0 / (1 + k*t), floored at the catalog minimum.
func shortResistanceAt(initialOhm, ratePerSec, minOhm, elapsedSec float64) float64 {
	if elapsedSec < 0 {
		elapsedSec = 0
	}
	return math.Max(initialOhm/(1.0+ratePerSec*elapsedSec), minOhm)
}
