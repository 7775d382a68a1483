// Package pack assembles sixteen series cells into a battery pack: shared
// string current, interconnect drops, neighbor thermal coupling, and seeded
// cell-to-cell manufacturing variation.
package pack

import (
	"math"
	"math/rand"
	"sync"

	"packsim/internal/cell"
)

// NumCells is the series cell count of the pack.
const NumCells = 16

// SOCMode selects how the pack-level SOC is reported.
type SOCMode string

const (
	// SOCAverage reports the capacity-weighted mean of the string.
	SOCAverage SOCMode = "average"
	// SOCMinimum reports the weakest cell, which is what usable capacity
	// of a series string actually tracks.
	SOCMinimum SOCMode = "minimum"
)

// Params holds pack-level constants on top of the per-cell model.
type Params struct {
	Cell cell.Params

	InterconnectOhm   float64 // busbar resistance per joint
	NumJoints         int     // cell-to-cell joints plus terminal connections
	ThermalCouplingW  float64 // W per °C between adjacent cells
	CapacityStdDev    float64 // relative capacity variation, 1 sigma
	ResistanceStdDev  float64 // relative resistance variation, 1 sigma
	SOCStdDev         float64 // absolute initial SOC spread, 1 sigma
	SOCReporting      SOCMode // empty means SOCAverage
}

// DefaultParams returns constants for a 16S 100 Ah pack.
func DefaultParams() Params {
	return Params{
		Cell:             cell.DefaultParams(),
		InterconnectOhm:  0.1e-3,
		NumJoints:        17, // 15 inter-cell joints plus two terminal lugs
		ThermalCouplingW: 0.5,
		CapacityStdDev:   0.01,
		ResistanceStdDev: 0.03,
		SOCStdDev:        0.002,
	}
}

// Snapshot is a point-in-time copy of the pack state, safe to serialize.
type Snapshot struct {
	PackVoltageMV    int       `json:"pack_voltage_mv"`
	PackCurrentMA    int       `json:"pack_current_ma"`
	PackSOCPct       float64   `json:"pack_soc_pct"`
	CellVoltagesMV   [NumCells]int     `json:"cell_voltages_mv"`
	CellTempsC       [NumCells]float64 `json:"cell_temperatures_c"`
	CellSOCPct       [NumCells]float64 `json:"cell_soc_pct"`
	ImbalanceMV      int       `json:"imbalance_mv"`
	AmbientC         float64   `json:"ambient_c"`
	ElapsedMS        float64   `json:"elapsed_ms"`
}

// Pack is a 16S string of cells. Update runs on the simulation goroutine;
// Snapshot may be called concurrently from API or logging goroutines.
type Pack struct {
	mu      sync.RWMutex
	params  Params
	cells   [NumCells]*cell.Cell
	current float64 // last applied string current, mA
	ambient float64
	elapsed float64 // simulated ms
}

// New builds a pack with seeded cell-to-cell variation. The same seed always
// produces the same pack.
func New(p Params, initialSOCPct, ambientC float64, seed int64) *Pack {
	rng := rand.New(rand.NewSource(seed))
	pk := &Pack{params: p, ambient: ambientC}
	for i := range pk.cells {
		capScale := 1.0 + rng.NormFloat64()*p.CapacityStdDev
		resScale := 1.0 + rng.NormFloat64()*p.ResistanceStdDev
		soc := initialSOCPct/100.0 + rng.NormFloat64()*p.SOCStdDev
		pk.cells[i] = cell.New(p.Cell, soc, ambientC, capScale, resScale)
	}
	return pk
}

// Update advances every cell by dtMS under the given string current
// (mA, discharge-positive). overrides carries per-cell fault effects keyed
// by cell index; cells absent from the map run fault-free.
func (p *Pack) Update(currentMA, dtMS float64, overrides map[int]cell.Overrides) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = currentMA
	p.elapsed += dtMS

	for i, c := range p.cells {
		c.Update(currentMA, dtMS, p.ambient, overrides[i])
	}

	// Neighbor conduction moves heat from hot cells into adjacent ones.
	if p.params.ThermalCouplingW > 0 {
		dtSec := dtMS / 1000.0
		var flux [NumCells]float64
		for i := 0; i < NumCells-1; i++ {
			q := p.params.ThermalCouplingW * (p.cells[i].Temperature() - p.cells[i+1].Temperature())
			flux[i] -= q
			flux[i+1] += q
		}
		for i, c := range p.cells {
			c.SetTemperature(c.Temperature() + flux[i]*dtSec/p.params.Cell.ThermalMassJPerC)
		}
	}
}

// SetAmbient changes the ambient temperature used by subsequent updates.
func (p *Pack) SetAmbient(tempC float64) {
	p.mu.Lock()
	p.ambient = tempC
	p.mu.Unlock()
}

// Cell returns the cell at index i for direct manipulation (fault setup,
// tests). The caller must not race it against Update.
func (p *Pack) Cell(i int) *cell.Cell { return p.cells[i] }

// VoltageMV returns the pack terminal voltage in mV: the cell sum minus the
// interconnect drop at the present current.
func (p *Pack) VoltageMV() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.voltageMVLocked()
}

func (p *Pack) voltageMVLocked() float64 {
	var sum float64
	for _, c := range p.cells {
		sum += c.TerminalVoltage()
	}
	drop := math.Abs(p.current/1000.0) * p.params.InterconnectOhm * float64(p.params.NumJoints)
	return (sum - drop) * 1000.0
}

// CurrentMA returns the last applied string current.
func (p *Pack) CurrentMA() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// SOCPct returns the pack SOC in percent under the configured reporting
// mode: capacity-weighted average by default, weakest cell when
// SOCMinimum is selected.
func (p *Pack) SOCPct() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.socPctLocked()
}

func (p *Pack) socPctLocked() float64 {
	if p.params.SOCReporting == SOCMinimum {
		return p.minSOCPctLocked()
	}
	var sumAh, capAh float64
	for _, c := range p.cells {
		sumAh += c.SOC() * c.CapacityAh()
		capAh += c.CapacityAh()
	}
	if capAh == 0 {
		return 0
	}
	return sumAh / capAh * 100.0
}

// MinSOCPct returns the SOC of the weakest cell in percent.
func (p *Pack) MinSOCPct() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minSOCPctLocked()
}

func (p *Pack) minSOCPctLocked() float64 {
	min := math.MaxFloat64
	for _, c := range p.cells {
		if s := c.SOC(); s < min {
			min = s
		}
	}
	return min * 100.0
}

// CellVoltagesMV returns all sixteen terminal voltages in mV.
func (p *Pack) CellVoltagesMV() [NumCells]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out [NumCells]float64
	for i, c := range p.cells {
		out[i] = c.TerminalVoltage() * 1000.0
	}
	return out
}

// CellTemperaturesC returns all sixteen cell temperatures.
func (p *Pack) CellTemperaturesC() [NumCells]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out [NumCells]float64
	for i, c := range p.cells {
		out[i] = c.Temperature()
	}
	return out
}

// ImbalanceMV returns max minus min cell voltage in mV.
func (p *Pack) ImbalanceMV() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	min, max := math.MaxFloat64, -math.MaxFloat64
	for _, c := range p.cells {
		v := c.TerminalVoltage()
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return (max - min) * 1000.0
}

// Snapshot copies the pack state for telemetry and persistence.
func (p *Pack) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Snapshot{
		PackVoltageMV: int(math.Round(p.voltageMVLocked())),
		PackCurrentMA: int(math.Round(p.current)),
		PackSOCPct:    p.socPctLocked(),
		AmbientC:      p.ambient,
		ElapsedMS:     p.elapsed,
	}
	minV, maxV := math.MaxFloat64, -math.MaxFloat64
	for i, c := range p.cells {
		v := c.TerminalVoltage()
		s.CellVoltagesMV[i] = int(math.Round(v * 1000.0))
		s.CellTempsC[i] = c.Temperature()
		s.CellSOCPct[i] = c.SOC() * 100.0
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	s.ImbalanceMV = int(math.Round((maxV - minV) * 1000.0))
	return s
}
