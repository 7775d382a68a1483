package pack

import (
	"math"
	"testing"

	"packsim/internal/cell"
)

func TestDeterministicConstruction(t *testing.T) {
	a := New(DefaultParams(), 50, 25, 42)
	b := New(DefaultParams(), 50, 25, 42)
	av, bv := a.CellVoltagesMV(), b.CellVoltagesMV()
	for i := range av {
		if av[i] != bv[i] {
			t.Fatalf("cell %d differs across same-seed packs: %.3f vs %.3f", i, av[i], bv[i])
		}
	}
	c := New(DefaultParams(), 50, 25, 43)
	if c.CellVoltagesMV() == av {
		t.Fatal("different seeds produced identical packs")
	}
}

func TestPackVoltageIsCellSumMinusInterconnect(t *testing.T) {
	p := New(DefaultParams(), 80, 25, 1)
	p.Update(100000, 100, nil) // 100 A discharge
	var sum float64
	for _, v := range p.CellVoltagesMV() {
		sum += v
	}
	if got := p.VoltageMV(); got >= sum {
		t.Fatalf("pack voltage %.1f mV should be below cell sum %.1f mV under load", got, sum)
	}
	drop := 100.0 * DefaultParams().InterconnectOhm * float64(DefaultParams().NumJoints) * 1000.0
	if got := p.VoltageMV(); math.Abs(sum-drop-got) > 0.5 {
		t.Fatalf("interconnect drop mismatch: sum=%.1f drop=%.3f got=%.1f", sum, drop, got)
	}
}

func TestPackSOCTracksDischarge(t *testing.T) {
	p := New(DefaultParams(), 50, 25, 42)
	start := p.SOCPct()
	for i := 0; i < 3600; i++ { // 360 s at 100 A out of ~100 Ah: 10%
		p.Update(100000, 100, nil)
	}
	dropped := start - p.SOCPct()
	if dropped < 9.0 || dropped > 11.0 {
		t.Fatalf("SOC drop over 360s at 100A = %.2f%%, want ~10%%", dropped)
	}
}

func TestPerCellOverridesApplyOnlyToTarget(t *testing.T) {
	p := New(DefaultParams(), 80, 25, 7)
	ov := map[int]cell.Overrides{5: {ShortResistanceOhm: 0.02}}
	p.Update(0, 100, ov)
	volts := p.CellVoltagesMV()
	for i, v := range volts {
		if i == 5 {
			continue
		}
		if v <= volts[5] {
			t.Fatalf("cell %d (%.1f mV) not above shorted cell 5 (%.1f mV)", i, v, volts[5])
		}
	}
	if p.ImbalanceMV() < 10 {
		t.Fatalf("imbalance %.1f mV too small for a shorted cell", p.ImbalanceMV())
	}
}

func TestThermalCouplingSpreadsHeat(t *testing.T) {
	p := New(DefaultParams(), 50, 25, 3)
	p.Cell(8).SetTemperature(80)
	for i := 0; i < 3000; i++ {
		p.Update(0, 100, nil)
	}
	temps := p.CellTemperaturesC()
	if temps[7] <= 25.01 && temps[9] <= 25.01 {
		t.Fatalf("neighbors of hot cell stayed at ambient: %.3f / %.3f", temps[7], temps[9])
	}
	if temps[8] >= 80 {
		t.Fatalf("hot cell did not shed heat: %.3f", temps[8])
	}
}

func TestSnapshotConsistency(t *testing.T) {
	p := New(DefaultParams(), 60, 30, 42)
	p.Update(25000, 100, nil)
	s := p.Snapshot()
	if s.PackCurrentMA != 25000 {
		t.Fatalf("snapshot current = %d, want 25000", s.PackCurrentMA)
	}
	if s.AmbientC != 30 {
		t.Fatalf("snapshot ambient = %.1f, want 30", s.AmbientC)
	}
	if s.ElapsedMS != 100 {
		t.Fatalf("snapshot elapsed = %.1f, want 100", s.ElapsedMS)
	}
	var sum int
	for _, v := range s.CellVoltagesMV {
		sum += v
		if v < 2510 || v > 3650 {
			t.Fatalf("snapshot cell voltage %d mV outside limits", v)
		}
	}
	if math.Abs(float64(sum-s.PackVoltageMV)) > 100 {
		t.Fatalf("snapshot pack voltage %d far from cell sum %d", s.PackVoltageMV, sum)
	}
}

func TestSOCReportingModes(t *testing.T) {
	params := DefaultParams()
	avg := New(params, 60, 25, 9)
	params.SOCReporting = SOCMinimum
	weak := New(params, 60, 25, 9)

	// Depress one cell so the weakest and the average diverge.
	avg.Cell(3).SetSOC(0.30)
	weak.Cell(3).SetSOC(0.30)

	if got := weak.SOCPct(); math.Abs(got-weak.MinSOCPct()) > 1e-9 {
		t.Fatalf("minimum mode SOC = %.3f, want weakest cell %.3f", got, weak.MinSOCPct())
	}
	if weak.SOCPct() > 31 {
		t.Fatalf("minimum mode SOC = %.3f, want near 30", weak.SOCPct())
	}
	if avg.SOCPct() <= weak.SOCPct() {
		t.Fatalf("average mode %.3f should exceed minimum mode %.3f", avg.SOCPct(), weak.SOCPct())
	}
}
