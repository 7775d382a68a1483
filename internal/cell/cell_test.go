package cell

import (
	"math"
	"testing"
)

func newTestCell(soc float64) *Cell {
	return New(DefaultParams(), soc, 25.0, 1.0, 1.0)
}

func TestTerminalVoltageWithinLimits(t *testing.T) {
	for soc := 0.0; soc <= 1.0; soc += 0.01 {
		c := newTestCell(soc)
		for _, currentMA := range []float64{-200000, -50000, 0, 50000, 200000} {
			c.Update(currentMA, 100, 25.0, Overrides{})
			v := c.TerminalVoltage()
			if v < FloorVoltageV-1e-9 || v > CeilingVoltageV+1e-9 {
				t.Fatalf("soc=%.2f current=%.0fmA: terminal voltage %.4f outside [%.2f, %.2f]",
					soc, currentMA, v, FloorVoltageV, CeilingVoltageV)
			}
		}
	}
}

func TestDischargeReducesSOC(t *testing.T) {
	c := newTestCell(0.8)
	start := c.SOC()
	for i := 0; i < 100; i++ {
		c.Update(50000, 100, 25.0, Overrides{}) // 50 A discharge
	}
	if c.SOC() >= start {
		t.Fatalf("discharge did not reduce SOC: %.4f -> %.4f", start, c.SOC())
	}
	if c.CurrentDirection() != Discharge {
		t.Fatalf("direction = %v, want discharge", c.CurrentDirection())
	}
}

func TestChargeIncreasesSOC(t *testing.T) {
	c := newTestCell(0.2)
	start := c.SOC()
	for i := 0; i < 100; i++ {
		c.Update(-50000, 100, 25.0, Overrides{})
	}
	if c.SOC() <= start {
		t.Fatalf("charge did not increase SOC: %.4f -> %.4f", start, c.SOC())
	}
	if c.CurrentDirection() != Charge {
		t.Fatalf("direction = %v, want charge", c.CurrentDirection())
	}
}

func TestCoulombCounting(t *testing.T) {
	// 100 A out of a 100 Ah cell for 36 s is exactly 1% SOC.
	c := newTestCell(0.50)
	for i := 0; i < 360; i++ {
		c.Update(100000, 100, 25.0, Overrides{})
	}
	want := 0.49
	if math.Abs(c.SOC()-want) > 0.001 {
		t.Fatalf("SOC after 36s at 100A = %.5f, want %.5f ±0.001", c.SOC(), want)
	}
}

func TestSubStepIndependence(t *testing.T) {
	// Integrating 1 s in one step or ten 100 ms steps must agree on SOC.
	a := newTestCell(0.6)
	b := newTestCell(0.6)
	a.Update(20000, 1000, 25.0, Overrides{})
	for i := 0; i < 10; i++ {
		b.Update(20000, 100, 25.0, Overrides{})
	}
	if math.Abs(a.SOC()-b.SOC()) > 1e-9 {
		t.Fatalf("SOC differs by step size: %.9f vs %.9f", a.SOC(), b.SOC())
	}
}

func TestHysteresisCurveSelection(t *testing.T) {
	c := newTestCell(0.5)
	c.Update(10000, 100, 25.0, Overrides{})
	dischargeOCV := c.OCV(Rest)
	c.Update(-10000, 100, 25.0, Overrides{})
	chargeOCV := c.OCV(Rest)
	if dischargeOCV <= chargeOCV {
		t.Fatalf("discharge OCV %.4f should exceed charge OCV %.4f at mid SOC",
			dischargeOCV, chargeOCV)
	}
}

func TestRestHoldsDirection(t *testing.T) {
	c := newTestCell(0.5)
	c.Update(10000, 100, 25.0, Overrides{})
	c.Update(0.5, 100, 25.0, Overrides{}) // below the 1 mA threshold
	if c.CurrentDirection() != Discharge {
		t.Fatalf("sub-threshold current changed direction to %v", c.CurrentDirection())
	}
}

func TestOCVMonotonicPerCurve(t *testing.T) {
	for _, tbl := range []*[101]float64{&ocvDischarge, &ocvCharge} {
		prev := tbl[0]
		for i := 1; i <= 100; i++ {
			if tbl[i] < prev-1e-9 {
				t.Fatalf("OCV table decreases at index %d: %.4f -> %.4f", i, prev, tbl[i])
			}
			prev = tbl[i]
		}
	}
}

func TestResistanceRisesAtLowSOCAndLowTemp(t *testing.T) {
	low := newTestCell(0.05)
	mid := newTestCell(0.50)
	if low.InternalResistance(Overrides{}) <= mid.InternalResistance(Overrides{}) {
		t.Fatal("resistance at 5% SOC should exceed resistance at 50% SOC")
	}
	cold := newTestCell(0.5)
	cold.SetTemperature(-10)
	if cold.InternalResistance(Overrides{}) <= mid.InternalResistance(Overrides{}) {
		t.Fatal("resistance at -10°C should exceed resistance at 25°C")
	}
}

func TestJouleHeatingRaisesTemperature(t *testing.T) {
	c := newTestCell(0.5)
	start := c.Temperature()
	for i := 0; i < 600; i++ {
		c.Update(200000, 100, 25.0, Overrides{}) // 200 A for 60 s
	}
	if c.Temperature() <= start {
		t.Fatalf("temperature did not rise under 200A load: %.3f -> %.3f", start, c.Temperature())
	}
}

func TestCoolingTowardAmbient(t *testing.T) {
	c := newTestCell(0.5)
	c.SetTemperature(60)
	for i := 0; i < 6000; i++ {
		c.Update(0, 100, 25.0, Overrides{})
	}
	if c.Temperature() >= 60 {
		t.Fatal("idle cell did not cool toward ambient")
	}
	if c.Temperature() < 25 {
		t.Fatalf("cell cooled below ambient: %.3f", c.Temperature())
	}
}

func TestRunawayHeatStages(t *testing.T) {
	c := newTestCell(0.5)
	c.SetTemperature(25)
	if w := c.runawayHeatW(); w != 0 {
		t.Fatalf("runaway heat at 25°C = %.3f, want 0", w)
	}
	c.SetTemperature(95)
	w95 := c.runawayHeatW()
	if w95 <= 0 {
		t.Fatal("no exotherm at 95°C")
	}
	c.SetTemperature(160)
	if c.runawayHeatW() <= w95 {
		t.Fatal("exotherm should grow with temperature")
	}
}

func TestCycleAgingReducesCapacity(t *testing.T) {
	fresh := newTestCell(0.5)
	aged := newTestCell(0.5)
	aged.SetAging(500, 0)
	if aged.CapacityAh() >= fresh.CapacityAh() {
		t.Fatalf("aged capacity %.3f should be below fresh %.3f", aged.CapacityAh(), fresh.CapacityAh())
	}
	if aged.InternalResistance(Overrides{}) <= fresh.InternalResistance(Overrides{}) {
		t.Fatal("aged resistance should exceed fresh resistance")
	}
}

func TestInternalShortDropsVoltage(t *testing.T) {
	healthy := newTestCell(0.8)
	shorted := newTestCell(0.8)
	healthy.Update(0, 100, 25.0, Overrides{})
	shorted.Update(0, 100, 25.0, Overrides{ShortResistanceOhm: 0.05})
	if shorted.TerminalVoltage() >= healthy.TerminalVoltage() {
		t.Fatalf("shorted cell voltage %.4f should be below healthy %.4f",
			shorted.TerminalVoltage(), healthy.TerminalVoltage())
	}
	// A hard short divides the voltage well below the healthy terminal but
	// still respects the floor.
	hard := newTestCell(0.8)
	hard.Update(0, 100, 25.0, Overrides{ShortResistanceOhm: 0.001})
	if v := hard.TerminalVoltage(); v < FloorVoltageV-1e-9 {
		t.Fatalf("hard short violated floor: %.4f", v)
	}
}

func TestClampTerminalOverrides(t *testing.T) {
	if v := clampTerminal(2.0, Overrides{}); v != FloorVoltageV {
		t.Fatalf("default floor: got %.4f want %.4f", v, FloorVoltageV)
	}
	if v := clampTerminal(4.0, Overrides{}); v != CeilingVoltageV {
		t.Fatalf("default ceiling: got %.4f want %.4f", v, CeilingVoltageV)
	}
	// Overdischarge and overcharge faults substitute their own limits.
	if v := clampTerminal(2.0, Overrides{FloorVoltageV: 1.8}); v != 2.0 {
		t.Fatalf("lowered floor: got %.4f want 2.0", v)
	}
	if v := clampTerminal(1.5, Overrides{FloorVoltageV: 1.8}); v != 1.8 {
		t.Fatalf("lowered floor clamp: got %.4f want 1.8", v)
	}
	if v := clampTerminal(3.9, Overrides{CeilingVoltageV: 4.0}); v != 3.9 {
		t.Fatalf("raised ceiling: got %.4f want 3.9", v)
	}
}

func TestExtraCurrentDrainsSOC(t *testing.T) {
	leaky := newTestCell(0.5)
	tight := newTestCell(0.5)
	for i := 0; i < 1000; i++ {
		leaky.Update(0, 100, 25.0, Overrides{ExtraCurrentMA: 5000})
		tight.Update(0, 100, 25.0, Overrides{})
	}
	if leaky.SOC() >= tight.SOC() {
		t.Fatal("leakage current did not drain SOC")
	}
	// Leakage must not flip the hysteresis direction.
	if leaky.CurrentDirection() != Rest {
		t.Fatalf("leakage changed direction to %v", leaky.CurrentDirection())
	}
}

func TestInterpOCVBounds(t *testing.T) {
	if got := interpOCV(&ocvDischarge, -0.5); got != ocvDischarge[0] {
		t.Fatalf("below-range SOC: got %.4f want %.4f", got, ocvDischarge[0])
	}
	if got := interpOCV(&ocvDischarge, 1.5); got != ocvDischarge[100] {
		t.Fatalf("above-range SOC: got %.4f want %.4f", got, ocvDischarge[100])
	}
	mid := interpOCV(&ocvDischarge, 0.505)
	if mid < ocvDischarge[50] || mid > ocvDischarge[51] {
		t.Fatalf("interpolated value %.4f outside bracketing points", mid)
	}
}
