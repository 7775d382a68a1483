package afe

import (
	"math"
	"testing"
)

func cleanInputs(mv, tc float64) (v, t [NumVoltageChannels]float64) {
	for i := range v {
		v[i] = mv
		t[i] = tc
	}
	return
}

func TestMeasurementNoiseAndCalibration(t *testing.T) {
	f := New(DefaultNoise(), DefaultCalibration(), 42)
	v, tc := cleanInputs(3300, 25)

	// Across many ticks the mean reading stays near the true value and the
	// spread matches the configured noise.
	const n = 2000
	var sum, sumSq float64
	for i := 0; i < n; i++ {
		r := f.Measure(0, v, tc, 0, nil, nil)
		sum += float64(r.CellVoltagesMV[0])
		sumSq += float64(r.CellVoltagesMV[0]) * float64(r.CellVoltagesMV[0])
	}
	mean := sum / n
	std := math.Sqrt(sumSq/n - mean*mean)
	if math.Abs(mean-3300) > 10 {
		t.Fatalf("mean reading %.1f mV too far from 3300", mean)
	}
	if std < 0.5 || std > 6 {
		t.Fatalf("reading spread %.2f mV inconsistent with 2 mV noise", std)
	}
}

func TestSameSeedSameCalibration(t *testing.T) {
	a := New(DefaultNoise(), DefaultCalibration(), 7)
	b := New(DefaultNoise(), DefaultCalibration(), 7)
	v, tc := cleanInputs(3300, 25)
	ra := a.Measure(0, v, tc, 10000, nil, nil)
	rb := b.Measure(0, v, tc, 10000, nil, nil)
	if ra != rb {
		t.Fatal("same seed produced different measurements")
	}
}

func TestRangeClampAndFlag(t *testing.T) {
	f := New(NoiseConfig{}, CalibrationConfig{}, 1)
	v, tc := cleanInputs(9000, 25) // far above the 5 V input range
	r := f.Measure(0, v, tc, 0, nil, nil)
	if r.CellVoltagesMV[0] != voltageMaxMV {
		t.Fatalf("over-range voltage read %d, want clamp at %d", r.CellVoltagesMV[0], voltageMaxMV)
	}
	if r.Flags&FlagRangeClamp == 0 {
		t.Fatal("range clamp not flagged")
	}

	v, tc = cleanInputs(3300, 25)
	r = f.Measure(0, v, tc, 900000, nil, nil)
	if r.CurrentMA != currentMaxMA || r.Flags&FlagCurrentSensor == 0 {
		t.Fatalf("over-range current read %d flags %08x", r.CurrentMA, r.Flags)
	}
}

func TestQuantization(t *testing.T) {
	f := New(NoiseConfig{}, CalibrationConfig{}, 1)
	v, tc := cleanInputs(3300.4, 25.123)
	r := f.Measure(0, v, tc, 0, nil, nil)
	if r.CellVoltagesMV[0] != 3300 {
		t.Fatalf("voltage quantized to %d, want 3300", r.CellVoltagesMV[0])
	}
	// Temperatures resolve to 10 centi-°C: 25.123°C reads 2510.
	if r.CellTempsCC[0] != 2510 {
		t.Fatalf("temperature quantized to %d cc, want 2510", r.CellTempsCC[0])
	}
}

func TestChannelFaults(t *testing.T) {
	f := New(NoiseConfig{}, CalibrationConfig{}, 1)
	f.ScheduleFault(ChannelFault{Channel: 4, StartSec: 10, Kind: OpenWire})
	f.ScheduleFault(ChannelFault{Channel: 9, StartSec: 0, Kind: StuckValue, StuckMV: 1234})
	f.ScheduleFault(ChannelFault{Channel: 2, StartSec: 0, Kind: NTCFailure})
	v, tc := cleanInputs(3300, 25)

	r := f.Measure(5, v, tc, 0, nil, nil)
	if r.CellVoltagesMV[4] != 3300 {
		t.Fatal("open wire fired before its start time")
	}
	if r.CellVoltagesMV[9] != 1234 {
		t.Fatalf("stuck channel read %d, want 1234", r.CellVoltagesMV[9])
	}
	if r.CellTempsCC[2] != tempMinCC || r.Flags&NTCFlag(2) == 0 {
		t.Fatalf("NTC failure not applied: temp %d flags %08x", r.CellTempsCC[2], r.Flags)
	}

	r = f.Measure(10, v, tc, 0, nil, nil)
	if r.CellVoltagesMV[4] != 0 || r.Flags&OpenWireFlag(4) == 0 {
		t.Fatalf("open wire not applied: %d flags %08x", r.CellVoltagesMV[4], r.Flags)
	}
}

func TestSensorFaultOffsets(t *testing.T) {
	f := New(NoiseConfig{}, CalibrationConfig{}, 1)
	v, tc := cleanInputs(3300, 25)
	r := f.Measure(0, v, tc, 0,
		map[int]float64{3: 50},
		map[int]float64{3: 10})
	if r.CellVoltagesMV[3] != 3350 {
		t.Fatalf("voltage offset not applied: %d", r.CellVoltagesMV[3])
	}
	if r.CellVoltagesMV[2] != 3300 {
		t.Fatalf("offset leaked to other channel: %d", r.CellVoltagesMV[2])
	}
	if r.CellTempsCC[3] != 3500 {
		t.Fatalf("temperature offset not applied: %d cc", r.CellTempsCC[3])
	}
}

func TestFloorHoldsUnderNoise(t *testing.T) {
	f := New(DefaultNoise(), DefaultCalibration(), 42)
	v, tc := cleanInputs(floorVoltageMV, 25) // fully discharged pack at the clamp

	for tick := 0; tick < 100; tick++ {
		r := f.Measure(float64(tick), v, tc, 0, nil, nil)
		for i, mv := range r.CellVoltagesMV {
			if float64(mv) < floorVoltageMV {
				t.Fatalf("tick %d cell %d read %d mV, below the %.0f mV floor", tick, i, mv, floorVoltageMV)
			}
		}
	}

	// A true value under the floor (a lowered-clamp override) passes through.
	v, tc = cleanInputs(2100, 25)
	r := f.Measure(0, v, tc, 0, nil, nil)
	if d := math.Abs(float64(r.CellVoltagesMV[0]) - 2100); d > 20 {
		t.Fatalf("sub-floor true value read back as %d mV, want near 2100", r.CellVoltagesMV[0])
	}

	// The floor must not mask a genuinely dead channel.
	f.ScheduleFault(ChannelFault{Channel: 6, StartSec: 0, Kind: OpenWire})
	v, tc = cleanInputs(floorVoltageMV, 25)
	r = f.Measure(0, v, tc, 0, nil, nil)
	if r.CellVoltagesMV[6] > 100 {
		t.Fatalf("open wire channel read %d mV, want near zero", r.CellVoltagesMV[6])
	}
}
