// Package afe emulates the analog front end between the pack model and the
// wire protocol: per-channel calibration error, Gaussian measurement noise,
// ADC quantization, range clamping with status flags, and injectable
// channel faults (open wire, stuck value, NTC failure).
package afe

import (
	"math"
	"math/rand"

	"packsim/internal/cell"
)

// NumVoltageChannels matches the 16S pack; temperature channels share the
// same indexing for flag purposes.
const NumVoltageChannels = 16

// Status flag layout, reported alongside every measurement set.
const (
	// Bits 0..15: open wire on the corresponding voltage channel.
	// Bits 16..31 would collide with the markers below, so NTC faults for
	// channel n set bit 16+n only for n < 14.
	FlagCurrentSensor uint32 = 1 << 30
	FlagRangeClamp    uint32 = 1 << 29
)

// OpenWireFlag returns the status bit for an open wire on channel n.
func OpenWireFlag(n int) uint32 { return 1 << uint(n) }

// NTCFlag returns the status bit for a failed thermistor on channel n.
func NTCFlag(n int) uint32 { return 1 << uint(16+n) }

// Measurement ranges. Values outside are clamped and flagged rather than
// rejected; the BMS under test is expected to notice.
const (
	voltageMinMV = 0
	voltageMaxMV = 5000
	tempMinCC    = -4000 // centi-°C
	tempMaxCC    = 12500
	currentMaxMA = 400000
)

// Quantization steps. Voltages resolve to 1 mV on a 16-bit converter;
// temperatures come from a slower mux and resolve to 10 centi-°C.
const (
	voltageLSBmV = 1.0
	tempLSBcc    = 10.0
	currentLSBmA = 10.0
)

// floorVoltageMV mirrors the plant's terminal clamp in wire units. A healthy
// channel never reports below it, whatever the noise draw.
const floorVoltageMV = cell.FloorVoltageV * 1000.0

// brokenNTCTempC is what an open thermistor divider resolves to, far below
// the reportable range, so the reading pegs at the range bottom.
const brokenNTCTempC = -273.15

// NoiseConfig sets 1-sigma measurement noise per channel kind.
type NoiseConfig struct {
	VoltageMV float64
	TempC     float64
	CurrentMA float64
}

// DefaultNoise matches the bench characterization of the real front end.
func DefaultNoise() NoiseConfig {
	return NoiseConfig{VoltageMV: 2.0, TempC: 0.5, CurrentMA: 50.0}
}

// CalibrationConfig sets the 1-sigma spread of the per-channel gain and
// offset errors drawn once at construction.
type CalibrationConfig struct {
	GainSigma     float64 // relative
	OffsetMVSigma float64
	OffsetCSigma  float64
}

// DefaultCalibration returns typical post-trim calibration spread.
func DefaultCalibration() CalibrationConfig {
	return CalibrationConfig{GainSigma: 0.001, OffsetMVSigma: 1.0, OffsetCSigma: 0.2}
}

// ChannelFault corrupts one channel from its start time onward.
type ChannelFault struct {
	Channel  int
	StartSec float64
	Kind     ChannelFaultKind
	StuckMV  float64 // for StuckValue
}

type ChannelFaultKind int

const (
	OpenWire ChannelFaultKind = iota
	StuckValue
	NTCFailure
)

// Frontend is the AFE emulator. Construction draws the calibration table;
// Measure is then called once per simulation tick.
type Frontend struct {
	rng   *rand.Rand
	noise NoiseConfig

	gainV   [NumVoltageChannels]float64
	offsetV [NumVoltageChannels]float64
	gainT   [NumVoltageChannels]float64
	offsetT [NumVoltageChannels]float64

	faults []ChannelFault
}

// Result is one tick's worth of measurements in wire units.
type Result struct {
	CellVoltagesMV [NumVoltageChannels]int32
	CellTempsCC    [NumVoltageChannels]int16 // centi-°C
	CurrentMA      int32
	Flags          uint32
}

// New builds a frontend with calibration errors drawn from the given seed.
func New(noise NoiseConfig, cal CalibrationConfig, seed int64) *Frontend {
	f := &Frontend{
		rng:   rand.New(rand.NewSource(seed)),
		noise: noise,
	}
	for i := 0; i < NumVoltageChannels; i++ {
		f.gainV[i] = 1.0 + f.rng.NormFloat64()*cal.GainSigma
		f.offsetV[i] = f.rng.NormFloat64() * cal.OffsetMVSigma
		f.gainT[i] = 1.0 + f.rng.NormFloat64()*cal.GainSigma
		f.offsetT[i] = f.rng.NormFloat64() * cal.OffsetCSigma
	}
	return f
}

// ScheduleFault arms a channel fault; it corrupts measurements from
// StartSec onward for the rest of the run.
func (f *Frontend) ScheduleFault(cf ChannelFault) {
	f.faults = append(f.faults, cf)
}

// Measure converts true plant values into what the BMS would read. Channel
// faults shape the input first; each channel then runs through calibration,
// sensor-fault offsets, noise, quantization, the terminal floor, and range
// clamping. voltageOffsetMV and tempOffsetC carry sensor-fault corruption
// from the fault engine, keyed by channel; nil means clean.
func (f *Frontend) Measure(nowSec float64, trueVoltsMV, trueTempsC [NumVoltageChannels]float64,
	trueCurrentMA float64, voltageOffsetMV, tempOffsetC map[int]float64) Result {

	var r Result

	for i := 0; i < NumVoltageChannels; i++ {
		vin := trueVoltsMV[i]
		tin := trueTempsC[i] + tempOffsetC[i]
		for _, cf := range f.faults {
			if nowSec < cf.StartSec || cf.Channel != i {
				continue
			}
			switch cf.Kind {
			case OpenWire:
				// An open sense wire floats; the converter input sits near zero.
				vin = 0
				r.Flags |= OpenWireFlag(i)
			case StuckValue:
				vin = cf.StuckMV
			case NTCFailure:
				tin = brokenNTCTempC
				if i < 14 {
					r.Flags |= NTCFlag(i)
				}
			}
		}

		mv := vin*f.gainV[i] + f.offsetV[i] + voltageOffsetMV[i]
		mv += f.rng.NormFloat64() * f.noise.VoltageMV
		mv = quantize(mv, voltageLSBmV)
		// The plant clamps terminal voltage at the floor and readings of a
		// healthy channel must not dip below it either. A shaped input already
		// under the floor (open wire, lowered-floor overrides) passes through.
		if lo := math.Min(floorVoltageMV, vin); mv < lo {
			mv = quantize(lo, voltageLSBmV)
		}
		if mv < voltageMinMV {
			mv = voltageMinMV
			r.Flags |= FlagRangeClamp
		} else if mv > voltageMaxMV {
			mv = voltageMaxMV
			r.Flags |= FlagRangeClamp
		}

		tc := tin*f.gainT[i] + f.offsetT[i]
		tc += f.rng.NormFloat64() * f.noise.TempC
		cc := quantize(tc*100.0, tempLSBcc)
		if cc < tempMinCC {
			cc = tempMinCC
			r.Flags |= FlagRangeClamp
		} else if cc > tempMaxCC {
			cc = tempMaxCC
			r.Flags |= FlagRangeClamp
		}

		r.CellVoltagesMV[i] = int32(mv)
		r.CellTempsCC[i] = int16(cc)
	}

	ima := trueCurrentMA + f.rng.NormFloat64()*f.noise.CurrentMA
	ima = quantize(ima, currentLSBmA)
	if ima > currentMaxMA {
		ima = currentMaxMA
		r.Flags |= FlagCurrentSensor | FlagRangeClamp
	} else if ima < -currentMaxMA {
		ima = -currentMaxMA
		r.Flags |= FlagCurrentSensor | FlagRangeClamp
	}
	r.CurrentMA = int32(ima)
	return r
}

func quantize(v, lsb float64) float64 {
	return math.Round(v/lsb) * lsb
}
