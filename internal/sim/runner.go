package sim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"packsim/internal/afe"
	"packsim/internal/fault"
	"packsim/internal/pack"
	"packsim/internal/transport"
	"packsim/internal/xbb"
)

// directionThresholdMA mirrors the cell model's hysteresis threshold: the
// gate only engages for currents that actually move charge.
const directionThresholdMA = 1.0

// BMSView is the simulator's digest of the newest BMS response.
type BMSView struct {
	SOCPct           float64 `json:"soc_pct"`
	SOHPct           float64 `json:"soh_pct"`
	VoltageMV        uint32  `json:"voltage_mv"`
	CurrentMA        int32   `json:"current_ma"`
	ProtectionFlags  uint16  `json:"protection_flags"`
	MosfetStatus     uint16  `json:"mosfet_status"`
	ChargeAllowed    bool    `json:"charge_allowed"`
	DischargeAllowed bool    `json:"discharge_allowed"`
	Stale            bool    `json:"stale"`
}

// Snapshot is one tick's state for telemetry, persistence and the API.
type Snapshot struct {
	TimeSec     float64            `json:"time_sec"`
	Pack        pack.Snapshot      `json:"pack"`
	Measured    afe.Result         `json:"measured"`
	CommandMA   float64            `json:"command_ma"`
	EffectiveMA float64            `json:"effective_ma"`
	Gated       bool               `json:"gated"`
	BMS         *BMSView           `json:"bms,omitempty"`
	Transport   transport.Counters `json:"transport"`
	Faults      fault.Stats        `json:"faults"`
	Frames      int                `json:"frames"`
}

// Runner owns one simulation session. The tick loop is single-threaded;
// everything others read goes through the snapshot.
type Runner struct {
	cfg     Config
	profile *Profile

	pack   *pack.Pack
	engine *fault.Engine
	fe     *afe.Frontend

	ch  transport.Channel
	seq *transport.Sequential
	tx  *transport.TxOnly

	mu       sync.RWMutex
	snap     Snapshot
	onTick   []func(Snapshot)
	paused   bool
	frames   int
	txErrors int

	simTimeMS float64
	counter   int32
	sequence  uint16
}

// NewRunner assembles a session. ch may be nil for print-only runs; a
// scenario path on the config is loaded and applied here.
func NewRunner(cfg Config, ch transport.Channel) (*Runner, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:     cfg,
		profile: ConstantProfile(cfg.CurrentMA),
		pack:    pack.New(pack.DefaultParams(), cfg.InitialSOCPct, cfg.AmbientC, cfg.Seed),
		engine:  fault.NewEngine(cfg.Seed),
		fe:      afe.New(afe.DefaultNoise(), afe.DefaultCalibration(), cfg.Seed),
		ch:      ch,
	}

	if cfg.ProfilePath != "" {
		p, err := LoadProfile(cfg.ProfilePath)
		if err != nil {
			return nil, err
		}
		r.profile = p
	}
	if cfg.ScenarioPath != "" {
		sc, err := fault.LoadScenario(cfg.ScenarioPath)
		if err != nil {
			return nil, &ConfigError{"scenario", err.Error()}
		}
		if _, err := sc.Apply(r.engine); err != nil {
			return nil, &ConfigError{"scenario", err.Error()}
		}
		log.Printf("sim: scenario %q loaded with %d faults", sc.Name, len(sc.Faults))
	}

	if ch != nil {
		if cfg.Bidirectional {
			r.seq = transport.NewSequential(ch)
		} else {
			r.tx = transport.NewTxOnly(ch, cfg.TxQueueDepth)
		}
	}
	return r, nil
}

// Engine exposes the fault engine for direct injection by tests and the API.
func (r *Runner) Engine() *fault.Engine { return r.engine }

// Pack exposes the plant model.
func (r *Runner) Pack() *pack.Pack { return r.pack }

// Frontend exposes the AFE emulator for channel-fault scheduling.
func (r *Runner) Frontend() *afe.Frontend { return r.fe }

// Transport exposes the sequential exchange when running bidirectionally.
func (r *Runner) Transport() *transport.Sequential { return r.seq }

// OnTick registers a snapshot consumer called after every tick, from the
// simulation goroutine. Consumers must not block.
func (r *Runner) OnTick(fn func(Snapshot)) {
	r.mu.Lock()
	r.onTick = append(r.onTick, fn)
	r.mu.Unlock()
}

// Snapshot returns the latest tick snapshot.
func (r *Runner) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Pause suspends ticking; the transport and BMS link stay up.
func (r *Runner) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume continues a paused session.
func (r *Runner) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

func (r *Runner) isPaused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused
}

// Paused reports whether the tick loop is holding.
func (r *Runner) Paused() bool { return r.isPaused() }

// Run drives ticks until the context ends or the configured duration
// elapses. In realtime mode ticks are paced by the wall clock; otherwise
// the loop free-runs, which is how ensembles and tests use it.
func (r *Runner) Run(ctx context.Context) error {
	dtMS := 1000.0 / r.cfg.RateHz

	if r.tx != nil {
		go r.tx.Run(ctx)
	}

	var ticker *time.Ticker
	if r.cfg.Realtime {
		ticker = time.NewTicker(time.Duration(dtMS * float64(time.Millisecond)))
		defer ticker.Stop()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.cfg.DurationSec > 0 && r.simTimeMS >= r.cfg.DurationSec*1000.0 {
			return nil
		}
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		if r.isPaused() {
			if ticker == nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(50 * time.Millisecond):
				}
			}
			continue
		}
		r.tick(ctx, dtMS)
	}
}

// tick runs one simulation step: faults, gating, plant, measurement,
// transmission, snapshot.
func (r *Runner) tick(ctx context.Context, dtMS float64) {
	nowSec := r.simTimeMS / 1000.0

	packSnap := r.pack.Snapshot()
	eff := r.engine.Step(nowSec, packSnap)

	if eff.Imbalance != nil {
		for i, off := range eff.Imbalance.SOCOffsetPct {
			c := r.pack.Cell(i)
			c.SetSOC(c.SOC() + off/100.0)
		}
	}

	commandMA := r.profile.CurrentAt(nowSec)
	effectiveMA, gated := r.effectiveCurrent(commandMA, eff)

	r.pack.Update(effectiveMA, dtMS, eff.Cells)

	trueV := r.pack.CellVoltagesMV()
	trueT := r.pack.CellTemperaturesC()
	meas := r.fe.Measure(nowSec, trueV, trueT, effectiveMA, eff.VoltageOffsetMV, eff.TempOffsetC)

	r.transmit(ctx, meas)

	r.simTimeMS += dtMS
	r.publish(nowSec+dtMS/1000.0, commandMA, effectiveMA, gated, meas)
}

// effectiveCurrent resolves the commanded current against pack-level
// electrical faults and the MOSFET gate from the latest BMS response.
func (r *Runner) effectiveCurrent(commandMA float64, eff fault.Effects) (float64, bool) {
	current := commandMA

	// A bridged pack discharges through the short regardless of command.
	if eff.ExternalShortOhm > 0 {
		current = r.pack.VoltageMV() / 1000.0 / eff.ExternalShortOhm * 1000.0
	}
	if eff.InsulationOhm > 0 {
		current += r.pack.VoltageMV() / 1000.0 / eff.InsulationOhm * 1000.0
	}

	if r.seq == nil {
		return current, false
	}
	resp, stale := r.seq.LastResponse()
	if resp == nil {
		// Nothing heard yet; run ungated so the BMS sees a live pack.
		return current, false
	}
	if stale && r.cfg.StaleFallback == StaleOpen {
		return 0, current != 0
	}
	switch {
	case current > directionThresholdMA && !resp.DischargeAllowed():
		return 0, true
	case current < -directionThresholdMA && !resp.ChargeAllowed():
		return 0, true
	}
	return current, false
}

// transmit encodes the measurement in the configured protocol and moves it
// to the wire. Transport timeouts and decode failures are counted, never
// fatal.
func (r *Runner) transmit(ctx context.Context, meas afe.Result) {
	if r.ch == nil {
		r.counter++
		return
	}

	var frame []byte
	switch r.cfg.Protocol {
	case "mcu":
		m := &xbb.AFEMeas{
			TimestampMS:   uint32(r.simTimeMS),
			Sequence:      r.sequence,
			PackCurrentMA: meas.CurrentMA,
			PackVoltageMV: uint32(r.pack.VoltageMV()),
			StatusFlags:   meas.Flags,
		}
		for i := 0; i < 16; i++ {
			m.CellVoltsMV[i] = uint16(meas.CellVoltagesMV[i])
			m.CellTempsCC[i] = meas.CellTempsCC[i]
		}
		frame = xbb.EncodeAFEMeas(m)
	default:
		m := &xbb.Measurement{
			SubIndex:      0,
			PackCurrentMA: meas.CurrentMA,
			PackVoltageMV: int32(math.Round(r.pack.VoltageMV())),
			PCBTempMilliC: int32(r.cfg.AmbientC * 1000.0),
			Counter:       r.counter,
		}
		var sumCC int32
		for i := 0; i < 16; i++ {
			m.CellVoltagesMV[i] = meas.CellVoltagesMV[i]
			sumCC += int32(meas.CellTempsCC[i])
		}
		m.CellTempMilliC = sumCC / 16 * 10 // centi to milli on the mean
		frame = xbb.EncodeMeasurement(m)
	}
	r.counter++
	r.sequence++

	switch {
	case r.seq != nil:
		if _, err := r.seq.Exchange(ctx, frame); err != nil {
			var te *transport.TimeoutError
			if errors.As(err, &te) {
				log.Printf("sim: %v", te)
			} else if !errors.Is(err, context.Canceled) {
				log.Printf("sim: exchange failed: %v", err)
			}
			r.mu.Lock()
			r.txErrors++
			r.mu.Unlock()
		}
	case r.tx != nil:
		r.tx.Enqueue(frame)
	}
}

func (r *Runner) publish(timeSec, commandMA, effectiveMA float64, gated bool, meas afe.Result) {
	snap := Snapshot{
		TimeSec:     timeSec,
		Pack:        r.pack.Snapshot(),
		Measured:    meas,
		CommandMA:   commandMA,
		EffectiveMA: effectiveMA,
		Gated:       gated,
		Faults:      r.engine.Statistics(),
	}
	if r.seq != nil {
		snap.Transport = r.seq.Counters()
		if resp, stale := r.seq.LastResponse(); resp != nil {
			snap.BMS = &BMSView{
				SOCPct:           float64(resp.SOCPct),
				SOHPct:           float64(resp.SOHPct),
				VoltageMV:        resp.VoltageMV,
				CurrentMA:        resp.CurrentMA,
				ProtectionFlags:  resp.ProtectionFlags,
				MosfetStatus:     resp.MosfetStatus,
				ChargeAllowed:    resp.ChargeAllowed(),
				DischargeAllowed: resp.DischargeAllowed(),
				Stale:            stale,
			}
		}
	}

	r.mu.Lock()
	r.frames++
	snap.Frames = r.frames
	r.snap = snap
	sinks := r.onTick
	r.mu.Unlock()

	for _, fn := range sinks {
		fn(snap)
	}
}

// Summary is the end-of-run digest printed by the CLI and archived in
// reports.
type Summary struct {
	DurationSec  float64            `json:"duration_sec"`
	Frames       int                `json:"frames"`
	TxErrors     int                `json:"tx_errors"`
	FinalSOCPct  float64            `json:"final_soc_pct"`
	FinalPackMV  float64            `json:"final_pack_mv"`
	ImbalanceMV  float64            `json:"imbalance_mv"`
	Transport    transport.Counters `json:"transport"`
	Faults       fault.Stats        `json:"faults"`
}

// Summarize reports the session totals.
func (r *Runner) Summarize() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Summary{
		DurationSec: r.simTimeMS / 1000.0,
		Frames:      r.frames,
		TxErrors:    r.txErrors,
		FinalSOCPct: r.pack.SOCPct(),
		FinalPackMV: r.pack.VoltageMV(),
		ImbalanceMV: r.pack.ImbalanceMV(),
		Faults:      r.engine.Statistics(),
	}
	if r.seq != nil {
		s.Transport = r.seq.Counters()
	}
	return s
}

// String renders the summary the way the CLI prints it.
func (s Summary) String() string {
	return fmt.Sprintf("ran %.1fs, %d frames (%d tx errors), SOC %.1f%%, pack %.3fV, imbalance %.0fmV",
		s.DurationSec, s.Frames, s.TxErrors, s.FinalSOCPct, s.FinalPackMV/1000.0, s.ImbalanceMV)
}
