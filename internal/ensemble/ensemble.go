// Package ensemble runs many independently seeded simulations in parallel
// and summarizes the spread: fault trigger-time statistics, goodness of fit
// against the analytic trigger distribution, and end-state dispersion.
package ensemble

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"packsim/internal/fault"
	"packsim/internal/sim"
)

// Config drives one ensemble.
type Config struct {
	Base     sim.Config // transportless template; seed is overridden per run
	Runs     int
	Workers  int   // parallelism; 0 means GOMAXPROCS-bound by errgroup
	BaseSeed int64 // run i uses BaseSeed + i
}

// Record is the outcome of one run.
type Record struct {
	Seed            int64     `json:"seed"`
	TriggerTimesSec []float64 `json:"trigger_times_sec"` // per declared fault, injection order
	FinalSOCPct     float64   `json:"final_soc_pct"`
	FinalPackMV     float64   `json:"final_pack_mv"`
	MinCellMV       int       `json:"min_cell_mv"`
	MaxCellTempC    float64   `json:"max_cell_temp_c"`
	ImbalanceMV     float64   `json:"imbalance_mv"`
}

// Result is the full ensemble outcome.
type Result struct {
	Records []Record `json:"records"`
	Summary Summary  `json:"summary"`
}

// Summary holds the ensemble statistics.
type Summary struct {
	Runs           int        `json:"runs"`
	SOCMeanPct     float64    `json:"soc_mean_pct"`
	SOCStdPct      float64    `json:"soc_std_pct"`
	SOCPercentiles [3]float64 `json:"soc_p5_p50_p95"`
	TriggerMeanSec float64    `json:"trigger_mean_sec"` // first declared fault
	TriggerStdSec  float64    `json:"trigger_std_sec"`
	MaxTempMeanC   float64    `json:"max_temp_mean_c"`
}

// Run executes the ensemble. Each run gets ch=nil (no wire) and its own
// seed, so results are reproducible from (Base, BaseSeed, Runs) alone.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Runs <= 0 {
		return nil, fmt.Errorf("ensemble: runs must be positive, got %d", cfg.Runs)
	}
	if cfg.Base.DurationSec <= 0 {
		return nil, fmt.Errorf("ensemble: base config needs a positive duration")
	}

	records := make([]Record, cfg.Runs)
	g, ctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	}

	for i := 0; i < cfg.Runs; i++ {
		g.Go(func() error {
			runCfg := cfg.Base
			runCfg.Seed = cfg.BaseSeed + int64(i)
			runCfg.Realtime = false
			r, err := sim.NewRunner(runCfg, nil)
			if err != nil {
				return fmt.Errorf("run %d: %w", i, err)
			}

			rec := Record{Seed: runCfg.Seed, MinCellMV: 1 << 30}
			r.OnTick(func(s sim.Snapshot) {
				for _, v := range s.Pack.CellVoltagesMV {
					if v < rec.MinCellMV {
						rec.MinCellMV = v
					}
				}
				for _, tc := range s.Pack.CellTempsC {
					if tc > rec.MaxCellTempC {
						rec.MaxCellTempC = tc
					}
				}
			})

			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("run %d: %w", i, err)
			}

			for _, in := range r.Engine().Instances() {
				rec.TriggerTimesSec = append(rec.TriggerTimesSec, in.TriggerTimeSec())
			}
			sum := r.Summarize()
			rec.FinalSOCPct = sum.FinalSOCPct
			rec.FinalPackMV = sum.FinalPackMV
			rec.ImbalanceMV = sum.ImbalanceMV
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Records: records}
	res.Summary = summarize(records)
	return res, nil
}

func summarize(records []Record) Summary {
	s := Summary{Runs: len(records)}
	if len(records) == 0 {
		return s
	}

	socs := make([]float64, len(records))
	temps := make([]float64, len(records))
	var triggers []float64
	for i, r := range records {
		socs[i] = r.FinalSOCPct
		temps[i] = r.MaxCellTempC
		if len(r.TriggerTimesSec) > 0 {
			triggers = append(triggers, r.TriggerTimesSec[0])
		}
	}

	sort.Float64s(socs)
	s.SOCMeanPct = stat.Mean(socs, nil)
	s.SOCStdPct = stat.StdDev(socs, nil)
	s.SOCPercentiles = [3]float64{
		stat.Quantile(0.05, stat.Empirical, socs, nil),
		stat.Quantile(0.50, stat.Empirical, socs, nil),
		stat.Quantile(0.95, stat.Empirical, socs, nil),
	}
	s.MaxTempMeanC = stat.Mean(temps, nil)

	if len(triggers) > 0 {
		s.TriggerMeanSec = stat.Mean(triggers, nil)
		s.TriggerStdSec = stat.StdDev(triggers, nil)
	}
	return s
}

// KSStatistic is the one-sample Kolmogorov-Smirnov distance between the
// samples and an analytic CDF. Used to check that pre-drawn trigger times
// actually follow their declared distribution.
func KSStatistic(samples []float64, cdf func(float64) float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	xs := make([]float64, len(samples))
	copy(xs, samples)
	sort.Float64s(xs)

	n := float64(len(xs))
	var d float64
	for i, x := range xs {
		f := cdf(x)
		upper := float64(i+1)/n - f
		lower := f - float64(i)/n
		if upper > d {
			d = upper
		}
		if lower > d {
			d = lower
		}
	}
	return d
}

// TriggerTimes collects the trigger time of fault index faultIdx across
// all runs.
func (r *Result) TriggerTimes(faultIdx int) []float64 {
	var out []float64
	for _, rec := range r.Records {
		if faultIdx < len(rec.TriggerTimesSec) {
			out = append(out, rec.TriggerTimesSec[faultIdx])
		}
	}
	return out
}

// VerifyTriggerFit compares the ensemble's trigger times for one fault
// against its analytic distribution and returns the KS distance.
func (r *Result) VerifyTriggerFit(faultIdx int, d fault.Distribution) float64 {
	return KSStatistic(r.TriggerTimes(faultIdx), d.CDF)
}
