package ensemble

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// WriteCSV dumps one row per run: seed, end state, and trigger times.
func (r *Result) WriteCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	maxTriggers := 0
	for _, rec := range r.Records {
		if len(rec.TriggerTimesSec) > maxTriggers {
			maxTriggers = len(rec.TriggerTimesSec)
		}
	}
	header := []string{"seed", "final_soc_pct", "final_pack_mv", "min_cell_mv", "max_cell_temp_c", "imbalance_mv"}
	for i := 0; i < maxTriggers; i++ {
		header = append(header, fmt.Sprintf("trigger_%d_sec", i))
	}
	if err := w.Write(header); err != nil {
		return err
	}

	for _, rec := range r.Records {
		row := []string{
			strconv.FormatInt(rec.Seed, 10),
			strconv.FormatFloat(rec.FinalSOCPct, 'f', 4, 64),
			strconv.FormatFloat(rec.FinalPackMV, 'f', 1, 64),
			strconv.Itoa(rec.MinCellMV),
			strconv.FormatFloat(rec.MaxCellTempC, 'f', 2, 64),
			strconv.FormatFloat(rec.ImbalanceMV, 'f', 1, 64),
		}
		for i := 0; i < maxTriggers; i++ {
			if i < len(rec.TriggerTimesSec) {
				row = append(row, strconv.FormatFloat(rec.TriggerTimesSec[i], 'f', 3, 64))
			} else {
				row = append(row, "")
			}
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

// PlotTriggerHistogram renders the trigger-time distribution of one fault
// across the ensemble to a PNG.
func (r *Result) PlotTriggerHistogram(faultIdx int, path string) error {
	times := r.TriggerTimes(faultIdx)
	if len(times) == 0 {
		return fmt.Errorf("no trigger times for fault %d", faultIdx)
	}
	return histogram(times, "Fault trigger times", "time (s)", path)
}

// PlotSOCHistogram renders the final-SOC spread to a PNG.
func (r *Result) PlotSOCHistogram(path string) error {
	socs := make([]float64, len(r.Records))
	for i, rec := range r.Records {
		socs[i] = rec.FinalSOCPct
	}
	return histogram(socs, "Final SOC", "SOC (%)", path)
}

func histogram(values []float64, title, xlabel, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xlabel
	p.Y.Label.Text = "runs"

	h, err := plotter.NewHist(plotter.Values(values), 24)
	if err != nil {
		return fmt.Errorf("building histogram: %w", err)
	}
	p.Add(h)

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}
