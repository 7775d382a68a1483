// Package report renders a bench-session summary PDF from stored telemetry.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/go-pdf/fpdf"

	"packsim/internal/store"
)

// GeneratePDF creates a session report: header, telemetry extremes and the
// fault event timeline.
func GeneratePDF(w io.Writer, st *store.Store, sessionID string) error {
	sess, err := st.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("session not found")
	}
	samples, err := st.QuerySamples(sessionID)
	if err != nil {
		return fmt.Errorf("load samples: %w", err)
	}
	events, err := st.QueryFaultEvents(sessionID)
	if err != nil {
		return fmt.Errorf("load fault events: %w", err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 18)
	pdf.CellFormat(0, 12, "Pack Simulation Report", "", 1, "C", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Arial", "", 10)
	info := []struct{ label, value string }{
		{"Session", sess.ID},
		{"Protocol", sess.Protocol},
		{"Seed", fmt.Sprintf("%d", sess.Seed)},
		{"Status", sess.Status},
		{"Started", sess.StartedAt.Format(time.RFC3339)},
	}
	if sess.ScenarioID != "" {
		info = append(info, struct{ label, value string }{"Scenario", sess.ScenarioID})
	}
	if sess.FinishedAt != nil {
		info = append(info, struct{ label, value string }{"Finished", sess.FinishedAt.Format(time.RFC3339)})
	}

	for _, item := range info {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(45, 7, item.label+":", "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(0, 7, item.value, "", 1, "L", false, 0, "")
	}

	if sess.Summary != "" {
		pdf.Ln(2)
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(45, 7, "Summary:", "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.MultiCell(0, 7, sess.Summary, "", "L", false)
	}

	pdf.Ln(6)

	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 8, "Telemetry", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	if len(samples) == 0 {
		pdf.SetFont("Arial", "I", 10)
		pdf.CellFormat(0, 7, "No telemetry recorded.", "", 1, "L", false, 0, "")
	} else {
		ext := extremes(samples)
		rows := []struct{ label, value string }{
			{"Duration", fmt.Sprintf("%.1f s (%d samples)", samples[len(samples)-1].TimeSec, len(samples))},
			{"SOC", fmt.Sprintf("%.2f%% -> %.2f%%", samples[0].SOCPct, samples[len(samples)-1].SOCPct)},
			{"Pack voltage", fmt.Sprintf("%.0f mV min, %.0f mV max", ext.minPackMV, ext.maxPackMV)},
			{"Lowest cell", fmt.Sprintf("%d mV", ext.minCellMV)},
			{"Hottest cell", fmt.Sprintf("%.1f C", ext.maxTempC)},
			{"Worst imbalance", fmt.Sprintf("%.0f mV", ext.maxImbalanceMV)},
			{"Ticks gated off", fmt.Sprintf("%d", ext.gatedTicks)},
			{"Decode errors", fmt.Sprintf("%d", samples[len(samples)-1].DecodeErrors)},
		}
		for _, r := range rows {
			pdf.SetFont("Arial", "B", 10)
			pdf.CellFormat(45, 7, r.label+":", "", 0, "L", false, 0, "")
			pdf.SetFont("Arial", "", 10)
			pdf.CellFormat(0, 7, r.value, "", 1, "L", false, 0, "")
		}
	}

	pdf.Ln(6)

	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 8, "Fault Timeline", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	if len(events) == 0 {
		pdf.SetFont("Arial", "I", 10)
		pdf.CellFormat(0, 7, "No faults injected.", "", 1, "L", false, 0, "")
	} else {
		pdf.SetFont("Arial", "B", 9)
		pdf.SetFillColor(220, 220, 220)
		pdf.CellFormat(25, 7, "Sim time", "1", 0, "R", true, 0, "")
		pdf.CellFormat(70, 7, "Fault", "1", 0, "L", true, 0, "")
		pdf.CellFormat(30, 7, "Event", "1", 0, "C", true, 0, "")
		pdf.CellFormat(0, 7, "ID", "1", 1, "L", true, 0, "")

		pdf.SetFont("Arial", "", 9)
		for _, e := range events {
			pdf.CellFormat(25, 7, fmt.Sprintf("%.1f s", e.AtSec), "1", 0, "R", false, 0, "")
			pdf.CellFormat(70, 7, truncate(e.FaultType, 40), "1", 0, "L", false, 0, "")
			pdf.CellFormat(30, 7, e.Event, "1", 0, "C", false, 0, "")
			pdf.CellFormat(0, 7, truncate(e.FaultID, 20), "1", 1, "L", false, 0, "")
		}
	}

	return pdf.Output(w)
}

type sessionExtremes struct {
	minPackMV      float64
	maxPackMV      float64
	minCellMV      int
	maxTempC       float64
	maxImbalanceMV float64
	gatedTicks     int
}

func extremes(samples []store.Sample) sessionExtremes {
	ext := sessionExtremes{
		minPackMV: samples[0].PackMV,
		maxPackMV: samples[0].PackMV,
		minCellMV: samples[0].MinCellMV,
		maxTempC:  samples[0].MaxCellTempC,
	}
	for _, m := range samples {
		if m.PackMV < ext.minPackMV {
			ext.minPackMV = m.PackMV
		}
		if m.PackMV > ext.maxPackMV {
			ext.maxPackMV = m.PackMV
		}
		if m.MinCellMV < ext.minCellMV {
			ext.minCellMV = m.MinCellMV
		}
		if m.MaxCellTempC > ext.maxTempC {
			ext.maxTempC = m.MaxCellTempC
		}
		if m.ImbalanceMV > ext.maxImbalanceMV {
			ext.maxImbalanceMV = m.ImbalanceMV
		}
		if m.Gated {
			ext.gatedTicks++
		}
	}
	return ext
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
