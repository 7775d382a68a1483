// Package api exposes a running simulation session over HTTP and
// WebSocket: live telemetry, runtime fault injection and stored-session
// exports.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"packsim/internal/fault"
	"packsim/internal/report"
	"packsim/internal/sim"
	"packsim/internal/store"
)

// injectRequest is the JSON body for POST /faults.
type injectRequest struct {
	Type        string             `json:"type"`
	Cell        *int               `json:"cell,omitempty"`
	AllCells    bool               `json:"all_cells,omitempty"`
	Pack        bool               `json:"pack,omitempty"`
	Immediate   bool               `json:"immediate,omitempty"`
	AtSec       *float64           `json:"at_sec,omitempty"`
	AtSOCPct    *float64           `json:"at_soc_pct,omitempty"`
	DurationSec *float64           `json:"duration_sec,omitempty"`
	Parameters  map[string]float64 `json:"parameters,omitempty"`
}

// faultView is the JSON shape for GET /faults.
type faultView struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Target       string             `json:"target"`
	State        string             `json:"state"`
	TriggerSec   float64            `json:"trigger_sec,omitempty"`
	ActivatedSec float64            `json:"activated_sec,omitempty"`
	Parameters   map[string]float64 `json:"parameters"`
}

// sessionStatus is the response for GET /status.
type sessionStatus struct {
	Paused  bool        `json:"paused"`
	TimeSec float64     `json:"time_sec"`
	Frames  int         `json:"frames"`
	Faults  fault.Stats `json:"faults"`
	Clients int         `json:"ws_clients"`
}

// Handler holds all dependencies for HTTP request handling.
type Handler struct {
	Runner *sim.Runner
	Store  *store.Store
	Hub    *Hub
}

// RegisterRoutes adds all API routes to the given ServeMux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", h.getStatus)
	mux.HandleFunc("GET /snapshot", h.getSnapshot)
	mux.HandleFunc("POST /control/pause", h.pause)
	mux.HandleFunc("POST /control/resume", h.resume)
	mux.HandleFunc("GET /faults", h.listFaults)
	mux.HandleFunc("GET /faults/types", h.listFaultTypes)
	mux.HandleFunc("POST /faults", h.injectFault)
	if h.Store != nil {
		mux.HandleFunc("GET /sessions", h.listSessions)
		mux.HandleFunc("GET /sessions/{id}", h.getSession)
		mux.HandleFunc("GET /sessions/{id}/csv", h.exportCSV)
		mux.HandleFunc("GET /sessions/{id}/pdf", h.exportPDF)
	}
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWebSocket)
	}
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.Runner.Snapshot()
	status := sessionStatus{
		Paused:  h.Runner.Paused(),
		TimeSec: snap.TimeSec,
		Frames:  snap.Frames,
		Faults:  h.Runner.Engine().Statistics(),
	}
	if h.Hub != nil {
		status.Clients = h.Hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Runner.Snapshot())
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	h.Runner.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	h.Runner.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (h *Handler) listFaults(w http.ResponseWriter, r *http.Request) {
	instances := h.Runner.Engine().Instances()
	views := []faultView{}
	for _, in := range instances {
		views = append(views, faultView{
			ID:           in.ID.String(),
			Type:         string(in.Type),
			Target:       in.Target.String(),
			State:        in.State().String(),
			TriggerSec:   in.TriggerTimeSec(),
			ActivatedSec: in.ActivatedAtSec(),
			Parameters:   in.Params,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) listFaultTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, fault.Types())
}

func (h *Handler) injectFault(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	ft, err := fault.ParseType(req.Type)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	spec := fault.Spec{
		Type:       ft,
		Parameters: req.Parameters,
	}
	switch {
	case req.Pack:
		spec.Target = fault.Target{Pack: true}
	case req.AllCells:
		spec.Target = fault.Target{All: true}
	case req.Cell != nil:
		spec.Target = fault.Target{Cell: *req.Cell}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target required: cell, all_cells or pack"})
		return
	}
	spec.Trigger = fault.Trigger{
		Immediate:   req.Immediate,
		TimeSec:     req.AtSec,
		SOCPct:      req.AtSOCPct,
		DurationSec: req.DurationSec,
	}
	if !req.Immediate && req.AtSec == nil && req.AtSOCPct == nil {
		spec.Trigger.Immediate = true
	}

	in, err := h.Runner.Engine().Inject(spec)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if h.Hub != nil {
		h.Hub.PublishFault(FaultNotice{
			ID:     in.ID.String(),
			Type:   string(in.Type),
			Target: in.Target.String(),
			State:  in.State().String(),
		})
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": in.ID.String()})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Store.QuerySessions()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("failed to query sessions: %v", err)})
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := h.Store.GetSession(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", id))
	if err := h.Store.ExportCSV(id, w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) exportPDF(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.pdf", id))
	if err := report.GeneratePDF(w, h.Store, id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
