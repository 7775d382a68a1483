package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"packsim/internal/sim"
	"packsim/internal/store"
)

func newTestHandler(t *testing.T) (*Handler, *http.ServeMux) {
	t.Helper()

	r, err := sim.NewRunner(sim.Config{
		CurrentMA:     20000,
		DurationSec:   1,
		RateHz:        10,
		InitialSOCPct: 50,
	}, nil)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &Handler{Runner: r, Store: st}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h, mux
}

func doRequest(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestGetStatus(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := doRequest(mux, "GET", "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status sessionStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if status.TimeSec < 0.9 {
		t.Errorf("expected ~1s of sim time, got %g", status.TimeSec)
	}
	if status.Paused {
		t.Error("expected not paused")
	}
}

func TestGetSnapshot(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := doRequest(mux, "GET", "/snapshot", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap sim.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if snap.Pack.PackVoltageMV == 0 {
		t.Error("expected nonzero pack voltage in snapshot")
	}
}

func TestPauseResume(t *testing.T) {
	h, mux := newTestHandler(t)

	rec := doRequest(mux, "POST", "/control/pause", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d", rec.Code)
	}
	if !h.Runner.Paused() {
		t.Fatal("runner should be paused")
	}

	rec = doRequest(mux, "POST", "/control/resume", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", rec.Code)
	}
	if h.Runner.Paused() {
		t.Fatal("runner should be resumed")
	}
}

func TestInjectFault(t *testing.T) {
	h, mux := newTestHandler(t)

	body := `{"type": "internal_short_circuit_hard", "cell": 5, "immediate": true}`
	rec := doRequest(mux, "POST", "/faults", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["id"] == "" {
		t.Fatal("expected fault id in response")
	}

	if got := len(h.Runner.Engine().Instances()); got != 1 {
		t.Fatalf("expected 1 instance, got %d", got)
	}

	rec = doRequest(mux, "GET", "/faults", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var views []faultView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 fault, got %d", len(views))
	}
	if views[0].Type != "internal_short_circuit_hard" {
		t.Errorf("unexpected type %s", views[0].Type)
	}
	if views[0].Target != "cell 5" {
		t.Errorf("unexpected target %s", views[0].Target)
	}
}

func TestInjectFaultDefaultsToImmediate(t *testing.T) {
	h, mux := newTestHandler(t)

	body := `{"type": "cell_open_circuit", "cell": 0}`
	rec := doRequest(mux, "POST", "/faults", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := len(h.Runner.Engine().Instances()); got != 1 {
		t.Fatalf("expected 1 instance, got %d", got)
	}
}

func TestInjectFaultRejectsUnknownType(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := doRequest(mux, "POST", "/faults", `{"type": "nonsense", "cell": 0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestInjectFaultRequiresTarget(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := doRequest(mux, "POST", "/faults", `{"type": "thermal_runaway"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListFaultTypes(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := doRequest(mux, "GET", "/faults/types", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var types []string
	if err := json.Unmarshal(rec.Body.Bytes(), &types); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(types) != 20 {
		t.Errorf("expected 20 fault types, got %d", len(types))
	}
}

func TestSessionEndpoints(t *testing.T) {
	h, mux := newTestHandler(t)

	h.Store.CreateSession("sess-1", "xbb", 42, "")
	h.Store.RecordSample(store.Sample{SessionID: "sess-1", TimeSec: 0.1, PackMV: 52800})

	rec := doRequest(mux, "GET", "/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var sessions []store.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}

	rec = doRequest(mux, "GET", "/sessions/sess-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	rec = doRequest(mux, "GET", "/sessions/nonexistent", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = doRequest(mux, "GET", "/sessions/sess-1/csv", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("csv: expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("expected text/csv, got %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "time_sec") {
		t.Error("csv body missing header row")
	}

	rec = doRequest(mux, "GET", "/sessions/sess-1/pdf", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pdf: expected 200, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "%PDF") {
		t.Error("pdf body missing PDF header")
	}
}
