// Package store persists simulation sessions, telemetry samples and fault
// events in SQLite so bench runs can be replayed and compared offline.
package store

import (
	"database/sql"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"packsim/internal/sim"
)

type Session struct {
	ID         string
	Protocol   string
	Seed       int64
	ScenarioID string // scenario name, empty for healthy runs
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string // "running", "completed", "aborted", "error"
	Summary    string
}

// Sample is one tick of telemetry as the BMS would have seen it.
type Sample struct {
	ID           int64
	SessionID    string
	TimeSec      float64
	PackMV       float64
	PackMA       float64
	SOCPct       float64
	MinCellMV    int
	MaxCellMV    int
	MaxCellTempC float64
	ImbalanceMV  float64
	Gated        bool
	FramesSent   int
	DecodeErrors int
}

type FaultEvent struct {
	ID        int64
	SessionID string
	FaultID   string
	FaultType string
	Event     string // "injected", "activated", "expired"
	AtSec     float64
	Timestamp time.Time
}

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// SQLite requires single-connection mode for :memory: databases
	// (each pool connection gets its own in-memory DB otherwise).
	// For file-based DBs this also avoids "database is locked" errors.
	db.SetMaxOpenConns(1)

	schema := `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    protocol TEXT NOT NULL,
    seed INTEGER NOT NULL,
    scenario_id TEXT DEFAULT '',
    started_at TEXT NOT NULL,
    finished_at TEXT,
    status TEXT NOT NULL,
    summary TEXT DEFAULT ''
);

CREATE TABLE IF NOT EXISTS samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    time_sec REAL NOT NULL,
    pack_mv REAL NOT NULL,
    pack_ma REAL NOT NULL,
    soc_pct REAL NOT NULL,
    min_cell_mv INTEGER NOT NULL,
    max_cell_mv INTEGER NOT NULL,
    max_cell_temp_c REAL NOT NULL,
    imbalance_mv REAL NOT NULL,
    gated INTEGER NOT NULL,
    frames_sent INTEGER DEFAULT 0,
    decode_errors INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS fault_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    fault_id TEXT NOT NULL,
    fault_type TEXT NOT NULL,
    event_type TEXT NOT NULL,
    at_sec REAL NOT NULL,
    timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_samples_session ON samples(session_id, time_sec);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSession(id, protocol string, seed int64, scenarioID string) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, protocol, seed, scenario_id, started_at, status, summary) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, protocol, seed, scenarioID, time.Now().UTC().Format(time.RFC3339Nano), "running", "",
	)
	return err
}

func (s *Store) FinishSession(id, status, summary string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET finished_at = ?, status = ?, summary = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), status, summary, id,
	)
	return err
}

// SampleFromSnapshot flattens a tick snapshot into a storable row.
func SampleFromSnapshot(sessionID string, snap sim.Snapshot) Sample {
	minMV, maxMV := snap.Pack.CellVoltagesMV[0], snap.Pack.CellVoltagesMV[0]
	maxTemp := snap.Pack.CellTempsC[0]
	for i := 1; i < len(snap.Pack.CellVoltagesMV); i++ {
		if snap.Pack.CellVoltagesMV[i] < minMV {
			minMV = snap.Pack.CellVoltagesMV[i]
		}
		if snap.Pack.CellVoltagesMV[i] > maxMV {
			maxMV = snap.Pack.CellVoltagesMV[i]
		}
		if snap.Pack.CellTempsC[i] > maxTemp {
			maxTemp = snap.Pack.CellTempsC[i]
		}
	}
	return Sample{
		SessionID:    sessionID,
		TimeSec:      snap.TimeSec,
		PackMV:       float64(snap.Pack.PackVoltageMV),
		PackMA:       snap.EffectiveMA,
		SOCPct:       snap.Pack.PackSOCPct,
		MinCellMV:    minMV,
		MaxCellMV:    maxMV,
		MaxCellTempC: maxTemp,
		ImbalanceMV:  float64(snap.Pack.ImbalanceMV),
		Gated:        snap.Gated,
		FramesSent:   snap.Transport.FramesSent,
		DecodeErrors: snap.Transport.DecodeErrors,
	}
}

func (s *Store) RecordSample(m Sample) error {
	gatedInt := 0
	if m.Gated {
		gatedInt = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO samples (session_id, time_sec, pack_mv, pack_ma, soc_pct, min_cell_mv, max_cell_mv, max_cell_temp_c, imbalance_mv, gated, frames_sent, decode_errors)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.TimeSec, m.PackMV, m.PackMA, m.SOCPct, m.MinCellMV, m.MaxCellMV,
		m.MaxCellTempC, m.ImbalanceMV, gatedInt, m.FramesSent, m.DecodeErrors,
	)
	return err
}

func (s *Store) RecordFaultEvent(sessionID, faultID, faultType, event string, atSec float64) error {
	_, err := s.db.Exec(
		`INSERT INTO fault_events (session_id, fault_id, fault_type, event_type, at_sec, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, faultID, faultType, event, atSec, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) QuerySessions() ([]Session, error) {
	rows, err := s.db.Query(`SELECT id, protocol, seed, scenario_id, started_at, finished_at, status, summary FROM sessions ORDER BY started_at DESC, _rowid_ DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var sess Session
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Protocol, &sess.Seed, &sess.ScenarioID, &startedAt, &finishedAt, &sess.Status, &sess.Summary); err != nil {
			return nil, err
		}
		sess.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
			if err != nil {
				return nil, err
			}
			sess.FinishedAt = &t
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) GetSession(id string) (*Session, error) {
	var sess Session
	var startedAt string
	var finishedAt sql.NullString
	err := s.db.QueryRow(
		`SELECT id, protocol, seed, scenario_id, started_at, finished_at, status, summary FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Protocol, &sess.Seed, &sess.ScenarioID, &startedAt, &finishedAt, &sess.Status, &sess.Summary)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, err
		}
		sess.FinishedAt = &t
	}
	return &sess, nil
}

func (s *Store) QuerySamples(sessionID string) ([]Sample, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, time_sec, pack_mv, pack_ma, soc_pct, min_cell_mv, max_cell_mv, max_cell_temp_c, imbalance_mv, gated, frames_sent, decode_errors
		 FROM samples WHERE session_id = ? ORDER BY time_sec ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []Sample{}
	for rows.Next() {
		var m Sample
		var gatedInt int
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TimeSec, &m.PackMV, &m.PackMA, &m.SOCPct, &m.MinCellMV, &m.MaxCellMV, &m.MaxCellTempC, &m.ImbalanceMV, &gatedInt, &m.FramesSent, &m.DecodeErrors); err != nil {
			return nil, err
		}
		m.Gated = gatedInt != 0
		samples = append(samples, m)
	}
	return samples, rows.Err()
}

func (s *Store) QueryFaultEvents(sessionID string) ([]FaultEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, fault_id, fault_type, event_type, at_sec, timestamp FROM fault_events WHERE session_id = ? ORDER BY at_sec ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []FaultEvent{}
	for rows.Next() {
		var e FaultEvent
		var ts string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.FaultID, &e.FaultType, &e.Event, &e.AtSec, &ts); err != nil {
			return nil, err
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM samples WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM fault_events WHERE session_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// ExportCSV streams one session's samples as CSV.
func (s *Store) ExportCSV(sessionID string, w io.Writer) error {
	samples, err := s.QuerySamples(sessionID)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"time_sec", "pack_mv", "pack_ma", "soc_pct", "min_cell_mv", "max_cell_mv", "max_cell_temp_c", "imbalance_mv", "gated", "frames_sent", "decode_errors"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, m := range samples {
		gated := "0"
		if m.Gated {
			gated = "1"
		}
		row := []string{
			strconv.FormatFloat(m.TimeSec, 'f', 3, 64),
			strconv.FormatFloat(m.PackMV, 'f', 1, 64),
			strconv.FormatFloat(m.PackMA, 'f', 1, 64),
			strconv.FormatFloat(m.SOCPct, 'f', 4, 64),
			strconv.Itoa(m.MinCellMV),
			strconv.Itoa(m.MaxCellMV),
			strconv.FormatFloat(m.MaxCellTempC, 'f', 2, 64),
			strconv.FormatFloat(m.ImbalanceMV, 'f', 2, 64),
			gated,
			strconv.Itoa(m.FramesSent),
			strconv.Itoa(m.DecodeErrors),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}
