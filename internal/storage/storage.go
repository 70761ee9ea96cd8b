// Package storage provides SQLite-backed persistence for session checkpoints,
// detected anomalies and archive verification runs.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/fairoracle/internal/models"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db          *sql.DB
	maxSessions int
}

const defaultMaxSessions = 10000

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/fairoracle/data.db.
func New(maxSessions int, dbPath string) (*Storage, error) {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "fairoracle", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db, maxSessions: maxSessions}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL DEFAULT '',
			casino_id       TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			spin_count      INTEGER NOT NULL DEFAULT 0,
			started_at      INTEGER NOT NULL,
			last_activity   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_state (
			session_id      TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
			state           TEXT NOT NULL,
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id              TEXT PRIMARY KEY,
			session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			user_id         TEXT NOT NULL DEFAULT '',
			casino_id       TEXT NOT NULL DEFAULT '',
			type            TEXT NOT NULL,
			severity        INTEGER NOT NULL,
			confidence      REAL NOT NULL,
			reason          TEXT NOT NULL,
			evidence        TEXT NOT NULL DEFAULT '{}',
			window_start    INTEGER NOT NULL,
			window_end      INTEGER NOT NULL,
			window_start_at INTEGER NOT NULL,
			window_end_at   INTEGER NOT NULL,
			detected_at     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS archive_runs (
			id              TEXT PRIMARY KEY,
			casino_id       TEXT NOT NULL DEFAULT '',
			format          TEXT NOT NULL,
			total_rows      INTEGER NOT NULL,
			skipped         INTEGER NOT NULL,
			mismatched      INTEGER NOT NULL,
			result          TEXT NOT NULL,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_detected_at ON anomalies(detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_rank ON anomalies(severity DESC, confidence DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveStates checkpoints session states in one transaction, replacing any
// earlier checkpoint of the same session.
func (s *Storage) SaveStates(states []models.SessionState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range states {
		if err := saveState(tx, &states[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Storage) SaveState(state *models.SessionState) error {
	return s.SaveStates([]models.SessionState{*state})
}

func saveState(tx *sql.Tx, state *models.SessionState) error {
	if state.SessionID == "" {
		return fmt.Errorf("invalid session state: session ID must not be empty")
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	// Upsert rather than INSERT OR REPLACE: replacing the parent row would
	// cascade-delete the session's anomalies.
	if _, err := tx.Exec(`
		INSERT INTO sessions (id, user_id, casino_id, status, spin_count, started_at, last_activity)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id, casino_id=excluded.casino_id, status=excluded.status,
			spin_count=excluded.spin_count, started_at=excluded.started_at,
			last_activity=excluded.last_activity`,
		state.SessionID, state.UserID, state.CasinoID, string(state.Status), state.SpinCount,
		state.StartedAt.UnixNano(), state.LastActivity.UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO session_state (session_id, state, updated_at)
		VALUES (?,?,?)`,
		state.SessionID, string(stateJSON), updatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}
	return nil
}

// LoadState returns nil, nil when the session has no checkpoint.
func (s *Storage) LoadState(sessionID string) (*models.SessionState, error) {
	var stateJSON string
	err := s.db.QueryRow(`SELECT state FROM session_state WHERE session_id = ?`, sessionID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session state: %w", err)
	}
	var state models.SessionState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	return &state, nil
}

// LoadOpenStates returns the checkpoints of every open session keyed by ID.
func (s *Storage) LoadOpenStates() (map[string]*models.SessionState, error) {
	rows, err := s.db.Query(`
		SELECT st.state FROM session_state st
		JOIN sessions se ON se.id = st.session_id
		WHERE se.status = ?`, string(models.SessionOpen))
	if err != nil {
		return nil, fmt.Errorf("failed to query session states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]*models.SessionState)
	for rows.Next() {
		var stateJSON string
		if err := rows.Scan(&stateJSON); err != nil {
			return nil, fmt.Errorf("failed to scan session state: %w", err)
		}
		var state models.SessionState
		if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
		}
		states[state.SessionID] = &state
	}
	return states, rows.Err()
}

// AddAnomaly stores a detected anomaly under a new ID and returns it. The
// anomaly's session must have been saved first.
func (s *Storage) AddAnomaly(a *models.AnomalyResult) (string, error) {
	evidenceJSON, err := json.Marshal(a.Evidence)
	if err != nil {
		return "", fmt.Errorf("failed to marshal evidence: %w", err)
	}
	id := uuid.New().String()
	_, err = s.db.Exec(`
		INSERT INTO anomalies
			(id, session_id, user_id, casino_id, type, severity, confidence, reason, evidence,
			 window_start, window_end, window_start_at, window_end_at, detected_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, a.SessionID, a.UserID, a.CasinoID, string(a.Type), int(a.Severity), a.Confidence,
		a.Reason, string(evidenceJSON),
		a.Window.StartIndex, a.Window.EndIndex, a.Window.Start.UnixNano(), a.Window.End.UnixNano(),
		a.DetectedAt.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert anomaly: %w", err)
	}
	return id, nil
}

const anomalyCols = `session_id, user_id, casino_id, type, severity, confidence, reason, evidence,
	window_start, window_end, window_start_at, window_end_at, detected_at`

// GetTopAnomalies returns the k worst anomalies across all sessions.
func (s *Storage) GetTopAnomalies(k int) ([]models.AnomalyResult, error) {
	return s.queryAnomalies(`SELECT `+anomalyCols+` FROM anomalies
		ORDER BY severity DESC, confidence DESC, detected_at ASC LIMIT ?`, k)
}

// SessionAnomalies returns a session's anomalies in detection order.
func (s *Storage) SessionAnomalies(sessionID string) ([]models.AnomalyResult, error) {
	return s.queryAnomalies(`SELECT `+anomalyCols+` FROM anomalies
		WHERE session_id = ? ORDER BY detected_at ASC, window_end ASC`, sessionID)
}

func (s *Storage) queryAnomalies(query string, args ...any) ([]models.AnomalyResult, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	anomalies := []models.AnomalyResult{}
	for rows.Next() {
		var a models.AnomalyResult
		var typ, evidenceJSON string
		var severity int
		var startNano, endNano, detectedNano int64
		err := rows.Scan(
			&a.SessionID, &a.UserID, &a.CasinoID, &typ, &severity, &a.Confidence, &a.Reason, &evidenceJSON,
			&a.Window.StartIndex, &a.Window.EndIndex, &startNano, &endNano, &detectedNano,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		if err := json.Unmarshal([]byte(evidenceJSON), &a.Evidence); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
		}
		a.Type = models.AnomalyType(typ)
		a.Severity = models.Severity(severity)
		a.Window.Start = time.Unix(0, startNano)
		a.Window.End = time.Unix(0, endNano)
		a.DetectedAt = time.Unix(0, detectedNano)
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

func (s *Storage) AddArchiveRun(run *models.ArchiveRun) error {
	if run.ID == "" || run.Result == nil {
		return fmt.Errorf("invalid archive run: ID and result are required")
	}
	resultJSON, err := json.Marshal(run.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal verification result: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO archive_runs (id, casino_id, format, total_rows, skipped, mismatched, result, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		run.ID, run.CasinoID, run.Format, run.TotalRows, run.Skipped, run.Result.Mismatched,
		string(resultJSON), run.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert archive run: %w", err)
	}
	return nil
}

func (s *Storage) GetArchiveRun(id string) (*models.ArchiveRun, error) {
	var run models.ArchiveRun
	var resultJSON string
	var createdNano int64
	err := s.db.QueryRow(`
		SELECT id, casino_id, format, total_rows, skipped, result, created_at
		FROM archive_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.CasinoID, &run.Format, &run.TotalRows, &run.Skipped, &resultJSON, &createdNano)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("archive run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archive run: %w", err)
	}
	run.Result = &models.BatchVerificationResult{}
	if err := json.Unmarshal([]byte(resultJSON), run.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verification result: %w", err)
	}
	run.CreatedAt = time.Unix(0, createdNano)
	return &run, nil
}

// RotateSessions keeps at most maxSessions sessions by last activity.
// Cascading deletes remove their checkpoints and anomalies.
func (s *Storage) RotateSessions() error {
	_, err := s.db.Exec(`
		DELETE FROM sessions WHERE id NOT IN (
			SELECT id FROM sessions ORDER BY last_activity DESC LIMIT ?
		)`, s.maxSessions)
	if err != nil {
		return fmt.Errorf("failed to rotate sessions: %w", err)
	}
	return nil
}
