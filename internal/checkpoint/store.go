package checkpoint

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrCheckpoint marks persistence failures. The loop logs them, marks the
// run at risk, and continues; it never aborts on a checkpoint failure.
var ErrCheckpoint = errors.New("checkpoint error")

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	config_yaml  TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	at_risk      INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	step         INTEGER NOT NULL,
	model_blob   BLOB NOT NULL,
	state_json   TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	UNIQUE (run_id, step),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS latest_checkpoint (
	run_id       TEXT PRIMARY KEY,
	step         INTEGER NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

// #endregion schema

// #region store

// Store persists runs and step-keyed checkpoints in SQLite. Write-only
// from the loop's perspective; cmd/inspect reads it back.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages
// (e.g. metrics).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion store

// #region runs

// Run is one row of the runs table.
type Run struct {
	ID         string
	ConfigYAML string
	Status     string
	AtRisk     bool
	CreatedAt  time.Time
}

// CreateRun registers a new run with its resolved config and returns the
// run ID.
func (s *Store) CreateRun(configYAML string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, config_yaml, status, created_at) VALUES (?, ?, 'running', ?)`,
		id, configYAML, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("%w: create run: %v", ErrCheckpoint, err)
	}
	return id, nil
}

// MarkAtRisk flags a run whose checkpoints may be incomplete.
func (s *Store) MarkAtRisk(runID string) error {
	_, err := s.db.Exec(`UPDATE runs SET at_risk = 1 WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("%w: mark at risk: %v", ErrCheckpoint, err)
	}
	return nil
}

// Finish records the terminal status of a run ("finished" or "failed").
func (s *Store) Finish(runID, status string) error {
	_, err := s.db.Exec(`UPDATE runs SET status = ? WHERE run_id = ?`, status, runID)
	if err != nil {
		return fmt.Errorf("%w: finish run: %v", ErrCheckpoint, err)
	}
	return nil
}

// GetRun reads one run row.
func (s *Store) GetRun(runID string) (Run, error) {
	var r Run
	var atRisk int
	var createdStr string
	err := s.db.QueryRow(
		`SELECT run_id, config_yaml, status, at_risk, created_at FROM runs WHERE run_id = ?`, runID,
	).Scan(&r.ID, &r.ConfigYAML, &r.Status, &atRisk, &createdStr)
	if err != nil {
		return Run{}, fmt.Errorf("%w: get run %s: %v", ErrCheckpoint, runID, err)
	}
	r.AtRisk = atRisk == 1
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return r, nil
}

// ListRuns returns the most recent runs.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT run_id, config_yaml, status, at_risk, created_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", ErrCheckpoint, err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var atRisk int
		var createdStr string
		if err := rows.Scan(&r.ID, &r.ConfigYAML, &r.Status, &atRisk, &createdStr); err != nil {
			return nil, fmt.Errorf("%w: scan run: %v", ErrCheckpoint, err)
		}
		r.AtRisk = atRisk == 1
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// #endregion runs

// #region checkpoints

// Record is a checkpoint row: a serialized model snapshot plus the loop's
// own state, keyed by step.
type Record struct {
	RunID     string
	Step      int
	ModelBlob []byte
	StateJSON string
	CreatedAt time.Time
}

// Save inserts a checkpoint and moves the latest pointer atomically.
// state may be any JSON-serializable value; the loop passes its
// TrainingState.
func (s *Store) Save(runID string, step int, modelBlob []byte, state any) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: marshal state: %v", ErrCheckpoint, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrCheckpoint, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO checkpoints (run_id, step, model_blob, state_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		runID, step, modelBlob, string(stateJSON), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: insert checkpoint: %v", ErrCheckpoint, err)
	}

	_, err = tx.Exec(
		`INSERT INTO latest_checkpoint (run_id, step) VALUES (?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET step = excluded.step`,
		runID, step,
	)
	if err != nil {
		return fmt.Errorf("%w: update latest: %v", ErrCheckpoint, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrCheckpoint, err)
	}
	return nil
}

// Load reads the checkpoint at a specific step.
func (s *Store) Load(runID string, step int) (Record, error) {
	var rec Record
	var createdStr string
	err := s.db.QueryRow(
		`SELECT run_id, step, model_blob, state_json, created_at
		 FROM checkpoints WHERE run_id = ? AND step = ?`, runID, step,
	).Scan(&rec.RunID, &rec.Step, &rec.ModelBlob, &rec.StateJSON, &createdStr)
	if err != nil {
		return Record{}, fmt.Errorf("%w: load checkpoint %s/%d: %v", ErrCheckpoint, runID, step, err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return rec, nil
}

// Latest reads the checkpoint the latest pointer names.
func (s *Store) Latest(runID string) (Record, error) {
	var step int
	err := s.db.QueryRow(
		`SELECT step FROM latest_checkpoint WHERE run_id = ?`, runID,
	).Scan(&step)
	if err != nil {
		return Record{}, fmt.Errorf("%w: latest for %s: %v", ErrCheckpoint, runID, err)
	}
	return s.Load(runID, step)
}

// Steps lists the checkpointed steps for a run in ascending order.
func (s *Store) Steps(runID string) ([]int, error) {
	rows, err := s.db.Query(
		`SELECT step FROM checkpoints WHERE run_id = ? ORDER BY step ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list steps: %v", ErrCheckpoint, err)
	}
	defer rows.Close()

	var steps []int
	for rows.Next() {
		var st int
		if err := rows.Scan(&st); err != nil {
			return nil, fmt.Errorf("%w: scan step: %v", ErrCheckpoint, err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// #endregion checkpoints
