// Package history persists deployment runs in a local sqlite database
// so operators can audit what was flashed to which device and when.
package history

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/edgeforge-io/edgeforge/internal/plan"
	"github.com/edgeforge-io/edgeforge/pkg/errors"
	"github.com/edgeforge-io/edgeforge/pkg/log"
)

// schema is append-only: runs are recorded once when they finish and
// never updated.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    device_id TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    steps TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL,
    recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_device_id ON runs(device_id);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Record is one persisted deployment run.
type Record struct {
	ID         int64
	RunID      string
	DeviceID   string
	Status     plan.RunStatus
	Error      string
	Steps      []plan.StepResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// Repository stores deployment history.
type Repository struct {
	db  *sql.DB
	log log.Logger
}

// Open opens (and creates if needed) the history database at path.
func Open(path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(errors.Unknown, "open history db", err)
	}
	// sqlite handles one writer; keep the pool at a single
	// connection to avoid SQLITE_BUSY under concurrent runs.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.Unknown, "apply history schema", err)
	}
	return &Repository{db: db, log: log.WithName("history")}, nil
}

func (r *Repository) Close() error { return r.db.Close() }

// Append records a finished run.
func (r *Repository) Append(state *plan.ExecutionState) error {
	steps, err := json.Marshal(state.Steps)
	if err != nil {
		return errors.Wrap(errors.Unknown, "encode step outcomes", err)
	}

	const query = `
		INSERT INTO runs (run_id, device_id, status, error, steps, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query,
		state.RunID, state.DeviceID, string(state.Status), state.Error,
		string(steps), state.StartedAt.UTC(), state.FinishedAt.UTC())
	if err != nil {
		return errors.Wrap(errors.Unknown, "record run", err)
	}
	r.log.Debug("run recorded", "run", state.RunID, "status", state.Status)
	return nil
}

// Latest returns the most recent n runs, newest first. deviceID, when
// non-empty, restricts the query to one device.
func (r *Repository) Latest(deviceID string, n int) ([]Record, error) {
	if n <= 0 {
		n = 20
	}

	query := `
		SELECT id, run_id, device_id, status, error, steps, started_at, finished_at
		FROM runs
	`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, n)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.Unknown, "query runs", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var status, steps string
		var errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.DeviceID, &status, &errMsg,
			&steps, &rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, errors.Wrap(errors.Unknown, "scan run", err)
		}
		rec.Status = plan.RunStatus(status)
		rec.Error = errMsg.String
		if err := json.Unmarshal([]byte(steps), &rec.Steps); err != nil {
			return nil, errors.Wrap(errors.Unknown, "decode step outcomes", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.Unknown, "iterate runs", err)
	}
	return out, nil
}

// Get returns one run by its run id.
func (r *Repository) Get(runID string) (*Record, error) {
	const query = `
		SELECT id, run_id, device_id, status, error, steps, started_at, finished_at
		FROM runs WHERE run_id = ?
	`
	var rec Record
	var status, steps string
	var errMsg sql.NullString
	err := r.db.QueryRow(query, runID).Scan(&rec.ID, &rec.RunID, &rec.DeviceID,
		&status, &errMsg, &steps, &rec.StartedAt, &rec.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.NotFound, "no run %q", runID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.Unknown, "query run", err)
	}
	rec.Status = plan.RunStatus(status)
	rec.Error = errMsg.String
	if err := json.Unmarshal([]byte(steps), &rec.Steps); err != nil {
		return nil, errors.Wrap(errors.Unknown, "decode step outcomes", err)
	}
	return &rec, nil
}
