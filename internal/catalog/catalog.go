// Package catalog keeps a sqlite index of acquisition runs and the batch
// files each run wrote. The CSV files remain the source of truth; the
// catalog only records where rows went and when.
package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/smell.report/internal/acquire"
	"github.com/banshee-data/smell.report/internal/monitoring"
	"github.com/banshee-data/smell.report/internal/record"
	"github.com/banshee-data/smell.report/internal/timeutil"
)

// Run status values.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusFailed  = "failed"
)

// Fixed-width UTC timestamps sort lexically in sqlite.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Catalog wraps the sqlite handle.
type Catalog struct {
	db    *sql.DB
	path  string
	clock timeutil.Clock
}

// Open opens (creating if needed) the catalog at path and applies pending
// migrations.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}
	// One connection keeps sqlite writes serialised.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure catalog: %w", err)
	}
	c := &Catalog{db: db, path: path, clock: timeutil.RealClock{}}
	if err := c.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// SetClock replaces the clock used for timestamps.
func (c *Catalog) SetClock(clock timeutil.Clock) { c.clock = clock }

// DB exposes the underlying handle for read-only consumers such as tailsql.
func (c *Catalog) DB() *sql.DB { return c.db }

// Path returns the file the catalog was opened from.
func (c *Catalog) Path() string { return c.path }

// Close closes the database.
func (c *Catalog) Close() error { return c.db.Close() }

// RunInfo describes a run at start time.
type RunInfo struct {
	Port        string
	OutputGlob  string
	Schema      record.Schema
	RotateEvery int
}

// Run is a row of the runs table.
type Run struct {
	ID             string     `json:"run_id"`
	StartedAt      time.Time  `json:"started_at"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	Port           string     `json:"port"`
	OutputGlob     string     `json:"output_glob"`
	Fields         []string   `json:"fields"`
	RotateEvery    int        `json:"rotate_every"`
	RecordsWritten int        `json:"records_written"`
	ParseErrors    int        `json:"parse_errors"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
}

// BatchFile is a row of the batch_files table.
type BatchFile struct {
	RunID       string     `json:"run_id"`
	Sequence    int        `json:"sequence"`
	Path        string     `json:"path"`
	Rows        int        `json:"rows"`
	FirstRowAt  time.Time  `json:"first_row_at"`
	LastRowAt   time.Time  `json:"last_row_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StartRun inserts a new run and returns a Recorder bound to it.
func (c *Catalog) StartRun(info RunInfo) (*Recorder, error) {
	id := uuid.NewString()
	fields, err := json.Marshal(info.Schema.Fields())
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema fields: %w", err)
	}
	_, err = c.db.Exec(
		`INSERT INTO runs (run_id, started_at, port, output_glob, schema_fields, rotate_every, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, c.now(), info.Port, info.OutputGlob, string(fields), info.RotateEvery, StatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	return &Recorder{catalog: c, runID: id}, nil
}

func (c *Catalog) now() string { return c.clock.Now().UTC().Format(timeFormat) }

// Runs lists runs, newest first.
func (c *Catalog) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.Query(
		`SELECT run_id, started_at, stopped_at, port, output_glob, schema_fields, rotate_every,
		        records_written, parse_errors, status, error
		   FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                  Run
			started, fields    string
			stopped, errString sql.NullString
		)
		if err := rows.Scan(&r.ID, &started, &stopped, &r.Port, &r.OutputGlob, &fields,
			&r.RotateEvery, &r.RecordsWritten, &r.ParseErrors, &r.Status, &errString); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if r.StartedAt, err = time.Parse(timeFormat, started); err != nil {
			return nil, fmt.Errorf("bad started_at for run %s: %w", r.ID, err)
		}
		if r.StoppedAt, err = parseNullTime(stopped); err != nil {
			return nil, fmt.Errorf("bad stopped_at for run %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return nil, fmt.Errorf("bad schema_fields for run %s: %w", r.ID, err)
		}
		r.Error = errString.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Files lists batch files in write order. An empty runID lists all runs.
func (c *Catalog) Files(runID string) ([]BatchFile, error) {
	query := `SELECT run_id, sequence, path, rows, first_row_at, last_row_at, completed_at
	            FROM batch_files`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY first_row_at, sequence`

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch files: %w", err)
	}
	defer rows.Close()

	var out []BatchFile
	for rows.Next() {
		var (
			f           BatchFile
			first, last string
			completed   sql.NullString
		)
		if err := rows.Scan(&f.RunID, &f.Sequence, &f.Path, &f.Rows, &first, &last, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan batch file: %w", err)
		}
		if f.FirstRowAt, err = time.Parse(timeFormat, first); err != nil {
			return nil, fmt.Errorf("bad first_row_at for %s: %w", f.Path, err)
		}
		if f.LastRowAt, err = time.Parse(timeFormat, last); err != nil {
			return nil, fmt.Errorf("bad last_row_at for %s: %w", f.Path, err)
		}
		if f.CompletedAt, err = parseNullTime(completed); err != nil {
			return nil, fmt.Errorf("bad completed_at for %s: %w", f.Path, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Recorder is an acquire.Observer that writes run progress to the catalog.
// Database failures are logged and never stop acquisition.
type Recorder struct {
	acquire.NopObserver
	catalog *Catalog
	runID   string
}

// RunID returns the id of the run being recorded.
func (r *Recorder) RunID() string { return r.runID }

// OnRecord upserts the batch file row for path.
func (r *Recorder) OnRecord(path string, seq, row int, _ record.Record) {
	now := r.catalog.now()
	_, err := r.catalog.db.Exec(
		`INSERT INTO batch_files (run_id, sequence, path, rows, first_row_at, last_row_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, sequence) DO UPDATE SET rows = excluded.rows, last_row_at = excluded.last_row_at`,
		r.runID, seq, path, row, now, now,
	)
	if err != nil {
		monitoring.Logf("catalog: failed to record row %d of %s: %v", row, path, err)
	}
}

// OnRotate marks the batch file as complete.
func (r *Recorder) OnRotate(seq int, path string, rows int) {
	_, err := r.catalog.db.Exec(
		`UPDATE batch_files SET completed_at = ?, rows = ? WHERE run_id = ? AND sequence = ?`,
		r.catalog.now(), rows, r.runID, seq,
	)
	if err != nil {
		monitoring.Logf("catalog: failed to complete %s: %v", path, err)
	}
}

// OnStop closes the run with its final counters.
func (r *Recorder) OnStop(state acquire.State, runErr error) {
	status, errText := StatusStopped, sql.NullString{}
	if runErr != nil {
		status = StatusFailed
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := r.catalog.db.Exec(
		`UPDATE runs SET stopped_at = ?, records_written = ?, parse_errors = ?, status = ?, error = ?
		 WHERE run_id = ?`,
		r.catalog.now(), state.RecordsWritten, state.ParseErrors, status, errText, r.runID,
	)
	if err != nil {
		monitoring.Logf("catalog: failed to close run %s: %v", r.runID, err)
	}
}
