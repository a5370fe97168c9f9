// Package acquire runs the acquisition loop: it pulls lines from the sensor,
// binds them to the schema and appends them to rotating batch files.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/smell.report/internal/batchfile"
	"github.com/banshee-data/smell.report/internal/monitoring"
	"github.com/banshee-data/smell.report/internal/record"
	"github.com/banshee-data/smell.report/internal/serialmux"
)

const (
	// DefaultRotateEvery is the number of records per batch file.
	DefaultRotateEvery = 10
	// DefaultStartSequence is the suffix of the first batch file.
	DefaultStartSequence = 1
)

// LineSource yields raw lines from the device. NextLine blocks until a line
// is available.
type LineSource interface {
	NextLine(ctx context.Context) (string, error)
}

// RecordWriter durably appends one record to the file at path.
type RecordWriter interface {
	Append(path string, rec record.Record, schema record.Schema) error
}

// Config wires a Loop. Source, Writer, Schema and Layout are required.
type Config struct {
	Source LineSource
	Writer RecordWriter
	Schema record.Schema
	Layout batchfile.Layout

	// RotateEvery is the number of records written to a file before moving
	// to the next sequence number. Zero means DefaultRotateEvery.
	RotateEvery int
	// StartSequence is the sequence number of the first file. Zero means
	// DefaultStartSequence.
	StartSequence int

	Observers []Observer
}

// State is a snapshot of the loop counters.
type State struct {
	RecordsInCurrentFile int    `json:"records_in_current_file"`
	CurrentFileSequence  int    `json:"current_file_sequence"`
	CurrentFile          string `json:"current_file"`
	RecordsWritten       int64  `json:"records_written"`
	LinesRead            int64  `json:"lines_read"`
	ParseErrors          int64  `json:"parse_errors"`
	FilesCompleted       int64  `json:"files_completed"`
}

// Loop is the acquisition state machine. Run must not be called
// concurrently; State may be called from any goroutine.
type Loop struct {
	src         LineSource
	writer      RecordWriter
	schema      record.Schema
	layout      batchfile.Layout
	rotateEvery int
	observers   []Observer

	mu    sync.Mutex
	state State
}

// New validates cfg and returns a Loop positioned at the start sequence with
// an empty current file.
func New(cfg Config) (*Loop, error) {
	if cfg.Source == nil {
		return nil, errors.New("acquire: line source is required")
	}
	if cfg.Writer == nil {
		return nil, errors.New("acquire: record writer is required")
	}
	if cfg.Schema.Len() == 0 {
		return nil, errors.New("acquire: schema has no fields")
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	if cfg.RotateEvery < 0 {
		return nil, fmt.Errorf("acquire: rotate_every must be positive, got %d", cfg.RotateEvery)
	}
	if cfg.StartSequence < 0 {
		return nil, fmt.Errorf("acquire: start sequence must be positive, got %d", cfg.StartSequence)
	}
	if cfg.RotateEvery == 0 {
		cfg.RotateEvery = DefaultRotateEvery
	}
	if cfg.StartSequence == 0 {
		cfg.StartSequence = DefaultStartSequence
	}

	l := &Loop{
		src:         cfg.Source,
		writer:      cfg.Writer,
		schema:      cfg.Schema,
		layout:      cfg.Layout,
		rotateEvery: cfg.RotateEvery,
		observers:   append([]Observer(nil), cfg.Observers...),
	}
	l.state.CurrentFileSequence = cfg.StartSequence
	l.state.CurrentFile = cfg.Layout.Path(cfg.StartSequence)
	return l, nil
}

// State returns a copy of the current counters.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RotateEvery returns the configured batch size.
func (l *Loop) RotateEvery() int { return l.rotateEvery }

// Run steps the loop until ctx is cancelled or a transport or storage error
// occurs. Cancellation is only observed between iterations and while waiting
// for a line, never during a write. Run returns nil when stopped by ctx.
func (l *Loop) Run(ctx context.Context) error {
	st := l.State()
	monitoring.Logf("acquisition started: writing %s, %d records per file", st.CurrentFile, l.rotateEvery)

	var err error
	for err == nil {
		if ctx.Err() != nil {
			break
		}
		err = l.Step(ctx)
	}
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = nil
	}

	final := l.State()
	for _, o := range l.observers {
		o.OnStop(final, err)
	}
	if err != nil {
		monitoring.Logf("acquisition stopped after %d records: %v", final.RecordsWritten, err)
		return err
	}
	monitoring.Logf("acquisition stopped after %d records in %d completed files", final.RecordsWritten, final.FilesCompleted)
	return nil
}

// Step performs one iteration: read a line, parse it, append it to the
// current file and rotate when the file is full. A line that fails to parse
// is dropped and Step returns nil without touching the counters. Transport
// and storage failures are returned and leave the counters unchanged.
func (l *Loop) Step(ctx context.Context) error {
	line, err := l.src.NextLine(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		if !errors.Is(err, serialmux.ErrTransport) {
			err = &serialmux.TransportError{Op: "read", Err: err}
		}
		return err
	}

	l.mu.Lock()
	l.state.LinesRead++
	l.mu.Unlock()
	for _, o := range l.observers {
		o.OnLine(line)
	}

	rec, err := record.Parse(line, l.schema)
	if err != nil {
		l.mu.Lock()
		l.state.ParseErrors++
		l.mu.Unlock()
		monitoring.Logf("dropping line: %v", err)
		for _, o := range l.observers {
			o.OnParseError(line, err)
		}
		return nil
	}

	l.mu.Lock()
	seq := l.state.CurrentFileSequence
	l.mu.Unlock()
	path := l.layout.Path(seq)

	if err := l.writer.Append(path, rec, l.schema); err != nil {
		if !errors.Is(err, batchfile.ErrIO) {
			err = &batchfile.IOError{Path: path, Op: "append", Err: err}
		}
		return err
	}

	l.mu.Lock()
	l.state.RecordsWritten++
	l.state.RecordsInCurrentFile++
	row := l.state.RecordsInCurrentFile
	rotated := row >= l.rotateEvery
	if rotated {
		l.state.RecordsInCurrentFile = 0
		l.state.CurrentFileSequence++
		l.state.FilesCompleted++
		l.state.CurrentFile = l.layout.Path(l.state.CurrentFileSequence)
	}
	l.mu.Unlock()

	monitoring.Debugf("wrote record %d/%d to %s", row, l.rotateEvery, path)
	for _, o := range l.observers {
		o.OnRecord(path, seq, row, rec)
	}
	if rotated {
		monitoring.Logf("batch file %s complete with %d records", path, row)
		for _, o := range l.observers {
			o.OnRotate(seq, path, row)
		}
	}
	return nil
}

// Boundary names the side of the pipeline that produced a fatal loop error:
// "transport", "storage", or "" when err is neither.
func Boundary(err error) string {
	switch {
	case errors.Is(err, serialmux.ErrTransport):
		return "transport"
	case errors.Is(err, batchfile.ErrIO):
		return "storage"
	default:
		return ""
	}
}
