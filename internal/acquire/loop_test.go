package acquire

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/smell.report/internal/batchfile"
	"github.com/banshee-data/smell.report/internal/fsutil"
	"github.com/banshee-data/smell.report/internal/monitoring"
	"github.com/banshee-data/smell.report/internal/record"
	"github.com/banshee-data/smell.report/internal/serialmux"
)

const fullLine = "10.5,2.1,100,2.1,50,30,200,22.0"

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

// scriptedSource returns its lines in order, then end (if set) forever, or
// blocks until the context ends.
type scriptedSource struct {
	mu    sync.Mutex
	lines []string
	end   error
	// before is called with the index of each line before it is returned.
	before func(i int)
	n      int
}

func (s *scriptedSource) NextLine(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.n < len(s.lines) {
		i := s.n
		s.n++
		line := s.lines[i]
		before := s.before
		s.mu.Unlock()
		if before != nil {
			before(i)
		}
		return line, nil
	}
	end := s.end
	s.mu.Unlock()
	if end != nil {
		return "", end
	}
	<-ctx.Done()
	return "", ctx.Err()
}

func repeat(line string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = line
	}
	return out
}

type harness struct {
	fs     *fsutil.MemoryFileSystem
	layout batchfile.Layout
	schema record.Schema
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/vol", 0o755))
	return &harness{fs: mfs, layout: batchfile.NewLayout("/vol"), schema: record.DefaultSchema()}
}

func (h *harness) loop(t *testing.T, src LineSource, observers ...Observer) *Loop {
	t.Helper()
	l, err := New(Config{
		Source:    src,
		Writer:    batchfile.NewWriter(h.fs),
		Schema:    h.schema,
		Layout:    h.layout,
		Observers: observers,
	})
	require.NoError(t, err)
	return l
}

func (h *harness) rows(t *testing.T, seq int) [][]string {
	t.Helper()
	data, err := h.fs.ReadFile(h.layout.Path(seq))
	require.NoError(t, err)
	r := csv.NewReader(strings.NewReader(string(data)))
	rows, err := r.ReadAll()
	require.NoError(t, err)
	return rows
}

// runUntilDrained runs the loop over src and stops it once the source has
// nothing more to give.
func runUntilDrained(t *testing.T, l *Loop, src *scriptedSource) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		src.mu.Lock()
		drained := src.n >= len(src.lines)
		src.mu.Unlock()
		if drained && int(l.State().LinesRead) >= len(src.lines) {
			cancel()
			break
		}
		select {
		case err := <-done:
			return err
		case <-deadline:
			t.Fatal("loop did not drain its source")
		case <-time.After(time.Millisecond):
		}
	}
	select {
	case err := <-done:
		return err
	case <-deadline:
		t.Fatal("loop did not stop after cancel")
		return nil
	}
}

func TestLoop_ScenarioA_TenLinesOneFile(t *testing.T) {
	h := newHarness(t)
	src := &scriptedSource{lines: repeat(fullLine, 10)}
	l := h.loop(t, src)

	require.NoError(t, runUntilDrained(t, l, src))

	assert.Equal(t, []string{h.layout.Path(1)}, h.fs.Files())
	rows := h.rows(t, 1)
	require.Len(t, rows, 11)
	assert.Equal(t, h.schema.Fields(), rows[0])
	for _, row := range rows[1:] {
		assert.Equal(t, strings.Split(fullLine, ","), row)
	}

	st := l.State()
	assert.Equal(t, 0, st.RecordsInCurrentFile)
	assert.Equal(t, 2, st.CurrentFileSequence)
	assert.Equal(t, int64(1), st.FilesCompleted)
}

func TestLoop_ScenarioB_EleventhLineStartsNewFile(t *testing.T) {
	h := newHarness(t)
	lines := repeat(fullLine, 10)
	lines = append(lines, "1,2,3,4,5,6,7,8")
	src := &scriptedSource{lines: lines}
	l := h.loop(t, src)

	require.NoError(t, runUntilDrained(t, l, src))

	assert.Equal(t, []string{h.layout.Path(1), h.layout.Path(2)}, h.fs.Files())
	second := h.rows(t, 2)
	require.Len(t, second, 2)
	assert.Equal(t, h.schema.Fields(), second[0])
	assert.Equal(t, []string{"1", "2", "3", "4", "5", "6", "7", "8"}, second[1])
	assert.Equal(t, 1, l.State().RecordsInCurrentFile)
}

func TestLoop_ScenarioC_ShortLineWrittenWithEmptyCells(t *testing.T) {
	h := newHarness(t)
	src := &scriptedSource{lines: []string{"abc"}}
	l := h.loop(t, src)

	require.NoError(t, runUntilDrained(t, l, src))

	rows := h.rows(t, 1)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"abc", "", "", "", "", "", "", ""}, rows[1])
	assert.Equal(t, 1, l.State().RecordsInCurrentFile)
}

func TestLoop_ScenarioD_StorageFailureStopsWithoutRotating(t *testing.T) {
	h := newHarness(t)
	src := &scriptedSource{lines: repeat(fullLine, 20)}
	src.before = func(i int) {
		if i == 4 {
			h.fs.SetReadOnly(true)
		}
	}
	l := h.loop(t, src)

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, batchfile.ErrIO))
	assert.Equal(t, "storage", Boundary(err))

	st := l.State()
	assert.Equal(t, 4, st.RecordsInCurrentFile)
	assert.Equal(t, 1, st.CurrentFileSequence)
	assert.Equal(t, int64(4), st.RecordsWritten)
	assert.Equal(t, []string{h.layout.Path(1)}, h.fs.Files())
	assert.Len(t, h.rows(t, 1), 5)
}

func TestLoop_TransportFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	src := &scriptedSource{
		lines: repeat(fullLine, 3),
		end:   &serialmux.TransportError{Port: "/dev/ttyUSB0", Op: "read", Err: io.EOF},
	}
	l := h.loop(t, src)

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "transport", Boundary(err))
	assert.Equal(t, int64(3), l.State().RecordsWritten)
}

func TestLoop_PlainSourceErrorClassifiedAsTransport(t *testing.T) {
	h := newHarness(t)
	src := &scriptedSource{end: errors.New("usb reset")}
	l := h.loop(t, src)

	err := l.Run(context.Background())
	assert.True(t, errors.Is(err, serialmux.ErrTransport), "got %v", err)
}

func TestLoop_ParseErrorSkipsLine(t *testing.T) {
	h := newHarness(t)
	src := &scriptedSource{lines: []string{fullLine, "bad\xff", fullLine}}
	l := h.loop(t, src)

	require.NoError(t, runUntilDrained(t, l, src))

	st := l.State()
	assert.Equal(t, int64(3), st.LinesRead)
	assert.Equal(t, int64(1), st.ParseErrors)
	assert.Equal(t, int64(2), st.RecordsWritten)
	assert.Equal(t, 2, st.RecordsInCurrentFile)
	assert.Len(t, h.rows(t, 1), 3)
}

func TestLoop_RotationInvariant(t *testing.T) {
	for _, n := range []int{1, 9, 10, 11, 25, 30} {
		h := newHarness(t)
		src := &scriptedSource{lines: repeat("1 2 3", n)}
		l := h.loop(t, src)
		require.NoError(t, runUntilDrained(t, l, src))

		files := h.fs.Files()
		assert.Len(t, files, (n+9)/10, "n=%d", n)
		total := 0
		for seq := 1; seq <= len(files); seq++ {
			rows := h.rows(t, seq)
			assert.Equal(t, h.schema.Fields(), rows[0], "n=%d seq=%d header", n, seq)
			assert.LessOrEqual(t, len(rows)-1, 10)
			total += len(rows) - 1
		}
		assert.Equal(t, n, total, "n=%d", n)
		assert.Equal(t, n%10, l.State().RecordsInCurrentFile, "n=%d", n)
	}
}

func TestLoop_CustomRotationAndStart(t *testing.T) {
	h := newHarness(t)
	src := &scriptedSource{lines: repeat("1", 5)}
	l, err := New(Config{
		Source:        src,
		Writer:        batchfile.NewWriter(h.fs),
		Schema:        h.schema,
		Layout:        h.layout,
		RotateEvery:   2,
		StartSequence: 7,
	})
	require.NoError(t, err)
	require.NoError(t, runUntilDrained(t, l, src))

	assert.Equal(t, []string{h.layout.Path(7), h.layout.Path(8), h.layout.Path(9)}, h.fs.Files())
	assert.Equal(t, 9, l.State().CurrentFileSequence)
}

func TestLoop_StopsOnCancelledContext(t *testing.T) {
	h := newHarness(t)
	src := &scriptedSource{lines: repeat(fullLine, 3)}
	l := h.loop(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.Run(ctx))
	assert.Equal(t, int64(0), l.State().LinesRead)
	assert.Empty(t, h.fs.Files())
}

func TestLoop_CancelBetweenIterations(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &scriptedSource{lines: repeat(fullLine, 10)}
	// Cancel while the third line is being delivered: it is still written in
	// full, and nothing after it is read.
	src.before = func(i int) {
		if i == 2 {
			cancel()
		}
	}
	l := h.loop(t, src)

	require.NoError(t, l.Run(ctx))
	assert.Equal(t, int64(3), l.State().RecordsWritten)
	assert.Len(t, h.rows(t, 1), 4)
}

type recordingObserver struct {
	NopObserver
	rotations []int
	rows      []int
	dropped   []string
	stopped   bool
	stopErr   error
}

func (o *recordingObserver) OnRecord(_ string, _, row int, _ record.Record) {
	o.rows = append(o.rows, row)
}
func (o *recordingObserver) OnRotate(seq int, _ string, _ int) { o.rotations = append(o.rotations, seq) }
func (o *recordingObserver) OnParseError(line string, _ error) { o.dropped = append(o.dropped, line) }
func (o *recordingObserver) OnStop(_ State, err error)        { o.stopped, o.stopErr = true, err }

func TestLoop_Observers(t *testing.T) {
	h := newHarness(t)
	src := &scriptedSource{
		lines: append(repeat(fullLine, 12), "\xfe"),
		end:   &serialmux.TransportError{Op: "read", Err: io.EOF},
	}
	obs := &recordingObserver{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	l := h.loop(t, src, obs, metrics)

	err := l.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, []int{1}, obs.rotations)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 1, 2}, obs.rows)
	assert.Equal(t, []string{"\xfe"}, obs.dropped)
	assert.True(t, obs.stopped)
	assert.Equal(t, err, obs.stopErr)

	assert.Equal(t, 13.0, testutil.ToFloat64(metrics.linesRead))
	assert.Equal(t, 12.0, testutil.ToFloat64(metrics.recordsWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.parseErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.filesRotated))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.fileSequence))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.rowsInFile))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.fieldsMissing))
}

func TestLoop_TapObserver(t *testing.T) {
	h := newHarness(t)
	tap := serialmux.NewTap()
	_, ch := tap.Subscribe()
	src := &scriptedSource{lines: []string{"raw line"}, end: &serialmux.TransportError{Op: "read", Err: io.EOF}}
	l := h.loop(t, src, TapObserver{Tap: tap})

	_ = l.Run(context.Background())
	select {
	case got := <-ch:
		assert.Equal(t, "raw line", got)
	default:
		t.Fatal("tap received nothing")
	}
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t)
	src := &scriptedSource{}
	w := batchfile.NewWriter(h.fs)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no source", Config{Writer: w, Schema: h.schema, Layout: h.layout}},
		{"no writer", Config{Source: src, Schema: h.schema, Layout: h.layout}},
		{"no schema", Config{Source: src, Writer: w, Layout: h.layout}},
		{"bad layout", Config{Source: src, Writer: w, Schema: h.schema, Layout: batchfile.Layout{Dir: "/vol", Prefix: "../x"}}},
		{"negative rotation", Config{Source: src, Writer: w, Schema: h.schema, Layout: h.layout, RotateEvery: -1}},
		{"negative start", Config{Source: src, Writer: w, Schema: h.schema, Layout: h.layout, StartSequence: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}

	l, err := New(Config{Source: src, Writer: w, Schema: h.schema, Layout: h.layout})
	require.NoError(t, err)
	assert.Equal(t, DefaultRotateEvery, l.RotateEvery())
	assert.Equal(t, DefaultStartSequence, l.State().CurrentFileSequence)
	assert.Equal(t, h.layout.Path(1), l.State().CurrentFile)
}

func TestBoundary(t *testing.T) {
	assert.Equal(t, "transport", Boundary(&serialmux.TransportError{Op: "open", Err: io.EOF}))
	assert.Equal(t, "storage", Boundary(&batchfile.IOError{Path: "x", Op: "open", Err: io.EOF}))
	assert.Equal(t, "", Boundary(errors.New("other")))
	assert.Equal(t, "", Boundary(nil))
}
