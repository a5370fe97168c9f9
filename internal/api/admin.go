// Package api serves the admin surface of a running acquisition: live
// state, a raw line tail, charts of the written batch files, the catalog
// through tailsql, and prometheus metrics.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/smell.report/internal/acquire"
	"github.com/banshee-data/smell.report/internal/batchfile"
	"github.com/banshee-data/smell.report/internal/catalog"
	"github.com/banshee-data/smell.report/internal/dataset"
	"github.com/banshee-data/smell.report/internal/fsutil"
	"github.com/banshee-data/smell.report/internal/serialmux"
	"github.com/banshee-data/smell.report/internal/volume"
)

// defaultChartRows caps the chart to the most recent rows.
const defaultChartRows = 500

// StateSource is satisfied by *acquire.Loop.
type StateSource interface {
	State() acquire.State
}

// Admin holds everything the admin routes read. Nil fields disable the
// routes that need them.
type Admin struct {
	State    StateSource
	Tap      *serialmux.Tap
	Catalog  *catalog.Catalog
	Gatherer prometheus.Gatherer
	FS       fsutil.FileSystem
	Layout   batchfile.Layout
	Port     string
	RunID    string
}

// Status is the body of /debug/status.
type Status struct {
	Port   string        `json:"port"`
	RunID  string        `json:"run_id,omitempty"`
	Glob   string        `json:"output_glob"`
	State  acquire.State `json:"state"`
	Volume *volume.Usage `json:"volume,omitempty"`
}

// AttachAdminRoutes registers the admin routes on mux under /debug/ and
// /metrics.
func (a *Admin) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	debug.KV("Port", a.Port)
	debug.KV("Output", a.Layout.Glob())

	if a.State != nil {
		debug.HandleFunc("status", "Acquisition counters (JSON)", a.handleStatus)
	}
	if a.Tap != nil {
		debug.HandleSilentFunc("tail", a.handleTail)
	}
	debug.HandleFunc("chart", "Line chart of the written batch files", a.handleChart)
	debug.HandleFunc("summary", "Per-field statistics of the written batch files (JSON)", a.handleSummary)

	if a.Catalog != nil {
		tsql, err := tailsql.NewServer(tailsql.Options{
			RoutePrefix: "/debug/tailsql/",
		})
		if err != nil {
			return fmt.Errorf("failed to create tailsql server: %w", err)
		}
		tsql.SetDB("sqlite://"+a.Catalog.Path(), a.Catalog.DB(), &tailsql.DBOptions{
			Label: "Acquisition catalog",
		})
		debug.Handle("tailsql/", "SQL live debugging of the catalog", tsql.NewMux())
		debug.HandleFunc("runs", "Recent acquisition runs (JSON)", a.handleRuns)
		debug.HandleFunc("files", "Batch files recorded in the catalog (JSON)", a.handleFiles)
	}

	if a.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (a *Admin) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	st := Status{
		Port:  a.Port,
		RunID: a.RunID,
		Glob:  a.Layout.Glob(),
		State: a.State.State(),
	}
	if a.FS == nil || isOSFileSystem(a.FS) {
		if u, err := volume.Stat(a.Layout.Dir); err == nil {
			st.Volume = &u
		}
	}
	writeJSON(w, st)
}

func isOSFileSystem(fsys fsutil.FileSystem) bool {
	_, ok := fsys.(fsutil.OSFileSystem)
	return ok
}

// handleTail streams raw lines as server-sent events.
func (a *Admin) handleTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, c := a.Tap.Subscribe()
	defer a.Tap.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case line, ok := <-c:
			if !ok {
				return
			}
			if _, err := io.WriteString(w, sseEvent(line)); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// sseEvent frames line as one event. SSE ends a data line at \r, \n or
// \r\n, so each segment gets its own data field.
func sseEvent(line string) string {
	var b strings.Builder
	for _, seg := range strings.Split(strings.ReplaceAll(line, "\r\n", "\n"), "\n") {
		for _, part := range strings.Split(seg, "\r") {
			b.WriteString("data: ")
			b.WriteString(part)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
	return b.String()
}

func (a *Admin) loadTable(w http.ResponseWriter) (*dataset.Table, bool) {
	t, err := dataset.Load(a.FS, a.Layout)
	if errors.Is(err, dataset.ErrNoFiles) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return t, true
}

func (a *Admin) handleSummary(w http.ResponseWriter, r *http.Request) {
	t, ok := a.loadTable(w)
	if !ok {
		return
	}
	writeJSON(w, map[string]any{
		"files":  len(t.Files),
		"rows":   t.Len(),
		"fields": dataset.Summarize(t),
	})
}

// handleChart renders the numeric columns of the most recent rows. The
// optional rows query parameter changes how many.
func (a *Admin) handleChart(w http.ResponseWriter, r *http.Request) {
	limit := defaultChartRows
	if s := r.URL.Query().Get("rows"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "rows must be a positive integer")
			return
		}
		limit = n
	}

	t, ok := a.loadTable(w)
	if !ok {
		return
	}
	start := 0
	if t.Len() > limit {
		start = t.Len() - limit
	}

	x := make([]int, 0, t.Len()-start)
	for i := start; i < t.Len(); i++ {
		x = append(x, i+1)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sensor readings", Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: "Sensor readings", Subtitle: fmt.Sprintf("files=%d rows=%d", len(t.Files), len(x))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Row", NameLocation: "middle", NameGap: 25}),
	)
	line.SetXAxis(x)

	for _, field := range t.Fields {
		col, _ := t.Column(field)
		data := make([]opts.LineData, 0, len(x))
		numeric := 0
		for _, cell := range col[start:] {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				// Gaps render as breaks in the line.
				data = append(data, opts.LineData{Value: "-"})
				continue
			}
			numeric++
			data = append(data, opts.LineData{Value: v})
		}
		if numeric > 0 {
			line.AddSeries(field, data)
		}
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (a *Admin) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	runs, err := a.Catalog.Runs(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, runs)
}

func (a *Admin) handleFiles(w http.ResponseWriter, r *http.Request) {
	files, err := a.Catalog.Files(r.URL.Query().Get("run_id"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, files)
}
