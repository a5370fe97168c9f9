package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/smell.report/internal/acquire"
	"github.com/banshee-data/smell.report/internal/batchfile"
	"github.com/banshee-data/smell.report/internal/catalog"
	"github.com/banshee-data/smell.report/internal/dataset"
	"github.com/banshee-data/smell.report/internal/fsutil"
	"github.com/banshee-data/smell.report/internal/monitoring"
	"github.com/banshee-data/smell.report/internal/record"
	"github.com/banshee-data/smell.report/internal/serialmux"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

type fixedState acquire.State

func (s fixedState) State() acquire.State { return acquire.State(s) }

func newTestServer(t *testing.T, a *Admin) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	require.NoError(t, a.AttachAdminRoutes(mux))
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func seededFS(t *testing.T) *fsutil.MemoryFileSystem {
	t.Helper()
	memfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, memfs.WriteFile("/vol/BACKGROUNDdata_1.csv",
		[]byte("Alcohol PPM,Temperature,Label\n10.5,22.0,x\n11.5,23.0,y\n"), 0o644))
	require.NoError(t, memfs.WriteFile("/vol/BACKGROUNDdata_2.csv",
		[]byte("Alcohol PPM,Temperature,Label\n12.5,,z\n"), 0o644))
	return memfs
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestStatus(t *testing.T) {
	a := &Admin{
		State:  fixedState{RecordsWritten: 12, CurrentFileSequence: 2, RecordsInCurrentFile: 2},
		FS:     fsutil.NewMemoryFileSystem(),
		Layout: batchfile.NewLayout("/vol"),
		Port:   "/dev/ttyUSB0",
		RunID:  "run-1",
	}
	ts := newTestServer(t, a)

	resp, body := get(t, ts.URL+"/debug/status")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var st Status
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, "/dev/ttyUSB0", st.Port)
	assert.Equal(t, "run-1", st.RunID)
	assert.Equal(t, "/vol/BACKGROUNDdata_*.csv", st.Glob)
	assert.Equal(t, int64(12), st.State.RecordsWritten)
	assert.Equal(t, 2, st.State.CurrentFileSequence)
	assert.Nil(t, st.Volume)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/debug/status", nil)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}

func TestStatus_OSVolume(t *testing.T) {
	dir := t.TempDir()
	a := &Admin{State: fixedState{}, FS: fsutil.OSFileSystem{}, Layout: batchfile.NewLayout(dir)}
	ts := newTestServer(t, a)

	_, body := get(t, ts.URL+"/debug/status")
	var st Status
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	require.NotNil(t, st.Volume)
	assert.Greater(t, st.Volume.Total, uint64(0))
}

func TestDebugIndexListsRoutes(t *testing.T) {
	ts := newTestServer(t, &Admin{State: fixedState{}, FS: fsutil.NewMemoryFileSystem(), Layout: batchfile.NewLayout("/vol")})

	resp, body := get(t, ts.URL+"/debug/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, route := range []string{"status", "chart", "summary"} {
		assert.Contains(t, body, route)
	}
	assert.NotContains(t, body, "tailsql")
}

func TestTail(t *testing.T) {
	tap := serialmux.NewTap()
	ts := newTestServer(t, &Admin{Tap: tap, FS: fsutil.NewMemoryFileSystem(), Layout: batchfile.NewLayout("/vol")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/debug/tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	assert.Equal(t, ": ping", scanner.Text())

	require.Eventually(t, func() bool { return tap.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	tap.Publish("10.5,2.1,100")

	got := ""
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			got = line
			break
		}
	}
	assert.Equal(t, "data: 10.5,2.1,100", got)

	// Closing the tap ends the stream.
	tap.Close()
	for scanner.Scan() {
	}
	require.Eventually(t, func() bool { return tap.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSEEvent_SplitsCarriageReturns(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"10.5,2.1,100", "data: 10.5,2.1,100\n\n"},
		{"", "data: \n\n"},
		{"10.5\r2.1", "data: 10.5\ndata: 2.1\n\n"},
		{"a\r\nb\nc", "data: a\ndata: b\ndata: c\n\n"},
		{"a\r", "data: a\ndata: \n\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sseEvent(tt.line), "line %q", tt.line)
	}
}

func TestChart(t *testing.T) {
	ts := newTestServer(t, &Admin{FS: seededFS(t), Layout: batchfile.NewLayout("/vol")})

	resp, body := get(t, ts.URL+"/debug/chart")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, body, "Sensor readings")
	assert.Contains(t, body, "Alcohol PPM")
	assert.Contains(t, body, "Temperature")
	assert.Contains(t, body, "files=2 rows=3")
	// Non-numeric columns are not plotted.
	assert.NotContains(t, body, `"name":"Label"`)

	_, body = get(t, ts.URL+"/debug/chart?rows=1")
	assert.Contains(t, body, "rows=1")

	resp, _ = get(t, ts.URL+"/debug/chart?rows=zero")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChart_NoFiles(t *testing.T) {
	ts := newTestServer(t, &Admin{FS: fsutil.NewMemoryFileSystem(), Layout: batchfile.NewLayout("/vol")})
	resp, body := get(t, ts.URL+"/debug/chart")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "no batch files")
}

func TestSummary(t *testing.T) {
	ts := newTestServer(t, &Admin{FS: seededFS(t), Layout: batchfile.NewLayout("/vol")})

	resp, body := get(t, ts.URL+"/debug/summary")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	var got struct {
		Files  int                    `json:"files"`
		Rows   int                    `json:"rows"`
		Fields []dataset.FieldSummary `json:"fields"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, 2, got.Files)
	assert.Equal(t, 3, got.Rows)
	require.Len(t, got.Fields, 3)
	assert.Equal(t, "Temperature", got.Fields[1].Field)
	assert.Equal(t, 2, got.Fields[1].Count)
	assert.Equal(t, 1, got.Fields[1].Skipped)
	assert.InDelta(t, 22.5, got.Fields[1].Mean, 1e-9)
}

func TestCatalogRoutes(t *testing.T) {
	c, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer c.Close()

	schema := record.MustSchema("a")
	rec, err := c.StartRun(catalog.RunInfo{Port: "/dev/ttyUSB0", OutputGlob: "/vol/*.csv", Schema: schema, RotateEvery: 10})
	require.NoError(t, err)
	rec.OnRecord("/vol/BACKGROUNDdata_1.csv", 1, 1, record.NewRecord(schema))

	ts := newTestServer(t, &Admin{Catalog: c, FS: fsutil.NewMemoryFileSystem(), Layout: batchfile.NewLayout("/vol")})

	resp, body := get(t, ts.URL+"/debug/runs")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	var runs []catalog.Run
	require.NoError(t, json.Unmarshal([]byte(body), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, rec.RunID(), runs[0].ID)

	resp, _ = get(t, ts.URL+"/debug/runs?limit=x")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = get(t, ts.URL+"/debug/files?run_id="+rec.RunID())
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	var files []catalog.BatchFile
	require.NoError(t, json.Unmarshal([]byte(body), &files))
	require.Len(t, files, 1)
	assert.Equal(t, "/vol/BACKGROUNDdata_1.csv", files[0].Path)

	// tailsql may refuse unauthenticated callers, but the route exists.
	resp, _ = get(t, ts.URL+"/debug/tailsql/")
	assert.NotEqual(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := acquire.NewMetrics(reg)
	m.OnLine("1,2")
	m.OnParseError("\xff", nil)

	ts := newTestServer(t, &Admin{Gatherer: reg, FS: fsutil.NewMemoryFileSystem(), Layout: batchfile.NewLayout("/vol")})

	resp, body := get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "smell_acquire_lines_read_total 1")
	assert.Contains(t, body, "smell_acquire_parse_errors_total 1")
}

func TestServe_StopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "ok")
		}))
	}()

	_, body := get(t, "http://"+ln.Addr().String()+"/")
	assert.Equal(t, "ok", strings.TrimSpace(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestListenAndServe_BadAddress(t *testing.T) {
	err := ListenAndServe(context.Background(), "256.0.0.1:bad", http.NotFoundHandler())
	assert.Error(t, err)
}
