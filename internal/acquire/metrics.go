package acquire

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/smell.report/internal/record"
)

// Metrics exports loop activity as prometheus collectors.
type Metrics struct {
	NopObserver

	linesRead      prometheus.Counter
	parseErrors    prometheus.Counter
	recordsWritten prometheus.Counter
	filesRotated   prometheus.Counter
	fieldsMissing  prometheus.Counter
	fileSequence   prometheus.Gauge
	rowsInFile     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	const ns, sub = "smell", "acquire"
	m := &Metrics{
		linesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "lines_read_total",
			Help: "Lines read from the sensor.",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "parse_errors_total",
			Help: "Lines dropped because they could not be parsed.",
		}),
		recordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "records_written_total",
			Help: "Records appended to batch files.",
		}),
		filesRotated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "files_rotated_total",
			Help: "Batch files filled and closed out.",
		}),
		fieldsMissing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "fields_missing_total",
			Help: "Schema fields left empty because a line had too few tokens.",
		}),
		fileSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "current_file_sequence",
			Help: "Sequence number of the batch file being written.",
		}),
		rowsInFile: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "records_in_current_file",
			Help: "Records written to the current batch file.",
		}),
	}
	reg.MustRegister(m.linesRead, m.parseErrors, m.recordsWritten, m.filesRotated,
		m.fieldsMissing, m.fileSequence, m.rowsInFile)
	return m
}

func (m *Metrics) OnLine(string) { m.linesRead.Inc() }

func (m *Metrics) OnParseError(string, error) { m.parseErrors.Inc() }

func (m *Metrics) OnRecord(_ string, seq, row int, rec record.Record) {
	m.recordsWritten.Inc()
	m.fieldsMissing.Add(float64(rec.Slots() - rec.Len()))
	m.fileSequence.Set(float64(seq))
	m.rowsInFile.Set(float64(row))
}

func (m *Metrics) OnRotate(seq int, _ string, _ int) {
	m.filesRotated.Inc()
	m.fileSequence.Set(float64(seq + 1))
	m.rowsInFile.Set(0)
}
