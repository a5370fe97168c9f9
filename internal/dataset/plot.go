package dataset

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/smell.report/internal/monitoring"
	"github.com/banshee-data/smell.report/internal/security"
)

const histogramBins = 20

// PlotFields writes a trace and a histogram PNG per field into outDir and
// returns the files written. An empty fields list plots every column.
// Columns without numeric cells are skipped.
func PlotFields(t *Table, outDir string, fields ...string) ([]string, error) {
	if len(fields) == 0 {
		fields = t.Fields
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create plot dir: %w", err)
	}

	var written []string
	for _, field := range fields {
		col, ok := t.Column(field)
		if !ok {
			return written, fmt.Errorf("unknown field %q", field)
		}

		// Trace points keep their row index so gaps stay visible.
		pts := make(plotter.XYs, 0, len(col))
		values := make(plotter.Values, 0, len(col))
		for i, cell := range col {
			if v, ok := parseCell(cell); ok {
				pts = append(pts, plotter.XY{X: float64(i), Y: v})
				values = append(values, v)
			}
		}
		if len(pts) == 0 {
			monitoring.Logf("plot: skipping %q, no numeric values", field)
			continue
		}

		base := security.SanitizeFilename(field)
		traceFile := filepath.Join(outDir, base+".png")
		histFile := filepath.Join(outDir, base+"_hist.png")
		for _, f := range []string{traceFile, histFile} {
			if err := security.ValidatePathWithinDirectory(f, outDir); err != nil {
				return written, err
			}
		}

		if err := savePlotTrace(field, pts, traceFile); err != nil {
			return written, err
		}
		written = append(written, traceFile)

		if err := savePlotHistogram(field, values, histFile); err != nil {
			return written, err
		}
		written = append(written, histFile)
	}
	return written, nil
}

func savePlotTrace(field string, pts plotter.XYs, file string) error {
	p := plot.New()
	p.Title.Text = field
	p.X.Label.Text = "Row"
	p.Y.Label.Text = field

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("%s trace: %w", field, err)
	}
	line.Width = vg.Points(1)
	p.Add(line, plotter.NewGrid())

	if err := p.Save(14*vg.Inch, 6*vg.Inch, file); err != nil {
		return fmt.Errorf("save %s trace plot: %w", field, err)
	}
	return nil
}

func savePlotHistogram(field string, values plotter.Values, file string) error {
	p := plot.New()
	p.Title.Text = field + " distribution"
	p.X.Label.Text = field
	p.Y.Label.Text = "Count"

	h, err := plotter.NewHist(values, histogramBins)
	if err != nil {
		return fmt.Errorf("%s histogram: %w", field, err)
	}
	p.Add(h)

	if err := p.Save(8*vg.Inch, 6*vg.Inch, file); err != nil {
		return fmt.Errorf("save %s histogram: %w", field, err)
	}
	return nil
}
