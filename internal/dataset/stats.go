package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultTarget is the column the trainer predicts.
const DefaultTarget = "Temperature"

// FieldSummary describes the numeric cells of one column.
type FieldSummary struct {
	Field   string  `json:"field"`
	Count   int     `json:"count"`
	Skipped int     `json:"skipped"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stddev"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Median  float64 `json:"median"`
}

// Numeric parses the column as float64, dropping empty and non-numeric
// cells. It returns the values and the number of cells dropped.
func (t *Table) Numeric(field string) ([]float64, int, bool) {
	col, ok := t.Column(field)
	if !ok {
		return nil, 0, false
	}
	values := make([]float64, 0, len(col))
	skipped := 0
	for _, cell := range col {
		v, ok := parseCell(cell)
		if !ok {
			skipped++
			continue
		}
		values = append(values, v)
	}
	return values, skipped, true
}

func parseCell(cell string) (float64, bool) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Summarize returns per-field statistics in column order. Fields with no
// numeric cells report Count 0 and zero statistics.
func Summarize(t *Table) []FieldSummary {
	out := make([]FieldSummary, 0, len(t.Fields))
	for _, field := range t.Fields {
		values, skipped, _ := t.Numeric(field)
		s := FieldSummary{Field: field, Count: len(values), Skipped: skipped}
		if len(values) > 0 {
			sort.Float64s(values)
			s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
			if len(values) == 1 {
				s.StdDev = 0
			}
			s.Min = floats.Min(values)
			s.Max = floats.Max(values)
			s.Median = stat.Quantile(0.5, stat.Empirical, values, nil)
		}
		out = append(out, s)
	}
	return out
}

// Samples is the numeric view of a Table split into features and target.
type Samples struct {
	Features []string
	Target   string
	X        *mat.Dense
	Y        []float64
	// Dropped counts rows with an empty or non-numeric cell.
	Dropped int
}

// Rows returns the number of samples.
func (s *Samples) Rows() int { return len(s.Y) }

// Split separates target from the remaining columns. Only rows where every
// cell parses as a number are kept.
func Split(t *Table, target string) (*Samples, error) {
	ti, ok := t.index[target]
	if !ok {
		return nil, fmt.Errorf("target column %q not found", target)
	}
	if len(t.Fields) < 2 {
		return nil, fmt.Errorf("no feature columns besides %q", target)
	}

	s := &Samples{Target: target}
	featureCols := make([]int, 0, len(t.Fields)-1)
	for i, f := range t.Fields {
		if i != ti {
			s.Features = append(s.Features, f)
			featureCols = append(featureCols, i)
		}
	}

	var data []float64
rows:
	for _, row := range t.Rows {
		y, ok := parseCell(row[ti])
		if !ok {
			s.Dropped++
			continue
		}
		x := make([]float64, len(featureCols))
		for j, c := range featureCols {
			v, ok := parseCell(row[c])
			if !ok {
				s.Dropped++
				continue rows
			}
			x[j] = v
		}
		data = append(data, x...)
		s.Y = append(s.Y, y)
	}
	if len(s.Y) == 0 {
		return nil, fmt.Errorf("no complete numeric rows (%d dropped)", s.Dropped)
	}
	s.X = mat.NewDense(len(s.Y), len(featureCols), data)
	return s, nil
}

// TrainTestSplit shuffles the samples with a fixed seed and holds out
// testFraction of them. Both halves get at least one row when there are two
// or more samples.
func TrainTestSplit(s *Samples, testFraction float64, seed uint64) (train, test *Samples, err error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, fmt.Errorf("test fraction must be in (0, 1), got %g", testFraction)
	}
	n := s.Rows()
	if n < 2 {
		return nil, nil, fmt.Errorf("need at least 2 samples to split, got %d", n)
	}
	nTest := int(math.Ceil(float64(n) * testFraction))
	if nTest >= n {
		nTest = n - 1
	}

	rng := rand.New(rand.NewPCG(seed, seed))
	perm := rng.Perm(n)
	return s.subset(perm[nTest:]), s.subset(perm[:nTest]), nil
}

func (s *Samples) subset(idx []int) *Samples {
	_, cols := s.X.Dims()
	out := &Samples{
		Features: s.Features,
		Target:   s.Target,
		X:        mat.NewDense(len(idx), cols, nil),
		Y:        make([]float64, len(idx)),
	}
	for i, r := range idx {
		out.X.SetRow(i, s.X.RawRowView(r))
		out.Y[i] = s.Y[r]
	}
	return out
}

// Standardize rescales each column of x in place to zero mean and unit
// standard deviation and returns the statistics used, so the same transform
// can be applied to live readings. Constant columns are centred only.
func Standardize(x *mat.Dense) (means, stdDevs []float64) {
	rows, cols := x.Dims()
	means = make([]float64, cols)
	stdDevs = make([]float64, cols)
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, x)
		means[j], stdDevs[j] = stat.MeanStdDev(col, nil)
		if rows < 2 || math.IsNaN(stdDevs[j]) {
			stdDevs[j] = 0
		}
		for i := 0; i < rows; i++ {
			v := col[i] - means[j]
			if stdDevs[j] > 0 {
				v /= stdDevs[j]
			}
			x.Set(i, j, v)
		}
	}
	return means, stdDevs
}
