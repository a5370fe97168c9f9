// Package dataset reads back the batch files written by acquisition, the way
// downstream training consumes them: every file matching the layout glob,
// each with its own header, concatenated in sequence order.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/banshee-data/smell.report/internal/batchfile"
	"github.com/banshee-data/smell.report/internal/fsutil"
)

// ErrNoFiles is returned by Load when the glob matches nothing.
var ErrNoFiles = errors.New("no batch files found")

// Table is the union of all loaded files. Columns are ordered by first
// appearance; cells missing from a file's header are empty.
type Table struct {
	Fields []string
	Rows   [][]string
	Files  []string
	// FileRows holds the data row count of each entry in Files.
	FileRows []int
	index    map[string]int
}

// NewTable returns an empty table with the given columns.
func NewTable(fields ...string) *Table {
	t := &Table{index: make(map[string]int)}
	for _, f := range fields {
		t.addField(f)
	}
	return t
}

// AddRow appends cells, padding or truncating to the column count.
func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(t.Fields))
	copy(row, cells)
	t.Rows = append(t.Rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Column returns the cells of field in row order.
func (t *Table) Column(field string) ([]string, bool) {
	i, ok := t.index[field]
	if !ok {
		return nil, false
	}
	out := make([]string, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out, true
}

func (t *Table) addField(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	t.index[name] = len(t.Fields)
	t.Fields = append(t.Fields, name)
	for r := range t.Rows {
		t.Rows[r] = append(t.Rows[r], "")
	}
	return len(t.Fields) - 1
}

// Load reads every batch file of layout from fsys. A nil fsys reads the OS
// filesystem. Files are ordered by sequence number, not lexically, so
// _10 follows _9.
func Load(fsys fsutil.FileSystem, layout batchfile.Layout) (*Table, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	matches, err := fsys.Glob(layout.Glob())
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", layout.Glob(), err)
	}

	type seqPath struct {
		seq  int
		path string
	}
	var files []seqPath
	for _, m := range matches {
		if seq, ok := layout.Sequence(m); ok {
			files = append(files, seqPath{seq, m})
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFiles, layout.Glob())
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })

	t := NewTable()
	for _, f := range files {
		data, err := fsys.ReadFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.path, err)
		}
		before := t.Len()
		if err := t.appendCSV(data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.path, err)
		}
		t.Files = append(t.Files, f.path)
		t.FileRows = append(t.FileRows, t.Len()-before)
	}
	return t, nil
}

func (t *Table) appendCSV(data []byte) error {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	cols := make([]int, len(header))
	for i, name := range header {
		cols[i] = t.addField(name)
	}

	for {
		cells, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		row := make([]string, len(t.Fields))
		for i, cell := range cells {
			if i < len(cols) {
				row[cols[i]] = cell
			}
		}
		t.Rows = append(t.Rows, row)
	}
}
