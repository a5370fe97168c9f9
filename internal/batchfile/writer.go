// Package batchfile appends sensor records to CSV batch files.
//
// Each Append opens the target in append mode, writes at most a header row and
// one data row in a single write, and closes the file again. No handle is
// held between calls, so a crash loses at most the row being written.
package batchfile

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"

	"github.com/banshee-data/smell.report/internal/fsutil"
	"github.com/banshee-data/smell.report/internal/record"
)

// ErrIO is matched by every error returned from Writer.Append.
var ErrIO = errors.New("storage error")

// IOError reports a failed file operation on a batch file.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("batch file %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *IOError) Unwrap() []error { return []error{ErrIO, e.Err} }

// Writer appends records to batch files. It is not safe for concurrent use on
// the same path.
type Writer struct {
	fs   fsutil.FileSystem
	perm os.FileMode
}

// NewWriter returns a Writer backed by fsys. A nil fsys uses the OS.
func NewWriter(fsys fsutil.FileSystem) *Writer {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &Writer{fs: fsys, perm: 0o644}
}

// Append writes rec as one row of path. When the file is empty at the moment
// it is opened, a header row with the schema field names is written first.
func (w *Writer) Append(path string, rec record.Record, schema record.Schema) (err error) {
	if rec.Slots() != schema.Len() {
		return &IOError{Path: path, Op: "encode", Err: fmt.Errorf("record has %d slots, schema has %d fields", rec.Slots(), schema.Len())}
	}

	f, err := w.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, w.perm)
	if err != nil {
		return &IOError{Path: path, Op: "open", Err: err}
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = &IOError{Path: path, Op: "close", Err: cerr}
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return &IOError{Path: path, Op: "stat", Err: err}
	}

	buf, err := encodeRows(info.Size() == 0, rec, schema)
	if err != nil {
		return &IOError{Path: path, Op: "encode", Err: err}
	}
	n, err := f.Write(buf)
	if err != nil {
		return &IOError{Path: path, Op: "write", Err: err}
	}
	if n != len(buf) {
		return &IOError{Path: path, Op: "write", Err: fmt.Errorf("short write: %d of %d bytes", n, len(buf))}
	}
	return nil
}

func encodeRows(withHeader bool, rec record.Record, schema record.Schema) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if withHeader {
		if err := cw.Write(schema.Fields()); err != nil {
			return nil, err
		}
	}
	values := rec.Values()
	if len(values) == 1 && values[0] == "" {
		// A lone empty cell would encode as a blank line, which readers skip.
		cw.Flush()
		buf.WriteString("\"\"\n")
	} else if err := cw.Write(values); err != nil {
		return nil, err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
