package batchfile

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/smell.report/internal/security"
)

const (
	DefaultPrefix = "BACKGROUNDdata_"
	DefaultExt    = ".csv"
)

// Layout names the rotating batch files under an output directory:
// <Dir>/<Prefix><N><Ext>.
type Layout struct {
	Dir    string
	Prefix string
	Ext    string
}

// NewLayout returns a Layout for dir with the default prefix and extension.
func NewLayout(dir string) Layout {
	return Layout{Dir: dir, Prefix: DefaultPrefix, Ext: DefaultExt}
}

// Validate rejects layouts whose names could land outside Dir.
func (l Layout) Validate() error {
	if strings.TrimSpace(l.Dir) == "" {
		return fmt.Errorf("output directory is required")
	}
	if err := security.ValidateFileComponent(l.Prefix); err != nil {
		return fmt.Errorf("invalid file prefix: %w", err)
	}
	if l.Ext != "" {
		if err := security.ValidateFileComponent(l.Ext); err != nil {
			return fmt.Errorf("invalid file extension: %w", err)
		}
	}
	if strings.ContainsAny(l.Prefix+l.Ext, "*?[") {
		return fmt.Errorf("file prefix %q and extension %q must not contain glob characters", l.Prefix, l.Ext)
	}
	return nil
}

// Path returns the file for sequence number seq.
func (l Layout) Path(seq int) string {
	return filepath.Join(l.Dir, l.Prefix+strconv.Itoa(seq)+l.Ext)
}

// Glob returns a filepath.Match pattern covering every batch file.
func (l Layout) Glob() string {
	return filepath.Join(l.Dir, l.Prefix+"*"+l.Ext)
}

// Sequence extracts the sequence number from a batch file path. ok is false
// for paths that do not follow the layout.
func (l Layout) Sequence(path string) (seq int, ok bool) {
	if filepath.Clean(filepath.Dir(path)) != filepath.Clean(l.Dir) {
		return 0, false
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, l.Prefix) || !strings.HasSuffix(base, l.Ext) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(base, l.Prefix), l.Ext)
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}
