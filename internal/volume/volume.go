// Package volume reports free space on the filesystem holding the batch
// files.
package volume

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/banshee-data/smell.report/internal/monitoring"
)

// Usage is a snapshot of one filesystem.
type Usage struct {
	Path        string  `json:"path"`
	Fstype      string  `json:"fstype"`
	Total       uint64  `json:"total_bytes"`
	Free        uint64  `json:"free_bytes"`
	Used        uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// usageFunc is swapped in tests.
var usageFunc = disk.Usage

// Stat returns the usage of the filesystem containing path.
func Stat(path string) (Usage, error) {
	u, err := usageFunc(path)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to stat volume %s: %w", path, err)
	}
	return Usage{
		Path:        u.Path,
		Fstype:      u.Fstype,
		Total:       u.Total,
		Free:        u.Free,
		Used:        u.Used,
		UsedPercent: u.UsedPercent,
	}, nil
}

// Low reports whether fewer than minFree bytes are available.
func (u Usage) Low(minFree uint64) bool { return u.Free < minFree }

// WarnIfLow logs a warning when the volume at path has less than minFree
// bytes available. It never fails: a volume that cannot be inspected is
// logged and acquisition carries on.
func WarnIfLow(path string, minFree uint64) (Usage, bool) {
	u, err := Stat(path)
	if err != nil {
		monitoring.Logf("warning: %v", err)
		return Usage{}, false
	}
	if u.Low(minFree) {
		monitoring.Logf("warning: only %s free on %s (want at least %s)", FormatBytes(u.Free), path, FormatBytes(minFree))
		return u, true
	}
	monitoring.Debugf("volume %s: %s free of %s", path, FormatBytes(u.Free), FormatBytes(u.Total))
	return u, false
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
