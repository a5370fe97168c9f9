package serialmux

import (
	"io"
	"time"
)

// ReplayPort plays a fixed set of lines over and over, one every interval,
// to stand in for the sensor board in dev mode.
type ReplayPort struct {
	*io.PipeReader
	w    *io.PipeWriter
	stop chan struct{}
}

// NewReplayPort starts replaying lines. Close stops the replay.
func NewReplayPort(lines []string, interval time.Duration) *ReplayPort {
	r, w := io.Pipe()
	p := &ReplayPort{PipeReader: r, w: w, stop: make(chan struct{})}

	go func() {
		defer w.Close()
		if len(lines) == 0 {
			<-p.stop
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; ; i = (i + 1) % len(lines) {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
			}
			if _, err := io.WriteString(w, lines[i]+"\r\n"); err != nil {
				return
			}
		}
	}()

	return p
}

// Write discards commands; the replayed device has no input.
func (p *ReplayPort) Write(b []byte) (int, error) { return len(b), nil }

// Close stops the replay and unblocks pending reads.
func (p *ReplayPort) Close() error {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	return p.PipeReader.Close()
}
