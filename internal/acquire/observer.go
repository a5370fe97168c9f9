package acquire

import (
	"github.com/banshee-data/smell.report/internal/record"
	"github.com/banshee-data/smell.report/internal/serialmux"
)

// Observer is notified synchronously by the loop. Implementations must not
// block and must handle their own errors; nothing an observer does can stop
// the loop.
type Observer interface {
	// OnLine is called for every line read, before parsing.
	OnLine(line string)
	// OnParseError is called for a line that was dropped.
	OnParseError(line string, err error)
	// OnRecord is called after rec was appended as row (1-based) of the file
	// with sequence number seq.
	OnRecord(path string, seq, row int, rec record.Record)
	// OnRotate is called when the file with sequence number seq is full.
	OnRotate(seq int, path string, rows int)
	// OnStop is called once when Run returns. err is nil on cancellation.
	OnStop(state State, err error)
}

// NopObserver implements Observer with no-ops. Embed it to implement only
// the callbacks you need.
type NopObserver struct{}

func (NopObserver) OnLine(string)                            {}
func (NopObserver) OnParseError(string, error)               {}
func (NopObserver) OnRecord(string, int, int, record.Record) {}
func (NopObserver) OnRotate(int, string, int)                {}
func (NopObserver) OnStop(State, error)                      {}

// TapObserver publishes every raw line to a serialmux.Tap.
type TapObserver struct {
	NopObserver
	Tap *serialmux.Tap
}

// OnLine publishes line.
func (o TapObserver) OnLine(line string) { o.Tap.Publish(line) }
