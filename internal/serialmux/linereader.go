// Package serialmux reads newline-terminated sensor output from a serial
// port, or from anything else that behaves like one.
package serialmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrTransport is matched by every error LineReader reports for the
// underlying device.
var ErrTransport = errors.New("transport error")

// TransportError reports that the line source is unusable: the device could
// not be opened, a read failed, or the stream ended.
type TransportError struct {
	Port string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Port == "" {
		return fmt.Sprintf("serial %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("serial %s %s: %v", e.Op, e.Port, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// DefaultMaxLineLength bounds a single line. Longer lines are reported as a
// TransportError since the framing can no longer be trusted.
const DefaultMaxLineLength = 64 * 1024

// LineReader delivers one line at a time from a byte stream with the
// terminator (\n or \r\n) removed. Each line is delivered at most once.
type LineReader struct {
	name   string
	r      io.Reader
	closer io.Closer
	maxLen int

	startOnce sync.Once
	lines     chan string
	errc      chan error
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	err error
}

// NewLineReader wraps r. If r is also an io.Closer it is closed by Close.
func NewLineReader(r io.Reader) *LineReader {
	lr := &LineReader{
		r:      r,
		maxLen: DefaultMaxLineLength,
		lines:  make(chan string),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		lr.closer = c
	}
	return lr
}

// OpenLineReader opens the serial port at path with factory and wraps it.
// A nil factory opens real hardware.
func OpenLineReader(factory SerialPortFactory, path string, opts PortOptions) (*LineReader, error) {
	if factory == nil {
		factory = NewRealSerialPortFactory()
	}
	port, err := factory.Open(path, opts)
	if err != nil {
		return nil, &TransportError{Port: path, Op: "open", Err: err}
	}
	lr := NewLineReader(port)
	lr.name = path
	return lr, nil
}

// SetMaxLineLength changes the longest accepted line. It must be called
// before the first NextLine.
func (lr *LineReader) SetMaxLineLength(n int) {
	if n > 0 {
		lr.maxLen = n
	}
}

// Name returns the port path, or "" when the reader was not opened by path.
func (lr *LineReader) Name() string { return lr.name }

func (lr *LineReader) start() {
	scan := bufio.NewScanner(lr.r)
	initial := 4096
	if lr.maxLen < initial {
		initial = lr.maxLen
	}
	scan.Buffer(make([]byte, 0, initial), lr.maxLen)

	// The blocking Scan runs on its own goroutine so NextLine can also wait
	// on the caller's context.
	go func() {
		defer close(lr.lines)
		for scan.Scan() {
			select {
			case lr.lines <- scan.Text():
			case <-lr.done:
				return
			}
		}
		err := scan.Err()
		if err == nil {
			err = io.EOF
		}
		lr.errc <- err
	}()
}

// NextLine blocks until a full line is available and returns it without its
// terminator. It returns ctx.Err() if ctx ends first; in that case no line is
// consumed. Once the stream fails or ends every call returns the same
// *TransportError.
func (lr *LineReader) NextLine(ctx context.Context) (string, error) {
	if lr.err != nil {
		return "", lr.err
	}
	lr.startOnce.Do(lr.start)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-lr.lines:
		if ok {
			return line, nil
		}
		var cause error
		select {
		case cause = <-lr.errc:
		default:
			cause = io.ErrClosedPipe
		}
		lr.err = &TransportError{Port: lr.name, Op: "read", Err: cause}
		return "", lr.err
	}
}

// Close stops the reader and closes the underlying port. A goroutine blocked
// in a read is released once the port reports the close.
func (lr *LineReader) Close() error {
	lr.closeOnce.Do(func() {
		close(lr.done)
		if lr.closer != nil {
			lr.closeErr = lr.closer.Close()
		}
	})
	return lr.closeErr
}
