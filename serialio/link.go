// Package serialio owns the physical serial connection: opening the
// port, framing inbound lines, and writing outbound G-code lines and
// real-time command bytes. It is the direct-serial replacement for
// spjs.Port/spjs.Client, which talked to an SPJS relay daemon over a
// websocket instead of to the device directly.
package serialio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/mastercactapus/grblhost/grbl"
)

// Port is the subset of go.bug.st/serial.Port this package depends on,
// kept as an interface so tests can substitute an in-memory pipe instead
// of a real device.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Link opens a serial port at GRBL's fixed 115200 8-N-1 framing and
// exposes line-oriented read/write plus single-byte real-time writes.
type Link struct {
	port Port
	r    *bufio.Reader

	writeTimeout time.Duration
}

// Open opens name at GRBL's baud rate via go.bug.st/serial.
func Open(name string) (*Link, error) {
	mode := &serial.Mode{BaudRate: grbl.BaudRate, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("serialio: open %s: %w", name, err)
	}
	return newLink(p), nil
}

func newLink(p Port) *Link {
	return &Link{port: p, r: bufio.NewReader(p), writeTimeout: grbl.WriteTimeout}
}

// Close closes the underlying port.
func (l *Link) Close() error { return l.port.Close() }

// ReadLine blocks until a newline-terminated line arrives, trimming the
// trailing CR/LF. It is safe to call only from the single reader
// goroutine per the concurrency model in SPEC_FULL.md §5.
func (l *Link) ReadLine() (string, error) {
	line, err := l.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("serialio: read: %w", err)
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}

// WriteLine writes line followed by a single LF, the framing GRBL
// expects for G-code and $ commands. The write is bounded by both ctx
// and the Link's own writeTimeout, whichever elapses first; a write that
// blocks past either deadline returns an error and leaves the
// underlying goroutine to finish or fail on its own, since the Port
// interface gives no way to cancel an in-flight Write.
func (l *Link) WriteLine(ctx context.Context, line string) error {
	ctx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := io.WriteString(l.port, line+"\n")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("serialio: write line: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("serialio: write line: %w", ctx.Err())
	}
}

// WriteRealtime sends a single real-time command byte, bypassing the
// line-oriented write path since these bytes are never newline-framed
// and never counted against the RX window. The write is bounded by the
// Link's writeTimeout the same way WriteLine's is.
func (l *Link) WriteRealtime(b byte) error {
	done := make(chan error, 1)
	go func() {
		_, err := l.port.Write([]byte{b})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("serialio: write realtime 0x%02x: %w", b, err)
		}
		return nil
	case <-time.After(l.writeTimeout):
		return fmt.Errorf("serialio: write realtime 0x%02x: %w", b, context.DeadlineExceeded)
	}
}
