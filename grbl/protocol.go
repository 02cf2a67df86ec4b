// Package grbl holds the wire-level constants and status model for a
// GRBL 1.1h controller: real-time command bytes, buffer-window sizing, and
// the status-report parser. It is the Go-native generalization of
// spjs.GRBL/spjs.GRBLStatus, stripped of the SPJS relay framing so it can
// sit directly on top of a serial link.
package grbl

import "time"

const (
	// BaudRate is the only rate GRBL 1.1h boards are commonly flashed for.
	BaudRate = 115200

	// RXBufferSize is GRBL's serial receive buffer, in bytes.
	RXBufferSize = 128

	// RXBufferSafety is subtracted from RXBufferSize so a line boundary
	// landing exactly on the edge of the real buffer never overflows it.
	RXBufferSafety = 8

	// RXWindow is the usable character-counting window: the controller's
	// starting ceiling before any Bf: report has refined it.
	RXWindow = RXBufferSize - RXBufferSafety

	// MinRXWindow is the floor the dynamically-refined window never drops
	// below, even if a board reports an implausibly small Bf value.
	MinRXWindow = 64

	// MaxLineLength is the conservative per-line budget, LF included. GRBL
	// firmware builds vary in their real line buffer; 80 is the safe
	// contract this sender promises regardless of build.
	MaxLineLength = 80
)

// Real-time command bytes, sent out-of-band from the character-counted
// stream and never counted against RXWindow.
const (
	RTStatus      byte = '?'
	RTHold        byte = '!'
	RTResume      byte = '~'
	RTReset       byte = 0x18
	RTJogCancel   byte = 0x85
	RTFeedReset   byte = 0x90
	RTFeedPlus10  byte = 0x91
	RTFeedMin10   byte = 0x92
	RTFeedPlus1   byte = 0x93
	RTFeedMin1    byte = 0x94
	RTRapidFull   byte = 0x95
	RTRapidHalf   byte = 0x96
	RTRapidQtr    byte = 0x97
	RTSpinReset   byte = 0x99
	RTSpinPlus10  byte = 0x9A
	RTSpinMin10   byte = 0x9B
	RTSpinPlus1   byte = 0x9C
	RTSpinMin1    byte = 0x9D
	RTSpinToggle  byte = 0x9E
	RTFloodToggle byte = 0xA0
	RTMistToggle  byte = 0xA1
)

// Banner is the substring GRBL prints on boot/reset, used by the
// connection manager to recognize the handshake.
const Banner = "Grbl 1.1"

// Timing defaults, mirrored from the Python ancestor's constants module.
const (
	StatusPollIdle      = 500 * time.Millisecond
	StatusPollRunning   = 100 * time.Millisecond
	StatusPollDefault   = 200 * time.Millisecond
	StatusFailureLimit  = 3
	ReconnectBaseDelay  = 1 * time.Second
	ReconnectMaxDelay   = 30 * time.Second
	HomingGracePeriod   = 20 * time.Second
	WriteTimeout        = 2 * time.Second
	HandshakeTimeout    = 10 * time.Second
)
