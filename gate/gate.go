// Package gate serializes access to the serial link between the
// Streaming Controller, manual/jog sends, and the macro executor, and
// enforces the alarm-lockout allowlist. It generalizes the arbitration
// grbl_worker.py inlines inside _process_manual_queue into an explicit
// type the streaming controller, macro executor, and a future manual
// console all share.
package gate

import (
	"context"
	"strings"
	"sync"

	"github.com/mastercactapus/grblhost/grbl"
)

// Owner identifies who currently holds the gate.
type Owner int

const (
	None Owner = iota
	Stream
	Manual
	Macro
)

func (o Owner) String() string {
	switch o {
	case Stream:
		return "stream"
	case Manual:
		return "manual"
	case Macro:
		return "macro"
	default:
		return "none"
	}
}

// GateErrorKind distinguishes why Acquire refused, per spec's error-kind
// table.
type GateErrorKind int

const (
	BlockedByStreaming GateErrorKind = iota
	BlockedByAlarm
	BlockedByDisconnect
)

// GateError is returned by Acquire when it refuses outright instead of
// blocking: during alarm lockout, or while the gate is marked
// disconnected by SetDisconnected.
type GateError struct {
	Kind GateErrorKind
}

func (e *GateError) Error() string {
	switch e.Kind {
	case BlockedByAlarm:
		return "gate: locked by alarm"
	case BlockedByDisconnect:
		return "gate: link disconnected"
	default:
		return "gate: blocked by streaming"
	}
}

// ErrLocked is the BlockedByAlarm GateError, kept as a package-level
// value so callers can still compare with errors.Is/==.
var ErrLocked error = &GateError{Kind: BlockedByAlarm}

// allowlist is the set of commands permitted through while alarm-locked:
// unlock ($X) and home ($H), mirroring grbl_worker.py's alarm-gated
// manual queue.
var allowlist = []string{"$X", "$H"}

// Gate mediates exclusive access to the serial link.
type Gate struct {
	mu           sync.Mutex
	owner        Owner
	locked       bool
	lockCode     int
	disconnected bool
	freed        chan struct{}
}

// New builds an unlocked, unowned Gate.
func New() *Gate { return &Gate{freed: make(chan struct{}, 1)} }

// Lock puts the gate into alarm lockout with the given GRBL alarm code.
// Release is still possible via an allowlisted command.
func (g *Gate) Lock(code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locked = true
	g.lockCode = code
}

// Unlock clears alarm lockout, normally once GRBL reports Idle/Run after
// a successful $X.
func (g *Gate) Unlock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locked = false
	g.lockCode = 0
}

// Locked reports whether the gate is currently alarm-locked.
func (g *Gate) Locked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locked
}

// SetDisconnected marks whether the underlying link is currently known to
// be down. While true, Acquire refuses every owner unconditionally (the
// alarm allowlist does not apply: there is no link to write $X/$H to),
// mirroring the Connection Manager's unexpected-close path.
func (g *Gate) SetDisconnected(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disconnected = v
}

// Disconnected reports whether the gate currently considers the link
// down.
func (g *Gate) Disconnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disconnected
}

// Allowed reports whether command text is permitted while locked.
func Allowed(command string) bool {
	trimmed := strings.TrimSpace(strings.ToUpper(command))
	for _, a := range allowlist {
		if strings.HasPrefix(trimmed, a) {
			return true
		}
	}
	return false
}

// AllowedRealtime reports whether a single real-time byte is permitted
// while locked: soft reset and the status query, per spec's alarm
// protocol ("only $X, $H, soft reset, and ? may be transmitted until
// user clears"). Feed hold, resume, jog cancel, and every override byte
// are not on this list.
func AllowedRealtime(b byte) bool {
	return b == grbl.RTReset || b == grbl.RTStatus
}

// Acquire blocks until owner can take exclusive control of the link, or
// ctx is canceled. If the gate is alarm-locked, only a command on the
// allowlist may acquire it; pass the command text being sent so Acquire
// can check it, or "" for callers (like the stream controller resuming
// after Idle) that don't send a single command string.
func (g *Gate) Acquire(ctx context.Context, owner Owner, command string) (func(), error) {
	for {
		g.mu.Lock()
		if g.disconnected {
			g.mu.Unlock()
			return nil, &GateError{Kind: BlockedByDisconnect}
		}
		if g.locked && !Allowed(command) {
			g.mu.Unlock()
			return nil, ErrLocked
		}
		if g.owner == None {
			g.owner = owner
			g.mu.Unlock()
			return func() { g.release(owner) }, nil
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-g.freed:
		}
	}
}

func (g *Gate) release(owner Owner) {
	g.mu.Lock()
	if g.owner == owner {
		g.owner = None
	}
	g.mu.Unlock()
	select {
	case g.freed <- struct{}{}:
	default:
	}
}

// Owner returns who currently holds the gate.
func (g *Gate) Owner() Owner {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner
}
