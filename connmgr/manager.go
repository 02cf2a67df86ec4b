// Package connmgr owns the GRBL handshake, reconnect-with-backoff, and
// status-poll watchdog. It generalizes spjs.Client's reconnect() (which
// redialed a websocket to the SPJS relay) onto redialing a serial port
// directly, and adds the homing-grace-period and poll-failure-backoff
// behavior grbl_worker.py's connect()/_status_loop implement against the
// real device.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mastercactapus/grblhost/grbl"
	"github.com/mastercactapus/grblhost/serialio"
)

// Phase is the connection manager's coarse lifecycle state.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	AwaitingBanner
	AwaitingFirstStatus
	Ready
	Homing
	Failed
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case AwaitingBanner:
		return "AwaitingBanner"
	case AwaitingFirstStatus:
		return "AwaitingFirstStatus"
	case Ready:
		return "Ready"
	case Homing:
		return "Homing"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Manager drives the open/handshake/reconnect lifecycle for one serial
// port name.
type Manager struct {
	portName string
	log      *slog.Logger

	link *serialio.Link

	phase            Phase
	failures         int
	homingDeadline   time.Time
	userDisconnected bool
}

// New builds a Manager for portName. log may be nil, in which case
// slog.Default() is used.
func New(portName string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{portName: portName, log: log, phase: Disconnected}
}

// Phase returns the manager's current lifecycle phase.
func (m *Manager) Phase() Phase { return m.phase }

// Link returns the currently open link, or nil if disconnected.
func (m *Manager) Link() *serialio.Link { return m.link }

// Connect opens the port and runs the full handshake: wait up to
// HandshakeTimeout for either GRBL's boot banner or any well-formed
// status report, then issue a '?' real-time byte and wait for the first
// status report before the manager is Ready. Only once Ready is the
// caller permitted to dispatch `$$` and other system commands. On
// success the failure counter used for backoff resets.
func (m *Manager) Connect(ctx context.Context) error {
	m.phase = Connecting
	m.userDisconnected = false
	m.log.Info("connecting", "port", m.portName)

	link, err := serialio.Open(m.portName)
	if err != nil {
		m.failures++
		return fmt.Errorf("connmgr: open %s: %w", m.portName, err)
	}
	m.link = link
	m.phase = AwaitingBanner

	ctx, cancel := context.WithTimeout(ctx, grbl.HandshakeTimeout)
	defer cancel()

	sawGreeting := make(chan error, 1)
	firstStatus := make(chan error, 1)
	go func() {
		greeted := false
		for {
			line, err := link.ReadLine()
			if err != nil {
				if !greeted {
					sawGreeting <- err
				}
				firstStatus <- err
				return
			}
			if !greeted && (strings.Contains(line, grbl.Banner) || grbl.IsStatusReport(line)) {
				greeted = true
				sawGreeting <- nil
			}
			if greeted && grbl.IsStatusReport(line) {
				firstStatus <- nil
				return
			}
		}
	}()

	select {
	case err := <-sawGreeting:
		if err != nil {
			m.failures++
			m.phase = Disconnected
			link.Close()
			m.link = nil
			return fmt.Errorf("connmgr: await banner: %w", err)
		}
	case <-ctx.Done():
		link.Close()
		m.link = nil
		m.phase = Disconnected
		return ctx.Err()
	}

	m.phase = AwaitingFirstStatus
	if err := link.WriteRealtime(grbl.RTStatus); err != nil {
		m.failures++
		m.phase = Disconnected
		link.Close()
		m.link = nil
		return fmt.Errorf("connmgr: query first status: %w", err)
	}

	select {
	case err := <-firstStatus:
		if err != nil {
			m.failures++
			m.phase = Disconnected
			link.Close()
			m.link = nil
			return fmt.Errorf("connmgr: await first status: %w", err)
		}
	case <-ctx.Done():
		link.Close()
		m.link = nil
		m.phase = Disconnected
		return ctx.Err()
	}

	m.failures = 0
	m.phase = Ready
	m.log.Info("connected", "port", m.portName)
	return nil
}

// Disconnect closes the link, if any, and returns to Disconnected phase.
// It marks the disconnect as user-initiated so Reconnect is not later
// triggered by the resulting read error.
func (m *Manager) Disconnect() error {
	m.phase = Disconnected
	m.userDisconnected = true
	if m.link == nil {
		return nil
	}
	err := m.link.Close()
	m.link = nil
	return err
}

// Fail transitions the manager into the Failed phase and closes the
// current link, the write-failure counterpart to ReadLoop's own
// read-error path: a write that times out or otherwise fails means the
// link is dead even though the blocked reader goroutine hasn't yet
// observed a read error of its own. Closing the link here makes that
// reader observe one, so the existing auto-reconnect loop still drives
// the actual reconnect the same way it does for a read failure. It does
// not mark the close as user-initiated, so ShouldAutoReconnect still
// allows the caller to retry.
func (m *Manager) Fail() {
	m.phase = Failed
	if m.link == nil {
		return
	}
	m.link.Close()
	m.link = nil
}

// ShouldAutoReconnect reports whether an unexpected close should trigger
// Reconnect: only true when the link was not closed by an explicit
// Disconnect call.
func (m *Manager) ShouldAutoReconnect() bool {
	return !m.userDisconnected
}

// BackoffDelay returns how long to wait before the next reconnect
// attempt, growing exponentially from ReconnectBaseDelay up to
// ReconnectMaxDelay as consecutive failures accumulate.
func (m *Manager) BackoffDelay() time.Duration {
	d := grbl.ReconnectBaseDelay
	for i := 0; i < m.failures && d < grbl.ReconnectMaxDelay; i++ {
		d *= 2
	}
	if d > grbl.ReconnectMaxDelay {
		d = grbl.ReconnectMaxDelay
	}
	return d
}

// Reconnect waits out BackoffDelay and then attempts Connect again.
func (m *Manager) Reconnect(ctx context.Context) error {
	delay := m.BackoffDelay()
	m.log.Warn("reconnecting", "port", m.portName, "delay", delay, "failures", m.failures)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.Connect(ctx)
}

// BeginHoming marks the start of a homing cycle: status-poll timeouts
// during the grace period are tolerated instead of tripping the
// disconnect watchdog, since $H can legitimately leave GRBL quiet for
// several seconds per axis.
func (m *Manager) BeginHoming() {
	m.phase = Homing
	m.homingDeadline = time.Now().Add(grbl.HomingGracePeriod)
}

// EndHoming returns the manager to Ready phase.
func (m *Manager) EndHoming() {
	if m.phase == Homing {
		m.phase = Ready
	}
}

// WithinHomingGrace reports whether a status-poll silence right now
// should be tolerated because a homing cycle is in its grace period.
func (m *Manager) WithinHomingGrace() bool {
	return m.phase == Homing && time.Now().Before(m.homingDeadline)
}

// Watchdog runs a status-poll ticker, calling onPoll on every tick and
// counting each non-nil error it returns as a failed poll,
// and returns an error once StatusFailureLimit consecutive failures
// accumulate outside the homing grace period, signaling the caller
// should treat the link as dead and reconnect. Grounded on
// grbl_worker.py's _status_loop backoff counter.
func (m *Manager) Watchdog(ctx context.Context, interval time.Duration, onPoll func() error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := onPoll()
			if err == nil {
				consecutive = 0
				continue
			}
			if m.WithinHomingGrace() {
				continue
			}
			consecutive++
			m.log.Warn("status poll failed", "consecutive", consecutive, "err", err)
			if consecutive >= grbl.StatusFailureLimit {
				return errors.New("connmgr: status poll watchdog tripped")
			}
		}
	}
}
