// Package session wires the Serial Link, Status Tracker, Streaming
// Controller, Macro/Manual Gate, and Macro Executor into one runnable
// unit. It is the Go-native replacement for spjs.Controller, which wired
// spjs.Port + a Driver + a jobController together over the SPJS relay;
// Session wires the same four roles together over a direct serial link.
package session

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mastercactapus/grblhost/gate"
	"github.com/mastercactapus/grblhost/gcode"
	"github.com/mastercactapus/grblhost/grbl"
	"github.com/mastercactapus/grblhost/internal/obslog"
	"github.com/mastercactapus/grblhost/serialio"
	"github.com/mastercactapus/grblhost/stream"
)

// manualPending is one outstanding manual/macro line awaiting its ok,
// played by the Gate's current non-stream owner.
type manualPending struct {
	done chan error
}

// Session owns the reader goroutine that demultiplexes inbound lines
// between the status Tracker, the Streaming Controller's ack channel,
// and whichever manual/macro send is currently outstanding. Only one of
// "stream is sending" and "manual/macro is sending" is ever true at a
// time: StartStream/ResumeStream synchronize with any in-flight
// manual/macro send through the Gate before arming, and sendAs rejects
// manual/macro sends outright for as long as the controller then reports
// Running/Paused/Stopping (see streaming).
type Session struct {
	Link    *serialio.Link
	Tracker *grbl.Tracker
	Gate    *gate.Gate
	Log     *slog.Logger

	// OnWriteFailure, if set, is called whenever a write to Link fails
	// (spec §4.A's write-failure path, distinct from ReadLoop's own
	// read-error path). main.go wires this to the Connection Manager's
	// Fail so a write timeout drives the same auto-reconnect loop a read
	// failure does, instead of only locking the gate.
	OnWriteFailure func()

	mu       sync.Mutex
	ctrl     *stream.Controller
	manualMu sync.Mutex
	manual   *manualPending
}

// New builds a Session around an already-connected Link.
func New(link *serialio.Link, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{Link: link, Tracker: grbl.NewTracker(), Gate: gate.New(), Log: log}
}

// Reattach swaps in a freshly reconnected Link after the Connection
// Manager's Reconnect succeeds and clears the gate's disconnected
// lockout so sendAs/StartStream/ResumeStream can acquire it again. Only
// call Reattach once the previous ReadLoop has returned (its read error
// is what set the lockout in the first place) and before starting a new
// one against the new Link.
func (s *Session) Reattach(link *serialio.Link) {
	s.Link = link
	s.Gate.SetDisconnected(false)
}

// AttachController installs the Streaming Controller whose acks the
// reader loop should route ok/error/ALARM lines to while it is actively
// streaming (Running/Paused/Stopping); see routeAck/streaming.
func (s *Session) AttachController(c *stream.Controller) {
	s.mu.Lock()
	s.ctrl = c
	s.mu.Unlock()
}

// ReadLoop is the single reader goroutine for the whole session; it must
// be the only goroutine calling Link.ReadLine, matching SPEC_FULL.md §5's
// "reader" worker role.
func (s *Session) ReadLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := s.Link.ReadLine()
		if err != nil {
			s.Gate.SetDisconnected(true)
			return fmt.Errorf("session: read loop: %w", err)
		}
		if line == "" {
			continue
		}

		if grbl.IsStatusReport(line) {
			if err := s.Tracker.Apply(line); err != nil {
				s.Log.Warn("status parse failed", "line", line, "err", err)
				continue
			}
			cur := s.Tracker.Current()
			s.Log.Log(ctx, obslog.StatusLevel(cur.State), "status report", "state", cur.State, "line", line)
			if cur.Buf > 0 {
				s.mu.Lock()
				ctrl := s.ctrl
				s.mu.Unlock()
				if ctrl != nil {
					ctrl.NotifyRXAvail(cur.Buf)
				}
			}
			if cur.IsAlarm() {
				s.onAlarm(0)
			}
			continue
		}

		kind, code := grbl.ParseAck(line)
		if kind == grbl.AckUnknown {
			s.Log.Info("unrecognized line", "line", line)
			continue
		}

		s.routeAck(kind, code)
	}
}

// onAlarm locks the Gate and notifies the attached Streaming Controller
// regardless of who currently owns the gate or whether a line is
// in-flight, covering ALARM:N lines, the codeless
// "[MSG:Reset to continue]" feedback line, and a status report that
// reports State=Alarm on its own.
func (s *Session) onAlarm(code int) {
	s.Gate.Lock(code)
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl != nil {
		ctrl.NotifyAlarm(code)
	}
}

// streaming reports whether the attached Streaming Controller currently
// owns the link: acks arriving while true belong to its pending FIFO,
// not to any manual/macro send, since sendAs rejects manual/macro sends
// outright for as long as this holds (see BlockedByStreaming below).
func streaming(st stream.State) bool {
	return st == stream.Running || st == stream.Paused || st == stream.Stopping
}

func (s *Session) routeAck(kind grbl.AckKind, code int) {
	if kind == grbl.AckAlarm {
		s.onAlarm(code)
	}

	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()

	if ctrl != nil && streaming(ctrl.Status().State) {
		ctrl.AckCh() <- stream.Ack{Kind: kind, Code: code}
		return
	}

	s.manualMu.Lock()
	p := s.manual
	s.manual = nil
	s.manualMu.Unlock()
	if p != nil {
		if kind == grbl.AckOK {
			p.done <- nil
		} else {
			p.done <- fmt.Errorf("grbl: rejected (%v %d)", kind, code)
		}
	}
}

// SendAndWait implements macro.Sender: acquire the gate as Macro,
// write the line, and block for its ok/error response.
func (s *Session) SendAndWait(ctx context.Context, line string) error {
	return s.sendAs(ctx, gate.Macro, line)
}

// SendManual implements a console/jog send under the Manual owner.
func (s *Session) SendManual(ctx context.Context, line string) error {
	return s.sendAs(ctx, gate.Manual, line)
}

// sendAs runs the send-time validation every manual/macro line must pass
// before it ever reaches the Link (job lines are validated once, at
// load, by gcode.Load) and, if it passes, serializes the send through
// the Gate. A validation failure is reported with its source label and
// never touches stream or gate state, per spec's propagation policy for
// ValidationError.
func (s *Session) sendAs(ctx context.Context, owner gate.Owner, line string) error {
	if err := gcode.Validate(line); err != nil {
		return err
	}

	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl != nil && streaming(ctrl.Status().State) {
		return &gate.GateError{Kind: gate.BlockedByStreaming}
	}

	release, err := s.Gate.Acquire(ctx, owner, line)
	if err != nil {
		return fmt.Errorf("session: acquire gate: %w", err)
	}
	defer release()

	p := &manualPending{done: make(chan error, 1)}
	s.manualMu.Lock()
	s.manual = p
	s.manualMu.Unlock()

	if err := s.Link.WriteLine(ctx, line); err != nil {
		s.onWriteFailure()
		return fmt.Errorf("session: write %q: %w", line, err)
	}

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitIdle and WaitStatusUpdate/IsAlarmed satisfy macro.StatusWaiter by
// delegating to the Tracker.
func (s *Session) WaitIdle(ctx context.Context, timeout time.Duration) error {
	return s.Tracker.WaitIdle(ctx, timeout)
}
func (s *Session) WaitStatusUpdate(ctx context.Context, timeout time.Duration) error {
	return s.Tracker.WaitStatusUpdate(ctx, timeout)
}
func (s *Session) IsAlarmed() bool { return s.Tracker.IsAlarmed() }

// StatusPoller runs a ticker that issues the '?' real-time status query
// at an interval that shortens while the stream controller reports
// Running and lengthens while Idle, mirroring STATUS_POLL_RUNNING/
// STATUS_POLL_IDLE from the Python ancestor's constants module.
func (s *Session) StatusPoller(ctx context.Context, state func() stream.State) error {
	interval := grbl.StatusPollDefault
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Link.WriteRealtime(grbl.RTStatus); err != nil {
				return fmt.Errorf("session: status poll: %w", err)
			}
			next := pollInterval(state())
			if next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func pollInterval(st stream.State) time.Duration {
	switch st {
	case stream.Running:
		return grbl.StatusPollRunning
	case stream.Idle:
		return grbl.StatusPollIdle
	default:
		return grbl.StatusPollDefault
	}
}

// LoadJob reads the job from r (path names it in errors), validates and
// indexes it through gcode.Load, and
// returns a ready-to-run Streaming Controller starting at startLine
// (0 for the beginning). If startLine > 0, the caller is responsible for
// sending gcode.Preamble(snapshot) first to re-establish modal state.
func (s *Session) LoadJob(path string, r *bufio.Scanner, startLine int) (*stream.Controller, gcode.Snapshot, error) {
	src, err := gcode.Load(path, r)
	if err != nil {
		return nil, gcode.Snapshot{}, err
	}
	snap, err := gcode.Scan(src, startLine)
	if err != nil {
		return nil, snap, err
	}
	ctrl := stream.New(s.Link, src, startLine)
	s.AttachController(ctrl)
	return ctrl, snap, nil
}

// StartStream and ResumeStream arm/resume the attached Streaming
// Controller after waiting out any currently in-flight manual/macro send
// through the same Gate sendAs uses, so the "single mutex serializes
// streaming dispatch, manual sends, macro sends" guarantee holds at the
// instant of transition. The gate is held only across that instant: once
// Start/Resume returns, Controller.Status().State is Running (or Paused),
// and sendAs rejects further manual/macro sends outright for as long as
// that holds, so nothing needs to keep holding the gate for the rest of
// the job the way a classic mutex would.
func (s *Session) StartStream(ctx context.Context, ctrl *stream.Controller) error {
	release, err := s.Gate.Acquire(ctx, gate.Stream, "")
	if err != nil {
		return fmt.Errorf("session: acquire gate: %w", err)
	}
	defer release()
	return ctrl.Start(ctx)
}

func (s *Session) ResumeStream(ctx context.Context, ctrl *stream.Controller) error {
	release, err := s.Gate.Acquire(ctx, gate.Stream, "")
	if err != nil {
		return fmt.Errorf("session: acquire gate: %w", err)
	}
	defer release()
	return ctrl.Resume(ctx)
}

// SendRealtime forwards a single real-time byte (feed hold, overrides,
// reset) directly, bypassing the gate's ownership arbitration: real-time
// bytes are never counted against the flow-control window and can
// preempt anything. It still enforces the alarm allowlist, though —
// while the gate is alarm-locked, only soft reset (0x18) and the status
// query ('?') are let through; every other real-time byte (feed hold,
// resume, jog cancel, overrides) is rejected with gate.ErrLocked.
func (s *Session) SendRealtime(b byte) error {
	if s.Gate.Locked() && !gate.AllowedRealtime(b) {
		return gate.ErrLocked
	}
	if err := s.Link.WriteRealtime(b); err != nil {
		s.onWriteFailure()
		return err
	}
	return nil
}

// onWriteFailure locks the gate the same way ReadLoop's read-error path
// does, so in-flight and future sends fail fast with BlockedByDisconnect,
// and notifies OnWriteFailure so the Connection Manager's reconnect loop
// picks up the dead link instead of only the caller seeing an error.
func (s *Session) onWriteFailure() {
	s.Gate.SetDisconnected(true)
	if s.OnWriteFailure != nil {
		s.OnWriteFailure()
	}
}

// ResetAndClear clears any alarm lockout state tracked locally by the
// Gate and then issues a soft reset, without waiting for any reply.
func (s *Session) ResetAndClear() error {
	s.Gate.Unlock()
	return s.Link.WriteRealtime(grbl.RTReset)
}

// ClearAlarm implements the "AlarmLocked --$X/$H ok + Idle status-->
// Idle" transition: it sends $X (the allowlisted unlock command, which
// passes Gate.Acquire even while locked), waits for its ok, then waits
// until the Tracker's current status is Idle (returning at once if the
// last report already showed Idle), and only then unlocks the
// Gate and clears the attached Streaming Controller back to Idle. It is
// a no-op if the gate is not currently alarm-locked.
func (s *Session) ClearAlarm(ctx context.Context, timeout time.Duration) error {
	if !s.Gate.Locked() {
		return nil
	}
	if err := s.sendAs(ctx, gate.Manual, "$X"); err != nil {
		return fmt.Errorf("session: unlock: %w", err)
	}
	if err := s.Tracker.WaitIdle(ctx, timeout); err != nil {
		return fmt.Errorf("session: waiting for idle after unlock: %w", err)
	}
	s.Gate.Unlock()
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl != nil {
		return ctrl.Clear(ctx)
	}
	return nil
}
