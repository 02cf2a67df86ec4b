package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/mastercactapus/grblhost/gcode"
	"github.com/mastercactapus/grblhost/grbl"
)

// Writer is the minimal interface the controller needs from the serial
// link: queue a line for transmission and send a single real-time byte
// out of band. Implemented by serialio.Link; kept as an interface here so
// stream can be tested with a fake.
type Writer interface {
	WriteLine(ctx context.Context, line string) error
	WriteRealtime(b byte) error
}

// Ack is one response line classified by the reader goroutine and handed
// to the controller. Status reports are delivered separately through
// NotifyRXAvail/NotifyAlarm and are not Acks.
type Ack struct {
	Kind grbl.AckKind
	Code int
}

// autoPauseWords are M-codes that, once acknowledged, pause the stream
// until the operator issues Resume: tool changes and program stops need a
// human at the machine before the next line goes out. Grounded on
// grbl_worker_streaming.py's pause-after-M0/M1/M6 handling.
var autoPauseWords = []gcode.Word{{Letter: 'M', Value: 0}, {Letter: 'M', Value: 1}, {Letter: 'M', Value: 6}}

// windowHardCap bounds the dynamically-refined window against a garbled or
// implausible Bf report; GRBL 1.1h boards with larger-than-stock RX buffers
// can legitimately push the ceiling above grbl.RXWindow, but not past this.
const windowHardCap = 4096

// clampWindow enforces the floor/cap on a freshly computed RX-window
// ceiling: max(min_safe, min(rx_avail+pending, hard_cap)) per the Bf
// refinement rule.
func clampWindow(n int) int {
	if n < grbl.MinRXWindow {
		return grbl.MinRXWindow
	}
	if n > windowHardCap {
		return windowHardCap
	}
	return n
}

// Controller owns the character-counting flow-control window and the
// pending-acknowledgment FIFO. Only the goroutine running Run ever
// touches pending/window/state; callers interact exclusively through
// channels and the exported command methods, matching the "single
// goroutine owns the FIFO" rule instead of guarding it with a mutex the
// way the Python ancestor's _stream_lock did.
type Controller struct {
	w   Writer
	src gcode.Source

	ackCh    chan Ack
	bfCh     chan int
	alarmCh  chan int
	cmdCh    chan command
	statusCh chan ControllerStatus

	mu     sync.Mutex
	status ControllerStatus

	// StopJogCancelBefore and StopImmediateReset implement spec.md
	// §4.D/§9's two Stop configurables: whether a jog-cancel real-time
	// byte (0x85) precedes the soft reset, and whether Stop resets
	// immediately ("soft-reset-only") rather than waiting for in-flight
	// pending lines to drain first ("stop-stream-then-reset"). Only Run's
	// goroutine reads these; set them before calling Run.
	StopJogCancelBefore bool
	StopImmediateReset  bool

	done chan struct{}
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdOverride
	cmdClear
)

type command struct {
	kind  commandKind
	byte  byte
	reply chan error
}

// New builds a Controller over src, starting at line startAt (0 for a
// fresh job, a resumed line index otherwise). Run must be called to drive
// it.
func New(w Writer, src gcode.Source, startAt int) *Controller {
	c := &Controller{
		w:                   w,
		src:                 src,
		ackCh:               make(chan Ack, 8),
		bfCh:                make(chan int, 1),
		alarmCh:             make(chan int, 1),
		cmdCh:               make(chan command),
		statusCh:            make(chan ControllerStatus, 1),
		done:                make(chan struct{}),
		StopJogCancelBefore: true,
	}
	c.status = ControllerStatus{State: Idle, LineIndex: startAt, TotalLines: src.Len(), WindowLimit: grbl.RXWindow}
	return c
}

// AckCh is where the reader goroutine delivers classified ok/error/alarm
// responses, one per line in program order.
func (c *Controller) AckCh() chan<- Ack { return c.ackCh }

// NotifyRXAvail feeds a status report's Bf: RX-available byte count into
// the window refinement: RX_WINDOW is recomputed as max(min_safe,
// min(rx_avail+pending, hard_cap)) the next time Run's select loop turns.
// Non-blocking: a status report arriving faster than Run can drain it is
// coalesced, matching the "latest wins" contract of StatusCh.
func (c *Controller) NotifyRXAvail(rxAvail int) {
	select {
	case c.bfCh <- rxAvail:
	default:
		select {
		case <-c.bfCh:
		default:
		}
		select {
		case c.bfCh <- rxAvail:
		default:
		}
	}
}

// NotifyAlarm reports an alarm condition observed outside the ack FIFO: a
// status report with State=Alarm, or the codeless
// "[MSG:Reset to continue]" line, per spec §4.D's alarm protocol. Unlike
// an ALARM:N line arriving as the ack for an in-flight pending line, this
// path locks the controller even when nothing is currently pending.
// Non-blocking and coalesced like NotifyRXAvail.
func (c *Controller) NotifyAlarm(code int) {
	select {
	case c.alarmCh <- code:
	default:
	}
}

// Status returns a snapshot of the controller's current progress.
func (c *Controller) Status() ControllerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) setStatus(update func(*ControllerStatus)) {
	c.mu.Lock()
	update(&c.status)
	s := c.status
	c.mu.Unlock()
	select {
	case c.statusCh <- s:
	default:
		select {
		case <-c.statusCh:
		default:
		}
		select {
		case c.statusCh <- s:
		default:
		}
	}
}

// StatusCh delivers a ControllerStatus every time it changes; it is not
// guaranteed to deliver every intermediate state, only the latest.
func (c *Controller) StatusCh() <-chan ControllerStatus { return c.statusCh }

func (c *Controller) sendCommand(ctx context.Context, k commandKind, b byte) error {
	reply := make(chan error, 1)
	select {
	case c.cmdCh <- command{kind: k, byte: b, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.New("stream: controller stopped")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start arms and begins streaming from the controller's current line.
func (c *Controller) Start(ctx context.Context) error { return c.sendCommand(ctx, cmdStart, 0) }

// Pause issues a feed hold and stops sending new lines until Resume. It
// is rejected while AlarmLocked: '!' is not on the alarm allowlist
// ($X, $H, soft reset, ?), and the formal diagram names no AlarmLocked
// exit edge other than the $X/$H + Idle-status clear.
func (c *Controller) Pause(ctx context.Context) error { return c.sendCommand(ctx, cmdPause, 0) }

// Resume issues a cycle-start resume and continues streaming. Rejected
// while AlarmLocked for the same reason as Pause, and from any other
// state but Paused.
func (c *Controller) Resume(ctx context.Context) error { return c.sendCommand(ctx, cmdResume, 0) }

// Stop cancels the remaining job; unless StopImmediateReset is set,
// in-flight acknowledgments still drain before the controller settles
// into Idle. Rejected while
// AlarmLocked: neither the jog-cancel byte StopJogCancelBefore can send
// nor the AlarmLocked->Stopping transition itself is allowed until the
// alarm clears.
func (c *Controller) Stop(ctx context.Context) error { return c.sendCommand(ctx, cmdStop, 0) }

// Override sends a single real-time override byte (feed/rapid/spindle
// percentage steps) without touching the flow-control window. Rejected
// while AlarmLocked, since no override byte is on the alarm allowlist.
func (c *Controller) Override(ctx context.Context, b byte) error {
	return c.sendCommand(ctx, cmdOverride, b)
}

// Clear acknowledges a prior error or a resolved alarm and returns the
// controller to Idle without issuing anything on the wire; the caller is
// responsible for the $X/$H/reset exchange that actually resolved the
// condition (see session.ClearAlarm for the AlarmLocked case, which only
// calls Clear once GRBL has both ack'd $X/$H and reported Idle). It is a
// no-op from any state other than Errored or AlarmLocked.
func (c *Controller) Clear(ctx context.Context) error { return c.sendCommand(ctx, cmdClear, 0) }

// Run drives the controller until ctx is canceled; it keeps running after
// the job completes. It must run in its own goroutine; it is the sole
// owner of the pending FIFO and window accounting (Invariant 1).
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	var pending []PendingEntry
	var window int
	var armed bool
	var autoPaused bool
	ceiling := c.status.WindowLimit

	// state and lineIndex mirror c.status for this goroutine's own
	// decision-making; c.status itself is only ever touched through
	// setStatus (which takes the lock), so other goroutines can call
	// Status() concurrently without racing this loop's unlocked reads.
	state := c.status.State
	lineIndex := c.status.LineIndex

	setState := func(s State) {
		state = s
		c.setStatus(func(st *ControllerStatus) { st.State = s })
	}

	windowFor := func(line string) int { return len(line) + 1 }

	trySend := func() error {
		for armed && state == Running {
			if lineIndex >= c.src.Len() {
				return nil
			}
			if n := len(pending); n > 0 && autoPauseLine(pending[n-1].Text) {
				// An M0/M1/M6 is still awaiting its ack; see below.
				return nil
			}
			ln, err := c.src.Line(lineIndex)
			if err != nil {
				return err
			}
			if ln.Clean == "" {
				lineIndex++
				c.setStatus(func(s *ControllerStatus) { s.LineIndex = lineIndex })
				continue
			}
			w := windowFor(ln.Clean)
			if window+w > ceiling {
				return nil
			}
			if err := c.w.WriteLine(ctx, ln.Clean); err != nil {
				return &ProtocolError{Kind: WriteTimeout, LineIndex: ln.Index, LineText: ln.Clean, Err: err}
			}
			pending = append(pending, PendingEntry{LineIndex: ln.Index, Text: ln.Clean, Len: w})
			window += w
			lineIndex++
			c.setStatus(func(s *ControllerStatus) {
				s.LineIndex = lineIndex
				s.Sent++
				s.WindowInUse = window
			})
			if autoPauseLine(ln.Clean) {
				// Hold the window here instead of racing further lines
				// into the buffer ahead of the M0/M1/M6 acknowledgment;
				// the pause decision is made when this line's ack lands.
				return nil
			}
		}
		return nil
	}

	fail := func(err error) {
		state = Errored
		pending = nil
		window = 0
		c.setStatus(func(s *ControllerStatus) {
			s.State = Errored
			s.LastError = err
			s.WindowInUse = 0
		})
	}

	// sendStopReset issues the jog-cancel/soft-reset real-time bytes that
	// settle the controller into Idle at the end of a Stop, honoring
	// StopJogCancelBefore's ordering.
	sendStopReset := func() error {
		if c.StopJogCancelBefore {
			if err := c.w.WriteRealtime(grbl.RTJogCancel); err != nil {
				return err
			}
		}
		return c.w.WriteRealtime(grbl.RTReset)
	}

	lockAlarm := func(code int) {
		if state == AlarmLocked {
			return
		}
		setState(AlarmLocked)
		c.setStatus(func(s *ControllerStatus) {
			s.LastError = &ProtocolError{Kind: GrblAlarm, Code: code}
		})
		pending = nil
		window = 0
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rxAvail := <-c.bfCh:
			ceiling = clampWindow(rxAvail + window)
			c.setStatus(func(s *ControllerStatus) { s.WindowLimit = ceiling })
			if err := trySend(); err != nil {
				fail(err)
			}

		case code := <-c.alarmCh:
			lockAlarm(code)

		case cmd := <-c.cmdCh:
			switch cmd.kind {
			case cmdStart:
				if state == AlarmLocked {
					cmd.reply <- errors.New("stream: locked out by alarm")
					continue
				}
				armed = true
				setState(Running)
				cmd.reply <- trySend()
			case cmdPause:
				if state == AlarmLocked {
					cmd.reply <- errors.New("stream: locked out by alarm")
					continue
				}
				if err := c.w.WriteRealtime(grbl.RTHold); err != nil {
					cmd.reply <- err
					continue
				}
				setState(Paused)
				c.setStatus(func(s *ControllerStatus) { s.PauseReason = "operator" })
				cmd.reply <- nil
			case cmdResume:
				if state == AlarmLocked {
					cmd.reply <- errors.New("stream: locked out by alarm")
					continue
				}
				if state != Paused {
					cmd.reply <- errors.New("stream: not paused")
					continue
				}
				autoPaused = false
				if err := c.w.WriteRealtime(grbl.RTResume); err != nil {
					cmd.reply <- err
					continue
				}
				setState(Running)
				c.setStatus(func(s *ControllerStatus) { s.PauseReason = "" })
				cmd.reply <- trySend()
			case cmdStop:
				if state == AlarmLocked {
					cmd.reply <- errors.New("stream: locked out by alarm")
					continue
				}
				armed = false
				if c.StopImmediateReset {
					pending = nil
					window = 0
					cmd.reply <- sendStopReset()
					setState(Idle)
					continue
				}
				setState(Stopping)
				if len(pending) == 0 {
					err := sendStopReset()
					setState(Idle)
					cmd.reply <- err
					continue
				}
				cmd.reply <- nil
			case cmdOverride:
				if state == AlarmLocked {
					cmd.reply <- errors.New("stream: locked out by alarm")
					continue
				}
				cmd.reply <- c.w.WriteRealtime(cmd.byte)
			case cmdClear:
				if state == Errored || state == AlarmLocked {
					pending = nil
					window = 0
					setState(Idle)
					c.setStatus(func(s *ControllerStatus) { s.WindowInUse = 0 })
				}
				cmd.reply <- nil
			}

		case ack := <-c.ackCh:
			if len(pending) == 0 {
				continue
			}
			entry := pending[0]
			pending = pending[1:]
			window -= entry.Len

			switch ack.Kind {
			case grbl.AckOK:
				c.setStatus(func(s *ControllerStatus) { s.Acked++; s.WindowInUse = window })
				if autoPauseLine(entry.Text) && !autoPaused {
					autoPaused = true
					setState(Paused)
					c.setStatus(func(s *ControllerStatus) { s.PauseReason = "auto (M0/M1/M6)" })
					continue
				}
			case grbl.AckError:
				fail(&ProtocolError{Kind: GrblError, Code: ack.Code, LineIndex: entry.LineIndex, LineText: entry.Text})
				continue
			case grbl.AckAlarm:
				setState(AlarmLocked)
				c.setStatus(func(s *ControllerStatus) {
					s.LastError = &ProtocolError{Kind: GrblAlarm, Code: ack.Code, LineIndex: entry.LineIndex, LineText: entry.Text}
					s.WindowInUse = 0
				})
				pending = nil
				window = 0
				continue
			}

			if state == Stopping && len(pending) == 0 {
				if err := sendStopReset(); err != nil {
					fail(err)
					continue
				}
				setState(Idle)
				continue
			}
			if state == Running && len(pending) == 0 && lineIndex >= c.src.Len() {
				// Every line dispatched and acked with nothing left to
				// send: the job is done. Not in the formal state diagram
				// (which only reaches Idle via Stopping), but required by
				// the nominal-stream end-to-end scenario.
				setState(Idle)
				continue
			}
			if err := trySend(); err != nil {
				fail(err)
			}
		}
	}
}

func autoPauseLine(clean string) bool {
	words := gcode.Words(clean)
	for _, aw := range autoPauseWords {
		if gcode.HasM(words, aw.Value) {
			return true
		}
	}
	return false
}
