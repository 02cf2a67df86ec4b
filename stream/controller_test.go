package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mastercactapus/grblhost/gcode"
	"github.com/mastercactapus/grblhost/grbl"
)

// fakeWriter records every line written and lets a test drive acks back
// through the controller at its own pace, standing in for a real serial
// link the way MockPort stands in for one at the serialio layer.
type fakeWriter struct {
	mu    sync.Mutex
	lines []string
	rt    []byte
}

func (f *fakeWriter) WriteLine(ctx context.Context, line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	return nil
}
func (f *fakeWriter) WriteRealtime(b byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rt = append(f.rt, b)
	return nil
}
func (f *fakeWriter) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}
func (f *fakeWriter) realtime() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.rt...)
}

func waitStatus(t *testing.T, c *Controller, want State, timeout time.Duration) ControllerStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		s := c.Status()
		if s.State == want {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state %v, last status %+v", want, s)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestControllerStreamsAndAcksToCompletion(t *testing.T) {
	src, err := gcode.LoadLines([]string{"G1 X1", "G1 X2", "G1 X3"})
	if err != nil {
		t.Fatalf("LoadLines: %v", err)
	}
	w := &fakeWriter{}
	c := New(w, src, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		c.AckCh() <- Ack{Kind: grbl.AckOK}
	}

	deadline := time.Now().Add(time.Second)
	for {
		if c.Status().Acked == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("acked = %d, want 3", c.Status().Acked)
		}
		time.Sleep(time.Millisecond)
	}

	if got := w.sent(); len(got) != 3 {
		t.Fatalf("sent %v lines, want 3", got)
	}

	waitStatus(t, c, Idle, time.Second)
}

func TestControllerErrorDiscardsRemainingPending(t *testing.T) {
	src, err := gcode.LoadLines([]string{"G1 X1", "G1 X2", "G1 X3"})
	if err != nil {
		t.Fatalf("LoadLines: %v", err)
	}
	w := &fakeWriter{}
	c := New(w, src, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Let all three lines land in pending before the first ack; an error
	// on the first must discard the other two rather than leave them
	// stuck in the FIFO forever.
	time.Sleep(20 * time.Millisecond)
	c.AckCh() <- Ack{Kind: grbl.AckError, Code: 20}

	waitStatus(t, c, Errored, time.Second)

	st := c.Status()
	if st.WindowInUse != 0 {
		t.Fatalf("WindowInUse = %d after error, want 0 (pending discarded)", st.WindowInUse)
	}
	pe, ok := st.LastError.(*ProtocolError)
	if !ok {
		t.Fatalf("LastError = %T, want *ProtocolError", st.LastError)
	}
	if pe.LineIndex != 0 {
		t.Fatalf("LastError.LineIndex = %d, want 0 (the first line)", pe.LineIndex)
	}
}

func TestControllerWindowNeverExceedsRXWindow(t *testing.T) {
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, "G1 X1 Y1 Z1 F100")
	}
	src, err := gcode.LoadLines(lines)
	if err != nil {
		t.Fatalf("LoadLines: %v", err)
	}
	w := &fakeWriter{}
	c := New(w, src, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Without any acks, the window must have stopped sending at
	// RXWindow bytes rather than writing every line immediately.
	time.Sleep(20 * time.Millisecond)
	if got := c.Status().WindowInUse; got > grbl.RXWindow {
		t.Fatalf("WindowInUse = %d, exceeds RXWindow %d", got, grbl.RXWindow)
	}
	if got := len(w.sent()); got >= 50 {
		t.Fatalf("sent %d of 50 lines with no acks; flow control did not throttle", got)
	}
}

func TestControllerNotifyRXAvailRefinesWindow(t *testing.T) {
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, "G1 X1 Y1 Z1 F100")
	}
	src, err := gcode.LoadLines(lines)
	if err != nil {
		t.Fatalf("LoadLines: %v", err)
	}
	w := &fakeWriter{}
	c := New(w, src, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	before := c.Status().WindowLimit
	if before != grbl.RXWindow {
		t.Fatalf("WindowLimit = %d before any Bf report, want default %d", before, grbl.RXWindow)
	}
	beforeSent := len(w.sent())

	// A board reporting a larger RX buffer should widen the ceiling and
	// let the controller push more lines out immediately.
	c.NotifyRXAvail(1000)
	time.Sleep(20 * time.Millisecond)

	after := c.Status().WindowLimit
	if after <= before {
		t.Fatalf("WindowLimit = %d after wide Bf report, want > %d", after, before)
	}
	if got := len(w.sent()); got <= beforeSent {
		t.Fatalf("sent %d lines after widening window, want more than %d", got, beforeSent)
	}
}

func TestControllerAutoPausesOnM0(t *testing.T) {
	src, err := gcode.LoadLines([]string{"G1 X1", "M0", "G1 X2"})
	if err != nil {
		t.Fatalf("LoadLines: %v", err)
	}
	w := &fakeWriter{}
	c := New(w, src, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.AckCh() <- Ack{Kind: grbl.AckOK} // ack G1 X1
	c.AckCh() <- Ack{Kind: grbl.AckOK} // ack M0 -> should auto-pause

	waitStatus(t, c, Paused, time.Second)

	if got := len(w.sent()); got != 2 {
		t.Fatalf("sent %d lines, want 2 (auto-pause should block the third)", got)
	}
}

func TestControllerStopDrainsPendingThenResets(t *testing.T) {
	src, err := gcode.LoadLines([]string{"G1 X1", "G1 X2"})
	if err != nil {
		t.Fatalf("LoadLines: %v", err)
	}
	w := &fakeWriter{}
	c := New(w, src, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Both lines are already in flight (well under the window), so Stop
	// must wait for their acks before resetting rather than reset now.
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitStatus(t, c, Stopping, time.Second)
	if got := w.realtime(); len(got) != 0 {
		t.Fatalf("reset sent before pending drained: %v", got)
	}

	c.AckCh() <- Ack{Kind: grbl.AckOK}
	c.AckCh() <- Ack{Kind: grbl.AckOK}

	waitStatus(t, c, Idle, time.Second)

	got := w.realtime()
	if len(got) != 2 || got[0] != grbl.RTJogCancel || got[1] != grbl.RTReset {
		t.Fatalf("realtime bytes = %v, want [JogCancel Reset]", got)
	}
}

func TestControllerStopImmediateResetSkipsDrain(t *testing.T) {
	src, err := gcode.LoadLines([]string{"G1 X1", "G1 X2"})
	if err != nil {
		t.Fatalf("LoadLines: %v", err)
	}
	w := &fakeWriter{}
	c := New(w, src, 0)
	c.StopImmediateReset = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitStatus(t, c, Idle, time.Second)

	got := w.realtime()
	if len(got) != 2 || got[0] != grbl.RTJogCancel || got[1] != grbl.RTReset {
		t.Fatalf("realtime bytes = %v, want [JogCancel Reset]", got)
	}
}

func TestControllerNotifyAlarmLocksEvenWithNoPending(t *testing.T) {
	src, err := gcode.LoadLines([]string{"G1 X1"})
	if err != nil {
		t.Fatalf("LoadLines: %v", err)
	}
	w := &fakeWriter{}
	c := New(w, src, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// No job has been started, so pending is empty; an alarm observed via
	// a bare status report (or "[MSG:Reset to continue]") must still lock
	// the controller instead of being silently dropped for lack of a
	// pending entry to pop.
	c.NotifyAlarm(9)
	waitStatus(t, c, AlarmLocked, time.Second)

	if err := c.Resume(ctx); err == nil {
		t.Fatal("expected Resume to fail while alarm-locked")
	}
}

func TestControllerAlarmLocksAndBlocksResume(t *testing.T) {
	src, err := gcode.LoadLines([]string{"G1 X1", "G1 X2"})
	if err != nil {
		t.Fatalf("LoadLines: %v", err)
	}
	w := &fakeWriter{}
	c := New(w, src, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.AckCh() <- Ack{Kind: grbl.AckAlarm, Code: 1}

	waitStatus(t, c, AlarmLocked, time.Second)

	if err := c.Resume(ctx); err == nil {
		t.Fatal("expected Resume to fail while alarm-locked")
	}
}

func TestControllerAlarmLocksAndBlocksPauseStopOverride(t *testing.T) {
	src, err := gcode.LoadLines([]string{"G1 X1", "G1 X2"})
	if err != nil {
		t.Fatalf("LoadLines: %v", err)
	}
	w := &fakeWriter{}
	c := New(w, src, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.NotifyAlarm(9)
	waitStatus(t, c, AlarmLocked, time.Second)

	if err := c.Pause(ctx); err == nil {
		t.Fatal("expected Pause to fail while alarm-locked")
	}
	if err := c.Stop(ctx); err == nil {
		t.Fatal("expected Stop to fail while alarm-locked")
	}
	if err := c.Override(ctx, grbl.RTFeedPlus10); err == nil {
		t.Fatal("expected Override to fail while alarm-locked")
	}

	if rt := w.realtime(); len(rt) != 0 {
		t.Fatalf("expected no real-time byte to reach the link while alarm-locked, got %v", rt)
	}
	waitStatus(t, c, AlarmLocked, time.Second)
}

func TestControllerClearReturnsAlarmLockedToIdle(t *testing.T) {
	src, err := gcode.LoadLines([]string{"G1 X1"})
	if err != nil {
		t.Fatalf("LoadLines: %v", err)
	}
	w := &fakeWriter{}
	c := New(w, src, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.NotifyAlarm(9)
	waitStatus(t, c, AlarmLocked, time.Second)

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	waitStatus(t, c, Idle, time.Second)

	if err := c.Resume(ctx); err == nil {
		t.Fatal("expected Resume to still fail: Clear does not re-arm the job")
	}
}

func TestControllerClearReturnsErroredToIdle(t *testing.T) {
	src, err := gcode.LoadLines([]string{"G1 X1"})
	if err != nil {
		t.Fatalf("LoadLines: %v", err)
	}
	w := &fakeWriter{}
	c := New(w, src, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.AckCh() <- Ack{Kind: grbl.AckError, Code: 20}
	waitStatus(t, c, Errored, time.Second)

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	waitStatus(t, c, Idle, time.Second)
}

func TestControllerClearIsNoOpFromIdle(t *testing.T) {
	src, err := gcode.LoadLines([]string{"G1 X1"})
	if err != nil {
		t.Fatalf("LoadLines: %v", err)
	}
	w := &fakeWriter{}
	c := New(w, src, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := c.Status().State; got != Idle {
		t.Fatalf("State = %v, want Idle unchanged", got)
	}
}
