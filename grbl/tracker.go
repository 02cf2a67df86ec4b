package grbl

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Tracker holds the most recently parsed Status and notifies waiters
// when a new report lands, the freshness-stamp pattern
// grbl_worker.py's "_status_seq" counter implements for the macro
// executor's %update/$G waits.
type Tracker struct {
	mu      sync.Mutex
	status  Status
	waiters []chan struct{}
}

// NewTracker returns an empty Tracker; IsIdle/IsAlarmed report sensible
// zero-value defaults (not idle, not alarmed) until the first report
// arrives.
func NewTracker() *Tracker { return &Tracker{} }

// Apply parses line into the tracker's status and wakes any waiters.
func (t *Tracker) Apply(line string) error {
	t.mu.Lock()
	err := t.status.Parse(line)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("grbl: tracker apply: %w", err)
	}
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return nil
}

// Current returns a copy of the latest status.
func (t *Tracker) Current() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Seq returns the current freshness stamp.
func (t *Tracker) Seq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.Seq
}

// notifyOnNext returns a channel that closes the next time Apply runs.
func (t *Tracker) notifyOnNext() <-chan struct{} {
	ch := make(chan struct{})
	t.mu.Lock()
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()
	return ch
}

// WaitNext blocks until the next status report arrives, ctx is canceled,
// or timeout elapses.
func (t *Tracker) WaitNext(ctx context.Context, timeout time.Duration) error {
	ch := t.notifyOnNext()
	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer:
		return fmt.Errorf("grbl: wait for status update timed out after %s", timeout)
	}
}

// WaitIdle blocks until the tracked state is Idle, ctx is canceled, or
// timeout elapses, polling via WaitNext the way macro_wait_for_idle
// loops on app._machine_state_text.
func (t *Tracker) WaitIdle(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if t.Current().IsIdle() {
			return nil
		}
		remaining := time.Until(deadline)
		if timeout > 0 && remaining <= 0 {
			return fmt.Errorf("grbl: wait for idle timed out after %s", timeout)
		}
		if err := t.WaitNext(ctx, remaining); err != nil {
			return err
		}
	}
}

// WaitStatusUpdate blocks for exactly one fresh report, matching the
// macro executor's %update semantics (poll once, don't loop to idle).
func (t *Tracker) WaitStatusUpdate(ctx context.Context, timeout time.Duration) error {
	return t.WaitNext(ctx, timeout)
}

// IsAlarmed reports whether the latest tracked status is an ALARM state.
func (t *Tracker) IsAlarmed() bool { return t.Current().IsAlarm() }
