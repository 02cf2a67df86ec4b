package connmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mastercactapus/grblhost/grbl"
	"github.com/mastercactapus/grblhost/serialio"
)

func TestBackoffDelayGrowsExponentiallyAndCaps(t *testing.T) {
	m := New("/dev/null", nil)
	if d := m.BackoffDelay(); d != grbl.ReconnectBaseDelay {
		t.Fatalf("BackoffDelay() = %v, want %v", d, grbl.ReconnectBaseDelay)
	}

	m.failures = 10
	if d := m.BackoffDelay(); d != grbl.ReconnectMaxDelay {
		t.Fatalf("BackoffDelay() = %v, want capped at %v", d, grbl.ReconnectMaxDelay)
	}
}

func TestHomingGraceWindow(t *testing.T) {
	m := New("/dev/null", nil)
	if m.WithinHomingGrace() {
		t.Fatal("should not be within homing grace before BeginHoming")
	}
	m.BeginHoming()
	if m.Phase() != Homing {
		t.Fatalf("Phase() = %v, want Homing", m.Phase())
	}
	if !m.WithinHomingGrace() {
		t.Fatal("expected to be within homing grace right after BeginHoming")
	}
	m.EndHoming()
	if m.Phase() != Ready {
		t.Fatalf("Phase() = %v, want Ready", m.Phase())
	}
	if m.WithinHomingGrace() {
		t.Fatal("should not be within homing grace after EndHoming")
	}
}

func TestDisconnectSuppressesAutoReconnect(t *testing.T) {
	m := New("/dev/null", nil)
	if !m.ShouldAutoReconnect() {
		t.Fatal("expected auto-reconnect eligible before any Disconnect call")
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if m.ShouldAutoReconnect() {
		t.Fatal("expected auto-reconnect suppressed after a user-initiated Disconnect")
	}
}

func TestFailClosesLinkAndAllowsAutoReconnect(t *testing.T) {
	m := New("/dev/null", nil)
	host, device := serialio.NewMockPair()
	defer device.Close()
	m.link = serialio.NewTestLink(host)
	m.phase = Ready

	m.Fail()

	if m.Phase() != Failed {
		t.Fatalf("Phase() = %v, want Failed", m.Phase())
	}
	if m.Link() != nil {
		t.Fatal("expected Link() to be nil after Fail")
	}
	if !m.ShouldAutoReconnect() {
		t.Fatal("a write failure must not suppress auto-reconnect the way a user Disconnect does")
	}

	buf := make([]byte, 1)
	if _, err := device.Read(buf); err == nil {
		t.Fatal("expected reading from the device side to fail now that host is closed")
	}
}

func TestWatchdogTripsAfterConsecutiveFailures(t *testing.T) {
	m := New("/dev/null", nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	failAlways := func() error { return errors.New("no response") }

	err := m.Watchdog(ctx, 2*time.Millisecond, failAlways)
	if err == nil {
		t.Fatal("expected watchdog to trip")
	}
}

func TestWatchdogToleratesFailuresDuringHomingGrace(t *testing.T) {
	m := New("/dev/null", nil)
	m.BeginHoming()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	failAlways := func() error { return errors.New("quiet during homing") }

	err := m.Watchdog(ctx, 2*time.Millisecond, failAlways)
	if err != context.DeadlineExceeded {
		t.Fatalf("Watchdog = %v, want DeadlineExceeded (tolerated failures)", err)
	}
}

func TestWatchdogResetsCounterOnSuccess(t *testing.T) {
	m := New("/dev/null", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	calls := 0
	alternating := func() error {
		calls++
		if calls%2 == 0 {
			return nil
		}
		return errors.New("flaky")
	}

	err := m.Watchdog(ctx, 2*time.Millisecond, alternating)
	if err != context.DeadlineExceeded {
		t.Fatalf("Watchdog = %v, want DeadlineExceeded (never reaches limit)", err)
	}
}
