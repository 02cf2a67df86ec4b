package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mastercactapus/grblhost/grbl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireExclusive(t *testing.T) {
	g := New()
	ctx := context.Background()

	release, err := g.Acquire(ctx, Stream, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if g.Owner() != Stream {
		t.Fatalf("Owner() = %v, want Stream", g.Owner())
	}

	done := make(chan struct{})
	go func() {
		r2, err := g.Acquire(ctx, Manual, "")
		if err != nil {
			t.Errorf("second Acquire: %v", err)
			return
		}
		r2()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Acquire should have blocked until release")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Acquire never completed after release")
	}
}

func TestLockedBlocksNonAllowlisted(t *testing.T) {
	g := New()
	g.Lock(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := g.Acquire(ctx, Manual, "G1 X1"); err != ErrLocked {
		t.Fatalf("Acquire = %v, want ErrLocked", err)
	}
}

func TestLockedAllowsAllowlistedCommand(t *testing.T) {
	g := New()
	g.Lock(1)
	ctx := context.Background()

	release, err := g.Acquire(ctx, Manual, "$X")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
}

func TestAllowedRealtimeOnlyResetAndStatus(t *testing.T) {
	allowed := []byte{grbl.RTReset, grbl.RTStatus}
	for _, b := range allowed {
		if !AllowedRealtime(b) {
			t.Errorf("AllowedRealtime(0x%02X) = false, want true", b)
		}
	}
	blocked := []byte{grbl.RTHold, grbl.RTResume, grbl.RTJogCancel, grbl.RTFeedPlus10, grbl.RTRapidFull, grbl.RTSpinReset}
	for _, b := range blocked {
		if AllowedRealtime(b) {
			t.Errorf("AllowedRealtime(0x%02X) = true, want false", b)
		}
	}
}

func TestErrLockedIsDistinguishableGateError(t *testing.T) {
	var ge *GateError
	require.True(t, errors.As(ErrLocked, &ge), "ErrLocked = %v, want *GateError", ErrLocked)
	assert.Equal(t, BlockedByAlarm, ge.Kind)
}

func TestUnlockClearsLock(t *testing.T) {
	g := New()
	g.Lock(1)
	g.Unlock()
	if g.Locked() {
		t.Fatal("expected gate to be unlocked")
	}
}

func TestDisconnectedRefusesEvenAllowlisted(t *testing.T) {
	g := New()
	g.SetDisconnected(true)
	ctx := context.Background()

	_, err := g.Acquire(ctx, Manual, "$X")
	var ge *GateError
	require.True(t, errors.As(err, &ge), "Acquire = %v, want *GateError", err)
	assert.Equal(t, BlockedByDisconnect, ge.Kind)
}

func TestSetDisconnectedFalseRestoresAcquire(t *testing.T) {
	g := New()
	g.SetDisconnected(true)
	g.SetDisconnected(false)
	ctx := context.Background()

	release, err := g.Acquire(ctx, Manual, "G1 X1")
	require.NoError(t, err)
	release()
}
