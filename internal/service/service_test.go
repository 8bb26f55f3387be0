package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"fbproducer/internal/capture"
	"fbproducer/internal/capture/fakecapture"
	"fbproducer/internal/region/memprovider"
	"fbproducer/internal/sessionwatch"
	"fbproducer/internal/sessionwatch/fakewatch"
	"fbproducer/internal/wire"
)

func newTestProducer(t *testing.T, fc *fakecapture.Fake, fw *fakewatch.Watcher, maxFrames int) *Producer {
	t.Helper()
	size := wire.HeaderSize + wire.CursorCap + maxFrames*fc.MaxFrameSize*2
	cfg := Config{
		Size:                size,
		MaxFrames:           maxFrames,
		HostID:              7,
		SessionPollInterval: time.Millisecond,
	}
	p := New(fc, memprovider.New(), fw, cfg)
	if err := p.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { p.DeInitialize() })
	return p
}

// TestColdStart checks that the first tick publishes a fresh frame and
// stamps the header.
func TestColdStart(t *testing.T) {
	fc := fakecapture.New()
	p := newTestProducer(t, fc, fakewatch.New("s1"), 2)

	if err := p.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	h := p.header
	if h.MagicBytes != wire.Magic {
		t.Fatalf("magic not stamped")
	}
	if !h.Frame.UpdateAcquire() {
		t.Fatalf("UPDATE not set after cold start")
	}
	if h.Frame.DataPos.Load() != p.layout.FrameSlotOffset(0) {
		t.Fatalf("dataPos = %d, want slot 0", h.Frame.DataPos.Load())
	}
	if h.Frame.Width.Load() != 64 {
		t.Fatalf("width = %d, want 64", h.Frame.Width.Load())
	}
	if p.ring.FrameIndex() != 1 {
		t.Fatalf("frameIndex = %d, want 1", p.ring.FrameIndex())
	}
}

// TestIdleRepeatAcrossTicks checks that a timeout after two good frames
// republishes without pixel writes.
func TestIdleRepeatAcrossTicks(t *testing.T) {
	fc := fakecapture.New()
	fc.Statuses = []capture.Status{capture.StatusOK, capture.StatusOK, capture.StatusTimeout}
	p := newTestProducer(t, fc, fakewatch.New("s1"), 2)
	ctx := context.Background()

	if err := p.Process(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	p.header.Frame.ClearUpdate()

	if err := p.Process(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	p.header.Frame.ClearUpdate()

	if err := p.Process(ctx); err != nil {
		t.Fatalf("tick 3: %v", err)
	}

	if p.layout.FrameSlotOffset(0) != p.header.Frame.DataPos.Load() {
		t.Fatalf("tick 3 dataPos = %d, want slot 0 offset %d", p.header.Frame.DataPos.Load(), p.layout.FrameSlotOffset(0))
	}
	if p.ring.FrameIndex() != 1 {
		t.Fatalf("tick 3 frameIndex = %d, want 1", p.ring.FrameIndex())
	}
}

// TestConsumerRestart checks that RESTART set before a tick is cleared
// by the end of that tick, and ReInitialize runs exactly once.
func TestConsumerRestart(t *testing.T) {
	fc := fakecapture.New()
	p := newTestProducer(t, fc, fakewatch.New("s1"), 2)
	ctx := context.Background()

	p.header.SetRestart()
	if err := p.Process(ctx); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if p.header.TestRestart() {
		t.Fatalf("RESTART still set after tick")
	}
	if fc.Reinits != 1 {
		t.Fatalf("ReInitialize called %d times, want 1", fc.Reinits)
	}
	if !p.header.Frame.UpdateAcquire() {
		t.Fatalf("frame was not republished after restart")
	}
}

// TestTimeoutWithNoPriorFrameDoesNotConsumeBudget checks that TIMEOUT
// with no prior frame loops without consuming the retry budget, as long
// as capture eventually succeeds.
func TestTimeoutWithNoPriorFrameDoesNotConsumeBudget(t *testing.T) {
	fc := fakecapture.New()
	fc.Statuses = []capture.Status{
		capture.StatusTimeout, capture.StatusTimeout, capture.StatusTimeout, capture.StatusOK,
	}
	p := newTestProducer(t, fc, fakewatch.New("s1"), 2)

	if err := p.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !p.header.Frame.UpdateAcquire() {
		t.Fatalf("frame not published despite eventual OK")
	}
}

// TestErrorExhaustsRetryBudget checks that two ERROR outcomes fail the
// tick with ErrRetries.
func TestErrorExhaustsRetryBudget(t *testing.T) {
	fc := fakecapture.New()
	fc.Statuses = []capture.Status{capture.StatusError, capture.StatusError}
	p := newTestProducer(t, fc, fakewatch.New("s1"), 2)

	err := p.Process(context.Background())
	if !errors.Is(err, ErrRetries) {
		t.Fatalf("Process error = %v, want ErrRetries", err)
	}
}

// TestSessionSwitchPausesUntilMatched checks that a REINIT status enters
// REINITIALIZING, which blocks with PAUSED set until the session
// watcher reports the startup session again.
func TestSessionSwitchPausesUntilMatched(t *testing.T) {
	fc := fakecapture.New()
	fc.Statuses = []capture.Status{capture.StatusReinit, capture.StatusOK}
	fc.CanInit = true
	fw := fakewatch.New("s1")
	p := newTestProducer(t, fc, fw, 2)

	var pausedObserved bool
	fw.ID = "s2" // simulate a switched-out session at tick time

	done := make(chan error, 1)
	go func() { done <- p.Process(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if !pausedObserved {
				t.Fatalf("PAUSED was never observed during the session switch")
			}
			if p.header.FlagsAcquire()&wire.FlagPaused != 0 {
				t.Fatalf("PAUSED still set after the tick completed")
			}
			return
		case <-deadline:
			t.Fatalf("tick did not complete in time")
		default:
			if p.header.FlagsAcquire()&wire.FlagPaused != 0 {
				pausedObserved = true
				fw.ID = "s1" // session switches back
			}
			time.Sleep(time.Millisecond)
		}
	}
}

// TestDeInitializeAllowsReInitialize exercises the round-trip law: a
// full Initialize/DeInitialize/Initialize cycle leaves the header in
// the same canonical state as a fresh Initialize.
func TestDeInitializeAllowsReInitialize(t *testing.T) {
	fc := fakecapture.New()
	fw := fakewatch.New("s1")
	size := wire.HeaderSize + wire.CursorCap + 2*fc.MaxFrameSize*2
	cfg := Config{Size: size, MaxFrames: 2, HostID: 9, SessionPollInterval: time.Millisecond}
	p := New(fc, memprovider.New(), fw, cfg)

	if err := p.Initialize(); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	if err := p.Process(context.Background()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := p.DeInitialize(); err != nil {
		t.Fatalf("DeInitialize: %v", err)
	}
	if p.State() != StateStopped {
		t.Fatalf("state = %v, want STOPPED", p.State())
	}

	if err := p.Initialize(); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	defer p.DeInitialize()

	if p.header.Frame.UpdateAcquire() || p.header.FlagsAcquire() != 0 {
		t.Fatalf("fresh Initialize did not produce a canonical zero state")
	}
	if p.ring.FrameIndex() != 0 || p.ring.HaveFrame() {
		t.Fatalf("fresh Initialize did not reset ring state")
	}
}

func TestSessionIDEquality(t *testing.T) {
	var a, b sessionwatch.SessionID = "x", "x"
	if a != b {
		t.Fatalf("equal session ids compared unequal")
	}
}
