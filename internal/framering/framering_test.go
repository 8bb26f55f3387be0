package framering

import (
	"context"
	"testing"

	"fbproducer/internal/region"
	"fbproducer/internal/wire"
)

func newTestLayout(t *testing.T, maxFrames int) (*region.Layout, *wire.Header) {
	t.Helper()
	const maxFrameSize = 1920 * 1080 * 4
	framesOff := wire.Align128Up(wire.Align128Up(wire.HeaderSize) + wire.CursorCap)
	size := framesOff + maxFrames*maxFrameSize
	base := make([]byte, size)
	l, err := region.New(base, maxFrames, maxFrameSize)
	if err != nil {
		t.Fatalf("region.New: %v", err)
	}
	h := l.Header()
	wire.Stamp(h, 1)
	return l, h
}

// TestColdStartAndSecondTick exercises two consecutive fresh commits in
// a 2-slot ring.
func TestColdStartAndSecondTick(t *testing.T) {
	l, h := newTestLayout(t, 2)
	r := New(l)
	ctx := context.Background()

	ok := r.CommitFresh(ctx, h, wire.FrameTypeBGRA, 1920, 1080, 1920*4, 1920*4)
	if !ok {
		t.Fatalf("tick 1 commit not committed")
	}
	if !h.Frame.UpdateAcquire() {
		t.Fatalf("tick 1: UPDATE not set")
	}
	if h.Frame.DataPos.Load() != l.FrameSlotOffset(0) {
		t.Fatalf("tick 1: dataPos = %d, want slot 0 offset %d", h.Frame.DataPos.Load(), l.FrameSlotOffset(0))
	}
	if r.FrameIndex() != 1 {
		t.Fatalf("tick 1: frameIndex = %d, want 1", r.FrameIndex())
	}

	h.Frame.ClearUpdate() // stand in for the consumer

	ok = r.CommitFresh(ctx, h, wire.FrameTypeBGRA, 1920, 1080, 1920*4, 1920*4)
	if !ok {
		t.Fatalf("tick 2 commit not committed")
	}
	if h.Frame.DataPos.Load() != l.FrameSlotOffset(1) {
		t.Fatalf("tick 2: dataPos = %d, want slot 1 offset %d", h.Frame.DataPos.Load(), l.FrameSlotOffset(1))
	}
	if r.FrameIndex() != 0 {
		t.Fatalf("tick 2: frameIndex = %d, want 0", r.FrameIndex())
	}
}

// TestIdleRepeat checks that, after two fresh commits, a timeout tick
// republishes without pixel writes.
func TestIdleRepeat(t *testing.T) {
	l, h := newTestLayout(t, 2)
	r := New(l)
	ctx := context.Background()

	r.CommitFresh(ctx, h, wire.FrameTypeBGRA, 1920, 1080, 1920*4, 1920*4)
	h.Frame.ClearUpdate()
	r.CommitFresh(ctx, h, wire.FrameTypeBGRA, 1920, 1080, 1920*4, 1920*4)
	h.Frame.ClearUpdate()

	if !r.HaveFrame() {
		t.Fatalf("expected HaveFrame true before repeat")
	}

	ok := r.CommitRepeat(ctx, h)
	if !ok {
		t.Fatalf("repeat commit not committed")
	}
	if h.Frame.DataPos.Load() != l.FrameSlotOffset(0) {
		t.Fatalf("tick 3: dataPos = %d, want slot 0 offset %d", h.Frame.DataPos.Load(), l.FrameSlotOffset(0))
	}
	if r.FrameIndex() != 1 {
		t.Fatalf("tick 3: frameIndex = %d, want 1", r.FrameIndex())
	}
}

// TestCommitAbandonedOnRestart exercises the RESTART escape hatch: if
// the slot is still held by the consumer (UPDATE=1) and RESTART fires,
// the commit is abandoned and the slot is left untouched.
func TestCommitAbandonedOnRestart(t *testing.T) {
	l, h := newTestLayout(t, 2)
	r := New(l)

	h.Frame.SetUpdate() // consumer still holds the slot
	h.SetRestart()

	ok := r.CommitFresh(context.Background(), h, wire.FrameTypeBGRA, 100, 100, 400, 400)
	if ok {
		t.Fatalf("expected commit to be abandoned when RESTART is set")
	}
	if r.FrameIndex() != 0 {
		t.Fatalf("abandoned commit must not advance frameIndex, got %d", r.FrameIndex())
	}
}

// TestFrameIndexWraps checks invariant 3 (frameIndex always in
// [0, MaxFrames)) across many commits for an odd ring size.
func TestFrameIndexWraps(t *testing.T) {
	l, h := newTestLayout(t, 3)
	r := New(l)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		r.CommitFresh(ctx, h, wire.FrameTypeBGRA, 100, 100, 400, 400)
		if r.FrameIndex() < 0 || r.FrameIndex() >= l.MaxFrames {
			t.Fatalf("frameIndex %d out of range after tick %d", r.FrameIndex(), i)
		}
		h.Frame.ClearUpdate()
	}
}

func TestCheckMaxFrameSize(t *testing.T) {
	l, _ := newTestLayout(t, 2)
	r := New(l)

	if err := r.CheckMaxFrameSize(l.FrameSize); err != nil {
		t.Fatalf("exact fit should succeed: %v", err)
	}
	if err := r.CheckMaxFrameSize(l.FrameSize + 1); err == nil {
		t.Fatalf("oversized max frame size should fail")
	}
}
