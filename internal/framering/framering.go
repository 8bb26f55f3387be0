// Package framering implements the fixed-size frame ring: slot
// bookkeeping and the commit algorithm that hands a captured frame off
// to the consumer through a wire.FrameDescriptor. It owns pixel slot
// offsets only; the header and descriptor it publishes into are owned
// by callers.
package framering

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"fbproducer/internal/region"
	"fbproducer/internal/wire"
)

// ErrSize: capture's max frame size no longer fits the configured slot.
var ErrSize = errors.New("framering: FAIL_SIZE")

// Ring tracks which slot is next to write and whether a frame has ever
// been committed (needed by the repeat-frame policy).
type Ring struct {
	layout    *region.Layout
	frameIndex int
	haveFrame  bool
}

// New builds a Ring over the frame slots of layout, starting at slot 0
// with no prior frame.
func New(layout *region.Layout) *Ring {
	return &Ring{layout: layout}
}

// FrameIndex is the next slot that will be written by CommitFresh or
// CommitRepeat.
func (r *Ring) FrameIndex() int {
	return r.frameIndex
}

// HaveFrame reports whether any frame has been committed since New (or
// since the Ring was last reset by Reset).
func (r *Ring) HaveFrame() bool {
	return r.haveFrame
}

// Reset restores the ring to the state New returns: slot 0, no prior
// frame.
func (r *Ring) Reset() {
	r.frameIndex = 0
	r.haveFrame = false
}

// CheckMaxFrameSize validates that capture's current max frame size
// still fits a slot. Callers run this after ReInitialize, since a
// resolution or format change can grow the frame past what the ring
// was sized for.
func (r *Ring) CheckMaxFrameSize(maxFrameSize int) error {
	if maxFrameSize > r.layout.FrameSize {
		return fmt.Errorf("%w: capture max %d exceeds slot size %d", ErrSize, maxFrameSize, r.layout.FrameSize)
	}
	return nil
}

// Slot returns the byte range backing frame slot i, for capture to
// write pixels into.
func (r *Ring) Slot(i int) []byte {
	return r.layout.FrameSlot(i)
}

// waitForSlot spins until frame.UPDATE is clear (the consumer has
// released the slot we're about to overwrite) or header.RESTART fires.
// This is the producer's only unbounded wait, and it is a busy spin,
// not a sleep: the consumer may live in another VM, where OS
// synchronization primitives don't reach.
func waitForSlot(ctx context.Context, h *wire.Header) (abandoned bool) {
	for {
		if !h.Frame.UpdateAcquire() {
			return false
		}
		if h.TestRestart() {
			return true
		}
		select {
		case <-ctx.Done():
			return true
		default:
		}
		runtime.Gosched()
	}
}

// CommitFresh waits for the slot to free up, overwrites the descriptor
// with the given frame type and dimensions, advances frameIndex, and sets
// UPDATE. The type and dimensions come from the capture backend's most
// recent GetFrame call; pixels must
// already be written into Slot(FrameIndex()) before calling this.
//
// If the wait is abandoned via RESTART (or ctx cancellation), the slot
// is left untouched and the next call will retry the same index — the
// commit for this tick did not happen.
func (r *Ring) CommitFresh(ctx context.Context, h *wire.Header, info wire.FrameType, width, height, stride, pitch uint32) (committed bool) {
	if waitForSlot(ctx, h) {
		return false
	}

	i := r.frameIndex
	h.Frame.Type.Store(uint32(info))
	h.Frame.Width.Store(width)
	h.Frame.Height.Store(height)
	h.Frame.Stride.Store(stride)
	h.Frame.Pitch.Store(pitch)
	h.Frame.DataPos.Store(r.layout.FrameSlotOffset(i))

	r.frameIndex = (i + 1) % r.layout.MaxFrames
	r.haveFrame = true

	h.Frame.SetUpdate()
	return true
}

// CommitRepeat handles a capture timeout after a frame was already
// sent: re-publish without copying new pixels. The slot targeted is
// whatever CommitFresh would target next — with the ring already
// having rotated once per prior tick, that slot holds the oldest
// still-live pixels, i.e. the frame being repeated — so no index
// adjustment is needed beyond reusing the last descriptor's dimensions
// instead of fresh ones.
func (r *Ring) CommitRepeat(ctx context.Context, h *wire.Header) (committed bool) {
	return r.CommitFresh(ctx, h,
		wire.FrameType(h.Frame.Type.Load()),
		h.Frame.Width.Load(), h.Frame.Height.Load(),
		h.Frame.Stride.Load(), h.Frame.Pitch.Load())
}
