// Package wire defines the on-wire structures shared between the host
// producer and the guest consumer over a mapped memory region: the
// header, the frame descriptor, and the cursor descriptor.
//
// Every field here is read concurrently by a process in another address
// space, so the flag fields and the descriptor fields are accessed through
// the atomic wrappers below. The exceptions are Stamp and Reset, which
// zero whole descriptors by plain assignment, and the header's magic,
// Version and HostID, which are plain fields written only by Stamp.
// Field order is bit-exact across the host and
// guest sides of the wire format — do not reorder without updating both.
package wire

import "sync/atomic"

// Magic is the fixed 8-byte tag stamped at the start of the region.
var Magic = [8]byte{'K', 'V', 'M', 'F', 'R', '-', '-', '-'}

// ProtocolVersion is bumped whenever the wire layout changes incompatibly.
const ProtocolVersion uint32 = 1

// Global header flags (header.flags byte).
const (
	FlagRestart byte = 1 << 0
	FlagPaused  byte = 1 << 1
)

// Frame descriptor flags.
const (
	FrameFlagUpdate byte = 1 << 0
)

// Cursor descriptor flags.
const (
	CursorFlagPos     byte = 1 << 0
	CursorFlagShape   byte = 1 << 1
	CursorFlagVisible byte = 1 << 2
	CursorFlagUpdate  byte = 1 << 3
)

// FrameType identifies the pixel format of a committed frame.
type FrameType uint32

const (
	FrameTypeInvalid FrameType = iota
	FrameTypeBGRA
	FrameTypeNV12
)

// FrameDescriptor mirrors the C struct:
//
//	struct { u8 flags; u32 type; u32 width; u32 height; u32 stride; u32 pitch; u32 dataPos; }
//
// flags is stored as an atomic.Uint32 (not a byte) purely so the same
// acquire/release wrapper type serves both descriptors; only the low byte
// is ever written, matching the one-byte field on the wire.
type FrameDescriptor struct {
	flags  atomic.Uint32
	Type   atomic.Uint32
	Width  atomic.Uint32
	Height atomic.Uint32
	Stride atomic.Uint32
	Pitch  atomic.Uint32
	DataPos atomic.Uint32
}

// UpdateAcquire reports whether the UPDATE flag is set, with acquire
// semantics: a true result guarantees visibility of every descriptor and
// pixel write that preceded the matching SetUpdate.
func (d *FrameDescriptor) UpdateAcquire() bool {
	return d.flags.Load()&uint32(FrameFlagUpdate) != 0
}

// SetUpdate sets UPDATE with release semantics: every write that precedes
// this call is guaranteed visible to a reader that observes UPDATE set.
func (d *FrameDescriptor) SetUpdate() {
	d.flags.Store(uint32(FrameFlagUpdate))
}

// ClearUpdate clears UPDATE. Only the consumer calls this in production;
// tests stand in for the consumer to exercise the producer's wait loop.
func (d *FrameDescriptor) ClearUpdate() {
	d.flags.Store(0)
}

// CursorDescriptor mirrors the C struct:
//
//	struct { u8 flags; u32 version; u32 type; u32 width; u32 height;
//	         u32 pitch; u32 dataPos; i32 x; i32 y; }
type CursorDescriptor struct {
	flags   atomic.Uint32
	Version atomic.Uint32
	Type    atomic.Uint32
	Width   atomic.Uint32
	Height  atomic.Uint32
	Pitch   atomic.Uint32
	DataPos atomic.Uint32
	X       atomic.Int32
	Y       atomic.Int32
}

// Flags returns the current cursor flags byte (POS|SHAPE|VISIBLE|UPDATE).
func (d *CursorDescriptor) Flags() byte {
	return byte(d.flags.Load())
}

// UpdateAcquire reports whether UPDATE is set (acquire semantics).
func (d *CursorDescriptor) UpdateAcquire() bool {
	return d.flags.Load()&uint32(CursorFlagUpdate) != 0
}

// SetFlags overwrites the full flags byte with release semantics. Callers
// build the desired POS/SHAPE/VISIBLE bits first, then pass them here
// together with UPDATE so the whole descriptor becomes visible atomically
// from the consumer's point of view.
func (d *CursorDescriptor) SetFlags(f byte) {
	d.flags.Store(uint32(f))
}

// ClearUpdate clears the whole flags byte (consumer side, in production).
func (d *CursorDescriptor) ClearUpdate() {
	d.flags.Store(0)
}

// Header is the fixed region prologue: magic, version, hostID, flags,
// frame descriptor, cursor descriptor, in that order.
type Header struct {
	MagicBytes [8]byte
	Version    uint32
	HostID     uint32

	flags atomic.Uint32 // only the low byte is meaningful on the wire

	Frame  FrameDescriptor
	Cursor CursorDescriptor
}

// FlagsAcquire loads the global flags byte with acquire semantics.
func (h *Header) FlagsAcquire() byte {
	return byte(h.flags.Load())
}

// SetPaused sets the PAUSED bit, leaving RESTART untouched.
func (h *Header) SetPaused() {
	for {
		old := h.flags.Load()
		if h.flags.CompareAndSwap(old, old|uint32(FlagPaused)) {
			return
		}
	}
}

// ClearPaused clears the PAUSED bit, leaving RESTART untouched.
func (h *Header) ClearPaused() {
	for {
		old := h.flags.Load()
		if h.flags.CompareAndSwap(old, old&^uint32(FlagPaused)) {
			return
		}
	}
}

// SetRestart sets the RESTART bit. Only the consumer does this in
// production; tests play the consumer's role to drive a restart directly.
func (h *Header) SetRestart() {
	for {
		old := h.flags.Load()
		if h.flags.CompareAndSwap(old, old|uint32(FlagRestart)) {
			return
		}
	}
}

// TestRestart reports whether RESTART is currently set, via a plain load:
// testing RESTART never needs to synchronize anything else.
func (h *Header) TestRestart() bool {
	return h.flags.Load()&uint32(FlagRestart) != 0
}

// ClearRestart clears RESTART with an atomic AND, since the consumer may
// set it concurrently with the producer clearing it.
func (h *Header) ClearRestart() {
	for {
		old := h.flags.Load()
		if h.flags.CompareAndSwap(old, old&^uint32(FlagRestart)) {
			return
		}
	}
}

// ClearAllExceptRestart clears every header flag bit except RESTART, as
// an atomic AND with RESTART as the mask rather than a conditional clear
// of individual bits: RESTART can be set by the consumer at any instant,
// and masking is the only way to preserve it without losing that race.
func (h *Header) ClearAllExceptRestart() {
	for {
		old := h.flags.Load()
		want := old & uint32(FlagRestart)
		if h.flags.CompareAndSwap(old, want) {
			return
		}
	}
}
