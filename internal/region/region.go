// Package region owns the mapped shared-memory byte range and the
// sub-region offsets carved out of it. It has no opinion on how the
// bytes got mapped — that capability is Provider — and no opinion on
// what lives at those offsets beyond sizes, which is wire's and
// framering's job.
package region

import (
	"errors"
	"fmt"

	"fbproducer/internal/wire"
)

// Provider is the SHM capability: map and unmap a contiguous byte range.
// Concrete implementations live in region/shmfile (POSIX /dev/shm) and
// region/memprovider (in-process, for tests).
type Provider interface {
	Map(size int) ([]byte, error)
	Unmap(b []byte) error
}

// Sentinel errors for the two ways a region can fail to come up.
var (
	// ErrMap: the SHM provider could not map the region.
	ErrMap = errors.New("region: FAIL_MAP")
	// ErrSize: the region is too small to hold a header, the cursor area,
	// and at least one frame-sized slot.
	ErrSize = errors.New("region: FAIL_SIZE")
)

// Layout describes the three carved-out ranges of a mapped region:
//
//	[0, HeaderSize)                     Header
//	[CursorOff, CursorOff+CursorCap)    cursor pixel area, 1 MiB
//	[FramesOff, Size)                   MaxFrames equal frame slots
type Layout struct {
	Base []byte // the whole mapped region

	CursorOff int
	FramesOff int
	FrameSize int
	MaxFrames int
}

// New computes a Layout over base for maxFrames slots, each large enough
// to hold a frame of at least maxFrameSize bytes. It fails with ErrSize
// (never touching base) if the region cannot accommodate:
// headerOff ≤ cursorOff ≤ cursorOff+cursorCap ≤ framesOff ≤
// framesOff+maxFrames·frameSize ≤ len(base).
func New(base []byte, maxFrames, maxFrameSize int) (*Layout, error) {
	size := len(base)
	if size < wire.HeaderSize {
		return nil, fmt.Errorf("%w: region of %d bytes smaller than header (%d)", ErrSize, size, wire.HeaderSize)
	}

	cursorOff := wire.Align128Up(wire.HeaderSize)
	framesOff := wire.Align128Up(cursorOff + wire.CursorCap)
	if framesOff >= size {
		return nil, fmt.Errorf("%w: region of %d bytes too small for cursor area ending at %d", ErrSize, size, framesOff)
	}

	frameSize := wire.Align128Down((size - framesOff) / maxFrames)
	if frameSize < maxFrameSize {
		return nil, fmt.Errorf("%w: frame slot %d bytes smaller than capture max %d", ErrSize, frameSize, maxFrameSize)
	}

	return &Layout{
		Base:      base,
		CursorOff: cursorOff,
		FramesOff: framesOff,
		FrameSize: frameSize,
		MaxFrames: maxFrames,
	}, nil
}

// Header returns the header struct overlaid at offset 0.
func (l *Layout) Header() *wire.Header {
	return wire.HeaderAt(l.Base)
}

// CursorArea returns the 1 MiB cursor pixel region.
func (l *Layout) CursorArea() []byte {
	return l.Base[l.CursorOff : l.CursorOff+wire.CursorCap]
}

// FrameSlot returns the byte range for ring slot i.
func (l *Layout) FrameSlot(i int) []byte {
	off := l.FramesOff + i*l.FrameSize
	return l.Base[off : off+l.FrameSize]
}

// FrameSlotOffset returns the region-relative byte offset of slot i, the
// value written into FrameDescriptor.DataPos.
func (l *Layout) FrameSlotOffset(i int) uint32 {
	return uint32(l.FramesOff + i*l.FrameSize)
}
