package region

import (
	"errors"
	"testing"

	"fbproducer/internal/wire"
)

func TestNewOrdersOffsets(t *testing.T) {
	const maxFrames = 4
	const maxFrameSize = 1920 * 1080 * 4
	size := wire.HeaderSize + wire.CursorCap + maxFrames*maxFrameSize + 4096

	l, err := New(make([]byte, size), maxFrames, maxFrameSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if l.CursorOff < wire.HeaderSize {
		t.Fatalf("cursorOff %d precedes header of size %d", l.CursorOff, wire.HeaderSize)
	}
	if l.CursorOff%128 != 0 || l.FramesOff%128 != 0 {
		t.Fatalf("offsets not 128-byte aligned: cursorOff=%d framesOff=%d", l.CursorOff, l.FramesOff)
	}
	if l.FramesOff < l.CursorOff+wire.CursorCap {
		t.Fatalf("framesOff %d overlaps cursor area ending at %d", l.FramesOff, l.CursorOff+wire.CursorCap)
	}
	if l.FrameSize < maxFrameSize {
		t.Fatalf("frameSize %d smaller than requested max %d", l.FrameSize, maxFrameSize)
	}
	if l.FramesOff+l.MaxFrames*l.FrameSize > size {
		t.Fatalf("frame slots overrun region: end %d > size %d", l.FramesOff+l.MaxFrames*l.FrameSize, size)
	}
}

func TestNewFailsWhenRegionSmallerThanHeader(t *testing.T) {
	_, err := New(make([]byte, wire.HeaderSize-1), 2, 1024)
	if !errors.Is(err, ErrSize) {
		t.Fatalf("expected ErrSize, got %v", err)
	}
}

func TestNewFailsWhenFrameSlotsTooSmall(t *testing.T) {
	size := wire.HeaderSize + wire.CursorCap + 256
	_, err := New(make([]byte, size), 4, 1<<20)
	if !errors.Is(err, ErrSize) {
		t.Fatalf("expected ErrSize, got %v", err)
	}
}

func TestFrameSlotsDoNotOverlap(t *testing.T) {
	const maxFrames = 3
	const maxFrameSize = 4096
	size := wire.HeaderSize + wire.CursorCap + maxFrames*maxFrameSize*2

	l, err := New(make([]byte, size), maxFrames, maxFrameSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	seen := map[int]bool{}
	for i := 0; i < maxFrames; i++ {
		off := int(l.FrameSlotOffset(i))
		if seen[off] {
			t.Fatalf("slot %d reused offset %d", i, off)
		}
		seen[off] = true

		slot := l.FrameSlot(i)
		if len(slot) != l.FrameSize {
			t.Fatalf("slot %d length %d != frameSize %d", i, len(slot), l.FrameSize)
		}
	}
}

func TestHeaderOverlaysRegionStart(t *testing.T) {
	size := wire.HeaderSize + wire.CursorCap + 4096
	base := make([]byte, size)
	l, err := New(base, 1, 1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := l.Header()
	wire.Stamp(h, 42)
	if h.HostID != 42 {
		t.Fatalf("stamp did not take effect through Layout.Header()")
	}
	if h.MagicBytes != wire.Magic {
		t.Fatalf("stamp did not write magic through Layout.Header()")
	}
}
