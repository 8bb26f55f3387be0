package wire

import "unsafe"

// HeaderSize is sizeof(Header) as laid out by the Go compiler. The only
// real constraint on it is "big enough, and 128-byte aligned after
// rounding," so it's computed rather than hand-declared.
var HeaderSize = int(unsafe.Sizeof(Header{}))

// CursorCap is the fixed size of the cursor pixel area (1 MiB).
const CursorCap = 1 << 20

// Align128Up rounds x up to the next 128-byte boundary.
func Align128Up(x int) int {
	return (x + 0x7F) &^ 0x7F
}

// Align128Down rounds x down to the previous 128-byte boundary.
func Align128Down(x int) int {
	return x &^ 0x7F
}

// HeaderAt reinterprets the first HeaderSize bytes of region as a *Header.
// region must be at least HeaderSize bytes and 8-byte aligned, which every
// provider in package region guarantees (mmap and make([]byte) both return
// word-aligned memory in practice; region.Layout verifies the length).
func HeaderAt(region []byte) *Header {
	return (*Header)(unsafe.Pointer(&region[0]))
}

// Stamp resets the header to its canonical post-Initialize state: magic,
// version, zeroed frame/cursor descriptors, RESTART cleared. This runs on
// every Initialize, including a restart with an already-connected
// consumer — that's the point: it announces "the producer just
// (re)started" on the wire.
func Stamp(h *Header, hostID uint32) {
	h.MagicBytes = Magic
	h.Version = ProtocolVersion
	h.HostID = hostID
	h.flags.Store(0)

	h.Frame = FrameDescriptor{}
	h.Cursor = CursorDescriptor{}
}

// Reset zeroes all descriptors. DeInitialize calls this so every
// descriptor returns to zero when the producer tears down.
func Reset(h *Header) {
	h.Frame = FrameDescriptor{}
	h.Cursor = CursorDescriptor{}
	h.flags.Store(0)
}
