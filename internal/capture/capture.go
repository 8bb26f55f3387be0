// Package capture defines the capability the service loop drives to
// obtain pixel frames and cursor state. Concrete backends (xshm,
// nvfbc) and the in-process fakecapture double all implement Source.
package capture

import "fbproducer/internal/wire"

// Status is the outcome of a single Capture() call.
type Status int

const (
	// StatusOK: a new frame is ready, fetch it with GetFrame.
	StatusOK Status = iota
	// StatusTimeout: no new frame arrived before the backend's internal
	// deadline. Not an error; the caller may repeat the previous frame.
	StatusTimeout
	// StatusCursor: only cursor state changed; the frame ring is untouched
	// this tick.
	StatusCursor
	// StatusError: unrecoverable for this tick.
	StatusError
	// StatusReinit: the backend needs ReInitialize (e.g. resolution
	// change, device lost).
	StatusReinit
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusCursor:
		return "CURSOR"
	case StatusError:
		return "ERROR"
	case StatusReinit:
		return "REINIT"
	default:
		return "UNKNOWN"
	}
}

// FrameInfo describes the pixels Capture just wrote into the buffer
// passed to GetFrame.
type FrameInfo struct {
	Type   wire.FrameType
	Width  uint32
	Height uint32
	Stride uint32
	Pitch  uint32
}

// CursorEvent is what GetCursor reports after a Capture() call.
// HasPos and HasShape are independent: a single event may carry
// position only, shape only, both, or (Updated=false) neither.
type CursorEvent struct {
	Updated bool

	HasPos  bool
	X, Y    int32
	Visible bool

	HasShape bool
	Type     wire.FrameType
	Width    uint32
	Height   uint32
	Pitch    uint32
	Shape    []byte
}

// Source is the capability the service loop drives once per tick.
type Source interface {
	// Initialize brings the backend up. Called once before the first
	// tick; later re-establishment goes through ReInitialize instead.
	Initialize() error

	// ReInitialize re-establishes capture after a StatusReinit outcome
	// (resolution change, session switch, device loss).
	ReInitialize() error

	// CanInitialize reports whether a call to ReInitialize is currently
	// expected to succeed (e.g. the target session/display is active).
	CanInitialize() bool

	// DeInitialize releases all backend resources.
	DeInitialize() error

	// GetMaxFrameSize is the largest buffer Capture may ask GetFrame to
	// fill, given current backend state (resolution, format).
	GetMaxFrameSize() int

	// GetFrameType is the pixel format Capture produces.
	GetFrameType() wire.FrameType

	// Capture attempts to obtain a new frame and/or cursor state.
	Capture() Status

	// GetFrame copies the most recently captured frame into dst, which
	// must be at least GetMaxFrameSize() bytes, and reports its
	// dimensions. Only valid after Capture() returned StatusOK.
	GetFrame(dst []byte) (FrameInfo, error)

	// GetCursor reports cursor state observed by the most recent
	// Capture() call.
	GetCursor() CursorEvent
}
