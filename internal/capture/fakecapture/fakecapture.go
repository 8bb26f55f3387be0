// Package fakecapture is a scriptable in-process capture.Source used
// by service-loop tests to drive exact scenario sequences without a
// display server or GPU.
package fakecapture

import (
	"errors"

	"fbproducer/internal/capture"
	"fbproducer/internal/wire"
)

// Frame is a canned frame Capture can hand back via GetFrame.
type Frame struct {
	Width, Height, Stride, Pitch uint32
	Pixels                       []byte
}

// Fake is a capture.Source whose behavior is entirely driven by
// fields set by the test: Statuses is consumed one entry per Capture()
// call (the last entry repeats once exhausted), and Cursor/Frames feed
// GetCursor/GetFrame.
type Fake struct {
	Statuses []capture.Status
	call     int

	Frames []Frame
	Cursor []capture.CursorEvent

	MaxFrameSize int
	FrameType    wire.FrameType

	CanInit   bool
	Reinits   int
	InitErr   error
	ReinitErr error

	Initialized bool
}

// New returns a Fake that reports OK forever with a single 64x64 BGRA
// frame, until the test overrides its fields.
func New() *Fake {
	return &Fake{
		Statuses:     []capture.Status{capture.StatusOK},
		MaxFrameSize: 64 * 64 * 4,
		FrameType:    wire.FrameTypeBGRA,
		CanInit:      true,
		Frames: []Frame{{
			Width: 64, Height: 64, Stride: 64 * 4, Pitch: 64 * 4,
			Pixels: make([]byte, 64*64*4),
		}},
	}
}

func (f *Fake) Initialize() error {
	if f.InitErr != nil {
		return f.InitErr
	}
	f.Initialized = true
	return nil
}

func (f *Fake) ReInitialize() error {
	if f.ReinitErr != nil {
		return f.ReinitErr
	}
	f.Reinits++
	return nil
}

func (f *Fake) CanInitialize() bool { return f.CanInit }

func (f *Fake) DeInitialize() error {
	f.Initialized = false
	return nil
}

func (f *Fake) GetMaxFrameSize() int { return f.MaxFrameSize }

func (f *Fake) GetFrameType() wire.FrameType { return f.FrameType }

func (f *Fake) Capture() capture.Status {
	if len(f.Statuses) == 0 {
		return capture.StatusOK
	}
	i := f.call
	if i >= len(f.Statuses) {
		i = len(f.Statuses) - 1
	} else {
		f.call++
	}
	return f.Statuses[i]
}

var errNoFrame = errors.New("fakecapture: no frame scripted for this call")

func (f *Fake) GetFrame(dst []byte) (capture.FrameInfo, error) {
	if len(f.Frames) == 0 {
		return capture.FrameInfo{}, errNoFrame
	}
	i := f.call - 1
	if i < 0 {
		i = 0
	}
	if i >= len(f.Frames) {
		i = len(f.Frames) - 1
	}
	fr := f.Frames[i]
	copy(dst, fr.Pixels)
	return capture.FrameInfo{
		Type: f.FrameType, Width: fr.Width, Height: fr.Height,
		Stride: fr.Stride, Pitch: fr.Pitch,
	}, nil
}

func (f *Fake) GetCursor() capture.CursorEvent {
	if len(f.Cursor) == 0 {
		return capture.CursorEvent{}
	}
	i := f.call - 1
	if i < 0 {
		i = 0
	}
	if i >= len(f.Cursor) {
		i = len(f.Cursor) - 1
	}
	return f.Cursor[i]
}
