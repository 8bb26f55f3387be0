// Package cursorpipe implements the cursor worker: a goroutine
// independent of the frame path that drains a latest-wins inbox into
// the cursor descriptor and pixel area. Decoupling it from the frame
// loop means cursor motion is never stalled behind a frame commit, and
// a frame commit is never stalled behind cursor traffic.
package cursorpipe

import (
	"log"
	"sync"
	"time"

	"fbproducer/internal/region"
	"fbproducer/internal/wire"
)

// pollBackoff is how long the worker yields while waiting for the
// consumer to clear a pending cursor update.
const pollBackoff = 2 * time.Millisecond

// waitTimeout bounds the event wait so shutdown is observed even with
// no cursor traffic at all.
const waitTimeout = time.Second

// inbox is the producer-local latest-wins snapshot bridging the
// capture callback and the worker goroutine.
type inbox struct {
	mu sync.Mutex

	hasPos  bool
	x, y    int32
	visible bool

	hasShape bool
	typ      wire.FrameType
	width    uint32
	height   uint32
	pitch    uint32
	shape    []byte
}

// Pipe owns the inbox, the signaling event, and the worker goroutine.
type Pipe struct {
	layout *region.Layout
	header *wire.Header

	in    inbox
	event chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

// New constructs a Pipe bound to layout's cursor area and header. The
// worker is not running until Start is called.
func New(layout *region.Layout, header *wire.Header) *Pipe {
	return &Pipe{
		layout: layout,
		header: header,
		event:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post overwrites the changed fields of the inbox and wakes the worker.
// hasPos and hasShape are independent branches: a position-only update
// never touches shape fields and vice versa.
func (p *Pipe) Post(hasPos bool, x, y int32, visible bool, hasShape bool, typ wire.FrameType, width, height, pitch uint32, shape []byte) {
	p.in.mu.Lock()
	if hasPos {
		p.in.hasPos = true
		p.in.x, p.in.y = x, y
		p.in.visible = visible
	}
	if hasShape {
		p.in.hasShape = true
		p.in.typ = typ
		p.in.width, p.in.height, p.in.pitch = width, height, pitch
		p.in.shape = shape
	}
	p.in.mu.Unlock()

	select {
	case p.event <- struct{}{}:
	default:
	}
}

// Start launches the worker goroutine.
func (p *Pipe) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop signals the worker to exit and waits for it to do so, within
// waitTimeout plus one poll cycle (the worker observes shutdown inside
// both its event wait and its busy-wait).
func (p *Pipe) Stop() {
	close(p.done)
	p.wg.Wait()
}

func (p *Pipe) run() {
	defer p.wg.Done()

	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(waitTimeout)

		select {
		case <-p.done:
			return
		case <-timer.C:
			continue
		case <-p.event:
		}

		if p.drainOne() {
			return
		}
	}
}

// drainOne busy-waits for the consumer to clear a pending cursor
// update, then publishes the inbox. Returns true if shutdown was
// observed mid-wait.
func (p *Pipe) drainOne() bool {
	for p.header.Cursor.Flags() != 0 {
		select {
		case <-p.done:
			return true
		default:
		}
		time.Sleep(pollBackoff)
	}

	p.publish()
	return false
}

func (p *Pipe) publish() {
	p.in.mu.Lock()
	hasPos, x, y, visible := p.in.hasPos, p.in.x, p.in.y, p.in.visible
	hasShape, typ, width, height, pitch, shape := p.in.hasShape, p.in.typ, p.in.width, p.in.height, p.in.pitch, p.in.shape
	p.in.hasPos = false
	p.in.hasShape = false
	p.in.mu.Unlock()

	var flags byte

	if hasPos {
		flags |= wire.CursorFlagPos
		if visible {
			flags |= wire.CursorFlagVisible
		}
		p.header.Cursor.X.Store(x)
		p.header.Cursor.Y.Store(y)
	}

	if hasShape {
		if len(shape) > len(p.layout.CursorArea()) {
			log.Printf("cursorpipe: FAIL_CURSOR_TOO_LARGE: shape of %d bytes exceeds cursor area of %d bytes, dropping", len(shape), len(p.layout.CursorArea()))
		} else {
			flags |= wire.CursorFlagShape
			p.header.Cursor.Version.Add(1)
			p.header.Cursor.Type.Store(uint32(typ))
			p.header.Cursor.Width.Store(width)
			p.header.Cursor.Height.Store(height)
			p.header.Cursor.Pitch.Store(pitch)
			p.header.Cursor.DataPos.Store(uint32(p.layout.CursorOff))
			copy(p.layout.CursorArea(), shape)
		}
	}

	if flags != 0 {
		flags |= wire.CursorFlagUpdate
		p.header.Cursor.SetFlags(flags)
	}
}
