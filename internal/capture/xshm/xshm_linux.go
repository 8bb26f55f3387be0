//go:build linux

// Package xshm captures frames via X11 shared memory, with cursor
// shape reported separately through XFixes instead of composited into
// frame pixels, and XDamage driving idle detection.
package xshm

/*
#cgo pkg-config: x11 xext xfixes xdamage
#include <X11/Xlib.h>
#include <X11/Xutil.h>
#include <X11/extensions/XShm.h>
#include <X11/extensions/Xfixes.h>
#include <X11/extensions/Xdamage.h>
#include <sys/ipc.h>
#include <sys/shm.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	Display  *display;
	Window    root;
	XShmSegmentInfo shminfo;
	XImage   *image;
	Damage    damage;
	int       damageEventBase;
	int       width;
	int       height;
} xshm_capturer;

static xshm_capturer* xshm_init(const char *display_name) {
	xshm_capturer *c = (xshm_capturer*)calloc(1, sizeof(xshm_capturer));
	if (!c) return NULL;

	c->display = XOpenDisplay(display_name);
	if (!c->display) { free(c); return NULL; }

	int screen = DefaultScreen(c->display);
	c->root = RootWindow(c->display, screen);
	c->width = DisplayWidth(c->display, screen);
	c->height = DisplayHeight(c->display, screen);

	c->image = XShmCreateImage(c->display,
		DefaultVisual(c->display, screen),
		DefaultDepth(c->display, screen),
		ZPixmap, NULL, &c->shminfo,
		c->width, c->height);
	if (!c->image) {
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}

	c->shminfo.shmid = shmget(IPC_PRIVATE,
		c->image->bytes_per_line * c->image->height,
		IPC_CREAT | 0600);
	if (c->shminfo.shmid < 0) {
		XDestroyImage(c->image);
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}

	c->shminfo.shmaddr = c->image->data = (char*)shmat(c->shminfo.shmid, NULL, 0);
	c->shminfo.readOnly = False;

	if (!XShmAttach(c->display, &c->shminfo)) {
		shmdt(c->shminfo.shmaddr);
		shmctl(c->shminfo.shmid, IPC_RMID, NULL);
		XDestroyImage(c->image);
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}
	shmctl(c->shminfo.shmid, IPC_RMID, NULL);

	int dummy;
	XDamageQueryExtension(c->display, &c->damageEventBase, &dummy);
	c->damage = XDamageCreate(c->display, c->root, XDamageReportNonEmptyRegion);

	return c;
}

// xshm_screen_changed reports whether the root window's dimensions no
// longer match what the capturer was created with.
static int xshm_screen_changed(xshm_capturer *c) {
	int screen = DefaultScreen(c->display);
	return (DisplayWidth(c->display, screen) != c->width ||
	        DisplayHeight(c->display, screen) != c->height);
}

// xshm_poll_damage drains pending X events and reports whether any
// damage notification was observed since the last call.
static int xshm_poll_damage(xshm_capturer *c) {
	int damaged = 0;
	while (XPending(c->display) > 0) {
		XEvent ev;
		XNextEvent(c->display, &ev);
		if (ev.type == c->damageEventBase + XDamageNotify) {
			damaged = 1;
			XDamageSubtract(c->display, c->damage, None, None);
		}
	}
	return damaged;
}

static int xshm_grab(xshm_capturer *c) {
	if (!XShmGetImage(c->display, c->root, c->image, 0, 0, AllPlanes)) {
		return -1;
	}
	XSync(c->display, False);
	return 0;
}

static void xshm_destroy(xshm_capturer *c) {
	if (!c) return;
	if (c->damage) XDamageDestroy(c->display, c->damage);
	XShmDetach(c->display, &c->shminfo);
	shmdt(c->shminfo.shmaddr);
	XDestroyImage(c->image);
	XCloseDisplay(c->display);
	free(c);
}

static int xshm_probe(const char *display_name) {
	Display *d = XOpenDisplay(display_name);
	if (!d) return 0;
	XCloseDisplay(d);
	return 1;
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"fbproducer/internal/capture"
	"fbproducer/internal/wire"
)

// Capturer satisfies capture.Source over an X11 display.
type Capturer struct {
	displayName string

	c *C.xshm_capturer

	lastCursorSerial C.ulong
}

// NewCapturer returns a Capturer targeting displayName (e.g. ":0"); it
// does not open the display until Initialize.
func NewCapturer(displayName string) *Capturer {
	return &Capturer{displayName: displayName}
}

var _ capture.Source = (*Capturer)(nil)

func (c *Capturer) Initialize() error {
	cDisplay := C.CString(c.displayName)
	defer C.free(unsafe.Pointer(cDisplay))

	xc := C.xshm_init(cDisplay)
	if xc == nil {
		return fmt.Errorf("xshm: failed to open display %q", c.displayName)
	}
	c.c = xc
	c.lastCursorSerial = 0
	return nil
}

func (c *Capturer) ReInitialize() error {
	if c.c != nil {
		C.xshm_destroy(c.c)
		c.c = nil
	}
	return c.Initialize()
}

func (c *Capturer) CanInitialize() bool {
	cDisplay := C.CString(c.displayName)
	defer C.free(unsafe.Pointer(cDisplay))
	return C.xshm_probe(cDisplay) != 0
}

func (c *Capturer) DeInitialize() error {
	if c.c != nil {
		C.xshm_destroy(c.c)
		c.c = nil
	}
	return nil
}

func (c *Capturer) GetMaxFrameSize() int {
	if c.c == nil {
		return 0
	}
	return int(c.c.height) * int(c.c.image.bytes_per_line)
}

func (c *Capturer) GetFrameType() wire.FrameType { return wire.FrameTypeBGRA }

// Capture asks X for the current screen state. A resolution change
// surfaces as StatusReinit; an XDamage-quiet interval with no cursor
// change surfaces as StatusTimeout, letting the frame ring repeat the
// last slot instead of resending identical pixels.
func (c *Capturer) Capture() capture.Status {
	if C.xshm_screen_changed(c.c) != 0 {
		return capture.StatusReinit
	}

	damaged := C.xshm_poll_damage(c.c) != 0
	cursorChanged := c.cursorSerialChanged()

	if !damaged {
		if cursorChanged {
			return capture.StatusCursor
		}
		return capture.StatusTimeout
	}

	if C.xshm_grab(c.c) != 0 {
		return capture.StatusError
	}
	return capture.StatusOK
}

func (c *Capturer) GetFrame(dst []byte) (capture.FrameInfo, error) {
	stride := int(c.c.image.bytes_per_line)
	height := int(c.c.height)
	size := stride * height
	if len(dst) < size {
		return capture.FrameInfo{}, fmt.Errorf("xshm: dst of %d bytes too small for frame of %d bytes", len(dst), size)
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(c.c.image.data)), size)
	copy(dst, src)
	return capture.FrameInfo{
		Type:   wire.FrameTypeBGRA,
		Width:  uint32(c.c.width),
		Height: uint32(c.c.height),
		Stride: uint32(stride),
		Pitch:  uint32(stride),
	}, nil
}

// cursorSerialChanged fetches the current XFixes cursor image and
// compares its serial against the one last reported.
func (c *Capturer) cursorSerialChanged() bool {
	cursor := C.XFixesGetCursorImage(c.c.display)
	if cursor == nil {
		return false
	}
	defer C.XFree(unsafe.Pointer(cursor))
	return cursor.cursor_serial != c.lastCursorSerial
}

func (c *Capturer) GetCursor() capture.CursorEvent {
	cursor := C.XFixesGetCursorImage(c.c.display)
	if cursor == nil {
		return capture.CursorEvent{}
	}
	defer C.XFree(unsafe.Pointer(cursor))

	ev := capture.CursorEvent{
		Updated: true,
		HasPos:  true,
		X:       int32(cursor.x) - int32(cursor.xhot),
		Y:       int32(cursor.y) - int32(cursor.yhot),
		Visible: true,
	}

	if cursor.cursor_serial != c.lastCursorSerial {
		c.lastCursorSerial = cursor.cursor_serial

		w, h := int(cursor.width), int(cursor.height)
		shape := make([]byte, w*h*4)
		pixels := unsafe.Slice(cursor.pixels, w*h)
		for i, px := range pixels {
			o := i * 4
			shape[o+0] = byte(px >> 0)  // B
			shape[o+1] = byte(px >> 8)  // G
			shape[o+2] = byte(px >> 16) // R
			shape[o+3] = byte(px >> 24) // A
		}

		ev.HasShape = true
		ev.Type = wire.FrameTypeBGRA
		ev.Width = uint32(w)
		ev.Height = uint32(h)
		ev.Pitch = uint32(w * 4)
		ev.Shape = shape
	}

	return ev
}
