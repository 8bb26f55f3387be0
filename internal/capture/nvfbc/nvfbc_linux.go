//go:build linux

// Package nvfbc captures frames via NvFBC's TOCUDA interface: a
// zero-copy GPU capture path where the driver composites the cursor
// into the captured surface itself, so this backend never reports a
// separate cursor shape (see Capturer.GetCursor).
package nvfbc

/*
#cgo CFLAGS: -I${SRCDIR}/../../../cvendor
#include <stdlib.h>
#include <string.h>
#include <dlfcn.h>
#include <stdio.h>
#include <time.h>
#include "cuda_defs.h"
#include "nvfbc.h"

static PFN_cuInit         fn_cuInit = NULL;
static PFN_cuDeviceGet    fn_cuDeviceGet = NULL;
static PFN_cuDeviceGetName fn_cuDeviceGetName = NULL;
static PFN_cuDeviceGetByPCIBusId fn_cuDeviceGetByPCIBusId = NULL;
static PFN_cuCtxCreate    fn_cuCtxCreate = NULL;
static PFN_cuCtxDestroy   fn_cuCtxDestroy = NULL;
static PFN_cuCtxSetCurrent fn_cuCtxSetCurrent = NULL;
static PFN_cuCtxGetCurrent fn_cuCtxGetCurrent = NULL;
static PFN_cuMemcpyDtoH fn_cuMemcpyDtoH = NULL;

typedef struct {
	void *cuda_lib;
	void *nvfbc_lib;
	NVFBC_API_FUNCTION_LIST fn;
	NVFBC_SESSION_HANDLE session;
	CUcontext cuda_ctx;
	CUdeviceptr frame_ptr;
	CUdeviceptr grab_ptr;
	NVFBC_FRAME_GRAB_INFO grab_info;
	int width;
	int height;
	int stride;
	char pci_bus_id[32];
	int sampling_ms;
} nvfbc_capturer;

static int load_cuda(nvfbc_capturer *c) {
	c->cuda_lib = dlopen("libcuda.so.1", RTLD_LAZY);
	if (!c->cuda_lib) c->cuda_lib = dlopen("libcuda.so", RTLD_LAZY);
	if (!c->cuda_lib) {
		fprintf(stderr, "nvfbc: failed to load libcuda.so: %s\n", dlerror());
		return -1;
	}

	fn_cuInit = (PFN_cuInit)dlsym(c->cuda_lib, "cuInit");
	fn_cuDeviceGet = (PFN_cuDeviceGet)dlsym(c->cuda_lib, "cuDeviceGet");
	fn_cuDeviceGetName = (PFN_cuDeviceGetName)dlsym(c->cuda_lib, "cuDeviceGetName");
	fn_cuDeviceGetByPCIBusId = (PFN_cuDeviceGetByPCIBusId)dlsym(c->cuda_lib, "cuDeviceGetByPCIBusId");
	fn_cuCtxCreate = (PFN_cuCtxCreate)dlsym(c->cuda_lib, "cuCtxCreate_v2");
	if (!fn_cuCtxCreate) fn_cuCtxCreate = (PFN_cuCtxCreate)dlsym(c->cuda_lib, "cuCtxCreate");
	fn_cuCtxDestroy = (PFN_cuCtxDestroy)dlsym(c->cuda_lib, "cuCtxDestroy_v2");
	if (!fn_cuCtxDestroy) fn_cuCtxDestroy = (PFN_cuCtxDestroy)dlsym(c->cuda_lib, "cuCtxDestroy");
	fn_cuCtxSetCurrent = (PFN_cuCtxSetCurrent)dlsym(c->cuda_lib, "cuCtxSetCurrent");
	fn_cuCtxGetCurrent = (PFN_cuCtxGetCurrent)dlsym(c->cuda_lib, "cuCtxGetCurrent");
	fn_cuMemcpyDtoH = (PFN_cuMemcpyDtoH)dlsym(c->cuda_lib, "cuMemcpyDtoH_v2");
	if (!fn_cuMemcpyDtoH) fn_cuMemcpyDtoH = (PFN_cuMemcpyDtoH)dlsym(c->cuda_lib, "cuMemcpyDtoH");

	if (!fn_cuInit || !fn_cuDeviceGet || !fn_cuCtxCreate || !fn_cuCtxDestroy || !fn_cuCtxSetCurrent) {
		fprintf(stderr, "nvfbc: failed to resolve CUDA symbols\n");
		dlclose(c->cuda_lib);
		c->cuda_lib = NULL;
		return -1;
	}
	return 0;
}

static void nvfbc_log_error(nvfbc_capturer *c, const char *context) {
	if (c->fn.nvFBCGetLastErrorStr) {
		const char *errStr = c->fn.nvFBCGetLastErrorStr(c->session);
		if (errStr && errStr[0]) {
			fprintf(stderr, "nvfbc: %s: %s\n", context, errStr);
			return;
		}
	}
	fprintf(stderr, "nvfbc: %s (no error string available)\n", context);
}

static void nvfbc_cleanup(nvfbc_capturer *c, int has_session, int has_handle) {
	if (has_session && c->fn.nvFBCDestroyCaptureSession) {
		NVFBC_DESTROY_CAPTURE_SESSION_PARAMS dcsParams;
		memset(&dcsParams, 0, sizeof(dcsParams));
		dcsParams.dwVersion = NVFBC_DESTROY_CAPTURE_SESSION_PARAMS_VER;
		c->fn.nvFBCDestroyCaptureSession(c->session, &dcsParams);
	}
	if (has_handle && c->fn.nvFBCDestroyHandle) {
		NVFBC_DESTROY_HANDLE_PARAMS dp;
		memset(&dp, 0, sizeof(dp));
		dp.dwVersion = NVFBC_DESTROY_HANDLE_PARAMS_VER;
		c->fn.nvFBCDestroyHandle(c->session, &dp);
	}
	if (c->cuda_ctx && fn_cuCtxDestroy) fn_cuCtxDestroy(c->cuda_ctx);
	if (c->nvfbc_lib) dlclose(c->nvfbc_lib);
	if (c->cuda_lib) dlclose(c->cuda_lib);
	free(c);
}

static nvfbc_capturer* nvfbc_init(int fps, const char *pci_bus_id) {
	nvfbc_capturer *c = (nvfbc_capturer*)calloc(1, sizeof(nvfbc_capturer));
	if (!c) return NULL;
	strncpy(c->pci_bus_id, pci_bus_id, sizeof(c->pci_bus_id)-1);
	c->sampling_ms = fps > 0 ? 1000 / fps : 33;

	if (load_cuda(c) != 0) { free(c); return NULL; }

	CUresult cr = fn_cuInit(0);
	if (cr != CUDA_SUCCESS) {
		fprintf(stderr, "nvfbc: cuInit failed: %d\n", cr);
		dlclose(c->cuda_lib);
		free(c);
		return NULL;
	}

	CUdevice device;
	if (fn_cuDeviceGetByPCIBusId) {
		cr = fn_cuDeviceGetByPCIBusId(&device, pci_bus_id);
	} else {
		cr = fn_cuDeviceGet(&device, 0);
	}
	if (cr != CUDA_SUCCESS) {
		fprintf(stderr, "nvfbc: device lookup for %s failed: %d\n", pci_bus_id, cr);
		dlclose(c->cuda_lib);
		free(c);
		return NULL;
	}

	if (fn_cuDeviceGetName) {
		char devName[256] = {0};
		fn_cuDeviceGetName(devName, sizeof(devName), device);
		fprintf(stderr, "nvfbc: CUDA device [%s]: %s\n", pci_bus_id, devName);
	}

	cr = fn_cuCtxCreate(&c->cuda_ctx, 0, device);
	if (cr != CUDA_SUCCESS) {
		fprintf(stderr, "nvfbc: cuCtxCreate failed: %d\n", cr);
		dlclose(c->cuda_lib);
		free(c);
		return NULL;
	}

	c->nvfbc_lib = dlopen("libnvidia-fbc.so.1", RTLD_LAZY);
	if (!c->nvfbc_lib) {
		fprintf(stderr, "nvfbc: failed to load libnvidia-fbc.so.1: %s\n", dlerror());
		nvfbc_cleanup(c, 0, 0);
		return NULL;
	}

	PFN_NvFBCCreateInstance createInstance =
		(PFN_NvFBCCreateInstance)dlsym(c->nvfbc_lib, "NvFBCCreateInstance");
	if (!createInstance) {
		fprintf(stderr, "nvfbc: NvFBCCreateInstance not found\n");
		nvfbc_cleanup(c, 0, 0);
		return NULL;
	}

	memset(&c->fn, 0, sizeof(c->fn));
	c->fn.dwVersion = NVFBC_VERSION;

	NVFBCSTATUS status = createInstance(&c->fn);
	if (status != NVFBC_SUCCESS) {
		fprintf(stderr, "nvfbc: NvFBCCreateInstance failed: %d\n", status);
		nvfbc_cleanup(c, 0, 0);
		return NULL;
	}

	NVFBC_CREATE_HANDLE_PARAMS handleParams;
	memset(&handleParams, 0, sizeof(handleParams));
	handleParams.dwVersion = NVFBC_CREATE_HANDLE_PARAMS_VER;
	status = c->fn.nvFBCCreateHandle(&c->session, &handleParams);
	if (status != NVFBC_SUCCESS) {
		nvfbc_log_error(c, "NvFBCCreateHandle");
		nvfbc_cleanup(c, 0, 0);
		return NULL;
	}

	NVFBC_GET_STATUS_PARAMS statusParams;
	memset(&statusParams, 0, sizeof(statusParams));
	statusParams.dwVersion = NVFBC_GET_STATUS_PARAMS_VER;
	status = c->fn.nvFBCGetStatus(c->session, &statusParams);
	if (status != NVFBC_SUCCESS) {
		nvfbc_log_error(c, "NvFBCGetStatus");
		nvfbc_cleanup(c, 0, 1);
		return NULL;
	}
	if (!statusParams.bIsCapturePossible) {
		fprintf(stderr, "nvfbc: capture not possible on this GPU\n");
		nvfbc_cleanup(c, 0, 1);
		return NULL;
	}
	c->width = statusParams.screenSize.w;
	c->height = statusParams.screenSize.h;

	NVFBC_CREATE_CAPTURE_SESSION_PARAMS captureParams;
	memset(&captureParams, 0, sizeof(captureParams));
	captureParams.dwVersion = NVFBC_CREATE_CAPTURE_SESSION_PARAMS_VER;
	captureParams.eCaptureType = NVFBC_CAPTURE_SHARED_CUDA;
	captureParams.eTrackingType = NVFBC_TRACKING_DEFAULT;
	captureParams.bWithCursor = NVFBC_TRUE;
	captureParams.dwSamplingRateMs = c->sampling_ms;
	captureParams.bPushModel = NVFBC_FALSE;
	status = c->fn.nvFBCCreateCaptureSession(c->session, &captureParams);
	if (status != NVFBC_SUCCESS) {
		nvfbc_log_error(c, "NvFBCCreateCaptureSession");
		nvfbc_cleanup(c, 0, 1);
		return NULL;
	}

	NVFBC_TOCUDA_SETUP_PARAMS setupParams;
	memset(&setupParams, 0, sizeof(setupParams));
	setupParams.dwVersion = NVFBC_TOCUDA_SETUP_PARAMS_VER;
	setupParams.eBufferFormat = NVFBC_BUFFER_FORMAT_NV12;
	status = c->fn.nvFBCToCudaSetUp(c->session, &setupParams);
	if (status != NVFBC_SUCCESS) {
		nvfbc_log_error(c, "NvFBCToCudaSetUp");
		nvfbc_cleanup(c, 1, 1);
		return NULL;
	}

	c->stride = (c->width + 255) & ~255;
	fprintf(stderr, "nvfbc: initialized %dx%d capture (TOCUDA)\n", c->width, c->height);
	return c;
}

// Returns: 0=new frame, 1=reused last frame (no damage), -1=error.
static int nvfbc_grab(nvfbc_capturer *c) {
	c->grab_ptr = 0;

	NVFBC_TOCUDA_GRAB_FRAME_PARAMS grabParams;
	memset(&grabParams, 0, sizeof(grabParams));
	grabParams.dwVersion = NVFBC_TOCUDA_GRAB_FRAME_PARAMS_VER;
	grabParams.dwFlags = NVFBC_TOCUDA_GRAB_FLAGS_FORCE_REFRESH | NVFBC_TOCUDA_GRAB_FLAGS_NOWAIT;
	grabParams.pCUDADeviceBuffer = (void*)&c->grab_ptr;
	grabParams.pFrameGrabInfo = &c->grab_info;
	grabParams.dwTimeoutMs = 0;

	NVFBCSTATUS status = c->fn.nvFBCToCudaGrabFrame(c->session, &grabParams);
	if (fn_cuCtxSetCurrent) fn_cuCtxSetCurrent(c->cuda_ctx);

	if (status != NVFBC_SUCCESS) {
		if (c->frame_ptr) return 1;
		return -1;
	}

	c->frame_ptr = c->grab_ptr;
	c->width = c->grab_info.dwWidth;
	c->height = c->grab_info.dwHeight;
	if (c->grab_info.dwByteSize > 0 && c->height > 0) {
		c->stride = c->grab_info.dwByteSize / (c->height * 3 / 2);
	} else {
		c->stride = (c->width + 255) & ~255;
	}
	return 0;
}

static uint8_t* nvfbc_download_frame(nvfbc_capturer *c, int *out_size) {
	if (!fn_cuMemcpyDtoH || !c->frame_ptr) return NULL;
	int total = c->stride * c->height * 3 / 2;
	uint8_t *buf = (uint8_t*)malloc(total);
	if (!buf) return NULL;
	CUresult r = fn_cuMemcpyDtoH(buf, c->frame_ptr, total);
	if (r != CUDA_SUCCESS) {
		free(buf);
		return NULL;
	}
	*out_size = total;
	return buf;
}

static void nvfbc_destroy(nvfbc_capturer *c) {
	if (!c) return;
	if (c->fn.nvFBCDestroyCaptureSession) {
		NVFBC_DESTROY_CAPTURE_SESSION_PARAMS dcsParams;
		memset(&dcsParams, 0, sizeof(dcsParams));
		dcsParams.dwVersion = NVFBC_DESTROY_CAPTURE_SESSION_PARAMS_VER;
		c->fn.nvFBCDestroyCaptureSession(c->session, &dcsParams);
	}
	if (c->fn.nvFBCDestroyHandle) {
		NVFBC_DESTROY_HANDLE_PARAMS destroyParams;
		memset(&destroyParams, 0, sizeof(destroyParams));
		destroyParams.dwVersion = NVFBC_DESTROY_HANDLE_PARAMS_VER;
		c->fn.nvFBCDestroyHandle(c->session, &destroyParams);
	}
	if (c->cuda_ctx && fn_cuCtxDestroy) fn_cuCtxDestroy(c->cuda_ctx);
	// Do not dlclose cuda_lib/nvfbc_lib: the static fn_* pointers are
	// shared across every capturer instance in this process.
	free(c);
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"fbproducer/internal/capture"
	"fbproducer/internal/wire"
)

// Capturer satisfies capture.Source over NvFBC's CUDA capture path.
// GetCursor always reports Updated: false — NvFBC composites the
// cursor into the captured surface itself (bWithCursor), so there is
// no independent cursor shape/position to report separately.
type Capturer struct {
	pciBusID string
	fps      int

	c *C.nvfbc_capturer
}

// NewCapturer targets the GPU at pciBusID (CUDA and nvidia-smi use
// different device orderings, so matching by bus id is required), at
// the given target framerate.
func NewCapturer(pciBusID string, fps int) *Capturer {
	return &Capturer{pciBusID: pciBusID, fps: fps}
}

var _ capture.Source = (*Capturer)(nil)

func (c *Capturer) Initialize() error {
	cBusID := C.CString(c.pciBusID)
	defer C.free(unsafe.Pointer(cBusID))

	nc := C.nvfbc_init(C.int(c.fps), cBusID)
	if nc == nil {
		return fmt.Errorf("nvfbc: failed to initialize capture on %s", c.pciBusID)
	}
	c.c = nc
	return nil
}

func (c *Capturer) ReInitialize() error {
	if c.c != nil {
		C.nvfbc_destroy(c.c)
		c.c = nil
	}
	return c.Initialize()
}

// CanInitialize always reports true: NvFBC exposes no lightweight
// "is the GPU ready" probe short of attempting a full session create,
// which Initialize already does.
func (c *Capturer) CanInitialize() bool { return true }

func (c *Capturer) DeInitialize() error {
	if c.c != nil {
		C.nvfbc_destroy(c.c)
		c.c = nil
	}
	return nil
}

func (c *Capturer) GetMaxFrameSize() int {
	if c.c == nil {
		return 0
	}
	return int(c.c.stride) * int(c.c.height) * 3 / 2
}

func (c *Capturer) GetFrameType() wire.FrameType { return wire.FrameTypeNV12 }

func (c *Capturer) Capture() capture.Status {
	switch C.nvfbc_grab(c.c) {
	case 0:
		return capture.StatusOK
	case 1:
		return capture.StatusTimeout
	default:
		return capture.StatusError
	}
}

func (c *Capturer) GetFrame(dst []byte) (capture.FrameInfo, error) {
	var outSize C.int
	buf := C.nvfbc_download_frame(c.c, &outSize)
	if buf == nil {
		return capture.FrameInfo{}, fmt.Errorf("nvfbc: failed to download frame")
	}
	defer C.free(unsafe.Pointer(buf))

	size := int(outSize)
	if len(dst) < size {
		return capture.FrameInfo{}, fmt.Errorf("nvfbc: dst of %d bytes too small for frame of %d bytes", len(dst), size)
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(buf)), size)
	copy(dst, src)

	return capture.FrameInfo{
		Type:   wire.FrameTypeNV12,
		Width:  uint32(c.c.width),
		Height: uint32(c.c.height),
		Stride: uint32(c.c.stride),
		Pitch:  uint32(c.c.stride),
	}, nil
}

func (c *Capturer) GetCursor() capture.CursorEvent {
	return capture.CursorEvent{Updated: false}
}
