// Command fbproducerd runs the host-side frame producer: it maps a
// shared memory region, drives a capture backend, and publishes frames
// and cursor updates for a guest-side consumer to read.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"fbproducer/internal/capture"
	"fbproducer/internal/capture/nvfbc"
	"fbproducer/internal/capture/xshm"
	"fbproducer/internal/region"
	"fbproducer/internal/region/shmfile"
	"fbproducer/internal/sessionwatch"
	"fbproducer/internal/sessionwatch/logind"
	"fbproducer/internal/service"
)

var (
	flagBackend   = flag.String("backend", "xshm", "Capture backend: xshm or nvfbc")
	flagDisplay   = flag.String("display", "", "X11 display to capture (xshm backend; defaults to $DISPLAY)")
	flagPCIBusID  = flag.String("pci-bus-id", "", "GPU PCI bus id, e.g. 0000:01:00.0 (nvfbc backend)")
	flagFPS       = flag.Int("fps", 60, "Target capture rate, used to pace tick interval and NvFBC sampling")
	flagShmName   = flag.String("shm-name", "fbproducer", "Shared memory segment name under /dev/shm")
	flagSize      = flag.Int("size", 64<<20, "Total shared memory region size in bytes")
	flagMaxFrames = flag.Int("max-frames", 2, "Frame ring slot count")
	flagHostID    = flag.Uint("host-id", 0, "Opaque host identifier stamped into the header")
	flagStats     = flag.Bool("stats", false, "Log tick stats every 5 seconds")
	flagNoSession = flag.Bool("no-session-watch", false, "Disable logind session watching (session switches never pause the loop)")
)

func main() {
	flag.Parse()

	cap, err := newCapturer()
	if err != nil {
		log.Fatalf("capture backend: %v", err)
	}

	shm := shmfile.New(*flagShmName)
	defer shm.Remove()

	watch, closeWatch, err := newSessionWatcher()
	if err != nil {
		log.Fatalf("session watcher: %v", err)
	}
	if closeWatch != nil {
		defer closeWatch()
	}

	interval := time.Second / time.Duration(max(*flagFPS, 1))
	cfg := service.Config{
		Size:          *flagSize,
		MaxFrames:     *flagMaxFrames,
		HostID:        uint32(*flagHostID),
		TickInterval:  interval,
		StatsInterval: statsInterval(),
	}

	p := service.New(cap, shm, watch, cfg)
	if err := p.Initialize(); err != nil {
		log.Fatalf("initialize: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %s, shutting down...", sig)
		cancel()
	}()

	log.Printf("fbproducerd: backend=%s shm=%s size=%d fps=%d", *flagBackend, shm.Path(), *flagSize, *flagFPS)

	if err := p.Run(ctx); err != nil {
		p.DeInitialize()
		log.Fatalf("run: %v", err)
	}

	if err := p.DeInitialize(); err != nil {
		log.Fatalf("deinitialize: %v", err)
	}
}

func newCapturer() (capture.Source, error) {
	switch *flagBackend {
	case "xshm":
		display := *flagDisplay
		if display == "" {
			display = os.Getenv("DISPLAY")
		}
		return xshm.NewCapturer(display), nil
	case "nvfbc":
		return nvfbc.NewCapturer(*flagPCIBusID, *flagFPS), nil
	default:
		log.Fatalf("--backend must be xshm or nvfbc, got %q", *flagBackend)
		return nil, nil
	}
}

func newSessionWatcher() (sessionwatch.Watcher, func(), error) {
	if *flagNoSession {
		// One id for the whole process lifetime: REINITIALIZING always
		// sees a match, so it never waits on a session switch.
		return staticWatcher{id: sessionwatch.SessionID(uuid.NewString())}, nil, nil
	}
	w, err := logind.New()
	if err != nil {
		return nil, nil, err
	}
	return w, func() { w.Close() }, nil
}

// staticWatcher always reports the same session, used when session
// watching is disabled.
type staticWatcher struct {
	id sessionwatch.SessionID
}

func (w staticWatcher) CurrentSessionID() (sessionwatch.SessionID, error) {
	return w.id, nil
}

func statsInterval() time.Duration {
	if *flagStats {
		return 5 * time.Second
	}
	return 0
}

var _ region.Provider = (*shmfile.Provider)(nil)
