// Package service implements the top-level state machine: one tick per
// Process call, driving capture, the frame ring, and the cursor pipe
// against a mapped SHM region.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"fbproducer/internal/capture"
	"fbproducer/internal/cursorpipe"
	"fbproducer/internal/framering"
	"fbproducer/internal/region"
	"fbproducer/internal/sessionwatch"
	"fbproducer/internal/wire"
)

// Sentinel errors, one per failure kind in the error handling design.
var (
	ErrMap     = errors.New("service: FAIL_MAP")
	ErrSize    = errors.New("service: FAIL_SIZE")
	ErrRetries = errors.New("service: FAIL_RETRIES")
	ErrReinit  = errors.New("service: FAIL_REINIT")
)

// State is the producer's top-level lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateCapturing
	StatePaused
	StateReinitializing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateReady:
		return "READY"
	case StateCapturing:
		return "CAPTURING"
	case StatePaused:
		return "PAUSED"
	case StateReinitializing:
		return "REINITIALIZING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config holds everything a Producer needs beyond its three
// capabilities.
type Config struct {
	// Size is the total mapped SHM region size.
	Size int
	// MaxFrames is the frame ring slot count (2 in the common case).
	MaxFrames int
	// HostID is an opaque identifier that Initialize stamps into the
	// header; the service never interprets it.
	HostID uint32

	// SessionPollInterval is how often REINITIALIZING polls the session
	// watcher and capture.CanInitialize while waiting.
	SessionPollInterval time.Duration
	// StatsInterval, if nonzero, makes Run log throughput stats at this
	// cadence.
	StatsInterval time.Duration
	// TickInterval paces Run's ticker; Process itself is cadence-agnostic.
	TickInterval time.Duration
}

// DefaultSessionPollInterval is how often REINITIALIZING polls when the
// caller leaves SessionPollInterval unset.
const DefaultSessionPollInterval = 100 * time.Millisecond

func (c Config) sessionPollInterval() time.Duration {
	if c.SessionPollInterval > 0 {
		return c.SessionPollInterval
	}
	return DefaultSessionPollInterval
}

// Producer is the top-level type: a capture backend, an SHM provider,
// and a session watcher driven together through one tick per Process
// call.
type Producer struct {
	cap   capture.Source
	prov  region.Provider
	watch sessionwatch.Watcher
	cfg   Config

	state State

	regionBytes  []byte
	layout       *region.Layout
	header       *wire.Header
	ring         *framering.Ring
	pipe         *cursorpipe.Pipe
	startSession sessionwatch.SessionID
}

// New constructs a Producer. Initialize must be called before Process.
func New(cap capture.Source, prov region.Provider, watch sessionwatch.Watcher, cfg Config) *Producer {
	return &Producer{cap: cap, prov: prov, watch: watch, cfg: cfg, state: StateUninitialized}
}

// State reports the producer's current lifecycle state.
func (p *Producer) State() State {
	return p.state
}

// Initialize brings the producer from UNINITIALIZED to READY: maps
// SHM, derives the layout, stamps the header, resets ring state, and
// starts the cursor worker.
func (p *Producer) Initialize() error {
	regionBytes, err := p.prov.Map(p.cfg.Size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMap, err)
	}

	if err := p.cap.Initialize(); err != nil {
		p.prov.Unmap(regionBytes)
		return fmt.Errorf("service: capture initialize: %w", err)
	}

	layout, err := region.New(regionBytes, p.cfg.MaxFrames, p.cap.GetMaxFrameSize())
	if err != nil {
		p.cap.DeInitialize()
		p.prov.Unmap(regionBytes)
		return fmt.Errorf("%w: %w", ErrSize, err)
	}

	header := layout.Header()
	wire.Stamp(header, p.cfg.HostID)

	startSession, err := p.watch.CurrentSessionID()
	if err != nil {
		p.cap.DeInitialize()
		p.prov.Unmap(regionBytes)
		return fmt.Errorf("service: session watcher: %w", err)
	}

	p.regionBytes = regionBytes
	p.layout = layout
	p.header = header
	p.ring = framering.New(layout)
	p.pipe = cursorpipe.New(layout, header)
	p.startSession = startSession

	p.pipe.Start()
	p.state = StateReady
	return nil
}

// DeInitialize joins the cursor worker, tears down capture and SHM,
// and returns the producer to a state from which Initialize can run
// again cleanly.
func (p *Producer) DeInitialize() error {
	if p.pipe != nil {
		p.pipe.Stop()
	}
	if p.header != nil {
		wire.Reset(p.header)
	}

	var errs []error
	if p.cap != nil {
		if err := p.cap.DeInitialize(); err != nil {
			errs = append(errs, fmt.Errorf("service: capture deinitialize: %w", err))
		}
	}
	if p.regionBytes != nil {
		if err := p.prov.Unmap(p.regionBytes); err != nil {
			errs = append(errs, fmt.Errorf("%w: unmap: %v", ErrMap, err))
		}
	}

	p.regionBytes = nil
	p.layout = nil
	p.header = nil
	p.ring = nil
	p.pipe = nil
	p.state = StateStopped

	return errors.Join(errs...)
}

type tickMode int

const (
	modeFresh tickMode = iota
	modeRepeat
	modeCursorOnly
)

// Process runs exactly one tick of the producer's per-tick algorithm.
// The caller controls cadence; Run below wraps this in a ticker loop.
func (p *Producer) Process(ctx context.Context) error {
	if p.state == StateUninitialized || p.state == StateStopped {
		return fmt.Errorf("service: Process called before Initialize or after DeInitialize")
	}

	// Step 1: consumer-requested restart.
	if p.header.TestRestart() {
		if err := p.cap.ReInitialize(); err != nil {
			return fmt.Errorf("%w: consumer restart: %v", ErrReinit, err)
		}
		if err := p.ring.CheckMaxFrameSize(p.cap.GetMaxFrameSize()); err != nil {
			return fmt.Errorf("%w: %w", ErrSize, err)
		}
		p.header.ClearRestart()
	}

	// Step 2: capture attempt, up to 2 tries, with non-counting outcomes
	// for TIMEOUT-with-no-prior-frame and REINIT.
	p.state = StateCapturing
	triesLeft := 2
	var mode tickMode
	success := false

	for triesLeft > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch status := p.cap.Capture(); status {
		case capture.StatusOK:
			mode = modeFresh
			success = true
		case capture.StatusCursor:
			mode = modeCursorOnly
			success = true
		case capture.StatusTimeout:
			if p.ring.HaveFrame() {
				mode = modeRepeat
				success = true
			} else {
				continue // does not consume the retry budget
			}
		case capture.StatusReinit:
			if err := p.reinitialize(ctx); err != nil {
				return err
			}
			continue // does not consume the retry budget
		case capture.StatusError:
			triesLeft--
			continue
		default:
			triesLeft--
			continue
		}
		break
	}

	if !success {
		return ErrRetries
	}

	// Step 4: cursor hand-off, independent of frame mode.
	if ev := p.cap.GetCursor(); ev.Updated {
		p.pipe.Post(ev.HasPos, ev.X, ev.Y, ev.Visible, ev.HasShape, ev.Type, ev.Width, ev.Height, ev.Pitch, ev.Shape)
	}

	// Step 5: frame hand-off, unless this tick was cursor-only.
	if mode != modeCursorOnly {
		switch mode {
		case modeFresh:
			info, err := p.cap.GetFrame(p.ring.Slot(p.ring.FrameIndex()))
			if err != nil {
				return fmt.Errorf("service: get frame: %w", err)
			}
			p.ring.CommitFresh(ctx, p.header, info.Type, info.Width, info.Height, info.Stride, info.Pitch)
		case modeRepeat:
			p.ring.CommitRepeat(ctx, p.header)
		}
	}

	// Step 6: clear every header flag bit except RESTART.
	p.header.ClearAllExceptRestart()
	p.state = StateReady
	return nil
}

// reinitialize runs the REINITIALIZING sub-state: pause publishing,
// wait for the active session to match the one observed at Initialize,
// wait for capture to report it can re-init, re-init it, re-validate
// frame sizing, then resume.
func (p *Producer) reinitialize(ctx context.Context) error {
	p.state = StateReinitializing
	p.header.SetPaused()
	defer func() {
		p.header.ClearPaused()
		p.state = StateCapturing
	}()

	interval := p.cfg.sessionPollInterval()

	for {
		id, err := p.watch.CurrentSessionID()
		if err != nil {
			return fmt.Errorf("service: session watcher: %w", err)
		}
		if id == p.startSession {
			break
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}

	for !p.cap.CanInitialize() {
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}

	if err := p.cap.ReInitialize(); err != nil {
		return fmt.Errorf("%w: %v", ErrReinit, err)
	}

	if err := p.ring.CheckMaxFrameSize(p.cap.GetMaxFrameSize()); err != nil {
		return fmt.Errorf("%w: %w", ErrSize, err)
	}

	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run drives Process on a ticker until ctx is canceled or Process
// returns a non-recoverable error, logging throughput stats every
// cfg.StatsInterval if set.
func (p *Producer) Run(ctx context.Context) error {
	interval := p.cfg.TickInterval
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var ticks, errs int
	lastStats := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ticks++
			if err := p.Process(ctx); err != nil {
				errs++
				log.Printf("service: tick failed: %v", err)
				if errors.Is(err, ErrRetries) {
					continue
				}
				return err
			}

			if p.cfg.StatsInterval > 0 && time.Since(lastStats) >= p.cfg.StatsInterval {
				log.Printf("service: stats ticks=%d errors=%d", ticks, errs)
				ticks, errs = 0, 0
				lastStats = time.Now()
			}
		}
	}
}
