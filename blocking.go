package audioloop

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunnerOption configures a runner.
type RunnerOption func(*runnerOptions)

type runnerOptions struct {
	log          *slog.Logger
	pollInterval time.Duration
	fatal        func(error)

	// called between the first tone write and the start signal
	beforeStartSignal func()
}

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(o *runnerOptions) { o.log = l }
}

// WithPollInterval sets how often the callback runner checks for completion.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(o *runnerOptions) { o.pollInterval = d }
}

// WithFatalHandler replaces the handler for errors raised inside server
// callbacks. The default panics on the callback thread.
func WithFatalHandler(fn func(error)) RunnerOption {
	return func(o *runnerOptions) { o.fatal = fn }
}

func newRunnerOptions(opts []RunnerOption) runnerOptions {
	o := runnerOptions{
		log:          slog.Default(),
		pollInterval: 10 * time.Millisecond,
		fatal:        func(err error) { panic(fmt.Sprintf("audioloop: fatal error in stream callback: %v", err)) },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// BlockingRunner measures with two threads doing blocking device I/O.
type BlockingRunner struct {
	transport Transport
	playback  string
	capture   string
	opts      runnerOptions
}

// NewBlockingRunner returns a runner that opens playback and capture on t.
func NewBlockingRunner(t Transport, playback, capture string, opts ...RunnerOption) *BlockingRunner {
	return &BlockingRunner{
		transport: t,
		playback:  playback,
		capture:   capture,
		opts:      newRunnerOptions(opts),
	}
}

// handshake is the state shared by the two I/O threads and the caller.
// mu guards every field; started wakes the capture thread once the tone
// is out, finished wakes the caller once either thread stops the run.
type handshake struct {
	mu          sync.Mutex
	started     *sync.Cond
	finished    *sync.Cond
	sineStarted bool
	terminate   bool
}

func newHandshake() *handshake {
	h := &handshake{}
	h.started = sync.NewCond(&h.mu)
	h.finished = sync.NewCond(&h.mu)
	return h
}

func (h *handshake) stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminate
}

func (h *handshake) signalStart() {
	h.mu.Lock()
	h.sineStarted = true
	h.mu.Unlock()
	h.started.Broadcast()
}

// waitStart blocks until the tone started or the run was stopped.
func (h *handshake) waitStart() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for !h.sineStarted && !h.terminate {
		h.started.Wait()
	}
	return !h.terminate
}

func (h *handshake) stop() {
	h.mu.Lock()
	h.terminate = true
	h.mu.Unlock()
	h.started.Broadcast()
	h.finished.Broadcast()
}

func (h *handshake) waitFinished() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for !h.terminate {
		h.finished.Wait()
	}
}

// Run executes s and blocks until it finished. It fails with the parent
// context's error when ctx ended a run before detection.
func (r *BlockingRunner) Run(ctx context.Context, s *Session) (Result, error) {
	cfg := s.Config()
	log := r.opts.log

	out, err := r.transport.Open(Playback, r.playback, cfg.Stream)
	if err != nil {
		return Result{}, fmt.Errorf("open playback %q: %w", r.playback, err)
	}
	defer out.Close()

	in, err := r.transport.Open(Capture, r.capture, cfg.Stream)
	if err != nil {
		return Result{}, fmt.Errorf("open capture %q: %w", r.capture, err)
	}
	defer in.Close()

	runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout())
	defer cancel()

	hs := newHandshake()
	stopOnDeadline := context.AfterFunc(runCtx, func() {
		if s.Expire() && ctx.Err() == nil {
			log.Warn("run deadline reached", "timeout", cfg.RunTimeout())
		}
		hs.stop()
	})
	defer stopOnDeadline()

	var g errgroup.Group
	g.Go(func() error {
		err := r.playbackLoop(out, s, hs)
		hs.stop()
		return err
	})
	g.Go(func() error {
		err := r.captureLoop(in, s, hs)
		hs.stop()
		return err
	})

	hs.waitFinished()
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := s.Result()
	if !res.Detected() && ctx.Err() != nil {
		return res, fmt.Errorf("run interrupted: %w", context.Cause(ctx))
	}
	logResult(log, res)
	return res, nil
}

func (r *BlockingRunner) playbackLoop(out Stream, s *Session, hs *handshake) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cfg := s.Config().Stream
	frames := int(cfg.PeriodFrames)
	buf := make([]byte, cfg.FramesToBytes(frames))

	for !hs.stopped() {
		step, err := s.FillPlayback(buf, frames)
		if err != nil {
			return err
		}
		if step == StepIdle {
			return nil
		}
		if step == StepFirstTone {
			delay, err := out.Delay()
			if err != nil {
				r.opts.log.Debug("playback delay unavailable", "err", err)
				delay = 0
			}
			if !s.MarkPlaying(delay) {
				return nil
			}
		}
		if _, err := out.Write(buf); err != nil {
			return fmt.Errorf("playback write: %w", err)
		}
		if step == StepFirstTone {
			if r.opts.beforeStartSignal != nil {
				r.opts.beforeStartSignal()
			}
			hs.signalStart()
		}
	}
	return nil
}

func (r *BlockingRunner) captureLoop(in Stream, s *Session, hs *handshake) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if !hs.waitStart() {
		return nil
	}
	if err := in.Start(); err != nil {
		return fmt.Errorf("capture start: %w", err)
	}

	cfg := s.Config().Stream
	frames := int(cfg.PeriodFrames)
	buf := make([]byte, cfg.FramesToBytes(frames))
	timeout := max(2*cfg.PeriodDuration(), 10*time.Millisecond)

	for !hs.stopped() {
		ready, err := in.Wait(timeout)
		if err != nil {
			return fmt.Errorf("capture wait: %w", err)
		}
		if !ready {
			continue
		}
		delay, err := in.Delay()
		if err != nil {
			r.opts.log.Debug("capture delay unavailable", "err", err)
			delay = 0
		}
		n, err := in.Read(buf)
		if err != nil {
			return fmt.Errorf("capture read: %w", err)
		}
		if n == 0 {
			continue
		}
		if _, err := s.ScanCapture(buf[:cfg.FramesToBytes(n)], n, delay); err != nil {
			return err
		}
		if s.Done() {
			return nil
		}
	}
	return nil
}

func logResult(log *slog.Logger, res Result) {
	if !res.Detected() {
		log.Info("audio not detected", "phase", res.Phase)
		return
	}
	m := res.Measurement
	log.Info("found audio",
		"played_at", m.PlayTime,
		"play_delay_frames", m.PlayDelayFrames,
		"captured_at", m.CaptureTime,
		"capture_delay_frames", m.CaptureDelayFrames,
		"offset_frames", m.DetectedOffset,
		"measured", res.Measured,
		"reported", res.Reported)
}
