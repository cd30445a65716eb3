package audioloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CallbackRunner measures through an audio server that calls back into the
// session from its own threads.
type CallbackRunner struct {
	server   Server
	playback string
	capture  string
	opts     runnerOptions
}

// NewCallbackRunner returns a runner that registers playback and capture
// streams with srv.
func NewCallbackRunner(srv Server, playback, capture string, opts ...RunnerOption) *CallbackRunner {
	return &CallbackRunner{
		server:   srv,
		playback: playback,
		capture:  capture,
		opts:     newRunnerOptions(opts),
	}
}

// callbackHandler adapts server callbacks to session transitions.
type callbackHandler struct {
	s     *Session
	fatal func(error)

	mu        sync.Mutex
	streamErr error
}

func (h *callbackHandler) OnPlaybackBuffer(b Buffer) {
	step, err := h.s.FillPlayback(b.Data, b.Frames)
	if err != nil {
		h.fatal(fmt.Errorf("playback callback: %w", err))
		return
	}
	if step == StepFirstTone {
		h.s.MarkPlaying(b.DelayFrames)
	}
}

func (h *callbackHandler) OnCaptureBuffer(b Buffer) {
	if _, err := h.s.ScanCapture(b.Data, b.Frames, b.DelayFrames); err != nil {
		h.fatal(fmt.Errorf("capture callback: %w", err))
	}
}

// OnStreamError records the first stream failure and ends the run.
func (h *callbackHandler) OnStreamError(err error) {
	h.mu.Lock()
	if h.streamErr == nil {
		h.streamErr = err
	}
	h.mu.Unlock()
	h.s.Expire()
}

func (h *callbackHandler) err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streamErr
}

// Run executes s and blocks until it finished or its deadline passed. A run
// that was not detected fails with the error that stopped a stream, or with
// the parent context's error when ctx ended it.
func (r *CallbackRunner) Run(ctx context.Context, s *Session) (Result, error) {
	cfg := s.Config()
	log := r.opts.log
	h := &callbackHandler{s: s, fatal: r.opts.fatal}

	runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout())
	defer cancel()

	out, err := r.server.AddStream(runCtx, r.spec(Playback, r.playback, cfg, h), h.OnPlaybackBuffer)
	if err != nil {
		return Result{}, fmt.Errorf("add playback stream %q: %w", r.playback, err)
	}

	in, err := r.server.AddStream(runCtx, r.spec(Capture, r.capture, cfg, h), h.OnCaptureBuffer)
	if err != nil {
		r.removeStream(out)
		return Result{}, fmt.Errorf("add capture stream %q: %w", r.capture, err)
	}

	ticker := time.NewTicker(r.opts.pollInterval)
	defer ticker.Stop()

	for !s.Done() {
		select {
		case <-runCtx.Done():
			if s.Expire() && ctx.Err() == nil {
				log.Warn("run deadline reached", "timeout", cfg.RunTimeout())
			}
		case <-ticker.C:
		}
	}

	removeErr := errors.Join(r.server.RemoveStream(in), r.server.RemoveStream(out))

	res := s.Result()
	if !res.Detected() {
		switch {
		case h.err() != nil:
			return res, fmt.Errorf("stream failed: %w", h.err())
		case removeErr != nil:
			return res, fmt.Errorf("stream failed: %w", removeErr)
		case ctx.Err() != nil:
			return res, fmt.Errorf("run interrupted: %w", context.Cause(ctx))
		}
	} else if removeErr != nil {
		log.Warn("remove streams", "err", removeErr)
	}

	logResult(log, res)
	return res, nil
}

func (r *CallbackRunner) spec(dir Direction, device string, cfg Config, h *callbackHandler) StreamSpec {
	return StreamSpec{Direction: dir, Device: device, Config: cfg.Stream, OnError: h.OnStreamError}
}

func (r *CallbackRunner) removeStream(id StreamID) {
	if err := r.server.RemoveStream(id); err != nil {
		r.opts.log.Warn("remove stream", "id", id, "err", err)
	}
}
