package loopback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/audioloop"
)

const attachTimeout = time.Second

var (
	ErrClosed      = errors.New("loopback: stream closed")
	ErrNotAttached = errors.New("loopback: capture opened before playback")
)

// Transport is a blocking loopback device pair. Opening the playback side
// resets the path; the capture side attaches to the last opened playback.
// Time advances with every playback write. Once capture runs, a write waits
// up to one period for the reader to make room in the capture buffer and then
// drops the oldest captured frames, like a capture overrun. Writes following
// the first audible one wait up to attachTimeout for capture to start, so the
// clock does not run ahead of a reader that is about to attach.
type Transport struct {
	opts Options

	mu       sync.Mutex
	cfg      audioloop.StreamConfig
	line     *delayLine
	scratch  []byte
	captured []byte
	closed   bool

	started      bool
	toneOut      bool
	startedEarly bool
	overruns     int

	data     chan struct{}
	consumed chan struct{}
	attached chan struct{}
}

// NewTransport returns a transport over a synthetic path.
func NewTransport(opts Options) *Transport {
	return &Transport{opts: opts}
}

// Open implements audioloop.Transport. The device name is ignored.
func (t *Transport) Open(dir audioloop.Direction, _ string, cfg audioloop.StreamConfig) (audioloop.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if dir == audioloop.Playback {
		t.cfg = cfg
		t.line = newDelayLine(cfg, t.opts.PathDelay, t.opts.Mute)
		t.captured = t.captured[:0]
		t.closed, t.started, t.toneOut, t.startedEarly = false, false, false, false
		t.overruns = 0
		t.data = make(chan struct{}, 1)
		t.consumed = make(chan struct{}, 1)
		t.attached = make(chan struct{})
		return &playbackStream{t: t}, nil
	}

	if t.line == nil {
		return nil, ErrNotAttached
	}
	if cfg != t.cfg {
		return nil, fmt.Errorf("%w: capture config %v differs from playback %v", audioloop.ErrInvalidConfig, cfg, t.cfg)
	}
	return &captureStream{t: t}, nil
}

// CaptureStartedBeforeTone reports whether the capture side was started
// before any audible frame was written during the last run.
func (t *Transport) CaptureStartedBeforeTone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedEarly
}

// Overruns is the number of times captured frames were dropped.
func (t *Transport) Overruns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overruns
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

type playbackStream struct {
	t *Transport
}

func (p *playbackStream) Start() error { return nil }

func (p *playbackStream) Read([]byte) (int, error) {
	return 0, errors.New("loopback: read on playback stream")
}

func (p *playbackStream) Wait(time.Duration) (bool, error) { return true, nil }

func (p *playbackStream) Delay() (int, error) {
	if p.t.opts.FixedDelays {
		return p.t.opts.PlaybackDelay, nil
	}
	return p.t.opts.PathDelay, nil
}

func (p *playbackStream) Write(buf []byte) (int, error) {
	t := p.t
	t.mu.Lock()
	frames, err := checkBuffer(buf, t.cfg.FrameSize())
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	if t.toneOut && !t.started && !t.closed {
		attached := t.attached
		t.mu.Unlock()
		select {
		case <-attached:
		case <-time.After(attachTimeout):
		}
		t.mu.Lock()
	}
	capacity := t.cfg.FramesToBytes(int(t.cfg.BufferFrames))
	overrunAfter := max(t.cfg.PeriodDuration(), time.Millisecond)
	for t.started && !t.closed && len(t.captured)+len(buf) > capacity {
		t.mu.Unlock()
		select {
		case <-t.consumed:
			t.mu.Lock()
		case <-time.After(overrunAfter):
			t.mu.Lock()
			drop := min(len(buf), len(t.captured))
			n := copy(t.captured, t.captured[drop:])
			t.captured = t.captured[:n]
			t.overruns++
		}
	}
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}

	if !t.toneOut && !t.line.isSilence(buf) {
		t.toneOut = true
	}
	if cap(t.scratch) < len(buf) {
		t.scratch = make([]byte, len(buf))
	}
	out := t.scratch[:len(buf)]
	t.line.process(buf, out)
	if t.started {
		t.captured = append(t.captured, out...)
		notify(t.data)
	}
	return frames, nil
}

func (p *playbackStream) Close() error {
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	p.t.closed = true
	return nil
}

type captureStream struct {
	t *Transport
}

func (c *captureStream) Start() error {
	t := c.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		t.started = true
		t.startedEarly = !t.toneOut
		close(t.attached)
	}
	return nil
}

func (c *captureStream) Write([]byte) (int, error) {
	return 0, errors.New("loopback: write on capture stream")
}

func (c *captureStream) Wait(timeout time.Duration) (bool, error) {
	t := c.t
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		t.mu.Lock()
		ready := len(t.captured) >= t.cfg.FramesToBytes(int(t.cfg.PeriodFrames))
		closed := t.closed
		t.mu.Unlock()
		if ready {
			return true, nil
		}
		if closed {
			return false, ErrClosed
		}
		select {
		case <-t.data:
		case <-timer.C:
			return false, nil
		}
	}
}

func (c *captureStream) Delay() (int, error) {
	t := c.t
	if t.opts.FixedDelays {
		return t.opts.CaptureDelay, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.captured) / t.cfg.FrameSize(), nil
}

func (c *captureStream) Read(buf []byte) (int, error) {
	t := c.t
	t.mu.Lock()
	frameSize := t.cfg.FrameSize()
	n := min(len(buf), len(t.captured))
	n -= n % frameSize
	copy(buf, t.captured[:n])
	rest := copy(t.captured, t.captured[n:])
	t.captured = t.captured[:rest]
	t.mu.Unlock()

	notify(t.consumed)
	return n / frameSize, nil
}

func (c *captureStream) Close() error { return nil }
