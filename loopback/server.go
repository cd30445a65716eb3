package loopback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/audioloop"
)

// Server is a callback server over a synthetic path. Its clock runs while at
// least one playback and one capture stream are registered. Each tick first
// asks the newest playback stream for a period, pushes it through the path
// and hands the path output to the newest capture stream. Captured frames are
// delivered the instant they are produced, so capture streams see a delay of
// zero unless FixedDelays is set.
type Server struct {
	opts Options

	// tickMu is held for a whole tick so RemoveStream can wait out a
	// callback in flight.
	tickMu sync.Mutex

	mu      sync.Mutex
	cfg     audioloop.StreamConfig
	line    *delayLine
	streams map[audioloop.StreamID]*serverStream
	nextID  audioloop.StreamID
	ticks   int

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

type serverStream struct {
	id  audioloop.StreamID
	dir audioloop.Direction
	cb  audioloop.StreamCallback
	buf []byte
}

// NewServer starts a server over a synthetic path. Close stops it.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:    opts,
		streams: make(map[audioloop.StreamID]*serverStream),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// AddStream implements audioloop.Server. All streams registered at the same
// time must share one configuration.
func (s *Server) AddStream(_ context.Context, spec audioloop.StreamSpec, cb audioloop.StreamCallback) (audioloop.StreamID, error) {
	if err := spec.Config.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.streams) == 0 {
		s.cfg = spec.Config
		s.line = newDelayLine(spec.Config, s.opts.PathDelay, s.opts.Mute)
	} else if spec.Config != s.cfg {
		return 0, fmt.Errorf("%w: stream config %v differs from %v", audioloop.ErrInvalidConfig, spec.Config, s.cfg)
	}

	s.nextID++
	s.streams[s.nextID] = &serverStream{
		id:  s.nextID,
		dir: spec.Direction,
		cb:  cb,
		buf: make([]byte, spec.Config.FramesToBytes(int(spec.Config.PeriodFrames))),
	}
	notify(s.wake)
	return s.nextID, nil
}

// RemoveStream implements audioloop.Server. No callback for id runs after it returns.
func (s *Server) RemoveStream(id audioloop.StreamID) error {
	s.mu.Lock()
	_, ok := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopback: unknown stream %d", id)
	}

	// wait out the tick in flight
	s.tickMu.Lock()
	s.tickMu.Unlock()
	return nil
}

// Ticks is the number of periods the clock advanced.
func (s *Server) Ticks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Close stops the server clock.
func (s *Server) Close() error {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.done
	return nil
}

func (s *Server) pair() (play, capt *serverStream, cfg audioloop.StreamConfig, line *delayLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.streams {
		switch {
		case st.dir == audioloop.Playback && (play == nil || st.id > play.id):
			play = st
		case st.dir == audioloop.Capture && (capt == nil || st.id > capt.id):
			capt = st
		}
	}
	return play, capt, s.cfg, s.line
}

func (s *Server) registered(st *serverStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[st.id] == st
}

func (s *Server) run() {
	defer close(s.done)

	var ticker *time.Ticker
	var tickC <-chan time.Time
	var wire []byte

	for {
		play, capt, cfg, line := s.pair()
		if play == nil || capt == nil {
			select {
			case <-s.quit:
				return
			case <-s.wake:
			}
			continue
		}

		if s.opts.Realtime {
			if ticker == nil {
				ticker = time.NewTicker(cfg.PeriodDuration())
				defer ticker.Stop()
				tickC = ticker.C
			}
			select {
			case <-s.quit:
				return
			case <-tickC:
			}
		} else {
			select {
			case <-s.quit:
				return
			default:
			}
		}

		if len(wire) != len(play.buf) {
			wire = make([]byte, len(play.buf))
		}
		s.tick(play, capt, cfg, line, wire)
	}
}

func (s *Server) tick(play, capt *serverStream, cfg audioloop.StreamConfig, line *delayLine, wire []byte) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if !s.registered(play) || !s.registered(capt) {
		return
	}

	frames := len(play.buf) / cfg.FrameSize()
	playDelay, captDelay := s.opts.PathDelay, 0
	if s.opts.FixedDelays {
		playDelay, captDelay = s.opts.PlaybackDelay, s.opts.CaptureDelay
	}

	play.cb(audioloop.Buffer{Data: play.buf, Frames: frames, DelayFrames: playDelay})
	line.process(play.buf, wire)
	copy(capt.buf, wire)
	capt.cb(audioloop.Buffer{Data: capt.buf, Frames: frames, DelayFrames: captDelay})

	s.mu.Lock()
	s.ticks++
	s.mu.Unlock()
}
