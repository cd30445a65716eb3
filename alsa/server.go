package alsa

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gen2brain/audioloop"
)

// Server is an in-process callback server. Each registered stream gets a
// service goroutine locked to an OS thread that waits for the device, asks
// the callback for a period (playback) or hands it one (capture), and
// reports the device delay with every buffer.
type Server struct {
	opts options

	mu      sync.Mutex
	streams map[audioloop.StreamID]*serviceStream
	nextID  audioloop.StreamID

	g *errgroup.Group
}

const pollFloor = 10 * time.Millisecond

type serviceStream struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewServer returns a callback server over /dev/snd.
func NewServer(opts ...Option) *Server {
	return &Server{
		opts:    newOptions(opts),
		streams: make(map[audioloop.StreamID]*serviceStream),
		g:       &errgroup.Group{},
	}
}

// AddStream opens the device and starts servicing it. The stream stops when
// ctx is done or RemoveStream is called.
func (s *Server) AddStream(ctx context.Context, spec audioloop.StreamSpec, cb audioloop.StreamCallback) (audioloop.StreamID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	pcm, err := openPCM(spec.Direction, spec.Device, spec.Config, s.opts.flags)
	if err != nil {
		logCapabilities(s.opts.log, spec.Direction, spec.Device)
		return 0, err
	}

	ctx, cancel := context.WithCancel(ctx)
	st := &serviceStream{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.streams[id] = st
	s.mu.Unlock()

	log := s.opts.log.With("stream", id, "device", spec.Device, "direction", spec.Direction)
	log.Debug("stream added", "path", pcm.path)

	s.g.Go(func() error {
		defer close(st.done)
		defer pcm.Close()

		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		st.err = service(ctx, pcm, spec, cb)
		if st.err != nil {
			log.Error("stream stopped", "err", st.err, "xruns", pcm.Xruns())
			if spec.OnError != nil {
				spec.OnError(fmt.Errorf("%s %s: %w", spec.Direction, spec.Device, st.err))
			}
		}

		return st.err
	})

	return id, nil
}

// RemoveStream stops a stream and waits for its goroutine. No callback for
// id runs after it returns. The stream's service error, if any, is returned.
func (s *Server) RemoveStream(id audioloop.StreamID) error {
	s.mu.Lock()
	st, ok := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("alsa: unknown stream %d", id)
	}

	st.cancel()
	<-st.done

	return st.err
}

// Close stops all streams and returns the first service error.
func (s *Server) Close() error {
	s.mu.Lock()
	for id, st := range s.streams {
		st.cancel()
		delete(s.streams, id)
	}
	s.mu.Unlock()

	return s.g.Wait()
}

func service(ctx context.Context, pcm *PCM, spec audioloop.StreamSpec, cb audioloop.StreamCallback) error {
	cfg := spec.Config
	frames := int(cfg.PeriodFrames)
	buf := make([]byte, cfg.FramesToBytes(frames))
	timeout := max(2*cfg.PeriodDuration(), pollFloor)

	if spec.Direction == audioloop.Capture {
		if err := pcm.Start(); err != nil {
			return err
		}
	}

	for ctx.Err() == nil {
		ready, err := pcm.Wait(timeout)
		if err == nil && !ready {
			continue
		}

		var delay int
		if err == nil {
			delay, err = pcm.Delay()
		}
		if err == nil {
			if spec.Direction == audioloop.Playback {
				cb(audioloop.Buffer{Data: buf, Frames: frames, DelayFrames: delay})
				_, err = pcm.Write(buf)
			} else {
				var n int
				n, err = pcm.Read(buf)
				if n > 0 {
					cb(audioloop.Buffer{Data: buf[:cfg.FramesToBytes(n)], Frames: n, DelayFrames: delay})
				}
			}
		}

		if err != nil {
			if err = pcm.xrunRecover(err); err != nil {
				return err
			}
			if spec.Direction == audioloop.Capture {
				if err := pcm.Start(); err != nil {
					return err
				}
			}
		}
	}

	return nil
}
