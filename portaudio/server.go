//go:build portaudio

// Package portaudio is a callback server over the PortAudio library. It is
// built with the portaudio tag and needs the PortAudio headers and library.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unsafe"

	"github.com/gordonklaus/portaudio"

	"github.com/gen2brain/audioloop"
)

// ErrNoDevice is returned when no device matches the requested name.
var ErrNoDevice = errors.New("portaudio: no such device")

// Server runs registered streams on PortAudio's callback threads.
type Server struct {
	log *slog.Logger

	mu      sync.Mutex
	streams map[audioloop.StreamID]*portaudio.Stream
	nextID  audioloop.StreamID
}

// NewServer initializes PortAudio. Close must be called to terminate it.
func NewServer(log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	return &Server{log: log, streams: make(map[audioloop.StreamID]*portaudio.Stream)}, nil
}

// AddStream opens and starts a stream. Only formats PortAudio handles
// natively are accepted: S8, U8, S16_LE, S32_LE and FLOAT_LE.
func (s *Server) AddStream(ctx context.Context, spec audioloop.StreamSpec, cb audioloop.StreamCallback) (audioloop.StreamID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cfg := spec.Config
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	dev, err := findDevice(spec.Direction, spec.Device)
	if err != nil {
		return 0, err
	}

	dp := portaudio.StreamDeviceParameters{
		Device:   dev,
		Channels: int(cfg.Channels),
		Latency:  audioloop.FramesToDuration(int64(cfg.BufferFrames), cfg.Rate),
	}
	params := portaudio.StreamParameters{
		SampleRate:      float64(cfg.Rate),
		FramesPerBuffer: int(cfg.PeriodFrames),
	}
	if spec.Direction == audioloop.Playback {
		params.Output = dp
	} else {
		params.Input = dp
	}

	fn, err := callback(spec.Direction, cfg, cb)
	if err != nil {
		return 0, err
	}

	stream, err := portaudio.OpenStream(params, fn)
	if err != nil {
		return 0, fmt.Errorf("portaudio: open %s %q: %w", spec.Direction, dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return 0, fmt.Errorf("portaudio: start %s %q: %w", spec.Direction, dev.Name, err)
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.streams[id] = stream
	s.mu.Unlock()

	info := stream.Info()
	s.log.Debug("stream added", "stream", id, "device", dev.Name, "direction", spec.Direction,
		"input_latency", info.InputLatency, "output_latency", info.OutputLatency)

	return id, nil
}

// RemoveStream stops and closes a stream. PortAudio returns from Stop only
// after the last callback finished.
func (s *Server) RemoveStream(id audioloop.StreamID) error {
	s.mu.Lock()
	stream, ok := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("portaudio: unknown stream %d", id)
	}

	return errors.Join(stream.Stop(), stream.Close())
}

// Close removes every stream and terminates PortAudio.
func (s *Server) Close() error {
	s.mu.Lock()
	ids := make([]audioloop.StreamID, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		errs = append(errs, s.RemoveStream(id))
	}
	errs = append(errs, portaudio.Terminate())

	return errors.Join(errs...)
}

func findDevice(dir audioloop.Direction, name string) (*portaudio.DeviceInfo, error) {
	if name == "" || name == "default" {
		if dir == audioloop.Playback {
			return portaudio.DefaultOutputDevice()
		}
		return portaudio.DefaultInputDevice()
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if !strings.EqualFold(d.Name, name) {
			continue
		}
		if (dir == audioloop.Playback && d.MaxOutputChannels > 0) || (dir == audioloop.Capture && d.MaxInputChannels > 0) {
			return d, nil
		}
	}

	return nil, fmt.Errorf("%w: %s %q", ErrNoDevice, dir, name)
}

type sample interface {
	int8 | uint8 | int16 | int32 | float32
}

func bytesOf[T sample](s []T) []byte {
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(zero)))
}

// callback builds the typed PortAudio callback for the stream format. The
// delay comes from the stream time info: until the DAC for playback, since
// the ADC for capture.
func callback(dir audioloop.Direction, cfg audioloop.StreamConfig, cb audioloop.StreamCallback) (any, error) {
	switch cfg.Format {
	case audioloop.FormatS8:
		return typed[int8](dir, cfg, cb), nil
	case audioloop.FormatU8:
		return typed[uint8](dir, cfg, cb), nil
	case audioloop.FormatS16LE:
		return typed[int16](dir, cfg, cb), nil
	case audioloop.FormatS32LE:
		return typed[int32](dir, cfg, cb), nil
	case audioloop.FormatFloatLE:
		return typed[float32](dir, cfg, cb), nil
	}

	return nil, fmt.Errorf("portaudio: %w: %v", audioloop.ErrUnsupportedFormat, cfg.Format)
}

func typed[T sample](dir audioloop.Direction, cfg audioloop.StreamConfig, cb audioloop.StreamCallback) func([]T, portaudio.StreamCallbackTimeInfo) {
	channels := int(cfg.Channels)

	if dir == audioloop.Playback {
		return func(out []T, ti portaudio.StreamCallbackTimeInfo) {
			delay := audioloop.DurationToFrames(ti.OutputBufferDacTime-ti.CurrentTime, cfg.Rate)
			cb(audioloop.Buffer{Data: bytesOf(out), Frames: len(out) / channels, DelayFrames: max(delay, 0)})
		}
	}

	return func(in []T, ti portaudio.StreamCallbackTimeInfo) {
		delay := audioloop.DurationToFrames(ti.CurrentTime-ti.InputBufferAdcTime, cfg.Rate)
		cb(audioloop.Buffer{Data: bytesOf(in), Frames: len(in) / channels, DelayFrames: max(delay, 0)})
	}
}
