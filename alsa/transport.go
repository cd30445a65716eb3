package alsa

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gen2brain/audioloop"
)

// Option configures a Transport or Server.
type Option func(*options)

type options struct {
	log   *slog.Logger
	flags PcmFlag
}

// WithLogger sets the logger used for device diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithNoRestart makes xruns fail the stream instead of being recovered.
func WithNoRestart() Option {
	return func(o *options) { o.flags |= PCM_NORESTART }
}

func newOptions(opts []Option) options {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Transport opens hardware PCM devices for blocking I/O.
type Transport struct {
	opts options
}

// NewTransport returns a transport over /dev/snd.
func NewTransport(opts ...Option) *Transport {
	return &Transport{opts: newOptions(opts)}
}

// Open implements audioloop.Transport.
func (t *Transport) Open(dir audioloop.Direction, device string, cfg audioloop.StreamConfig) (audioloop.Stream, error) {
	pcm, err := openPCM(dir, device, cfg, t.opts.flags)
	if err != nil {
		logCapabilities(t.opts.log, dir, device)
		return nil, err
	}

	t.opts.log.Debug("opened pcm", "device", device, "direction", dir, "path", pcm.path,
		"start_threshold", pcm.config.StartThreshold, "stop_threshold", pcm.config.StopThreshold)

	return &stream{pcm: pcm, dir: dir, device: device, log: t.opts.log}, nil
}

// openPCM opens device and insists the driver kept the requested geometry,
// since the measurement relies on exact period sizes.
func openPCM(dir audioloop.Direction, device string, cfg audioloop.StreamConfig, flags PcmFlag) (*PCM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	format, err := PcmFormatOf(cfg.Format)
	if err != nil {
		return nil, err
	}

	if dir == audioloop.Capture {
		flags |= PCM_IN
	}

	want := Config{
		Channels:    cfg.Channels,
		Rate:        cfg.Rate,
		PeriodSize:  cfg.PeriodFrames,
		PeriodCount: cfg.BufferFrames / cfg.PeriodFrames,
		Format:      format,
	}

	pcm, err := PcmOpenByName(device, flags, &want)
	if err != nil {
		return nil, fmt.Errorf("open %s %s: %w", dir, device, err)
	}

	got := pcm.Config()
	if got.Channels != want.Channels || got.Rate != want.Rate || got.PeriodSize != want.PeriodSize || got.PeriodCount != want.PeriodCount {
		_ = pcm.Close()

		return nil, fmt.Errorf("%w: %s %s refined to %d Hz, %d channels, %d periods of %d frames",
			audioloop.ErrInvalidConfig, dir, device, got.Rate, got.Channels, got.PeriodCount, got.PeriodSize)
	}

	if err := pcm.Prepare(); err != nil {
		_ = pcm.Close()

		return nil, err
	}

	return pcm, nil
}

// logCapabilities logs at debug level what the driver accepts for device.
func logCapabilities(log *slog.Logger, dir audioloop.Direction, device string) {
	if !log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	card, dev, err := ParseName(device)
	if err != nil {
		return
	}
	flags := PCM_OUT
	if dir == audioloop.Capture {
		flags = PCM_IN
	}
	params, err := PcmParamsGet(card, dev, flags)
	if err != nil {
		log.Debug("query capabilities", "device", device, "direction", dir, "err", err)
		return
	}

	rateMin, _ := params.RangeMin(SNDRV_PCM_HW_PARAM_RATE)
	rateMax, _ := params.RangeMax(SNDRV_PCM_HW_PARAM_RATE)
	periodMin, _ := params.RangeMin(SNDRV_PCM_HW_PARAM_PERIOD_SIZE)
	periodMax, _ := params.RangeMax(SNDRV_PCM_HW_PARAM_PERIOD_SIZE)
	log.Debug("device capabilities", "device", device, "direction", dir,
		"formats", params.Formats(), "rate_min", rateMin, "rate_max", rateMax,
		"period_min", periodMin, "period_max", periodMax)
}

// stream adapts a PCM to audioloop.Stream.
type stream struct {
	pcm    *PCM
	dir    audioloop.Direction
	device string
	log    *slog.Logger
}

// Start starts a capture stream. Playback starts on its own once the start
// threshold of half the buffer has been written.
func (s *stream) Start() error {
	if s.dir == audioloop.Playback {
		return nil
	}

	return s.pcm.Start()
}

func (s *stream) Write(buf []byte) (int, error) { return s.pcm.Write(buf) }

func (s *stream) Read(buf []byte) (int, error) { return s.pcm.Read(buf) }

func (s *stream) Wait(timeout time.Duration) (bool, error) {
	ready, err := s.pcm.Wait(timeout)
	if err != nil {
		if rerr := s.pcm.xrunRecover(err); rerr != nil {
			return false, rerr
		}
		s.log.Warn("recovered from xrun", "device", s.device, "direction", s.dir, "xruns", s.pcm.Xruns())

		return false, s.Start()
	}

	return ready, nil
}

func (s *stream) Delay() (int, error) { return s.pcm.Delay() }

func (s *stream) Close() error {
	if n := s.pcm.Xruns(); n > 0 {
		s.log.Warn("stream had xruns", "device", s.device, "direction", s.dir, "xruns", n)
	}

	return s.pcm.Close()
}
