package audioloop_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/audioloop"
	"github.com/gen2brain/audioloop/loopback"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func runCallback(t *testing.T, opts loopback.Options, cfg audioloop.Config) audioloop.Result {
	t.Helper()
	srv := loopback.NewServer(opts)
	defer srv.Close()

	s, err := audioloop.NewSession(cfg)
	require.NoError(t, err)

	runner := audioloop.NewCallbackRunner(srv, "out", "in",
		audioloop.WithLogger(quietLog),
		audioloop.WithPollInterval(time.Millisecond),
		audioloop.WithFatalHandler(func(err error) { t.Errorf("fatal callback error: %v", err) }))
	res, err := runner.Run(context.Background(), s)
	require.NoError(t, err)
	return res
}

func runBlocking(t *testing.T, tr audioloop.Transport, cfg audioloop.Config, opts ...audioloop.RunnerOption) audioloop.Result {
	t.Helper()
	s, err := audioloop.NewSession(cfg)
	require.NoError(t, err)

	opts = append([]audioloop.RunnerOption{audioloop.WithLogger(quietLog)}, opts...)
	res, err := audioloop.NewBlockingRunner(tr, "out", "in", opts...).Run(context.Background(), s)
	require.NoError(t, err)
	return res
}

func TestCallbackRunnerPathDelay(t *testing.T) {
	cfg := audioloop.DefaultConfig()
	res := runCallback(t, loopback.Options{PathDelay: 960}, cfg)

	require.True(t, res.Detected())
	assert.Equal(t, 960, res.Measurement.PlayDelayFrames)
	assert.Equal(t, 0, res.Measurement.CaptureDelayFrames)
	assert.Equal(t, 0, res.Measurement.DetectedOffset)
	assert.Equal(t, 960, res.ReportedFrames)
	assert.Equal(t, 20000*time.Microsecond, res.Reported)
}

func TestCallbackRunnerUnalignedDelay(t *testing.T) {
	cfg := audioloop.DefaultConfig()
	res := runCallback(t, loopback.Options{PathDelay: 1000}, cfg)

	require.True(t, res.Detected())
	assert.Equal(t, 40, res.Measurement.DetectedOffset)
	assert.Equal(t, 960, res.ReportedFrames, "rounded down to the capture period")
}

func TestCallbackRunnerMutedPath(t *testing.T) {
	cfg := audioloop.DefaultConfig()
	cfg.SilentPeriods = 5
	cfg.MaxTonePeriods = 10
	res := runCallback(t, loopback.Options{PathDelay: 960, Mute: true}, cfg)

	assert.Equal(t, audioloop.PhaseTimedOut, res.Phase)
	assert.Equal(t, audioloop.Measurement{}, res.Measurement)

	var out bytesWriter
	_, err := res.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, "Audio not detected.\n", string(out))
}

func TestCallbackRunnerDeadline(t *testing.T) {
	// no capture stream ever ticks the clock, so only the deadline ends the run
	srv := loopback.NewServer(loopback.DefaultOptions())
	defer srv.Close()

	cfg := audioloop.DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	s, err := audioloop.NewSession(cfg)
	require.NoError(t, err)

	blocked := &onlyPlaybackServer{srv}
	res, err := audioloop.NewCallbackRunner(blocked, "out", "in", audioloop.WithLogger(quietLog)).Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, audioloop.PhaseTimedOut, res.Phase)
}

func TestCallbackRunnerAddStreamError(t *testing.T) {
	srv := loopback.NewServer(loopback.DefaultOptions())
	defer srv.Close()

	s, err := audioloop.NewSession(audioloop.DefaultConfig())
	require.NoError(t, err)

	_, err = audioloop.NewCallbackRunner(&failingServer{srv}, "out", "in", audioloop.WithLogger(quietLog)).Run(context.Background(), s)
	assert.ErrorIs(t, err, errNoCapture)
}

func TestCallbackRunnerRemoveStreamError(t *testing.T) {
	cfg := audioloop.DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	s, err := audioloop.NewSession(cfg)
	require.NoError(t, err)

	srv := &stalledServer{removeErr: errReadFrames}
	res, err := audioloop.NewCallbackRunner(srv, "out", "in", audioloop.WithLogger(quietLog)).Run(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, errReadFrames)
	assert.Equal(t, audioloop.PhaseTimedOut, res.Phase)
}

func TestCallbackRunnerStreamErrorStopsRun(t *testing.T) {
	cfg := audioloop.DefaultConfig()
	cfg.Timeout = 10 * time.Second
	s, err := audioloop.NewSession(cfg)
	require.NoError(t, err)

	srv := &stalledServer{failCapture: errReadFrames}
	runner := audioloop.NewCallbackRunner(srv, "out", "in",
		audioloop.WithLogger(quietLog),
		audioloop.WithPollInterval(time.Millisecond))

	start := time.Now()
	res, err := runner.Run(context.Background(), s)
	assert.ErrorIs(t, err, errReadFrames)
	assert.False(t, res.Detected())
	assert.Less(t, time.Since(start), 5*time.Second, "run waited for the deadline")
}

func TestCallbackRunnerInterrupted(t *testing.T) {
	srv := loopback.NewServer(loopback.Options{PathDelay: 960})
	defer srv.Close()

	s, err := audioloop.NewSession(audioloop.DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := audioloop.NewCallbackRunner(srv, "out", "in", audioloop.WithLogger(quietLog)).Run(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Detected())
}

func TestCallbackFatalOnGeometry(t *testing.T) {
	cfg := audioloop.DefaultConfig()
	s, err := audioloop.NewSession(cfg)
	require.NoError(t, err)

	var fatal []error
	play, capture := audioloop.Handler(s, func(err error) { fatal = append(fatal, err) })

	play(audioloop.Buffer{Data: make([]byte, 10), Frames: 3})
	require.Len(t, fatal, 1)
	assert.ErrorIs(t, fatal[0], audioloop.ErrGeometry)

	s.Expire()
	capture(audioloop.Buffer{Data: make([]byte, 10), Frames: 3})
	assert.Len(t, fatal, 1, "finished runs ignore capture buffers")
}

func TestCallbackDefaultFatalPanics(t *testing.T) {
	cfg := audioloop.DefaultConfig()
	cfg.SilentPeriods = 0
	s, err := audioloop.NewSession(cfg)
	require.NoError(t, err)

	srv := &panicServer{}
	runner := audioloop.NewCallbackRunner(srv, "out", "in", audioloop.WithLogger(quietLog))
	assert.Panics(t, func() {
		_, _ = runner.Run(context.Background(), s)
	})
}

func TestBlockingRunnerPathDelay(t *testing.T) {
	cfg := audioloop.DefaultConfig()
	tr := loopback.NewTransport(loopback.Options{PathDelay: 960})
	res := runBlocking(t, tr, cfg)

	require.True(t, res.Detected())
	assert.False(t, tr.CaptureStartedBeforeTone())
	assert.Equal(t, 960, res.Measurement.PlayDelayFrames)
	assert.Equal(t, 0, res.Measurement.DetectedOffset)
	// capture delay lies between one period and the capture buffer size
	assert.GreaterOrEqual(t, res.ReportedFrames, 960+240)
	assert.LessOrEqual(t, res.ReportedFrames, 960+int(cfg.Stream.BufferFrames))
}

func TestBlockingRunnerMutedPath(t *testing.T) {
	cfg := audioloop.DefaultConfig()
	cfg.SilentPeriods = 5
	cfg.MaxTonePeriods = 10
	res := runBlocking(t, loopback.NewTransport(loopback.Options{PathDelay: 960, Mute: true}), cfg)

	assert.Equal(t, audioloop.PhaseTimedOut, res.Phase)
	assert.Equal(t, audioloop.Measurement{}, res.Measurement)
}

func TestBlockingRunnerOpenError(t *testing.T) {
	s, err := audioloop.NewSession(audioloop.DefaultConfig())
	require.NoError(t, err)

	tr := &failingTransport{}
	_, err = audioloop.NewBlockingRunner(tr, "out", "in", audioloop.WithLogger(quietLog)).Run(context.Background(), s)
	assert.ErrorIs(t, err, errNoCapture)
}

func TestBlockingRunnerWriteError(t *testing.T) {
	s, err := audioloop.NewSession(audioloop.DefaultConfig())
	require.NoError(t, err)

	tr := &brokenWriteTransport{Transport: loopback.NewTransport(loopback.DefaultOptions())}
	_, err = audioloop.NewBlockingRunner(tr, "out", "in", audioloop.WithLogger(quietLog)).Run(context.Background(), s)
	assert.ErrorIs(t, err, errBrokenWrite)
}

func TestBlockingRunnerInterrupted(t *testing.T) {
	s, err := audioloop.NewSession(audioloop.DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := loopback.NewTransport(loopback.Options{PathDelay: 960})
	res, err := audioloop.NewBlockingRunner(tr, "out", "in", audioloop.WithLogger(quietLog)).Run(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Detected())
}

func TestRunnersAgreeOnReportedLatency(t *testing.T) {
	cfg := audioloop.DefaultConfig()
	for _, delay := range []int{240, 600, 960, 1111} {
		opts := loopback.Options{PathDelay: delay, FixedDelays: true, PlaybackDelay: 480, CaptureDelay: 240}

		a := runBlocking(t, loopback.NewTransport(opts), cfg)
		b := runCallback(t, opts, cfg)

		require.True(t, a.Detected(), "blocking, delay %d", delay)
		require.True(t, b.Detected(), "callback, delay %d", delay)
		assert.Equal(t, delay%240, a.Measurement.DetectedOffset, "delay %d", delay)
		assert.Equal(t, b.ReportedFrames, a.ReportedFrames, "delay %d", delay)
		assert.Equal(t, 480+240-delay%240, a.ReportedFrames, "delay %d", delay)
	}
}

func TestBlockingRunnerStartOrdering(t *testing.T) {
	runs := 1000
	if testing.Short() {
		runs = 50
	}
	cfg := audioloop.DefaultConfig()
	cfg.SilentPeriods = 2

	for i := 0; i < runs; i++ {
		tr := loopback.NewTransport(loopback.Options{PathDelay: 240})
		jitter := audioloop.WithBeforeStartSignal(func() {
			time.Sleep(time.Duration(rand.IntN(1000)) * time.Microsecond)
		})
		res := runBlocking(t, tr, cfg, jitter)

		require.False(t, tr.CaptureStartedBeforeTone(), "run %d", i)
		require.True(t, res.Detected(), "run %d", i)
	}
}

type bytesWriter []byte

func (w *bytesWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}

var (
	errNoCapture   = errors.New("no capture device")
	errBrokenWrite = errors.New("broken write")
	errReadFrames  = errors.New("ioctl READI_FRAMES failed: EBADFD")
)

// stalledServer accepts streams but never calls back. A non-nil failCapture is
// reported through OnError once the capture stream is added.
type stalledServer struct {
	removeErr   error
	failCapture error
}

func (s *stalledServer) AddStream(_ context.Context, spec audioloop.StreamSpec, _ audioloop.StreamCallback) (audioloop.StreamID, error) {
	if spec.Direction == audioloop.Capture && s.failCapture != nil && spec.OnError != nil {
		go spec.OnError(s.failCapture)
	}
	return audioloop.StreamID(spec.Direction), nil
}

func (s *stalledServer) RemoveStream(id audioloop.StreamID) error {
	if audioloop.Direction(id) == audioloop.Capture {
		return s.removeErr
	}
	return nil
}

// onlyPlaybackServer accepts capture streams without ever attaching them.
type onlyPlaybackServer struct {
	*loopback.Server
}

func (s *onlyPlaybackServer) AddStream(ctx context.Context, spec audioloop.StreamSpec, cb audioloop.StreamCallback) (audioloop.StreamID, error) {
	if spec.Direction == audioloop.Capture {
		return -1, nil
	}
	return s.Server.AddStream(ctx, spec, cb)
}

func (s *onlyPlaybackServer) RemoveStream(id audioloop.StreamID) error {
	if id < 0 {
		return nil
	}
	return s.Server.RemoveStream(id)
}

type failingServer struct {
	*loopback.Server
}

func (s *failingServer) AddStream(ctx context.Context, spec audioloop.StreamSpec, cb audioloop.StreamCallback) (audioloop.StreamID, error) {
	if spec.Direction == audioloop.Capture {
		return 0, errNoCapture
	}
	return s.Server.AddStream(ctx, spec, cb)
}

// panicServer calls back synchronously with a malformed buffer.
type panicServer struct{}

func (panicServer) AddStream(_ context.Context, spec audioloop.StreamSpec, cb audioloop.StreamCallback) (audioloop.StreamID, error) {
	if spec.Direction == audioloop.Playback {
		cb(audioloop.Buffer{Data: make([]byte, 3), Frames: 1})
	}
	return 1, nil
}

func (panicServer) RemoveStream(audioloop.StreamID) error { return nil }

type failingTransport struct{}

func (failingTransport) Open(dir audioloop.Direction, device string, cfg audioloop.StreamConfig) (audioloop.Stream, error) {
	if dir == audioloop.Capture {
		return nil, errNoCapture
	}
	return loopback.NewTransport(loopback.DefaultOptions()).Open(dir, device, cfg)
}

type brokenWriteTransport struct {
	*loopback.Transport
}

func (t *brokenWriteTransport) Open(dir audioloop.Direction, device string, cfg audioloop.StreamConfig) (audioloop.Stream, error) {
	st, err := t.Transport.Open(dir, device, cfg)
	if err != nil || dir == audioloop.Capture {
		return st, err
	}
	return brokenWriteStream{st}, nil
}

type brokenWriteStream struct {
	audioloop.Stream
}

func (brokenWriteStream) Write([]byte) (int, error) { return 0, errBrokenWrite }
