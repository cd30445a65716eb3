package audioloop_test

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/audioloop"
)

// fakeClock advances by step on every call.
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func testConfig() audioloop.Config {
	cfg := audioloop.DefaultConfig()
	cfg.SilentPeriods = 3
	cfg.MaxTonePeriods = 4
	return cfg
}

func TestSessionPhases(t *testing.T) {
	cfg := testConfig()
	clock := &fakeClock{t: time.Unix(1000, 0), step: 7 * time.Millisecond}
	s, err := audioloop.NewSession(cfg, audioloop.WithClock(clock.now))
	require.NoError(t, err)

	frames := int(cfg.Stream.PeriodFrames)
	buf := make([]byte, cfg.Stream.FramesToBytes(frames))
	silence := make([]byte, len(buf))

	for i := 0; i < cfg.SilentPeriods; i++ {
		require.Equal(t, audioloop.PhaseSilence, s.Phase())
		step, err := s.FillPlayback(buf, frames)
		require.NoError(t, err)
		assert.Equal(t, audioloop.StepSilence, step)
		assert.Equal(t, silence, buf)
	}
	require.Equal(t, audioloop.PhaseArmed, s.Phase())

	// capture is ignored before the tone starts
	loud := bytes.Repeat([]byte{0xff, 0x7f}, len(buf)/2)
	found, err := s.ScanCapture(loud, frames, 0)
	require.NoError(t, err)
	assert.False(t, found)

	step, err := s.FillPlayback(buf, frames)
	require.NoError(t, err)
	require.Equal(t, audioloop.StepFirstTone, step)
	assert.NotEqual(t, silence, buf)
	assert.Equal(t, int16(math.MaxInt16), int16(uint16(buf[0])|uint16(buf[1])<<8), "tone starts at its peak")

	require.True(t, s.MarkPlaying(480))
	require.False(t, s.MarkPlaying(999), "play time is recorded once")
	require.Equal(t, audioloop.PhasePlaying, s.Phase())

	step, err = s.FillPlayback(buf, frames)
	require.NoError(t, err)
	assert.Equal(t, audioloop.StepTone, step)

	quiet := make([]byte, len(buf))
	found, err = s.ScanCapture(quiet, frames, 100)
	require.NoError(t, err)
	assert.False(t, found)

	// tone arrives at frame 60 of the captured period
	capture := make([]byte, len(buf))
	copy(capture[cfg.Stream.FramesToBytes(60):], buf)
	found, err = s.ScanCapture(capture, frames, 240)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, s.Done())

	res := s.Result()
	assert.True(t, res.Detected())
	assert.Equal(t, 480, res.Measurement.PlayDelayFrames)
	assert.Equal(t, 240, res.Measurement.CaptureDelayFrames)
	assert.Equal(t, 60, res.Measurement.DetectedOffset)
	assert.Equal(t, 660, res.ReportedFrames)
	assert.Equal(t, 13750*time.Microsecond, res.Reported)
	assert.Equal(t, 7*time.Millisecond, res.Measured)

	// terminal phases are sticky
	step, err = s.FillPlayback(buf, frames)
	require.NoError(t, err)
	assert.Equal(t, audioloop.StepIdle, step)
	assert.Equal(t, silence, buf)
	assert.False(t, s.Expire())
	assert.Equal(t, audioloop.PhaseDetected, s.Phase())
}

func TestSessionTonePeriodCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.SilentPeriods = 0
	s, err := audioloop.NewSession(cfg)
	require.NoError(t, err)
	require.Equal(t, audioloop.PhaseArmed, s.Phase())

	frames := int(cfg.Stream.PeriodFrames)
	buf := make([]byte, cfg.Stream.FramesToBytes(frames))

	tones := 0
	for i := 0; i < 10; i++ {
		step, err := s.FillPlayback(buf, frames)
		require.NoError(t, err)
		if step == audioloop.StepFirstTone {
			s.MarkPlaying(0)
		}
		if step == audioloop.StepFirstTone || step == audioloop.StepTone {
			tones++
		}
	}
	assert.Equal(t, cfg.MaxTonePeriods, tones)
	assert.Equal(t, audioloop.PhaseTimedOut, s.Phase())

	res := s.Result()
	assert.False(t, res.Detected())
	assert.Equal(t, audioloop.Measurement{}, res.Measurement)
}

func TestSessionExpire(t *testing.T) {
	s, err := audioloop.NewSession(testConfig())
	require.NoError(t, err)

	assert.True(t, s.Expire())
	assert.Equal(t, audioloop.PhaseTimedOut, s.Phase())
	assert.False(t, s.MarkPlaying(10))
	assert.False(t, s.Expire())
}

func TestSessionGeometryError(t *testing.T) {
	cfg := testConfig()
	s, err := audioloop.NewSession(cfg)
	require.NoError(t, err)

	_, err = s.FillPlayback(make([]byte, 7), 1)
	assert.ErrorIs(t, err, audioloop.ErrGeometry)

	cfg.SilentPeriods = 0
	s, err = audioloop.NewSession(cfg)
	require.NoError(t, err)
	buf := make([]byte, cfg.Stream.FramesToBytes(int(cfg.Stream.PeriodFrames)))
	_, err = s.FillPlayback(buf, int(cfg.Stream.PeriodFrames))
	require.NoError(t, err)
	require.True(t, s.MarkPlaying(0))

	_, err = s.ScanCapture(make([]byte, 6), 2, 0)
	assert.ErrorIs(t, err, audioloop.ErrGeometry)
}

func TestSessionCaptureTap(t *testing.T) {
	var frames int
	s, err := audioloop.NewSession(testConfig(), audioloop.WithCaptureTap(func(_ []byte, n int) { frames += n }))
	require.NoError(t, err)

	cfg := s.Config()
	period := int(cfg.Stream.PeriodFrames)
	silence := make([]byte, cfg.Stream.FramesToBytes(period))

	_, err = s.ScanCapture(silence, period, 0)
	require.NoError(t, err)
	assert.Zero(t, frames, "buffers captured before the tone are not tapped")

	play := make([]byte, cfg.Stream.FramesToBytes(period))
	for {
		step, err := s.FillPlayback(play, period)
		require.NoError(t, err)
		if step == audioloop.StepFirstTone {
			break
		}
	}
	require.True(t, s.MarkPlaying(0))

	_, err = s.ScanCapture(silence, period, 0)
	require.NoError(t, err)
	assert.Equal(t, period, frames)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, audioloop.DefaultConfig().Validate())

	cfg := audioloop.DefaultConfig()
	cfg.Frequency = 30000
	cfg.MaxTonePeriods = 0
	cfg.Threshold = -1
	err := cfg.Validate()
	assert.ErrorIs(t, err, audioloop.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "Nyquist")
	assert.Contains(t, err.Error(), "max tone periods")
	assert.Contains(t, err.Error(), "threshold")
}

func TestConfigRunTimeout(t *testing.T) {
	cfg := audioloop.DefaultConfig()
	assert.Equal(t, 2*time.Second, cfg.RunTimeout(), "110 periods of 5ms are below the floor")

	cfg.Stream.PeriodFrames = 4800
	cfg.Stream.BufferFrames = 9600
	assert.Equal(t, 11*time.Second, cfg.RunTimeout())

	cfg.Timeout = time.Second
	assert.Equal(t, time.Second, cfg.RunTimeout())
}

func TestResultWriteTo(t *testing.T) {
	var out bytes.Buffer
	_, err := audioloop.Result{Phase: audioloop.PhaseTimedOut}.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, "Audio not detected.\n", out.String())

	out.Reset()
	res := audioloop.Result{Phase: audioloop.PhaseDetected, Measured: 21345 * time.Microsecond, Reported: 20 * time.Millisecond}
	_, err = res.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, "Measured Latency: 21345 uS\nReported Latency: 20000 uS\n", out.String())
	assert.Equal(t, -1345*time.Microsecond, res.Divergence())
}
