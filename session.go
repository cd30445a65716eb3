package audioloop

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// Phase is the state of a measurement run.
type Phase int32

const (
	PhaseSilence Phase = iota
	PhaseArmed
	PhasePlaying
	PhaseDetected
	PhaseTimedOut
)

var phaseNames = [...]string{"silence", "armed", "playing", "detected", "timed out"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// Terminal reports whether no further transition can leave p.
func (p Phase) Terminal() bool {
	return p == PhaseDetected || p == PhaseTimedOut
}

// PlaybackStep tells the playback side what FillPlayback put in the buffer.
type PlaybackStep int

const (
	// StepSilence is a lead-in period of silence.
	StepSilence PlaybackStep = iota
	// StepFirstTone is the first period of tone. The caller must query the
	// output delay and call MarkPlaying before handing the buffer over.
	StepFirstTone
	// StepTone is a later period of tone.
	StepTone
	// StepIdle is silence emitted after the run has finished.
	StepIdle
)

// Config describes one measurement run.
type Config struct {
	Stream StreamConfig

	Frequency    float64
	Amplitude    float64
	InitialPhase float64
	Channels     ChannelMask

	// Threshold is compared against 16-bit sample magnitudes.
	Threshold int

	SilentPeriods  int
	MaxTonePeriods int

	// Timeout bounds the whole run. Zero derives it from the period counts.
	Timeout time.Duration
}

// DefaultConfig returns the settings of the command line tool.
func DefaultConfig() Config {
	return Config{
		Stream:         DefaultStreamConfig(),
		Frequency:      1000,
		Amplitude:      1,
		InitialPhase:   math.Pi / 2,
		Threshold:      0x4000,
		SilentPeriods:  50,
		MaxTonePeriods: 50,
	}
}

// Validate checks the run settings.
func (c Config) Validate() error {
	var errs []error
	if err := c.Stream.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Frequency <= 0 || c.Frequency*2 > float64(c.Stream.Rate) {
		errs = append(errs, fmt.Errorf("%w: tone frequency %v Hz not below Nyquist for %d Hz", ErrInvalidConfig, c.Frequency, c.Stream.Rate))
	}
	if c.Threshold < 0 || c.Threshold >= math.MaxInt16 {
		errs = append(errs, fmt.Errorf("%w: threshold %d outside [0, %d)", ErrInvalidConfig, c.Threshold, math.MaxInt16))
	}
	if c.SilentPeriods < 0 {
		errs = append(errs, fmt.Errorf("%w: negative silent periods", ErrInvalidConfig))
	}
	if c.MaxTonePeriods <= 0 {
		errs = append(errs, fmt.Errorf("%w: max tone periods must be positive", ErrInvalidConfig))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%w: negative timeout", ErrInvalidConfig))
	}
	if c.InitialPhase < 0 || c.InitialPhase >= 2*math.Pi {
		errs = append(errs, fmt.Errorf("%w: initial phase %v outside [0, 2π)", ErrInvalidConfig, c.InitialPhase))
	}
	return errors.Join(errs...)
}

// RunTimeout is the wall-clock bound of a run.
func (c Config) RunTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	d := time.Duration(c.SilentPeriods+c.MaxTonePeriods+10) * c.Stream.PeriodDuration()
	return max(d, 2*time.Second)
}

// Measurement holds the raw observations of a run.
// A zero time means the event was not observed.
type Measurement struct {
	PlayTime           time.Time
	PlayDelayFrames    int
	CaptureTime        time.Time
	CaptureDelayFrames int
	DetectedOffset     int
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// WithCaptureTap registers fn to see every buffer captured while the tone is
// playing. It runs on the capture thread or callback and must not block.
func WithCaptureTap(fn func(buf []byte, frames int)) SessionOption {
	return func(s *Session) { s.tap = fn }
}

// Session is the state of one measurement run shared by the playback and
// capture sides. FillPlayback and MarkPlaying belong to the playback side,
// ScanCapture to the capture side; each side must call from one goroutine
// at a time. The phase is the only state both sides touch and it only moves
// through compare-and-swap, so none of the methods block.
type Session struct {
	cfg  Config
	sine *Sine
	now  func() time.Time
	tap  func([]byte, int)

	phase atomic.Int32

	// playback side
	tone        ToneState
	silentLeft  int
	tonePeriods int

	// capture side
	scratch []int16

	// Play fields are written before Armed->Playing, capture fields before
	// Playing->Detected. Readers look only after observing Detected.
	m Measurement
}

// NewSession validates cfg and returns a session in the silence phase.
func NewSession(cfg Config, opts ...SessionOption) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sine, err := NewSine(cfg.Stream, cfg.Amplitude)
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:        cfg,
		sine:       sine,
		now:        time.Now,
		tone:       ToneState{Phase: cfg.InitialPhase, Frequency: cfg.Frequency},
		silentLeft: cfg.SilentPeriods,
		scratch:    make([]int16, cfg.Stream.BufferFrames*cfg.Stream.Channels),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.silentLeft == 0 {
		s.transition(PhaseSilence, PhaseArmed)
	}
	return s, nil
}

// Config returns the run settings.
func (s *Session) Config() Config { return s.cfg }

// Phase returns the current phase.
func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

// Done reports whether the run reached a terminal phase.
func (s *Session) Done() bool { return s.Phase().Terminal() }

func (s *Session) transition(from, to Phase) bool {
	return s.phase.CompareAndSwap(int32(from), int32(to))
}

// FillPlayback writes the next frames of output into buf.
func (s *Session) FillPlayback(buf []byte, frames int) (PlaybackStep, error) {
	if err := checkGeometry(len(buf), s.cfg.Stream.FrameSize(), 0, frames); err != nil {
		return StepIdle, err
	}
	region := buf[:s.cfg.Stream.FramesToBytes(frames)]

	switch ph := s.Phase(); ph {
	case PhaseSilence:
		FillSilence(region, s.cfg.Stream.Format)
		s.silentLeft--
		if s.silentLeft <= 0 {
			s.transition(PhaseSilence, PhaseArmed)
		}
		return StepSilence, nil
	case PhaseArmed:
		s.tonePeriods = 1
		return StepFirstTone, s.sine.Generate(region, 0, frames, s.cfg.Channels, &s.tone)
	case PhasePlaying:
		s.tonePeriods++
		if s.tonePeriods > s.cfg.MaxTonePeriods {
			s.transition(PhasePlaying, PhaseTimedOut)
			FillSilence(region, s.cfg.Stream.Format)
			return StepIdle, nil
		}
		return StepTone, s.sine.Generate(region, 0, frames, s.cfg.Channels, &s.tone)
	default:
		FillSilence(region, s.cfg.Stream.Format)
		return StepIdle, nil
	}
}

// MarkPlaying records the start of the tone together with the output delay
// reported at that instant. It reports false when the run is not armed.
func (s *Session) MarkPlaying(delayFrames int) bool {
	if s.Phase() != PhaseArmed {
		return false
	}
	s.m.PlayTime = s.now()
	s.m.PlayDelayFrames = delayFrames
	return s.transition(PhaseArmed, PhasePlaying)
}

// ScanCapture inspects one captured buffer. It reports true when the buffer
// completed the run with a detection.
func (s *Session) ScanCapture(buf []byte, frames, delayFrames int) (bool, error) {
	if s.Phase() != PhasePlaying {
		return false, nil
	}
	if s.tap != nil {
		s.tap(buf, frames)
	}
	samples, err := DecodeInt16(s.scratch, buf, frames, s.cfg.Stream)
	if err != nil {
		return false, err
	}
	s.scratch = samples

	idx := FindFirstAboveThreshold(samples, frames, int(s.cfg.Stream.Channels), s.cfg.Threshold)
	if idx < 0 {
		return false, nil
	}
	s.m.CaptureTime = s.now()
	s.m.CaptureDelayFrames = delayFrames
	s.m.DetectedOffset = idx
	return s.transition(PhasePlaying, PhaseDetected), nil
}

// Expire ends a run that has not finished by its deadline.
func (s *Session) Expire() bool {
	for {
		ph := s.Phase()
		if ph.Terminal() {
			return false
		}
		if s.transition(ph, PhaseTimedOut) {
			return true
		}
	}
}

// Result summarizes a finished run. Measurements are only reported for
// detected runs.
func (s *Session) Result() Result {
	r := Result{Phase: s.Phase(), Rate: s.cfg.Stream.Rate}
	if r.Phase != PhaseDetected {
		return r
	}
	r.Measurement = s.m
	r.Measured = Subtract(s.m.CaptureTime, s.m.PlayTime)
	r.ReportedFrames = s.m.PlayDelayFrames + s.m.CaptureDelayFrames - s.m.DetectedOffset
	r.Reported = FramesToDuration(int64(r.ReportedFrames), r.Rate)
	return r
}
