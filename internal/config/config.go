// Package config loads loopback-latency settings from flags, the
// environment and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gen2brain/audioloop"
)

// EnvPrefix prefixes environment overrides, e.g. LOOPBACK_RATE=44100.
const EnvPrefix = "LOOPBACK"

// Backend selects the audio stack a run goes through.
type Backend string

const (
	BackendALSA      Backend = "alsa"
	BackendPortAudio Backend = "portaudio"
	BackendSynthetic Backend = "synthetic"
)

// Backends lists the accepted backend names.
var Backends = []Backend{BackendALSA, BackendPortAudio, BackendSynthetic}

// LogLevels lists the accepted log levels.
var LogLevels = []string{"none", "error", "warn", "info", "debug"}

// Config is the complete command configuration.
type Config struct {
	Backend Backend
	// Callback runs through the backend's callback server instead of
	// blocking I/O. The portaudio backend always uses callbacks.
	Callback bool
	Playback string
	Capture  string

	Run audioloop.Config

	SyntheticDelay int
	SyntheticMute  bool

	Repeat   int
	Interval time.Duration

	MetricsAddr string
	CaptureDump string
	Report      string

	LogLevel string
	LogFile  string
}

// SetDefaults installs the defaults on v.
func SetDefaults(v *viper.Viper) {
	def := audioloop.DefaultConfig()

	v.SetDefault("backend", string(BackendALSA))
	v.SetDefault("callback", false)
	v.SetDefault("output", "default")
	v.SetDefault("input", "default")
	v.SetDefault("rate", def.Stream.Rate)
	v.SetDefault("channels", def.Stream.Channels)
	v.SetDefault("format", def.Stream.Format.String())
	v.SetDefault("buffer", def.Stream.BufferFrames)
	v.SetDefault("period", def.Stream.PeriodFrames)
	v.SetDefault("threshold", def.Threshold)
	v.SetDefault("frequency", def.Frequency)
	v.SetDefault("tone-channels", []int{})
	v.SetDefault("silent-periods", def.SilentPeriods)
	v.SetDefault("max-tone-periods", def.MaxTonePeriods)
	v.SetDefault("timeout", time.Duration(0))
	v.SetDefault("synthetic-delay", 960)
	v.SetDefault("synthetic-mute", false)
	v.SetDefault("repeat", 1)
	v.SetDefault("interval", time.Second)
	v.SetDefault("metrics-addr", "")
	v.SetDefault("capture-dump", "")
	v.SetDefault("report", "")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-file", "")
}

// NewFlagSet defines the command line. Short flags follow the classic
// loopback_latency tool.
func NewFlagSet(name string) *pflag.FlagSet {
	def := audioloop.DefaultConfig()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)

	fs.StringP("output", "o", "default", "playback device (default, hw:C,D or hw:ID,D)")
	fs.StringP("input", "i", "default", "capture device")
	fs.Uint32P("buffer", "b", def.Stream.BufferFrames, "buffer size in frames")
	fs.Uint32P("period", "p", def.Stream.PeriodFrames, "period size in frames")
	fs.Uint32P("rate", "r", def.Stream.Rate, "sample rate in Hz")
	fs.IntP("threshold", "n", def.Threshold, "detection threshold on 16-bit magnitudes")
	fs.BoolP("callback", "c", false, "measure through the callback server instead of blocking I/O")

	fs.Uint32("channels", def.Stream.Channels, "channel count")
	fs.String("format", def.Stream.Format.String(), "sample format, e.g. S16_LE, S24_3LE, FLOAT_LE")
	fs.Float64("frequency", def.Frequency, "tone frequency in Hz")
	fs.IntSlice("tone-channels", nil, "channels carrying the tone (default all)")
	fs.Int("silent-periods", def.SilentPeriods, "silent periods played before the tone")
	fs.Int("max-tone-periods", def.MaxTonePeriods, "tone periods played before giving up")
	fs.Duration("timeout", 0, "wall-clock bound of one run (default derived from the period count)")

	fs.String("backend", string(BackendALSA), "audio backend: alsa, portaudio or synthetic")
	fs.Int("synthetic-delay", 960, "path delay in frames of the synthetic backend")
	fs.Bool("synthetic-mute", false, "mute the synthetic path")

	fs.Int("repeat", 1, "number of runs")
	fs.Duration("interval", time.Second, "pause between runs")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	fs.String("capture-dump", "", "write the captured signal to this WAV file")
	fs.String("report", "", "write a YAML report of every run to this file")

	fs.String("config", "", "YAML config file")
	fs.String("log-level", "info", "log level: "+strings.Join(LogLevels, ", "))
	fs.String("log-file", "", "write JSON logs to this file instead of stderr")

	return fs
}

// Load parses args and merges them over the environment, the config file
// named by --config and the defaults. It returns pflag.ErrHelp when help
// was requested.
func Load(args []string, usage io.Writer) (*Config, error) {
	fs := NewFlagSet("loopback-latency")
	fs.SetOutput(usage)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	}

	return FromViper(v)
}

// FromViper builds and validates a Config from resolved settings.
func FromViper(v *viper.Viper) (*Config, error) {
	format, err := audioloop.ParseFormat(v.GetString("format"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	run := audioloop.DefaultConfig()
	run.Stream = audioloop.StreamConfig{
		Rate:         v.GetUint32("rate"),
		Channels:     v.GetUint32("channels"),
		Format:       format,
		BufferFrames: v.GetUint32("buffer"),
		PeriodFrames: v.GetUint32("period"),
	}
	run.Threshold = v.GetInt("threshold")
	run.Frequency = v.GetFloat64("frequency")
	run.SilentPeriods = v.GetInt("silent-periods")
	run.MaxTonePeriods = v.GetInt("max-tone-periods")
	run.Timeout = v.GetDuration("timeout")

	mask, err := channelMask(v.GetIntSlice("tone-channels"), run.Stream.Channels)
	if err != nil {
		return nil, err
	}
	run.Channels = mask

	cfg := &Config{
		Backend:        Backend(strings.ToLower(v.GetString("backend"))),
		Callback:       v.GetBool("callback"),
		Playback:       v.GetString("output"),
		Capture:        v.GetString("input"),
		Run:            run,
		SyntheticDelay: v.GetInt("synthetic-delay"),
		SyntheticMute:  v.GetBool("synthetic-mute"),
		Repeat:         v.GetInt("repeat"),
		Interval:       v.GetDuration("interval"),
		MetricsAddr:    v.GetString("metrics-addr"),
		CaptureDump:    v.GetString("capture-dump"),
		Report:         v.GetString("report"),
		LogLevel:       strings.ToLower(v.GetString("log-level")),
		LogFile:        v.GetString("log-file"),
	}
	if cfg.Backend == BackendPortAudio {
		cfg.Callback = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func channelMask(channels []int, count uint32) (audioloop.ChannelMask, error) {
	var mask audioloop.ChannelMask
	for _, ch := range channels {
		if ch < 0 || uint32(ch) >= count || ch >= 64 {
			return 0, fmt.Errorf("config: %w: tone channel %d outside [0, %d)", audioloop.ErrInvalidConfig, ch, count)
		}
		mask |= 1 << ch
	}

	return mask, nil
}

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains(Backends, c.Backend) {
		errs = append(errs, fmt.Errorf("backend %q is invalid; valid values: alsa, portaudio, synthetic", c.Backend))
	}
	if !slices.Contains(LogLevels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("log level %q is invalid; valid values: %s", c.LogLevel, strings.Join(LogLevels, ", ")))
	}
	if c.Repeat < 1 {
		errs = append(errs, fmt.Errorf("repeat must be at least 1, got %d", c.Repeat))
	}
	if c.Interval < 0 {
		errs = append(errs, fmt.Errorf("interval must not be negative"))
	}
	if c.SyntheticDelay < 0 {
		errs = append(errs, fmt.Errorf("synthetic delay must not be negative"))
	}
	if c.Playback == "" || c.Capture == "" {
		errs = append(errs, fmt.Errorf("playback and capture devices must be named"))
	}
	if err := c.Run.Validate(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return nil
}
