package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gen2brain/audioloop"
	"github.com/gen2brain/audioloop/internal/config"
)

// report is the YAML document written by --report.
type report struct {
	Started  time.Time   `yaml:"started"`
	Backend  string      `yaml:"backend"`
	Mode     string      `yaml:"mode"`
	Playback string      `yaml:"playback"`
	Capture  string      `yaml:"capture"`
	Stream   string      `yaml:"stream"`
	Runs     []runReport `yaml:"runs"`
	Summary  summary     `yaml:"summary"`
}

type runReport struct {
	ID                 string `yaml:"id"`
	Outcome            string `yaml:"outcome"`
	MeasuredUS         int64  `yaml:"measured_us,omitempty"`
	ReportedUS         int64  `yaml:"reported_us,omitempty"`
	DivergenceUS       int64  `yaml:"divergence_us,omitempty"`
	PlayDelayFrames    int    `yaml:"play_delay_frames,omitempty"`
	CaptureDelayFrames int    `yaml:"capture_delay_frames,omitempty"`
	OffsetFrames       int    `yaml:"offset_frames,omitempty"`
	Error              string `yaml:"error,omitempty"`
}

// summary covers detected runs only.
type summary struct {
	Runs           int   `yaml:"runs"`
	Detected       int   `yaml:"detected"`
	MinMeasuredUS  int64 `yaml:"min_measured_us,omitempty"`
	MeanMeasuredUS int64 `yaml:"mean_measured_us,omitempty"`
	MaxMeasuredUS  int64 `yaml:"max_measured_us,omitempty"`

	total int64
}

func newReport(cfg *config.Config, mode string) *report {
	return &report{
		Started:  time.Now().UTC(),
		Backend:  string(cfg.Backend),
		Mode:     mode,
		Playback: cfg.Playback,
		Capture:  cfg.Capture,
		Stream:   cfg.Run.Stream.String(),
	}
}

func (r *report) add(id string, res audioloop.Result, err error) {
	r.Summary.Runs++

	run := runReport{ID: id}
	switch {
	case err != nil:
		run.Outcome = "error"
		run.Error = err.Error()
	case !res.Detected():
		run.Outcome = "timed_out"
	default:
		m := res.Measurement
		us := res.Measured.Microseconds()
		run.Outcome = "detected"
		run.MeasuredUS = us
		run.ReportedUS = res.Reported.Microseconds()
		run.DivergenceUS = res.Divergence().Microseconds()
		run.PlayDelayFrames = m.PlayDelayFrames
		run.CaptureDelayFrames = m.CaptureDelayFrames
		run.OffsetFrames = m.DetectedOffset

		s := &r.Summary
		if s.Detected == 0 || us < s.MinMeasuredUS {
			s.MinMeasuredUS = us
		}
		s.MaxMeasuredUS = max(s.MaxMeasuredUS, us)
		s.Detected++
		s.total += us
		s.MeanMeasuredUS = s.total / int64(s.Detected)
	}

	r.Runs = append(r.Runs, run)
}

func (r *report) writeFile(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	return nil
}

func writeReport(path string, r *report, log *slog.Logger) {
	if path == "" {
		return
	}
	if err := r.writeFile(path); err != nil {
		log.Warn("report", "err", err)
		return
	}
	log.Info("wrote report", "path", path, "runs", len(r.Runs))
}
