package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/gen2brain/audioloop"
	"github.com/gen2brain/audioloop/alsa"
	"github.com/gen2brain/audioloop/internal/config"
	"github.com/gen2brain/audioloop/loopback"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// runnerFunc builds the runner of one run, logging to log.
type runnerFunc func(log *slog.Logger) audioloop.Runner

// newRunner opens the configured backend. Devices are opened per run; the
// closer releases the backend once every run is done.
func newRunner(cfg *config.Config, log *slog.Logger) (runnerFunc, io.Closer, error) {
	callback := func(srv audioloop.Server) runnerFunc {
		return func(l *slog.Logger) audioloop.Runner {
			return audioloop.NewCallbackRunner(srv, cfg.Playback, cfg.Capture, audioloop.WithLogger(l))
		}
	}
	blocking := func(tr audioloop.Transport) runnerFunc {
		return func(l *slog.Logger) audioloop.Runner {
			return audioloop.NewBlockingRunner(tr, cfg.Playback, cfg.Capture, audioloop.WithLogger(l))
		}
	}

	switch cfg.Backend {
	case config.BackendALSA:
		if cfg.Callback {
			srv := alsa.NewServer(alsa.WithLogger(log))
			return callback(srv), srv, nil
		}
		return blocking(alsa.NewTransport(alsa.WithLogger(log))), nopCloser{}, nil

	case config.BackendSynthetic:
		opts := loopback.Options{PathDelay: cfg.SyntheticDelay, Mute: cfg.SyntheticMute}
		if cfg.Callback {
			opts.Realtime = true
			srv := loopback.NewServer(opts)
			return callback(srv), srv, nil
		}
		return blocking(loopback.NewTransport(opts)), nopCloser{}, nil

	case config.BackendPortAudio:
		srv, err := newPortAudioServer(log)
		if err != nil {
			return nil, nil, err
		}
		return callback(srv), srv, nil
	}

	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
