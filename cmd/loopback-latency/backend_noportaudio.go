//go:build !portaudio

package main

import (
	"errors"
	"log/slog"

	"github.com/gen2brain/audioloop"
)

var errNoPortAudio = errors.New("built without PortAudio support, rebuild with -tags portaudio")

type portAudioServer interface {
	audioloop.Server
	Close() error
}

func newPortAudioServer(*slog.Logger) (portAudioServer, error) {
	return nil, errNoPortAudio
}
