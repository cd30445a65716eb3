//go:build portaudio

package main

import (
	"log/slog"

	"github.com/gen2brain/audioloop/portaudio"
)

func newPortAudioServer(log *slog.Logger) (*portaudio.Server, error) {
	return portaudio.NewServer(log)
}
