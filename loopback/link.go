// Package loopback is a synthetic audio path: whatever is played comes back
// on the capture side after a fixed number of frames. It provides both a
// blocking transport and a callback server so either runner can be exercised
// without hardware.
package loopback

import (
	"bytes"
	"fmt"

	"github.com/gen2brain/audioloop"
)

// Options configures the synthetic path.
type Options struct {
	// PathDelay is the number of frames between output and input.
	PathDelay int
	// Mute disconnects the path; capture only ever sees silence.
	Mute bool

	// FixedDelays makes the devices report PlaybackDelay and CaptureDelay
	// instead of the modeled values.
	FixedDelays   bool
	PlaybackDelay int
	CaptureDelay  int

	// Realtime paces the server clock by the period duration.
	Realtime bool
}

// DefaultOptions is a 20 ms path at 48 kHz.
func DefaultOptions() Options {
	return Options{PathDelay: 960}
}

// delayLine is a FIFO pre-filled with PathDelay frames of silence.
type delayLine struct {
	fifo    []byte
	silence []byte // one frame
	mute    bool
}

func newDelayLine(cfg audioloop.StreamConfig, delayFrames int, mute bool) *delayLine {
	silence := make([]byte, cfg.FrameSize())
	audioloop.FillSilence(silence, cfg.Format)
	fifo := bytes.Repeat(silence, delayFrames)
	return &delayLine{fifo: fifo, silence: silence, mute: mute}
}

// process pushes in and pops the same number of bytes into out.
func (d *delayLine) process(in, out []byte) {
	d.fifo = append(d.fifo, in...)
	if d.mute {
		d.fillSilence(out[:len(in)])
	} else {
		copy(out, d.fifo[:len(in)])
	}
	n := copy(d.fifo, d.fifo[len(in):])
	d.fifo = d.fifo[:n]
}

func (d *delayLine) fillSilence(buf []byte) {
	for pos := 0; pos < len(buf); pos += len(d.silence) {
		copy(buf[pos:], d.silence)
	}
}

func (d *delayLine) isSilence(buf []byte) bool {
	for pos := 0; pos+len(d.silence) <= len(buf); pos += len(d.silence) {
		if !bytes.Equal(buf[pos:pos+len(d.silence)], d.silence) {
			return false
		}
	}
	return true
}

func checkBuffer(buf []byte, frameSize int) (int, error) {
	if frameSize <= 0 || len(buf)%frameSize != 0 {
		return 0, fmt.Errorf("%w: %d bytes with frame size %d", audioloop.ErrGeometry, len(buf), frameSize)
	}
	return len(buf) / frameSize, nil
}
