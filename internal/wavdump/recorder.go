// Package wavdump records the captured signal of a run and writes it as a
// WAV file, for checking the detection threshold against what the device
// actually delivered.
package wavdump

import (
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/gen2brain/audioloop"
)

// Recorder keeps up to a fixed number of captured frames. Its Tap runs on the
// capture thread and never allocates; frames beyond the capacity are dropped.
type Recorder struct {
	cfg      audioloop.StreamConfig
	depth    int
	scale    float64
	data     []int
	frames   int
	capacity int
	dropped  int
}

// NewRecorder returns a recorder holding at most maxFrames frames of cfg.
func NewRecorder(cfg audioloop.StreamConfig, maxFrames int) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if maxFrames <= 0 {
		return nil, fmt.Errorf("wavdump: capacity must be positive, got %d", maxFrames)
	}

	depth := BitDepth(cfg.Format)

	return &Recorder{
		cfg:      cfg,
		depth:    depth,
		scale:    float64(int64(1)<<(depth-1) - 1),
		data:     make([]int, maxFrames*int(cfg.Channels)),
		capacity: maxFrames,
	}, nil
}

// BitDepth is the WAV sample width used for a capture format. 8-bit WAV is
// unsigned, so narrow formats are widened to 16 bits; float is stored as
// 32-bit integer PCM.
func BitDepth(f audioloop.SampleFormat) int {
	switch {
	case f.Bits() <= 16:
		return 16
	case f.Bits() <= 24:
		return 24
	default:
		return 32
	}
}

// Tap matches the session capture tap signature.
func (r *Recorder) Tap(buf []byte, frames int) {
	size := r.cfg.Format.Size()
	ch := int(r.cfg.Channels)

	n := min(frames, r.capacity-r.frames, len(buf)/r.cfg.FrameSize())
	r.dropped += frames - max(n, 0)
	if n <= 0 {
		return
	}

	out := r.data[r.frames*ch : (r.frames+n)*ch]
	for i := range out {
		v := r.cfg.Format.Sample(buf[i*size:])
		out[i] = int(math.Round(max(-1, min(1, v)) * r.scale))
	}
	r.frames += n
}

// Frames is the number of frames recorded.
func (r *Recorder) Frames() int { return r.frames }

// Dropped is the number of frames that did not fit.
func (r *Recorder) Dropped() int { return r.dropped }

// Buffer returns the recording as an audio buffer.
func (r *Recorder) Buffer() *audio.IntBuffer {
	return &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: int(r.cfg.Channels),
			SampleRate:  int(r.cfg.Rate),
		},
		Data:           r.data[:r.frames*int(r.cfg.Channels)],
		SourceBitDepth: r.depth,
	}
}

// WriteFile encodes the recording to path. Call it after the run finished.
func (r *Recorder) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wavdump: %w", err)
	}

	// 1 is the PCM audio format
	enc := wav.NewEncoder(f, int(r.cfg.Rate), r.depth, int(r.cfg.Channels), 1)
	if err := enc.Write(r.Buffer()); err != nil {
		_ = f.Close()
		return fmt.Errorf("wavdump: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("wavdump: finish %s: %w", path, err)
	}

	return f.Close()
}
