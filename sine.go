package audioloop

import (
	"fmt"
	"math"
)

// ChannelMask selects the channels a tone is written to. Bit n is channel n;
// the zero mask selects every channel.
type ChannelMask uint64

// Has reports whether channel ch is active.
func (m ChannelMask) Has(ch int) bool {
	return m == 0 || m&(1<<uint(ch)) != 0
}

// ToneState is the running oscillator state of one playback stream.
type ToneState struct {
	Phase     float64
	Frequency float64
}

// Sine writes a continuous sine tone into interleaved buffers.
type Sine struct {
	format    SampleFormat
	rate      uint32
	channels  int
	amplitude float64
}

// NewSine returns a synthesizer for cfg. Amplitude is relative to full scale.
func NewSine(cfg StreamConfig, amplitude float64) (*Sine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if amplitude <= 0 || amplitude > 1 {
		return nil, fmt.Errorf("%w: amplitude %v outside (0, 1]", ErrInvalidConfig, amplitude)
	}
	return &Sine{
		format:    cfg.Format,
		rate:      cfg.Rate,
		channels:  int(cfg.Channels),
		amplitude: amplitude,
	}, nil
}

// Generate writes frames of tone starting at frame offset in buf and advances st.
func (g *Sine) Generate(buf []byte, offset, frames int, active ChannelMask, st *ToneState) error {
	frameSize := g.channels * g.format.Size()
	if err := checkGeometry(len(buf), frameSize, offset, frames); err != nil {
		return err
	}

	step := 2 * math.Pi * st.Frequency / float64(g.rate)
	size := g.format.Size()
	var zero [4]byte
	g.format.PutSample(zero[:size], 0)

	pos := offset * frameSize
	for i := 0; i < frames; i++ {
		v := math.Sin(st.Phase) * g.amplitude
		for ch := 0; ch < g.channels; ch++ {
			if active.Has(ch) {
				g.format.PutSample(buf[pos:pos+size], v)
			} else {
				copy(buf[pos:pos+size], zero[:size])
			}
			pos += size
		}
		st.Phase += step
		if st.Phase >= 2*math.Pi {
			st.Phase -= 2 * math.Pi
		}
	}
	return nil
}

// FillSilence writes the format's zero point over the whole of buf.
func FillSilence(buf []byte, format SampleFormat) {
	size := format.Size()
	if size == 0 {
		return
	}
	var zero [4]byte
	format.PutSample(zero[:size], 0)
	for pos := 0; pos+size <= len(buf); pos += size {
		copy(buf[pos:pos+size], zero[:size])
	}
}

func checkGeometry(bufLen, frameSize, offset, frames int) error {
	switch {
	case frameSize <= 0:
		return fmt.Errorf("%w: frame size %d", ErrGeometry, frameSize)
	case offset < 0 || frames < 0:
		return fmt.Errorf("%w: offset %d frames %d", ErrGeometry, offset, frames)
	case bufLen%frameSize != 0:
		return fmt.Errorf("%w: buffer of %d bytes is not a multiple of frame size %d", ErrGeometry, bufLen, frameSize)
	case (offset+frames)*frameSize > bufLen:
		return fmt.Errorf("%w: %d frames at offset %d overrun buffer of %d frames", ErrGeometry, frames, offset, bufLen/frameSize)
	}
	return nil
}
