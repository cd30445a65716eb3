package audioloop

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// SampleFormat identifies the binary layout of one sample.
type SampleFormat int

// Sample formats. 24-bit formats without the _3 suffix live in a 32-bit container.
const (
	FormatUnknown SampleFormat = iota
	FormatS8
	FormatU8
	FormatS16LE
	FormatS16BE
	FormatU16LE
	FormatU16BE
	FormatS24LE
	FormatS24BE
	FormatU24LE
	FormatU24BE
	FormatS24_3LE
	FormatS24_3BE
	FormatU24_3LE
	FormatU24_3BE
	FormatS32LE
	FormatS32BE
	FormatU32LE
	FormatU32BE
	FormatFloatLE
	FormatFloatBE
)

type formatInfo struct {
	name      string
	bits      int // significant bits
	physBits  int // container size in bits
	signed    bool
	bigEndian bool
	float     bool
}

var formatTable = map[SampleFormat]formatInfo{
	FormatS8:      {"S8", 8, 8, true, false, false},
	FormatU8:      {"U8", 8, 8, false, false, false},
	FormatS16LE:   {"S16_LE", 16, 16, true, false, false},
	FormatS16BE:   {"S16_BE", 16, 16, true, true, false},
	FormatU16LE:   {"U16_LE", 16, 16, false, false, false},
	FormatU16BE:   {"U16_BE", 16, 16, false, true, false},
	FormatS24LE:   {"S24_LE", 24, 32, true, false, false},
	FormatS24BE:   {"S24_BE", 24, 32, true, true, false},
	FormatU24LE:   {"U24_LE", 24, 32, false, false, false},
	FormatU24BE:   {"U24_BE", 24, 32, false, true, false},
	FormatS24_3LE: {"S24_3LE", 24, 24, true, false, false},
	FormatS24_3BE: {"S24_3BE", 24, 24, true, true, false},
	FormatU24_3LE: {"U24_3LE", 24, 24, false, false, false},
	FormatU24_3BE: {"U24_3BE", 24, 24, false, true, false},
	FormatS32LE:   {"S32_LE", 32, 32, true, false, false},
	FormatS32BE:   {"S32_BE", 32, 32, true, true, false},
	FormatU32LE:   {"U32_LE", 32, 32, false, false, false},
	FormatU32BE:   {"U32_BE", 32, 32, false, true, false},
	FormatFloatLE: {"FLOAT_LE", 32, 32, true, false, true},
	FormatFloatBE: {"FLOAT_BE", 32, 32, true, true, true},
}

// Formats returns every known sample format.
func Formats() []SampleFormat {
	out := make([]SampleFormat, 0, len(formatTable))
	for f := FormatS8; f <= FormatFloatBE; f++ {
		out = append(out, f)
	}
	return out
}

// ParseFormat accepts ALSA style names such as "S16_LE" or "float_be".
func ParseFormat(name string) (SampleFormat, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	for f, info := range formatTable {
		if info.name == n {
			return f, nil
		}
	}
	return FormatUnknown, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

func (f SampleFormat) String() string {
	if info, ok := formatTable[f]; ok {
		return info.name
	}
	return fmt.Sprintf("SampleFormat(%d)", int(f))
}

// Valid reports whether f is a known format.
func (f SampleFormat) Valid() bool {
	_, ok := formatTable[f]
	return ok
}

// Bits is the number of significant bits.
func (f SampleFormat) Bits() int { return formatTable[f].bits }

// PhysicalBits is the container width in bits.
func (f SampleFormat) PhysicalBits() int { return formatTable[f].physBits }

// Size is the container width in bytes.
func (f SampleFormat) Size() int { return formatTable[f].physBits / 8 }

func (f SampleFormat) Signed() bool    { return formatTable[f].signed }
func (f SampleFormat) BigEndian() bool { return formatTable[f].bigEndian }
func (f SampleFormat) Float() bool     { return formatTable[f].float }

// MaxAmplitude is the integer full scale, 2^(bits-1)-1. Float formats use 1.0.
func (f SampleFormat) MaxAmplitude() float64 {
	info := formatTable[f]
	if info.float {
		return 1
	}
	return float64(int64(1)<<(info.bits-1) - 1)
}

// PutSample serializes a normalized value in [-1, 1] into dst, which must
// hold at least Size bytes.
func (f SampleFormat) PutSample(dst []byte, v float64) {
	info := formatTable[f]
	var raw uint64
	if info.float {
		raw = uint64(math.Float32bits(float32(v)))
	} else {
		res := int64(v * f.MaxAmplitude())
		if !info.signed {
			res ^= int64(1) << (info.bits - 1)
		}
		raw = uint64(res)
	}
	n := info.physBits / 8
	for i := 0; i < n; i++ {
		b := byte(raw >> (8 * i))
		if info.bigEndian {
			dst[n-1-i] = b
		} else {
			dst[i] = b
		}
	}
}

// Sample is the inverse of PutSample.
func (f SampleFormat) Sample(src []byte) float64 {
	info := formatTable[f]
	n := info.physBits / 8
	var raw uint64
	for i := 0; i < n; i++ {
		var b byte
		if info.bigEndian {
			b = src[n-1-i]
		} else {
			b = src[i]
		}
		raw |= uint64(b) << (8 * i)
	}
	if info.float {
		return float64(math.Float32frombits(uint32(raw)))
	}
	mask := uint64(1)<<info.bits - 1
	raw &= mask
	if !info.signed {
		raw ^= uint64(1) << (info.bits - 1)
	}
	// sign-extend from bits
	shift := 64 - info.bits
	v := int64(raw<<shift) >> shift
	return float64(v) / f.MaxAmplitude()
}

// StreamConfig is the fixed configuration shared by both streams of a run.
type StreamConfig struct {
	Rate         uint32
	Channels     uint32
	Format       SampleFormat
	BufferFrames uint32
	PeriodFrames uint32
}

// DefaultStreamConfig matches the defaults of the command line tool.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Rate:         48000,
		Channels:     2,
		Format:       FormatS16LE,
		BufferFrames: 480,
		PeriodFrames: 240,
	}
}

// Validate checks the configuration invariants.
func (c StreamConfig) Validate() error {
	switch {
	case !c.Format.Valid():
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, c.Format)
	case c.Rate == 0:
		return fmt.Errorf("%w: rate must be positive", ErrInvalidConfig)
	case c.Channels == 0:
		return fmt.Errorf("%w: channels must be positive", ErrInvalidConfig)
	case c.PeriodFrames == 0:
		return fmt.Errorf("%w: period frames must be positive", ErrInvalidConfig)
	case c.BufferFrames < c.PeriodFrames:
		return fmt.Errorf("%w: buffer frames %d smaller than period frames %d", ErrInvalidConfig, c.BufferFrames, c.PeriodFrames)
	}
	return nil
}

// FrameSize is the size of one interleaved frame in bytes.
func (c StreamConfig) FrameSize() int {
	return int(c.Channels) * c.Format.Size()
}

// FramesToBytes converts a frame count into a byte count.
func (c StreamConfig) FramesToBytes(frames int) int {
	return frames * c.FrameSize()
}

// PeriodDuration is the playback time of one period.
func (c StreamConfig) PeriodDuration() time.Duration {
	return FramesToDuration(int64(c.PeriodFrames), c.Rate)
}

func (c StreamConfig) String() string {
	return fmt.Sprintf("%d Hz, %d ch, %v, buffer %d, period %d", c.Rate, c.Channels, c.Format, c.BufferFrames, c.PeriodFrames)
}
