package audioloop_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/audioloop"
)

func TestFormatRoundTrip(t *testing.T) {
	values := []float64{0, 0.5, -0.5, 0.999, -0.999, 1, -1, 0.123456, -0.0001}

	for _, format := range audioloop.Formats() {
		t.Run(format.String(), func(t *testing.T) {
			step := 1 / format.MaxAmplitude()
			if format.Float() {
				step = 1e-6
			}
			buf := make([]byte, format.Size())
			for _, v := range values {
				format.PutSample(buf, v)
				got := format.Sample(buf)
				assert.InDelta(t, v, got, step, "value %v", v)
			}
		})
	}
}

func TestFormatEndianness(t *testing.T) {
	buf := make([]byte, 2)

	audioloop.FormatS16LE.PutSample(buf, 1)
	assert.Equal(t, []byte{0xff, 0x7f}, buf)

	audioloop.FormatS16BE.PutSample(buf, 1)
	assert.Equal(t, []byte{0x7f, 0xff}, buf)

	audioloop.FormatU16LE.PutSample(buf, 0)
	assert.Equal(t, []byte{0x00, 0x80}, buf)

	one := make([]byte, 1)
	audioloop.FormatU8.PutSample(one, 0)
	assert.Equal(t, []byte{0x80}, one)
}

func TestFormat24BitContainer(t *testing.T) {
	buf := make([]byte, 4)
	audioloop.FormatS24LE.PutSample(buf, -1)
	// -(2^23-1) sign extended into the padding byte
	assert.Equal(t, []byte{0x01, 0x00, 0x80, 0xff}, buf)

	packed := make([]byte, 3)
	audioloop.FormatS24_3BE.PutSample(packed, 1)
	assert.Equal(t, []byte{0x7f, 0xff, 0xff}, packed)
}

func TestFormatFloatBits(t *testing.T) {
	buf := make([]byte, 4)
	audioloop.FormatFloatBE.PutSample(buf, 0.5)
	bits := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	assert.Equal(t, math.Float32bits(0.5), bits)
}

func TestParseFormat(t *testing.T) {
	for _, format := range audioloop.Formats() {
		got, err := audioloop.ParseFormat(format.String())
		require.NoError(t, err)
		assert.Equal(t, format, got)
	}

	got, err := audioloop.ParseFormat(" s16_le ")
	require.NoError(t, err)
	assert.Equal(t, audioloop.FormatS16LE, got)

	_, err = audioloop.ParseFormat("MP3")
	assert.ErrorIs(t, err, audioloop.ErrUnsupportedFormat)
}

func TestStreamConfigValidate(t *testing.T) {
	cfg := audioloop.DefaultStreamConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.FrameSize())
	assert.Equal(t, 960, cfg.FramesToBytes(240))
	assert.Equal(t, "5ms", cfg.PeriodDuration().String())

	bad := cfg
	bad.PeriodFrames = 960
	assert.ErrorIs(t, bad.Validate(), audioloop.ErrInvalidConfig)

	bad = cfg
	bad.Rate = 0
	assert.ErrorIs(t, bad.Validate(), audioloop.ErrInvalidConfig)

	bad = cfg
	bad.Format = audioloop.FormatUnknown
	assert.ErrorIs(t, bad.Validate(), audioloop.ErrUnsupportedFormat)
}
