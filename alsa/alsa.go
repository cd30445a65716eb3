// Package alsa drives Linux ALSA PCM devices through the kernel ioctl
// interface, without libasound. It provides a blocking transport and an
// in-process callback server for round-trip latency runs.
package alsa

import (
	"fmt"

	"github.com/gen2brain/audioloop"
)

// PcmFormat is a SNDRV_PCM_FORMAT_* value from the kernel headers.
type PcmFormat int32

const (
	SNDRV_PCM_FORMAT_INVALID  PcmFormat = -1
	SNDRV_PCM_FORMAT_S8       PcmFormat = 0
	SNDRV_PCM_FORMAT_U8       PcmFormat = 1
	SNDRV_PCM_FORMAT_S16_LE   PcmFormat = 2
	SNDRV_PCM_FORMAT_S16_BE   PcmFormat = 3
	SNDRV_PCM_FORMAT_U16_LE   PcmFormat = 4
	SNDRV_PCM_FORMAT_U16_BE   PcmFormat = 5
	SNDRV_PCM_FORMAT_S24_LE   PcmFormat = 6
	SNDRV_PCM_FORMAT_S24_BE   PcmFormat = 7
	SNDRV_PCM_FORMAT_U24_LE   PcmFormat = 8
	SNDRV_PCM_FORMAT_U24_BE   PcmFormat = 9
	SNDRV_PCM_FORMAT_S32_LE   PcmFormat = 10
	SNDRV_PCM_FORMAT_S32_BE   PcmFormat = 11
	SNDRV_PCM_FORMAT_U32_LE   PcmFormat = 12
	SNDRV_PCM_FORMAT_U32_BE   PcmFormat = 13
	SNDRV_PCM_FORMAT_FLOAT_LE PcmFormat = 14
	SNDRV_PCM_FORMAT_FLOAT_BE PcmFormat = 15
	SNDRV_PCM_FORMAT_S24_3LE  PcmFormat = 32
	SNDRV_PCM_FORMAT_S24_3BE  PcmFormat = 33
	SNDRV_PCM_FORMAT_U24_3LE  PcmFormat = 34
	SNDRV_PCM_FORMAT_U24_3BE  PcmFormat = 35
)

var sampleFormats = map[audioloop.SampleFormat]PcmFormat{
	audioloop.FormatS8:      SNDRV_PCM_FORMAT_S8,
	audioloop.FormatU8:      SNDRV_PCM_FORMAT_U8,
	audioloop.FormatS16LE:   SNDRV_PCM_FORMAT_S16_LE,
	audioloop.FormatS16BE:   SNDRV_PCM_FORMAT_S16_BE,
	audioloop.FormatU16LE:   SNDRV_PCM_FORMAT_U16_LE,
	audioloop.FormatU16BE:   SNDRV_PCM_FORMAT_U16_BE,
	audioloop.FormatS24LE:   SNDRV_PCM_FORMAT_S24_LE,
	audioloop.FormatS24BE:   SNDRV_PCM_FORMAT_S24_BE,
	audioloop.FormatU24LE:   SNDRV_PCM_FORMAT_U24_LE,
	audioloop.FormatU24BE:   SNDRV_PCM_FORMAT_U24_BE,
	audioloop.FormatS24_3LE: SNDRV_PCM_FORMAT_S24_3LE,
	audioloop.FormatS24_3BE: SNDRV_PCM_FORMAT_S24_3BE,
	audioloop.FormatU24_3LE: SNDRV_PCM_FORMAT_U24_3LE,
	audioloop.FormatU24_3BE: SNDRV_PCM_FORMAT_U24_3BE,
	audioloop.FormatS32LE:   SNDRV_PCM_FORMAT_S32_LE,
	audioloop.FormatS32BE:   SNDRV_PCM_FORMAT_S32_BE,
	audioloop.FormatU32LE:   SNDRV_PCM_FORMAT_U32_LE,
	audioloop.FormatU32BE:   SNDRV_PCM_FORMAT_U32_BE,
	audioloop.FormatFloatLE: SNDRV_PCM_FORMAT_FLOAT_LE,
	audioloop.FormatFloatBE: SNDRV_PCM_FORMAT_FLOAT_BE,
}

// PcmFormatOf maps a sample format onto its kernel format.
func PcmFormatOf(f audioloop.SampleFormat) (PcmFormat, error) {
	pf, ok := sampleFormats[f]
	if !ok {
		return SNDRV_PCM_FORMAT_INVALID, fmt.Errorf("%w: %v", audioloop.ErrUnsupportedFormat, f)
	}
	return pf, nil
}

// PcmFormatToBits returns the container width of a sample in bits.
func PcmFormatToBits(f PcmFormat) uint32 {
	switch f {
	case SNDRV_PCM_FORMAT_S32_LE, SNDRV_PCM_FORMAT_S32_BE, SNDRV_PCM_FORMAT_U32_LE, SNDRV_PCM_FORMAT_U32_BE,
		SNDRV_PCM_FORMAT_FLOAT_LE, SNDRV_PCM_FORMAT_FLOAT_BE,
		SNDRV_PCM_FORMAT_S24_LE, SNDRV_PCM_FORMAT_S24_BE, SNDRV_PCM_FORMAT_U24_LE, SNDRV_PCM_FORMAT_U24_BE:
		return 32
	case SNDRV_PCM_FORMAT_S24_3LE, SNDRV_PCM_FORMAT_S24_3BE, SNDRV_PCM_FORMAT_U24_3LE, SNDRV_PCM_FORMAT_U24_3BE:
		return 24
	case SNDRV_PCM_FORMAT_S16_LE, SNDRV_PCM_FORMAT_S16_BE, SNDRV_PCM_FORMAT_U16_LE, SNDRV_PCM_FORMAT_U16_BE:
		return 16
	case SNDRV_PCM_FORMAT_S8, SNDRV_PCM_FORMAT_U8:
		return 8
	default:
		return 0
	}
}

// PcmState is a SNDRV_PCM_STATE_* value.
type PcmState int32

const (
	SNDRV_PCM_STATE_OPEN         PcmState = 0
	SNDRV_PCM_STATE_SETUP        PcmState = 1
	SNDRV_PCM_STATE_PREPARED     PcmState = 2
	SNDRV_PCM_STATE_RUNNING      PcmState = 3
	SNDRV_PCM_STATE_XRUN         PcmState = 4
	SNDRV_PCM_STATE_DRAINING     PcmState = 5
	SNDRV_PCM_STATE_PAUSED       PcmState = 6
	SNDRV_PCM_STATE_SUSPENDED    PcmState = 7
	SNDRV_PCM_STATE_DISCONNECTED PcmState = 8
)

var stateNames = [...]string{"OPEN", "SETUP", "PREPARED", "RUNNING", "XRUN", "DRAINING", "PAUSED", "SUSPENDED", "DISCONNECTED"}

func (s PcmState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("PcmState(%d)", int32(s))
}

// PcmFlag selects how a PCM is opened.
type PcmFlag uint32

const (
	// PCM_OUT opens a playback stream.
	PCM_OUT PcmFlag = 0
	// PCM_IN opens a capture stream.
	PCM_IN PcmFlag = 0x10000000
	// PCM_NORESTART reports xruns to the caller instead of recovering.
	PCM_NORESTART PcmFlag = 0x00000002
	// PCM_NONBLOCK makes transfers return EAGAIN instead of blocking.
	PCM_NONBLOCK PcmFlag = 0x00000010
)

// PcmParam is a SNDRV_PCM_HW_PARAM_* value.
type PcmParam int

const (
	SNDRV_PCM_HW_PARAM_ACCESS       PcmParam = 0
	SNDRV_PCM_HW_PARAM_FORMAT       PcmParam = 1
	SNDRV_PCM_HW_PARAM_SUBFORMAT    PcmParam = 2
	SNDRV_PCM_HW_PARAM_SAMPLE_BITS  PcmParam = 8
	SNDRV_PCM_HW_PARAM_FRAME_BITS   PcmParam = 9
	SNDRV_PCM_HW_PARAM_CHANNELS     PcmParam = 10
	SNDRV_PCM_HW_PARAM_RATE         PcmParam = 11
	SNDRV_PCM_HW_PARAM_PERIOD_TIME  PcmParam = 12
	SNDRV_PCM_HW_PARAM_PERIOD_SIZE  PcmParam = 13
	SNDRV_PCM_HW_PARAM_PERIOD_BYTES PcmParam = 14
	SNDRV_PCM_HW_PARAM_PERIODS      PcmParam = 15
	SNDRV_PCM_HW_PARAM_BUFFER_TIME  PcmParam = 16
	SNDRV_PCM_HW_PARAM_BUFFER_SIZE  PcmParam = 17
	SNDRV_PCM_HW_PARAM_BUFFER_BYTES PcmParam = 18
	SNDRV_PCM_HW_PARAM_TICK_TIME    PcmParam = 19
)

const (
	SNDRV_PCM_INTERVAL_OPENMIN = 1 << 0
	SNDRV_PCM_INTERVAL_OPENMAX = 1 << 1
	SNDRV_PCM_INTERVAL_INTEGER = 1 << 2
	SNDRV_PCM_INTERVAL_EMPTY   = 1 << 3
)

const SNDRV_PCM_ACCESS_RW_INTERLEAVED = 3

const SNDRV_PCM_TSTAMP_ENABLE = 1
