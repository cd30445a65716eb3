package alsa

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"syscall"
	"unsafe"

	"github.com/gen2brain/audioloop"
)

// PcmParams holds the parameter space a device accepts.
type PcmParams struct {
	params *sndPcmHwParams
}

// PcmParamsGet asks the driver to refine an unrestricted parameter space
// with HW_REFINE, which reports the device capabilities without configuring it.
func PcmParamsGet(card, device uint, flags PcmFlag) (*PcmParams, error) {
	streamChar := 'p'
	if flags&PCM_IN != 0 {
		streamChar = 'c'
	}
	path := fmt.Sprintf("/dev/snd/pcmC%dD%d%c", card, device, streamChar)

	file, err := os.OpenFile(path, os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCM device %s for query: %w", path, err)
	}
	defer file.Close()

	hw := &sndPcmHwParams{}
	paramInit(hw)

	if err := ioctl(file.Fd(), SNDRV_PCM_IOCTL_HW_REFINE, uintptr(unsafe.Pointer(hw))); err != nil {
		return nil, fmt.Errorf("ioctl HW_REFINE failed: %w", err)
	}

	return &PcmParams{params: hw}, nil
}

// RangeMin returns the minimum of an interval parameter.
func (pp *PcmParams) RangeMin(param PcmParam) (uint32, error) {
	iv, err := pp.interval(param)
	if err != nil {
		return 0, err
	}

	return iv.MinVal, nil
}

// RangeMax returns the maximum of an interval parameter.
func (pp *PcmParams) RangeMax(param PcmParam) (uint32, error) {
	iv, err := pp.interval(param)
	if err != nil {
		return 0, err
	}

	return iv.MaxVal, nil
}

func (pp *PcmParams) interval(param PcmParam) (*sndInterval, error) {
	if pp == nil || pp.params == nil {
		return nil, fmt.Errorf("params not initialized")
	}

	if param < SNDRV_PCM_HW_PARAM_SAMPLE_BITS || param > SNDRV_PCM_HW_PARAM_TICK_TIME {
		return nil, fmt.Errorf("parameter %d is not an interval", param)
	}

	return &pp.params.Intervals[param-SNDRV_PCM_HW_PARAM_SAMPLE_BITS], nil
}

// FormatIsSupported reports whether the device accepts format.
func (pp *PcmParams) FormatIsSupported(format PcmFormat) bool {
	if pp == nil || pp.params == nil || format < 0 {
		return false
	}

	return maskTest(&pp.params.Masks[SNDRV_PCM_HW_PARAM_FORMAT-SNDRV_PCM_HW_PARAM_ACCESS], uint32(format))
}

// Formats lists the supported sample formats this module can generate.
func (pp *PcmParams) Formats() []audioloop.SampleFormat {
	var out []audioloop.SampleFormat
	for sf, pf := range sampleFormats {
		if pp.FormatIsSupported(pf) {
			out = append(out, sf)
		}
	}
	slices.Sort(out)

	return out
}

func (pp *PcmParams) String() string {
	if pp == nil || pp.params == nil {
		return "<nil>"
	}

	var b strings.Builder

	var names []string
	for _, f := range pp.Formats() {
		names = append(names, f.String())
	}
	if len(names) > 0 {
		fmt.Fprintf(&b, "%12s: %s\n", "Format", strings.Join(names, ", "))
	}

	printInterval := func(name string, param PcmParam, unit string) {
		lo, _ := pp.RangeMin(param)
		hi, _ := pp.RangeMax(param)
		if hi == 0 || hi == ^uint32(0) {
			return
		}
		fmt.Fprintf(&b, "%12s: min=%-6d max=%-6d %s\n", name, lo, hi, unit)
	}

	printInterval("Rate", SNDRV_PCM_HW_PARAM_RATE, "Hz")
	printInterval("Channels", SNDRV_PCM_HW_PARAM_CHANNELS, "")
	printInterval("Period size", SNDRV_PCM_HW_PARAM_PERIOD_SIZE, "frames")
	printInterval("Periods", SNDRV_PCM_HW_PARAM_PERIODS, "")
	printInterval("Buffer size", SNDRV_PCM_HW_PARAM_BUFFER_SIZE, "frames")

	return b.String()
}

// paramInit opens every mask and interval to its full range.
func paramInit(p *sndPcmHwParams) {
	for n := range p.Masks {
		for i := range p.Masks[n].Bits {
			p.Masks[n].Bits[i] = ^uint32(0)
		}
	}

	for n := range p.Mres {
		for i := range p.Mres[n].Bits {
			p.Mres[n].Bits[i] = ^uint32(0)
		}
	}

	for n := range p.Intervals {
		p.Intervals[n] = sndInterval{MaxVal: ^uint32(0)}
	}

	for n := range p.Ires {
		p.Ires[n] = sndInterval{MaxVal: ^uint32(0)}
	}

	p.Rmask = ^uint32(0)
	p.Info = ^uint32(0)
}

func maskTest(m *sndMask, bit uint32) bool {
	if bit >= 256 {
		return false
	}

	return m.Bits[bit>>5]&(1<<(bit&31)) != 0
}

func paramSetMask(p *sndPcmHwParams, param PcmParam, bit uint32) {
	if param < SNDRV_PCM_HW_PARAM_ACCESS || param > SNDRV_PCM_HW_PARAM_SUBFORMAT {
		return
	}

	mask := &p.Masks[param-SNDRV_PCM_HW_PARAM_ACCESS]
	mask.Bits = [8]uint32{}
	if bit >= 256 {
		return
	}
	mask.Bits[bit>>5] |= 1 << (bit & 31)
}

func paramSetInt(p *sndPcmHwParams, param PcmParam, val uint32) {
	if param < SNDRV_PCM_HW_PARAM_SAMPLE_BITS || param > SNDRV_PCM_HW_PARAM_TICK_TIME {
		return
	}

	p.Intervals[param-SNDRV_PCM_HW_PARAM_SAMPLE_BITS] = sndInterval{MinVal: val, MaxVal: val, Flags: SNDRV_PCM_INTERVAL_INTEGER}
}

func paramSetMin(p *sndPcmHwParams, param PcmParam, val uint32) {
	if param < SNDRV_PCM_HW_PARAM_SAMPLE_BITS || param > SNDRV_PCM_HW_PARAM_TICK_TIME {
		return
	}

	p.Intervals[param-SNDRV_PCM_HW_PARAM_SAMPLE_BITS].MinVal = val
}

// paramGetInt reads the lower bound, which the driver narrows to the
// chosen value on HW_PARAMS.
func paramGetInt(p *sndPcmHwParams, param PcmParam) uint32 {
	if param < SNDRV_PCM_HW_PARAM_SAMPLE_BITS || param > SNDRV_PCM_HW_PARAM_TICK_TIME {
		return 0
	}

	return p.Intervals[param-SNDRV_PCM_HW_PARAM_SAMPLE_BITS].MinVal
}
