package alsa

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Config holds the hardware and software parameters of a PCM stream.
type Config struct {
	Channels       uint32
	Rate           uint32
	PeriodSize     uint32
	PeriodCount    uint32
	Format         PcmFormat
	StartThreshold uint32
	StopThreshold  uint32
	AvailMin       uint32
}

// PCM is an open ALSA PCM device handle using read/write access.
type PCM struct {
	file       *os.File
	path       string
	config     Config
	flags      PcmFlag
	bufferSize uint32
	subdevice  uint32
	boundary   SndPcmUframesT
	xruns      int
}

// PcmOpenByName opens a PCM by name. See ParseName for the accepted forms.
func PcmOpenByName(name string, flags PcmFlag, config *Config) (*PCM, error) {
	card, device, err := ParseName(name)
	if err != nil {
		return nil, err
	}

	return PcmOpen(card, device, flags, config)
}

// PcmOpen opens /dev/snd/pcmC<card>D<device><p|c> and applies config.
// Only hardware devices are supported; there is no plugin layer.
func PcmOpen(card, device uint, flags PcmFlag, config *Config) (*PCM, error) {
	if config == nil {
		return nil, errors.New("alsa: nil config")
	}

	streamChar := 'p'
	if flags&PCM_IN != 0 {
		streamChar = 'c'
	}
	path := fmt.Sprintf("/dev/snd/pcmC%dD%d%c", card, device, streamChar)

	// Open non-blocking so a busy device fails fast, then clear the flag.
	file, err := os.OpenFile(path, os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCM device %s: %w", path, err)
	}

	if flags&PCM_NONBLOCK == 0 {
		fl, err := unix.FcntlInt(file.Fd(), unix.F_GETFL, 0)
		if err == nil {
			_, err = unix.FcntlInt(file.Fd(), unix.F_SETFL, fl&^syscall.O_NONBLOCK)
		}
		if err != nil {
			_ = file.Close()

			return nil, fmt.Errorf("failed to set blocking mode on %s: %w", path, err)
		}
	}

	var info sndPcmInfo
	if err := ioctl(file.Fd(), SNDRV_PCM_IOCTL_INFO, uintptr(unsafe.Pointer(&info))); err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("ioctl INFO on %s failed: %w", path, err)
	}

	pcm := &PCM{
		file:      file,
		path:      path,
		flags:     flags,
		subdevice: info.Subdevice,
	}

	if err := pcm.SetConfig(config); err != nil {
		_ = pcm.Close()

		return nil, fmt.Errorf("failed to set PCM config on %s: %w", path, err)
	}

	return pcm, nil
}

// IsReady reports whether the handle is open.
func (p *PCM) IsReady() bool {
	return p != nil && p.file != nil
}

// Close stops the stream, frees the hardware parameters and closes the device.
func (p *PCM) Close() error {
	if !p.IsReady() {
		return nil
	}

	_ = ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_DROP, 0)
	_ = ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_HW_FREE, 0)

	err := p.file.Close()
	p.file = nil
	p.bufferSize = 0

	return err
}

// Config returns the configuration refined by the driver.
func (p *PCM) Config() Config {
	return p.config
}

// BufferSize returns the ring buffer size in frames.
func (p *PCM) BufferSize() uint32 {
	return p.bufferSize
}

func (p *PCM) Subdevice() uint32 {
	return p.subdevice
}

// Xruns returns the number of underruns (playback) or overruns (capture)
// recovered so far.
func (p *PCM) Xruns() int {
	return p.xruns
}

// FrameSize returns the size of one frame in bytes.
func (p *PCM) FrameSize() uint32 {
	return p.config.Channels * (PcmFormatToBits(p.config.Format) / 8)
}

// PeriodTime returns the duration of one period.
func (p *PCM) PeriodTime() time.Duration {
	if p.config.Rate == 0 {
		return 0
	}

	return time.Duration(p.config.PeriodSize) * time.Second / time.Duration(p.config.Rate)
}

// SetConfig negotiates hardware parameters and installs software parameters.
// The driver may round period size, period count and rate; the refined values
// are available through Config.
func (p *PCM) SetConfig(config *Config) error {
	p.config = *config

	hw := &sndPcmHwParams{}
	paramInit(hw)

	paramSetMask(hw, SNDRV_PCM_HW_PARAM_ACCESS, SNDRV_PCM_ACCESS_RW_INTERLEAVED)
	paramSetMask(hw, SNDRV_PCM_HW_PARAM_FORMAT, uint32(config.Format))
	paramSetMin(hw, SNDRV_PCM_HW_PARAM_PERIOD_SIZE, config.PeriodSize)
	paramSetInt(hw, SNDRV_PCM_HW_PARAM_CHANNELS, config.Channels)
	paramSetInt(hw, SNDRV_PCM_HW_PARAM_PERIODS, config.PeriodCount)
	paramSetInt(hw, SNDRV_PCM_HW_PARAM_RATE, config.Rate)

	if err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_HW_PARAMS, uintptr(unsafe.Pointer(hw))); err != nil {
		return fmt.Errorf("ioctl HW_PARAMS failed: %w", err)
	}

	p.config.PeriodSize = paramGetInt(hw, SNDRV_PCM_HW_PARAM_PERIOD_SIZE)
	p.config.PeriodCount = paramGetInt(hw, SNDRV_PCM_HW_PARAM_PERIODS)
	p.config.Channels = paramGetInt(hw, SNDRV_PCM_HW_PARAM_CHANNELS)
	p.config.Rate = paramGetInt(hw, SNDRV_PCM_HW_PARAM_RATE)
	p.bufferSize = p.config.PeriodSize * p.config.PeriodCount

	if p.config.Channels == 0 || p.config.Rate == 0 || p.config.PeriodSize == 0 || p.config.PeriodCount == 0 {
		return fmt.Errorf("driver finalized invalid PCM configuration (channels=%d, rate=%d, period=%d, periods=%d)",
			p.config.Channels, p.config.Rate, p.config.PeriodSize, p.config.PeriodCount)
	}

	sw := &sndPcmSwParams{}
	sw.TstampMode = SNDRV_PCM_TSTAMP_ENABLE
	sw.PeriodStep = 1

	if p.config.AvailMin == 0 {
		p.config.AvailMin = p.config.PeriodSize
	}
	sw.AvailMin = SndPcmUframesT(p.config.AvailMin)

	if p.config.StartThreshold == 0 {
		if p.flags&PCM_IN != 0 {
			p.config.StartThreshold = 1
		} else {
			p.config.StartThreshold = p.bufferSize / 2
		}
	}
	sw.StartThreshold = SndPcmUframesT(p.config.StartThreshold)

	if p.config.StopThreshold == 0 {
		if p.flags&PCM_IN != 0 {
			p.config.StopThreshold = p.bufferSize * 10
		} else {
			p.config.StopThreshold = p.bufferSize
		}
	}
	sw.StopThreshold = SndPcmUframesT(p.config.StopThreshold)
	sw.XferAlign = SndPcmUframesT(p.config.PeriodSize / 2)

	if err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_SW_PARAMS, uintptr(unsafe.Pointer(sw))); err != nil {
		return fmt.Errorf("ioctl SW_PARAMS failed: %w", err)
	}

	p.boundary = sw.Boundary

	return nil
}

// Prepare readies the stream for I/O. It is also the xrun recovery step.
func (p *PCM) Prepare() error {
	if err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_PREPARE, 0); err != nil {
		return fmt.Errorf("ioctl PREPARE failed: %w", err)
	}

	return nil
}

// Start starts the stream, preparing it first if needed.
func (p *PCM) Start() error {
	switch p.State() {
	case SNDRV_PCM_STATE_RUNNING:
		return nil
	case SNDRV_PCM_STATE_SETUP, SNDRV_PCM_STATE_XRUN:
		if err := p.Prepare(); err != nil {
			return err
		}
	}

	if err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_START, 0); err != nil {
		return fmt.Errorf("ioctl START failed: %w", err)
	}

	return nil
}

// Stop drops pending frames and stops the stream.
func (p *PCM) Stop() error {
	if err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_DROP, 0); err != nil {
		return fmt.Errorf("ioctl DROP failed: %w", err)
	}

	return nil
}

// Delay returns the number of frames between the application pointer and
// the converter. For playback that is the time until the next written frame
// is heard; for capture the age of the next frame to be read.
func (p *PCM) Delay() (int, error) {
	if !p.IsReady() {
		return 0, fmt.Errorf("PCM handle is not valid")
	}

	_ = ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_HWSYNC, 0)

	var delay SndPcmSframesT
	if err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_DELAY, uintptr(unsafe.Pointer(&delay))); err != nil {
		return 0, fmt.Errorf("ioctl DELAY failed: %w", err)
	}

	return int(delay), nil
}

// Wait blocks until a period can be transferred or timeout elapses.
// It returns false on timeout.
func (p *PCM) Wait(timeout time.Duration) (bool, error) {
	if !p.IsReady() {
		return false, fmt.Errorf("PCM handle not ready")
	}

	pfd := []unix.PollFd{{
		Fd:     int32(p.file.Fd()),
		Events: unix.POLLIN | unix.POLLOUT | unix.POLLERR | unix.POLLNVAL,
	}}

	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}

	var n int
	var err error
	for {
		n, err = unix.Poll(pfd, ms)
		if !errors.Is(err, syscall.EINTR) {
			break
		}
	}

	if err != nil {
		return false, err
	}

	if n == 0 {
		return false, nil
	}

	if pfd[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		switch p.State() {
		case SNDRV_PCM_STATE_XRUN:
			return false, fmt.Errorf("stream xrun: %w", syscall.EPIPE)
		case SNDRV_PCM_STATE_SUSPENDED:
			return false, fmt.Errorf("stream suspended: %w", syscall.ESTRPIPE)
		case SNDRV_PCM_STATE_DISCONNECTED:
			return false, fmt.Errorf("device disconnected: %w", syscall.ENODEV)
		default:
			return false, fmt.Errorf("input/output error: %w", syscall.EIO)
		}
	}

	return true, nil
}

// Status is a snapshot of the kernel stream status.
type Status struct {
	State  PcmState
	Delay  int
	Avail  int
	Tstamp time.Time
}

// Status queries the stream with the STATUS ioctl.
func (p *PCM) Status() (Status, error) {
	if !p.IsReady() {
		return Status{State: SNDRV_PCM_STATE_DISCONNECTED}, fmt.Errorf("PCM handle not ready")
	}

	var st sndPcmStatus
	if err := ioctl(p.file.Fd(), SNDRV_PCM_IOCTL_STATUS, uintptr(unsafe.Pointer(&st))); err != nil {
		return Status{State: SNDRV_PCM_STATE_DISCONNECTED}, fmt.Errorf("ioctl STATUS failed: %w", err)
	}

	return Status{
		State:  st.State,
		Delay:  int(st.Delay),
		Avail:  int(st.Avail),
		Tstamp: time.Unix(st.Tstamp.Unix()),
	}, nil
}

// State returns the current stream state, or DISCONNECTED when the device
// no longer answers.
func (p *PCM) State() PcmState {
	st, _ := p.Status()

	return st.State
}

// xrunRecover prepares the stream again after an xrun or a resume.
// Other errors are returned unchanged.
func (p *PCM) xrunRecover(err error) error {
	if !errors.Is(err, syscall.EPIPE) && !errors.Is(err, syscall.ESTRPIPE) {
		return err
	}

	if p.flags&PCM_NORESTART != 0 {
		return fmt.Errorf("xrun with PCM_NORESTART: %w", err)
	}

	if errors.Is(err, syscall.EPIPE) {
		p.xruns++
	}

	if prepErr := p.Prepare(); prepErr != nil {
		return fmt.Errorf("recovery failed: %w", prepErr)
	}

	return nil
}

// FramesToBytes converts frames to bytes at the stream's frame size.
func (p *PCM) FramesToBytes(frames uint32) uint32 {
	return frames * p.FrameSize()
}

// BytesToFrames converts bytes to whole frames.
func (p *PCM) BytesToFrames(n uint32) uint32 {
	fs := p.FrameSize()
	if fs == 0 {
		return 0
	}

	return n / fs
}
