package alsa

import (
	"errors"
	"fmt"
	"runtime"
	"syscall"
	"unsafe"
)

// Write writes interleaved frames to a playback stream and returns the
// number of frames written. Underruns are recovered and the remainder is
// retried unless PCM_NORESTART is set.
func (p *PCM) Write(data []byte) (int, error) {
	if p.flags&PCM_IN != 0 {
		return 0, fmt.Errorf("cannot write to a capture device")
	}

	return p.transfer(SNDRV_PCM_IOCTL_WRITEI_FRAMES, "WRITEI_FRAMES", data)
}

// Read reads interleaved frames from a capture stream and returns the
// number of frames read.
func (p *PCM) Read(data []byte) (int, error) {
	if p.flags&PCM_IN == 0 {
		return 0, fmt.Errorf("cannot read from a playback device")
	}

	return p.transfer(SNDRV_PCM_IOCTL_READI_FRAMES, "READI_FRAMES", data)
}

func (p *PCM) transfer(req uintptr, name string, data []byte) (int, error) {
	if !p.IsReady() {
		return 0, fmt.Errorf("PCM handle not ready")
	}

	frames := p.BytesToFrames(uint32(len(data)))
	if frames == 0 {
		return 0, fmt.Errorf("buffer of %d bytes holds no whole frame", len(data))
	}

	defer runtime.KeepAlive(data)

	if p.State() == SNDRV_PCM_STATE_SETUP {
		if err := p.Prepare(); err != nil {
			return 0, err
		}
	}

	done := uint32(0)
	for done < frames {
		xfer := sndXferi{
			Buf:    unsafe.Pointer(&data[p.FramesToBytes(done)]),
			Frames: SndPcmUframesT(frames - done),
		}

		err := ioctl(p.file.Fd(), req, uintptr(unsafe.Pointer(&xfer)))
		if xfer.Result > 0 {
			done += uint32(xfer.Result)
		}

		if err == nil {
			continue
		}

		if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ESTRPIPE) {
			if errRec := p.xrunRecover(err); errRec != nil {
				return int(done), errRec
			}

			continue
		}

		if errors.Is(err, syscall.EAGAIN) {
			if p.flags&PCM_NONBLOCK != 0 {
				return int(done), syscall.EAGAIN
			}
			if _, werr := p.Wait(p.PeriodTime() * 2); werr != nil {
				if errRec := p.xrunRecover(werr); errRec != nil {
					return int(done), errRec
				}
			}

			continue
		}

		return int(done), fmt.Errorf("ioctl %s failed: %w", name, err)
	}

	return int(done), nil
}
