//go:build linux && (amd64 || arm64)

package alsa

import "golang.org/x/sys/unix"

// SndPcmUframesT is an unsigned long in the ALSA headers.
type SndPcmUframesT = uint64

// SndPcmSframesT is a signed long in the ALSA headers.
type SndPcmSframesT = int64

// sndPcmSwParams has 4 bytes of padding after SleepMin to align the
// following 64-bit fields.
type sndPcmSwParams struct {
	TstampMode       uint32
	PeriodStep       uint32
	SleepMin         uint32
	_                [4]byte
	AvailMin         SndPcmUframesT
	XferAlign        SndPcmUframesT
	StartThreshold   SndPcmUframesT
	StopThreshold    SndPcmUframesT
	SilenceThreshold SndPcmUframesT
	SilenceSize      SndPcmUframesT
	Boundary         SndPcmUframesT
	Proto            uint32
	TstampType       uint32
	Reserved         [56]byte
}

type sndPcmStatus struct {
	State               PcmState
	_                   [4]byte
	TriggerTstamp       unix.Timespec
	Tstamp              unix.Timespec
	ApplPtr             SndPcmUframesT
	HwPtr               SndPcmUframesT
	Delay               SndPcmSframesT
	Avail               SndPcmUframesT
	AvailMax            SndPcmUframesT
	Overrange           SndPcmUframesT
	SuspendedState      PcmState
	AudioTstampData     uint32
	AudioTstamp         unix.Timespec
	DriverTstamp        unix.Timespec
	AudioTstampAccuracy uint32
	Reserved            [20]byte
}
