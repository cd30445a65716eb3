//go:build linux && (386 || arm)

package alsa

import "golang.org/x/sys/unix"

// SndPcmUframesT is an unsigned long in the ALSA headers.
type SndPcmUframesT = uint32

// SndPcmSframesT is a signed long in the ALSA headers.
type SndPcmSframesT = int32

type sndPcmSwParams struct {
	TstampMode       uint32
	PeriodStep       uint32
	SleepMin         uint32
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

// sndPcmStatus uses the 32-bit timespec of the legacy ioctl ABI.
type sndPcmStatus struct {
	State               PcmState
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
	Reserved            [36]byte
}
