package audioloop

import "math"

// FindFirstAboveThreshold returns the index of the first frame holding a
// sample whose magnitude exceeds threshold, or -1.
func FindFirstAboveThreshold(samples []int16, frames, channels, threshold int) int {
	if channels <= 0 || frames <= 0 {
		return -1
	}
	n := min(frames*channels, len(samples))
	for i := 0; i < n; i++ {
		s := int(samples[i])
		if s < 0 {
			s = -s
		}
		if s > threshold {
			return i / channels
		}
	}
	return -1
}

// DecodeInt16 converts the first frames of buf into 16-bit samples, reusing dst.
func DecodeInt16(dst []int16, buf []byte, frames int, cfg StreamConfig) ([]int16, error) {
	frameSize := cfg.FrameSize()
	if err := checkGeometry(len(buf), frameSize, 0, frames); err != nil {
		return dst, err
	}
	n := frames * int(cfg.Channels)
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]

	size := cfg.Format.Size()
	if cfg.Format == FormatS16LE {
		for i := range dst {
			dst[i] = int16(uint16(buf[2*i]) | uint16(buf[2*i+1])<<8)
		}
		return dst, nil
	}
	for i := range dst {
		v := cfg.Format.Sample(buf[i*size : (i+1)*size])
		dst[i] = toInt16(v)
	}
	return dst, nil
}

func toInt16(v float64) int16 {
	s := math.Round(v * math.MaxInt16)
	switch {
	case s > math.MaxInt16:
		return math.MaxInt16
	case s < math.MinInt16:
		return math.MinInt16
	}
	return int16(s)
}
