package audioloop

import "time"

// Subtract returns end - begin, clamped at zero when end precedes begin.
func Subtract(end, begin time.Time) time.Duration {
	d := end.Sub(begin)
	if d < 0 {
		return 0
	}
	return d
}

// FramesToMicros converts a frame count at rate into whole microseconds.
func FramesToMicros(frames int64, rate uint32) int64 {
	if rate == 0 {
		return 0
	}
	return frames * 1_000_000 / int64(rate)
}

// FramesToDuration is FramesToMicros as a time.Duration.
func FramesToDuration(frames int64, rate uint32) time.Duration {
	return time.Duration(FramesToMicros(frames, rate)) * time.Microsecond
}

// DurationToFrames converts d into frames at rate, truncating.
func DurationToFrames(d time.Duration, rate uint32) int {
	return int(d * time.Duration(rate) / time.Second)
}
