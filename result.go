package audioloop

import (
	"fmt"
	"io"
	"time"
)

// Result is the outcome of one run.
type Result struct {
	Phase       Phase
	Rate        uint32
	Measurement Measurement

	// Measured is the wall-clock time between the tone write and its detection.
	Measured time.Duration
	// ReportedFrames is derived from the delays the audio stack reported.
	ReportedFrames int
	Reported       time.Duration
}

// Detected reports whether the tone was found.
func (r Result) Detected() bool { return r.Phase == PhaseDetected }

// Divergence is the reported latency minus the measured latency.
func (r Result) Divergence() time.Duration { return r.Reported - r.Measured }

// WriteTo prints the result lines of the command line tool.
func (r Result) WriteTo(w io.Writer) (int64, error) {
	var n int
	var err error
	if !r.Detected() {
		n, err = fmt.Fprintln(w, "Audio not detected.")
		return int64(n), err
	}
	n, err = fmt.Fprintf(w, "Measured Latency: %d uS\nReported Latency: %d uS\n",
		r.Measured.Microseconds(), r.Reported.Microseconds())
	return int64(n), err
}
