package audioloop

import (
	"context"
	"time"
)

// Direction is the data direction of a stream.
type Direction int

const (
	Playback Direction = iota
	Capture
)

func (d Direction) String() string {
	if d == Capture {
		return "capture"
	}
	return "playback"
}

// Stream is an opened and configured device used with blocking I/O.
// A stream is owned by one goroutine at a time.
type Stream interface {
	// Start begins capture. Playback streams start on the first write.
	Start() error
	// Write queues interleaved frames and returns how many were taken.
	Write(buf []byte) (int, error)
	// Read fills buf with captured frames and returns how many were read.
	Read(buf []byte) (int, error)
	// Wait blocks until at least one period can be transferred or timeout elapses.
	Wait(timeout time.Duration) (bool, error)
	// Delay is the number of frames between the application and the converter.
	Delay() (int, error)
	Close() error
}

// Transport opens devices for blocking I/O.
type Transport interface {
	Open(dir Direction, device string, cfg StreamConfig) (Stream, error)
}

// Buffer is one period handed to a server callback.
type Buffer struct {
	Data   []byte
	Frames int
	// DelayFrames is the stack's delay for the first frame of Data:
	// frames until it is heard for playback, frames since it was sampled
	// for capture.
	DelayFrames int
}

// StreamCallback is called from a server thread and must not block.
type StreamCallback func(Buffer)

// StreamID identifies a registered server stream.
type StreamID int

// StreamSpec describes a stream to register with a server.
type StreamSpec struct {
	Direction Direction
	Device    string
	Config    StreamConfig
	// OnError, if set, is called at most once from a server thread when the
	// stream stops on an error. No callback for the stream follows it.
	OnError func(error)
}

// Server drives registered streams from its own threads. RemoveStream
// returns the error that stopped the stream, if any.
type Server interface {
	AddStream(ctx context.Context, spec StreamSpec, cb StreamCallback) (StreamID, error)
	RemoveStream(id StreamID) error
}

// Runner executes one session against a transport or server.
type Runner interface {
	Run(ctx context.Context, s *Session) (Result, error)
}
