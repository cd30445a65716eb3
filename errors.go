package audioloop

import "errors"

var (
	// ErrInvalidConfig reports a stream or session configuration that cannot be used.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnsupportedFormat reports an unknown or unusable sample format.
	ErrUnsupportedFormat = errors.New("unsupported sample format")
	// ErrGeometry reports a buffer whose size or offsets do not line up with the frame size.
	ErrGeometry = errors.New("malformed buffer geometry")
)
