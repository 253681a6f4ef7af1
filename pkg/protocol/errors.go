package protocol

import (
	"errors"
	"fmt"
)

// Validation and wire errors returned by the codec and by configuration
// mutators. Callers should test with errors.Is.
var (
	ErrMalformedPacket = errors.New("malformed packet")

	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOutOfRange and ErrUnsupportedRate are both invalid arguments.
	ErrOutOfRange      = fmt.Errorf("%w: value out of range", ErrInvalidArgument)
	ErrUnsupportedRate = fmt.Errorf("%w: unsupported sample rate", ErrInvalidArgument)

	ErrUnsupportedVersion = errors.New("unsupported firmware version")
	ErrUnsupportedFeature = errors.New("feature not supported by firmware")
	ErrUnknownMode        = errors.New("unknown tx mode")

	// ErrProtocolViolation is fatal for a receive stream.
	ErrProtocolViolation = errors.New("protocol violation")
)

// SizeMismatchError reports a datagram whose length differs from the
// protocol's fixed packet size.
type SizeMismatchError struct {
	Got      int
	Expected int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("received corrupted packet: size %d, %d expected", e.Got, e.Expected)
}

// Unwrap lets errors.Is match ErrProtocolViolation.
func (e *SizeMismatchError) Unwrap() error {
	return ErrProtocolViolation
}
