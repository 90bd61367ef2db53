package protocol

import "errors"

// Domain errors for the protocol package.
var (
	// ErrEmptyFrame is returned for a frame that is empty after trimming.
	ErrEmptyFrame = errors.New("protocol: empty frame")

	// ErrParse is returned when a frame has a recognised prefix but a
	// malformed body.
	ErrParse = errors.New("protocol: malformed frame")

	// ErrInvalidCommand is returned when a command cannot be encoded.
	ErrInvalidCommand = errors.New("protocol: invalid command")
)
