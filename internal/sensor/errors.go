package sensor

import "errors"

// Domain errors for the sensor package.
var (
	// ErrInvalidEntry is returned when a mapping entry or zone is malformed.
	ErrInvalidEntry = errors.New("sensor: invalid mapping entry")

	// ErrDuplicate is returned when two entries share a sensor number,
	// coordinate or locker.
	ErrDuplicate = errors.New("sensor: duplicate mapping")
)
