package kiosk

import "errors"

// Domain errors for the kiosk package.
var (
	// ErrMemberInvalid is returned when a member is unknown, suspended or
	// expired.
	ErrMemberInvalid = errors.New("kiosk: member not valid")

	// ErrAlreadyRenting is returned when a member asks to rent while holding
	// a locker.
	ErrAlreadyRenting = errors.New("kiosk: member already renting")

	// ErrNotRenting is returned when a member asks to return without holding
	// a locker.
	ErrNotRenting = errors.New("kiosk: member not renting")

	// ErrLockerOccupied is returned when the requested locker is held.
	ErrLockerOccupied = errors.New("kiosk: locker occupied")

	// ErrNoController is returned when no motor controller serves a locker.
	ErrNoController = errors.New("kiosk: no controller for locker")
)
