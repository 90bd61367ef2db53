package transaction

import (
	"errors"
	"fmt"
)

// Admission denial codes.
const (
	CodeCapacity   = "CAPACITY"
	CodeMemberBusy = "MEMBER_BUSY"
)

// Domain errors for the transaction package.
var (
	// ErrAdmission matches every *AdmissionError.
	ErrAdmission = errors.New("transaction: admission denied")

	// ErrCapacity matches admission denials because the active limit is
	// reached.
	ErrCapacity error = &AdmissionError{Code: CodeCapacity}

	// ErrMemberBusy matches admission denials because the member already
	// has an active transaction.
	ErrMemberBusy error = &AdmissionError{Code: CodeMemberBusy}

	// ErrNotFound is returned when a transaction id is unknown.
	ErrNotFound = errors.New("transaction: not found")

	// ErrNotActive is returned when a transaction has already ended.
	ErrNotActive = errors.New("transaction: not active")

	// ErrTimedOut is returned alongside ErrNotActive when an operation found
	// the transaction past its deadline.
	ErrTimedOut = errors.New("transaction: deadline exceeded")

	// ErrLockerBusy is returned when a step change selects a locker another
	// active transaction already holds.
	ErrLockerBusy = errors.New("transaction: locker selected by another transaction")

	// ErrStepRegression is returned when a step change would move backwards.
	ErrStepRegression = errors.New("transaction: step regression")

	// ErrInvalidArgument is returned for an unknown kind, step or status, or
	// an empty member id.
	ErrInvalidArgument = errors.New("transaction: invalid argument")
)

// AdmissionError reports why StartTransaction refused a transaction.
type AdmissionError struct {
	Code     string
	MemberID string
	Active   int
	Capacity int
}

func (e *AdmissionError) Error() string {
	switch e.Code {
	case CodeCapacity:
		return fmt.Sprintf("transaction: admission denied: %d of %d transactions active", e.Active, e.Capacity)
	case CodeMemberBusy:
		return fmt.Sprintf("transaction: admission denied: member %s already has an active transaction", e.MemberID)
	default:
		return "transaction: admission denied: " + e.Code
	}
}

// Is reports whether target is ErrAdmission or an AdmissionError with the
// same code.
func (e *AdmissionError) Is(target error) bool {
	if target == ErrAdmission {
		return true
	}
	t, ok := target.(*AdmissionError)
	return ok && t.Code == e.Code
}
