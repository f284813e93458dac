package errors

import "errors"

var (
	// ErrInterrupted reports that a blocking wait or sleep returned before it
	// was signaled or elapsed. Callers treat it as a retry signal.
	ErrInterrupted = errors.New("interrupted")
	// ErrInvalidArg is returned when a component is configured with values
	// it cannot run with.
	ErrInvalidArg = errors.New("invalid argument")
	// ErrNotHeld is returned when releasing a lock the caller does not hold.
	ErrNotHeld   = errors.New("lock not held")
	ErrTimeout   = errors.New("timeout")
	ErrBusClosed = errors.New("bus closed")
	// ErrViolation reports an event stream that breaks a coordination rule.
	ErrViolation = errors.New("protocol violation")
)
