package domain

import "fmt"

// InvariantViolation signals a programming or data-integrity error, such as a
// negative remaining quantity or two active positions for one symbol. It is
// raised via panic: these conditions must never be corrected silently and are
// not recoverable by the caller.
type InvariantViolation struct {
	Msg string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.Msg
}

// violate panics with an InvariantViolation. Reserved strictly for conditions
// that indicate corrupted state; operational failures use error returns.
func violate(format string, args ...interface{}) {
	panic(&InvariantViolation{Msg: fmt.Sprintf(format, args...)})
}

// Violate exposes the invariant panic path to the registry and gateway.
func Violate(format string, args ...interface{}) {
	violate(format, args...)
}
