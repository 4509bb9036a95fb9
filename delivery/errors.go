package delivery

import (
	"errors"
	"fmt"

	"bigtreetech.com/mms/slot"
)

// ErrTerminated is the cooperative-cancel signal. It propagates silently
// to the command boundary and maps to a no-op there; it is not an error
// state and never blinks a LED.
var ErrTerminated = errors.New("delivery: terminated")

// FailedError reports a homing operation that exhausted its retries.
type FailedError struct {
	Slot int
	Msg  string
}

func (e *FailedError) Error() string { return e.Msg }

// PreconditionError reports that the printer cannot deliver at all.
type PreconditionError struct {
	Slot int
	Msg  string
}

func (e *PreconditionError) Error() string { return e.Msg }

// ReadyError reports a slot whose inlet is not triggered.
type ReadyError struct {
	Slot int
	Msg  string
}

func (e *ReadyError) Error() string { return e.Msg }

// The typed constructors run the slot's error action (LED blink) the
// moment the error is built, matching the error-raise contract.

func failedError(s *slot.Slot, format string, args ...any) error {
	err := &FailedError{Slot: s.Num(), Msg: fmt.Sprintf(format, args...)}
	s.HandleError(err)
	return err
}

func preconditionError(s *slot.Slot, format string, args ...any) error {
	err := &PreconditionError{Slot: s.Num(), Msg: fmt.Sprintf(format, args...)}
	s.HandleError(err)
	return err
}

func readyError(s *slot.Slot, format string, args ...any) error {
	err := &ReadyError{Slot: s.Num(), Msg: fmt.Sprintf(format, args...)}
	s.HandleError(err)
	return err
}
