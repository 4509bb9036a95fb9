package swap

import (
	"errors"
	"fmt"

	"bigtreetech.com/mms/slot"
)

// errSwapFailed controls the abort-and-pause path of the swap state
// machine; it never escapes MMSSwap.
var errSwapFailed = errors.New("swap failed")

func swapFailedf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errSwapFailed}, args...)...)
}

// EjectFailedError, ChargeFailedError and PurgeFailedError report phase
// failures. Like the delivery errors, the ejectFailed and chargeFailed
// constructors run the slot's error action; PurgeFailedError has no such
// constructor.
type EjectFailedError struct {
	Slot int
	Msg  string
}

func (e *EjectFailedError) Error() string { return e.Msg }

type ChargeFailedError struct {
	Slot int
	Msg  string
}

func (e *ChargeFailedError) Error() string { return e.Msg }

type PurgeFailedError struct {
	Slot int
	Msg  string
}

func (e *PurgeFailedError) Error() string { return e.Msg }

func ejectFailed(s *slot.Slot, format string, args ...any) error {
	err := &EjectFailedError{Slot: s.Num(), Msg: fmt.Sprintf(format, args...)}
	s.HandleError(err)
	return err
}

func chargeFailed(s *slot.Slot, format string, args ...any) error {
	err := &ChargeFailedError{Slot: s.Num(), Msg: fmt.Sprintf(format, args...)}
	s.HandleError(err)
	return err
}
