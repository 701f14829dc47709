package lifecycle

import (
	"errors"
	"fmt"
)

// Validation errors. They are returned wrapped with a short reason and are
// never retried automatically.
var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrServiceNotFound     = errors.New("service not found")
	ErrIllegalTransition   = errors.New("illegal transition")
	ErrInsideThreshold     = errors.New("inside cancellation threshold")
	ErrSlotUnavailable     = errors.New("slot unavailable")
	ErrStaleState          = errors.New("appointment changed concurrently")
	ErrForbidden           = errors.New("not allowed")
	// ErrDepositForfeit asks the caller to acknowledge that canceling now keeps the deposit.
	ErrDepositForfeit = errors.New("deposit would be forfeited")
)

func reject(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// IsValidation reports whether err is a user-facing rejection rather than an
// infrastructure failure.
func IsValidation(err error) bool {
	for _, kind := range []error{
		ErrInvalidRequest, ErrAppointmentNotFound, ErrServiceNotFound, ErrIllegalTransition,
		ErrInsideThreshold, ErrSlotUnavailable, ErrStaleState, ErrForbidden, ErrDepositForfeit,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
