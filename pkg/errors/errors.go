package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("service unavailable")

	// ErrIllegalTransition marks a call event that is not legal from the
	// attempt's current state. Logged and dropped, never user-facing.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrSlotUnavailable means no call slot could be leased right now.
	ErrSlotUnavailable = errors.New("slot unavailable")
	// ErrStaleReservation marks a queue reservation reclaimed after its
	// holder failed to dispatch in time.
	ErrStaleReservation = errors.New("stale reservation")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}
