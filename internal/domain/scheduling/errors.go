package scheduling

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrSlotUnavailable     = errors.New("time slot already booked for this provider")
	ErrNoticeTooShort      = errors.New("appointment starts too soon to reschedule")
	ErrDuplicateRecord     = errors.New("attendance already recorded for this appointment")
	ErrAlreadyCancelled    = errors.New("appointment is already cancelled")
	ErrInvalidState        = errors.New("appointment is not in a state that allows this change")
	ErrValidation          = errors.New("validation failed")
	ErrOutsideAvailability = errors.New("requested time is outside the provider's availability")
)

// StorageError wraps a failure of the persistence layer.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

var domainErrors = []error{
	ErrNotFound, ErrSlotUnavailable, ErrNoticeTooShort, ErrDuplicateRecord,
	ErrAlreadyCancelled, ErrInvalidState, ErrValidation, ErrOutsideAvailability,
}

// txErr classifies an error coming out of a transaction. Domain errors pass
// through; anything else, such as a failed begin or commit, is a storage
// failure.
func txErr(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	var ne *NotificationError
	if errors.As(err, &ne) {
		return err
	}
	return storageErr("transaction", err)
}

// NotificationError wraps a failure of the notification gateway or the
// calendar bridge.
type NotificationError struct {
	Kind string
	Err  error
}

func (e *NotificationError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }

func (e *NotificationError) Unwrap() error { return e.Err }

func validationErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
