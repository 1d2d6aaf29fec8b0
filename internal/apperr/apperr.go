// Package apperr holds the error kinds shared by every layer. Domain
// sentinels wrap one of these so transports can classify failures with
// errors.Is without knowing each package.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation")
	ErrNotFound     = errors.New("not found")
	ErrBusinessRule = errors.New("business rule violation")
	ErrProvider     = errors.New("provider error")
	ErrConflict     = errors.New("conflict")
)

func Validation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Business(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBusinessRule, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Provider wraps a failure reported by (or while talking to) a payment provider.
func Provider(peer string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrProvider, peer, err)
}

// Message strips the kind prefix so clients see the human readable part only.
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrBusinessRule, ErrProvider, ErrConflict} {
		prefix := kind.Error() + ": "
		if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
			return msg[len(prefix):]
		}
	}
	return msg
}
