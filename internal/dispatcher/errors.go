package dispatcher

import (
	"errors"
	"fmt"

	"github.com/ksred/klear-liquidity/internal/types"
)

// ErrorKind classifies why a connector could not accept an order
type ErrorKind string

const (
	KindValidation  ErrorKind = "VALIDATION"
	KindRateLimited ErrorKind = "RATE_LIMITED"
	KindUnavailable ErrorKind = "EXTERNAL_UNAVAILABLE"
)

// ErrUnknownSystem is returned when no connector is registered for a system name
var ErrUnknownSystem = fmt.Errorf("%w: unknown system", types.ErrConfiguration)

// Error is a classified submission failure
type Error struct {
	Kind   ErrorKind
	System string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.System, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewValidationError(system string, err error) error {
	return &Error{Kind: KindValidation, System: system, Err: err}
}

func NewRateLimitedError(system string, err error) error {
	return &Error{Kind: KindRateLimited, System: system, Err: err}
}

func NewUnavailableError(system string, err error) error {
	return &Error{Kind: KindUnavailable, System: system, Err: err}
}

// KindOf extracts the classification of err, if any
func KindOf(err error) (ErrorKind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}
