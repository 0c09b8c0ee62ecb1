package common

import (
	"errors"
	"fmt"
)

// Kind buckets every failure the pipeline can produce. Recovery policy
// hangs off the kind, not the underlying error text.
type Kind string

const (
	KindTimeout           Kind = "TIMEOUT"            // call exceeded its wall-clock budget
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED" // accelerator memory pressure; retry host-only
	KindDeviceError       Kind = "DEVICE_ERROR"       // accelerator-side fault
	KindBackendFailure    Kind = "BACKEND_FAILURE"    // generic backend error; try the other backend
	KindItemFailure       Kind = "ITEM_FAILURE"       // both backends exhausted for one item
	KindFatal             Kind = "FATAL"              // storage/checkpoint write failure; halts the run
)

// Error is the application error carried across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to KindBackendFailure for
// errors that did not originate in this module.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindBackendFailure
}

func IsTimeout(err error) bool           { return KindOf(err) == KindTimeout }
func IsResourceExhausted(err error) bool { return KindOf(err) == KindResourceExhausted }
func IsFatal(err error) bool             { return KindOf(err) == KindFatal }

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
