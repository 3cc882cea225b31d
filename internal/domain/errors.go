package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by store lookups that miss.
var ErrNotFound = errors.New("not found")

// ErrInvalidCredentials is returned when an ASHA id and password do not match.
var ErrInvalidCredentials = errors.New("invalid ASHA ID or password")

// ErrTimedOut marks a call whose outcome did not arrive within the configured timeout.
var ErrTimedOut = errors.New("call timed out")

// DispatchError indicates the IVR call could not be initiated.
type DispatchError struct {
	PatientID string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch call to %s: %v", e.PatientID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// UnknownOutcomeError indicates the IVR returned a value outside the outcome set.
type UnknownOutcomeError struct {
	Value string
}

func (e *UnknownOutcomeError) Error() string {
	return fmt.Sprintf("unknown call outcome %q", e.Value)
}

// UpdateError indicates the store rejected a mutation.
type UpdateError struct {
	PatientID string
	Err       error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update mother %s: %v", e.PatientID, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }
