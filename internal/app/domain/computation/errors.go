package computation

import "errors"

var (
	ErrUnknownCircuit       = errors.New("unknown circuit")
	ErrAlreadyRegistered    = errors.New("computation definition already registered")
	ErrClusterNotConfigured = errors.New("cluster not configured")

	ErrDuplicateRequest  = errors.New("request identifier already in use")
	ErrMalformedOperands = errors.New("malformed operands")
	ErrRequestPending    = errors.New("request has not reached a terminal state")

	ErrAbortedComputation = errors.New("the computation was aborted")
	ErrUnknownRequest     = errors.New("unknown request")
	ErrAlreadyResolved    = errors.New("request already resolved")
	ErrCallbackMismatch   = errors.New("callback does not match request")
)

// ErrorClass is the coarse taxonomy callers use to decide what to do next.
type ErrorClass string

const (
	ClassNone                ErrorClass = ""
	ClassConfiguration       ErrorClass = "configuration"
	ClassPrecondition        ErrorClass = "precondition"
	ClassVerificationFailure ErrorClass = "verification_failure"
	ClassCorrelation         ErrorClass = "correlation"
	ClassUnknown             ErrorClass = "unknown"
)

// Class maps err to its taxonomy class.
func Class(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrUnknownCircuit), errors.Is(err, ErrAlreadyRegistered), errors.Is(err, ErrClusterNotConfigured):
		return ClassConfiguration
	case errors.Is(err, ErrDuplicateRequest), errors.Is(err, ErrMalformedOperands), errors.Is(err, ErrRequestPending):
		return ClassPrecondition
	case errors.Is(err, ErrAbortedComputation):
		return ClassVerificationFailure
	case errors.Is(err, ErrUnknownRequest), errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrCallbackMismatch):
		return ClassCorrelation
	default:
		return ClassUnknown
	}
}
