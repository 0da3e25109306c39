package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrNotFound             = errors.New("not found")
	ErrDuplicateIdentity    = errors.New("worker identity already registered")
	ErrDuplicateFingerprint = errors.New("fingerprint already in use")
	ErrNoEligibleWorker     = errors.New("no eligible worker for platform")
	ErrQuotaExhausted       = errors.New("worker daily quota exhausted")
	ErrWorkerBusy           = errors.New("worker has an invocation in flight")
	ErrJobFinished          = errors.New("job already finished")
)

type ErrKind string

const (
	KindTransient ErrKind = "transient"
	KindTerminal  ErrKind = "terminal"
)

// InvokeError classifies a failed worker invocation. Transient errors are
// retryable on another worker; terminal errors mean the worker's session is
// gone (ban, logout) and the worker must be pulled from rotation.
type InvokeError struct {
	Kind ErrKind
	Err  error
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("invoke %s: %v", e.Kind, e.Err)
}

func (e *InvokeError) Unwrap() error {
	return e.Err
}

func Transient(err error) *InvokeError {
	return &InvokeError{Kind: KindTransient, Err: err}
}

func Terminal(err error) *InvokeError {
	return &InvokeError{Kind: KindTerminal, Err: err}
}

func IsTerminal(err error) bool {
	var ie *InvokeError
	return errors.As(err, &ie) && ie.Kind == KindTerminal
}

func IsTransient(err error) bool {
	var ie *InvokeError
	return errors.As(err, &ie) && ie.Kind == KindTransient
}
