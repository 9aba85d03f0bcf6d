// Package coreerrors defines the typed error kinds the execution core
// distinguishes. Every component returns these instead of bare errors so
// the Orchestrator Driver — the single policy decision point — can
// type-switch on Kind() to decide retry vs terminate vs self-heal.
package coreerrors

import "fmt"

// Kind enumerates the error kinds the execution core distinguishes.
type Kind string

const (
	KindValidation             Kind = "ValidationError"
	KindAuthentication         Kind = "AuthenticationError"
	KindAuthorization          Kind = "AuthorizationError"
	KindRoutingAmbiguity       Kind = "RoutingAmbiguityError"
	KindInvalidTarget          Kind = "InvalidTargetError"
	KindUnauthorizedRouting    Kind = "UnauthorizedRoutingError"
	KindCacheMiss              Kind = "CacheMiss"
	KindStateHydrationFailed   Kind = "StateHydrationFailed"
	KindStorageCorruption      Kind = "StorageCorruption"
	KindLoopLimitExceeded      Kind = "LoopLimitExceeded"
	KindRecursionLimit         Kind = "RecursionLimit"
	KindResourceExhaustion     Kind = "ResourceExhaustion"
	KindDeterministicOperator  Kind = "DeterministicOperatorError"
	KindGuardrailViolation     Kind = "GuardrailViolation"
	KindGCFailure              Kind = "GCFailure"
)

// CoreError is the typed error contract every component returns for
// conditions every component must distinguish.
type CoreError interface {
	error
	Kind() Kind
	// Retryable reports whether the Orchestrator Driver may self-heal this
	// error (only DeterministicOperatorError is, and only up to the
	// circuit-breaker bound — see common/heal).
	Retryable() bool
}

type coreError struct {
	kind      Kind
	msg       string
	retryable bool
	wrapped   error
}

func (e *coreError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *coreError) Kind() Kind      { return e.kind }
func (e *coreError) Retryable() bool { return e.retryable }
func (e *coreError) Unwrap() error   { return e.wrapped }

// New constructs a CoreError of the given kind.
func New(kind Kind, msg string) CoreError {
	return &coreError{kind: kind, msg: msg, retryable: kind == KindDeterministicOperator}
}

// Wrap constructs a CoreError of the given kind wrapping an underlying error.
func Wrap(kind Kind, msg string, err error) CoreError {
	return &coreError{kind: kind, msg: msg, wrapped: err, retryable: kind == KindDeterministicOperator}
}

// As extracts a CoreError from err, following the standard unwrap chain.
func As(err error) (CoreError, bool) {
	var ce CoreError
	for err != nil {
		if c, ok := err.(CoreError); ok {
			ce = c
			return ce, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return nil, false
}
