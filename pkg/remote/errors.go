package remote

import (
	"errors"
	"fmt"
)

// CallError is the base error type for outbound call failures.
type CallError struct {
	Status  int
	Message string
	Cause   error
}

func (e *CallError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("remote call error %d: %s: %v", e.Status, e.Message, e.Cause)
	}
	return fmt.Sprintf("remote call error %d: %s", e.Status, e.Message)
}

func (e *CallError) Unwrap() error { return e.Cause }

// ServerError is returned on 5xx responses from the endpoint.
type ServerError struct{ CallError }

// TransportError is returned on network-level failures.
type TransportError struct{ CallError }

// TimeoutError is returned when the call exceeds its deadline. It is
// reported distinctly from generic network failure.
type TimeoutError struct{ CallError }

// CircuitOpenError is returned when the circuit breaker denies the call
// before any attempt is made. It is never retried within the same attempt
// loop: retrying into an open breaker wastes the reset window.
type CircuitOpenError struct{ CallError }

// AppError is returned when a caller-supplied response inspector rejects an
// otherwise successful response (e.g. an error list embedded in a 200 body).
type AppError struct{ CallError }

// Retryable reports whether the error is transient and the call may be
// retried.
func Retryable(err error) bool {
	var se *ServerError
	var te *TransportError
	var to *TimeoutError
	return errors.As(err, &se) || errors.As(err, &te) || errors.As(err, &to)
}
