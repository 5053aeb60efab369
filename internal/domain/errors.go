package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoEligibleRoutes      = errors.New("no eligible payment routes available")
	ErrRoutesExhausted       = errors.New("all payment routes have been exhausted")
	ErrCannotCancelCompleted = errors.New("cannot cancel completed payment")
	ErrRefundNotAllowed      = errors.New("can only refund completed payments")
	ErrPaymentTerminal       = errors.New("payment is already in a terminal state")
	ErrProcessorStopped      = errors.New("payment processor is shut down")
)

type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

type RateLimitError struct {
	Scope      string
	Limit      int64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s limit of %d reached, retry after %s",
		e.Scope, e.Limit, e.RetryAfter.Round(time.Second))
}

type FraudRejectedError struct {
	Reasons []string
}

func (e *FraudRejectedError) Error() string {
	return "payment rejected: " + strings.Join(e.Reasons, ", ")
}

// ExternalServiceError wraps a failed call to the price oracle, a route
// provider or the shared store.
type ExternalServiceError struct {
	Service   string
	Retryable bool
	Err       error
}

func NewExternalServiceError(service string, retryable bool, err error) *ExternalServiceError {
	return &ExternalServiceError{Service: service, Retryable: retryable, Err: err}
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

type NotFoundError struct {
	Resource string
	ID       string
}

func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsRetryable reports whether err is a transient external failure.
func IsRetryable(err error) bool {
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return ext.Retryable
	}
	return false
}
