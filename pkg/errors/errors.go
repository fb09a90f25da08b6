// Package errors provides the structured error taxonomy shared by the pool services.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType classifies a failure by how callers are expected to react to it.
type ErrorType string

const (
	// ErrorTypeProtocol covers malformed or unknown Stratum requests.
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeAuth covers rejected miner credentials.
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeStore covers job, miner and share persistence failures.
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeTransport covers broker, socket and node connectivity failures.
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeDecode covers malformed hex or numeric input.
	ErrorTypeDecode ErrorType = "decode"
	// ErrorTypeValidation covers out-of-range arguments such as a non-positive difficulty.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeTimeout covers deadlines exceeded while talking to a collaborator.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal covers everything else.
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is an error annotated with its type, the failing operation and
// free-form context for logging.
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the operation may succeed if attempted again.
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches a key/value pair and returns the receiver for chaining.
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a ServiceError without an underlying cause.
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableType(errorType),
	}
}

// Wrap annotates err. It returns nil when err is nil.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := (retryableType(errorType) && retryableCause(err)) || IsTransient(err)
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

// Protocol builds a protocol error.
func Protocol(operation, message string) *ServiceError {
	return New(ErrorTypeProtocol, operation, message)
}

// Auth builds an authentication error.
func Auth(operation, message string) *ServiceError {
	return New(ErrorTypeAuth, operation, message)
}

// Decode wraps a parse failure of externally supplied input.
func Decode(err error, operation, message string) *ServiceError {
	if err == nil {
		return New(ErrorTypeDecode, operation, message)
	}
	return Wrap(err, ErrorTypeDecode, operation, message)
}

// Store wraps a persistence failure.
func Store(err error, operation, message string) *ServiceError {
	return Wrap(err, ErrorTypeStore, operation, message)
}

// Transport wraps a broker or network failure.
func Transport(err error, operation, message string) *ServiceError {
	return Wrap(err, ErrorTypeTransport, operation, message)
}

func retryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransport, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// retryableCause rejects causes that will never succeed on a second attempt.
func retryableCause(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// transientMarkers are substrings of driver errors that indicate a temporary condition.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"network is unreachable",
	"i/o timeout",
	"temporary failure",
	"too many connections",
	"database is locked",
}

// IsTransient reports whether a plain error (one not produced by this package)
// looks like a temporary network or lock condition.
func IsTransient(err error) bool {
	if err == nil || !retryableCause(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsType reports whether any ServiceError in err's chain has the given type.
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			return false
		}
		if se.Type == errorType {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return IsTransient(err)
}

// GetContext returns the context map of the outermost ServiceError in err's chain.
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
