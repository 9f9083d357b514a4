// Package errors provides standardized error handling for the NPC Maker
// protocol engine. It includes error classification, standard error variables,
// and helper functions for consistent error wrapping across the system.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorRecoverable represents protocol-level errors that are recovered
	// locally by skipping to the next message boundary
	ErrorRecoverable ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents errors that are terminal for one remote process;
	// the bound entity is marked dead and exactly one Died event propagates
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorRecoverable:
		return "recoverable"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Protocol errors, recovered at the lowest layer possible
	ErrProtocol       = errors.New("protocol error")
	ErrUnknownMessage = errors.New("unrecognized message type")
	ErrMalformedField = errors.New("malformed message field")

	// Stream and process failure, always fatal for that one remote
	ErrStreamClosed   = errors.New("stream closed")
	ErrProcessDied    = errors.New("process died")
	ErrControllerDied = errors.New("controller died")

	// Watchdog failure, escalates to ProcessDied treatment
	ErrWatchdogTimeout = errors.New("watchdog timeout")

	// Duplicate lifecycle events, logged and ignored
	ErrDuplicateEvent = errors.New("duplicate event")

	// Lifecycle misuse, Invalid class
	ErrAlreadyStarted = errors.New("component already started")

	// Configuration errors, fatal at startup only
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsRecoverable checks if an error can be recovered locally by skipping to
// the next message boundary
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorRecoverable
	}

	return errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrUnknownMessage) ||
		errors.Is(err, ErrDuplicateEvent)
}

// IsFatal checks if an error is terminal for the remote it came from
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	if errors.Is(err, ErrStreamClosed) ||
		errors.Is(err, ErrProcessDied) ||
		errors.Is(err, ErrControllerDied) ||
		errors.Is(err, ErrWatchdogTimeout) {
		return true
	}

	// Check error message for common terminal stream conditions
	errStr := strings.ToLower(err.Error())
	fatalPatterns := []string{
		"broken pipe",
		"file already closed",
		"process already finished",
		"unexpected eof",
	}
	for _, pattern := range fatalPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid checks if an error is due to invalid input or configuration
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrMalformedField)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	return ErrorRecoverable
}

// newClassified creates a new classified error.
// This is an internal helper - use WrapRecoverable(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapRecoverable wraps an error as locally recoverable with context
func WrapRecoverable(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorRecoverable, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal-for-this-remote with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}
