package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType represents different types of errors in the pipeline
type ErrorType string

const (
	// ErrorTypeDecode indicates a malformed or non-image payload
	ErrorTypeDecode ErrorType = "DECODE"

	// ErrorTypeInference indicates a failure at the classifier boundary
	ErrorTypeInference ErrorType = "INFERENCE"

	// ErrorTypeConnection indicates a channel or database is unreachable
	ErrorTypeConnection ErrorType = "CONNECTION"

	// ErrorTypeUpsert indicates a bulk write failure for a chunk
	ErrorTypeUpsert ErrorType = "UPSERT"

	// ErrorTypeValidation indicates a message or row failed schema validation
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeNotFound indicates a resource was not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// ErrorTypeInternal indicates an internal error
	ErrorTypeInternal ErrorType = "INTERNAL"
)

// DecodeReason distinguishes the ways an image payload can be rejected
type DecodeReason string

const (
	DecodeReasonWrongType         DecodeReason = "WRONG_TYPE"
	DecodeReasonEmptyPayload      DecodeReason = "EMPTY_PAYLOAD"
	DecodeReasonInvalidEncoding   DecodeReason = "INVALID_ENCODING"
	DecodeReasonUnsupportedFormat DecodeReason = "UNSUPPORTED_FORMAT"
)

// AppError represents an application error
type AppError struct {
	Type    ErrorType
	Reason  DecodeReason
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	prefix := string(e.Type)
	if e.Reason != "" {
		prefix = fmt.Sprintf("%s(%s)", e.Type, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap implements the unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewDecodeError creates a new decode error with the rejection reason
func NewDecodeError(reason DecodeReason, message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeDecode,
		Reason:  reason,
		Message: message,
		Err:     err,
	}
}

// NewInferenceError creates a new classifier boundary error
func NewInferenceError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeInference,
		Message: message,
		Err:     err,
	}
}

// NewConnectionError creates a new connection error
func NewConnectionError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeConnection,
		Message: message,
		Err:     err,
	}
}

// NewUpsertError creates a new chunk write error
func NewUpsertError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeUpsert,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeValidation,
		Message: message,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeInternal,
		Message: message,
		Err:     err,
	}
}

// IsType reports whether any AppError in the chain has the given type
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Type == t {
			return true
		}
		err = appErr.Err
	}
	return false
}

// ReasonOf returns the decode reason of the first decode error in the chain
func ReasonOf(err error) DecodeReason {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return ""
		}
		if appErr.Type == ErrorTypeDecode {
			return appErr.Reason
		}
		err = appErr.Err
	}
	return ""
}
