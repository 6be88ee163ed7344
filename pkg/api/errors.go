package api

import (
	"errors"
	"fmt"
)

// Error codes surfaced in the error envelope. Handlers map these to HTTP
// statuses; everything else is reported as ErrCodeInternal.
const (
	ErrCodeInvalidManifest    = "InvalidManifest"
	ErrCodeAlreadyInstalled   = "AlreadyInstalled"
	ErrCodeNotFound           = "NotFound"
	ErrCodeInvalidTransition  = "InvalidTransition"
	ErrCodeBusy               = "Busy"
	ErrCodePortInUse          = "PortInUse"
	ErrCodeValidation         = "ValidationError"
	ErrCodeImagePullFailed    = "ImagePullFailed"
	ErrCodeRuntimeUnavailable = "RuntimeUnavailable"
	ErrCodeGatewayFailure     = "GatewayFailure"
	ErrCodeStorageFailure     = "StorageFailure"
	ErrCodeRegistryFetch      = "RegistryFetchFailed"
	ErrCodeNoPortAvailable    = "NoPortAvailable"
	ErrCodePackageTooLarge    = "PackageTooLarge"
	ErrCodeInternal           = "Internal"
)

// Error is a code-carrying error that crosses the API boundary intact.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds an Error with the given code and formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error that keeps err available for errors.Is/As chains.
func WrapError(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithDetails attaches structured detail fields and returns the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the error code, or ErrCodeInternal for plain errors.
func CodeOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
