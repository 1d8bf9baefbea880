package patch

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes patch failures.
type ErrorCode string

const (
	// ErrCodeConfiguration indicates a bad entrypoint type or method name, or
	// any other configuration value that cannot be honoured.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION"

	// ErrCodeAlreadyPatched indicates the target already references the
	// chainloader.
	ErrCodeAlreadyPatched ErrorCode = "ALREADY_PATCHED"

	// ErrCodeResolution indicates the companion routines could not be resolved.
	ErrCodeResolution ErrorCode = "RESOLUTION"

	// ErrCodeStructural indicates the assembly model rejected an edit or the
	// binary is malformed.
	ErrCodeStructural ErrorCode = "STRUCTURAL"
)

// Error is a classified patch failure.
//
// Patch units return *Error rather than terminating the process; the
// pipeline inspects Code through the Is* helpers.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Unit names the patch unit, when known.
	Unit string

	// Assembly names the target binary, when known.
	Assembly string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Assembly != "" {
		msg += fmt.Sprintf(" (assembly=%s)", e.Assembly)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates an Error for an unusable configuration value.
func NewConfigurationError(message string) *Error {
	return &Error{Code: ErrCodeConfiguration, Message: message}
}

// InvalidEntrypointType reports that name did not resolve to exactly one type.
func InvalidEntrypointType(name string, matches int) *Error {
	return &Error{
		Code:    ErrCodeConfiguration,
		Message: fmt.Sprintf("the entrypoint type %q is invalid: matched %d types, expected exactly 1", name, matches),
	}
}

// InvalidEntrypointMethod reports that no method on typeName matched name.
func InvalidEntrypointMethod(typeName, name string) *Error {
	return &Error{
		Code:    ErrCodeConfiguration,
		Message: fmt.Sprintf("the entrypoint method %q is invalid: no such method on %s", name, typeName),
	}
}

// NewAlreadyPatchedError reports that assembly already carries the marker.
func NewAlreadyPatchedError(assembly, marker string) *Error {
	return &Error{
		Code:     ErrCodeAlreadyPatched,
		Message:  fmt.Sprintf("assembly already references %q", marker),
		Assembly: assembly,
	}
}

// NewResolutionError reports a companion routine that could not be found.
func NewResolutionError(message string, err error) *Error {
	return &Error{Code: ErrCodeResolution, Message: message, Err: err}
}

// NewStructuralError reports an edit the assembly model rejected.
func NewStructuralError(assembly, message string, err error) *Error {
	return &Error{Code: ErrCodeStructural, Message: message, Assembly: assembly, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool {
	return CodeOf(err) == ErrCodeConfiguration
}

// IsAlreadyPatched reports whether err is an already-patched error.
func IsAlreadyPatched(err error) bool {
	return CodeOf(err) == ErrCodeAlreadyPatched
}

// IsResolutionError reports whether err is a resolution error.
func IsResolutionError(err error) bool {
	return CodeOf(err) == ErrCodeResolution
}

// IsStructuralError reports whether err is a structural error.
func IsStructuralError(err error) bool {
	return CodeOf(err) == ErrCodeStructural
}
