// Package solvererr defines the two error kinds surfaced by the solver kernels.
//
// Every error returned by the dtype, descriptor, gpu, handlepool and solver
// packages wraps exactly one of these sentinels, so a caller can tell a bad
// request (ErrInvalidArgument) from a failure of the device or library
// (ErrRuntime) with errors.Is.
package solvererr

import "github.com/pkg/errors"

var (
	// ErrRuntime marks host, device and library failures, including
	// malformed descriptors.
	ErrRuntime = errors.New("runtime error")

	// ErrInvalidArgument marks requests the library cannot serve, such as an
	// unsupported dtype or matrix type.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Runtimef wraps ErrRuntime with a formatted message.
func Runtimef(format string, args ...interface{}) error {
	return errors.Wrapf(ErrRuntime, format, args...)
}

// InvalidArgumentf wraps ErrInvalidArgument with a formatted message.
func InvalidArgumentf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

// IsRuntime reports whether err is a runtime failure.
func IsRuntime(err error) bool {
	return errors.Is(err, ErrRuntime)
}

// IsInvalidArgument reports whether err is an invalid-argument failure.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}
