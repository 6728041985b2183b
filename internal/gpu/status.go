package gpu

import (
	"fmt"

	"github.com/fxnlabs/gpusolver/internal/solvererr"
)

// Status is a solver library status code. The values match the vendor ABI.
type Status int32

const (
	StatusSuccess                Status = 0
	StatusNotInitialized         Status = 1
	StatusAllocFailed            Status = 2
	StatusInvalidValue           Status = 3
	StatusArchMismatch           Status = 4
	StatusMappingError           Status = 5
	StatusExecutionFailed        Status = 6
	StatusInternalError          Status = 7
	StatusMatrixTypeNotSupported Status = 8
	StatusNotSupported           Status = 9
	StatusZeroPivot              Status = 10
	StatusInvalidLicense         Status = 11
)

var statusMessages = map[Status]string{
	StatusNotInitialized:         "cuSolver has not been initialized",
	StatusAllocFailed:            "cuSolver allocation failed",
	StatusInvalidValue:           "cuSolver invalid value error",
	StatusArchMismatch:           "cuSolver architecture mismatch error",
	StatusMappingError:           "cuSolver mapping error",
	StatusExecutionFailed:        "cuSolver execution failed",
	StatusInternalError:          "cuSolver internal error",
	StatusMatrixTypeNotSupported: "cuSolver matrix type not supported error",
	StatusNotSupported:           "cuSolver not supported error",
	StatusZeroPivot:              "cuSolver zero pivot error",
	StatusInvalidLicense:         "cuSolver invalid license error",
}

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return "Unknown cuSolver error"
}

// Err converts s into an error, or nil for StatusSuccess.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Status: s}
}

// StatusError is a failed solver library call.
type StatusError struct {
	Status Status
	Op     string // routine that failed, if known
}

func (e *StatusError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Status, int32(e.Status))
	}
	return fmt.Sprintf("%s (status %d)", e.Status, int32(e.Status))
}

// Unwrap classifies the status: an unsupported matrix type is an invalid
// argument, everything else is a runtime failure.
func (e *StatusError) Unwrap() error {
	if e.Status == StatusMatrixTypeNotSupported {
		return solvererr.ErrInvalidArgument
	}
	return solvererr.ErrRuntime
}

// checkStatus returns the error for a failed call of op, or nil.
func checkStatus(op string, s Status) error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Status: s, Op: op}
}
