//go:build cuda
// +build cuda

package gpu

import (
	"go.uber.org/zap"
)

// newDeviceBackend returns the cuSOLVER backend. The Manager checks
// availability before initializing it.
func newDeviceBackend(logger *zap.Logger) Backend {
	return NewCUDABackend(logger)
}
