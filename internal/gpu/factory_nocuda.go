//go:build !cuda
// +build !cuda

package gpu

import (
	"go.uber.org/zap"
)

// newDeviceBackend reports that no device backend was compiled in.
func newDeviceBackend(logger *zap.Logger) Backend {
	logger.Debug("Built without the cuda tag, no device backend")
	return nil
}
