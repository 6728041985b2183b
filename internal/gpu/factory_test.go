package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAutoSelection(t *testing.T) {
	manager, err := NewManager(zap.NewNop(), KindAuto)
	require.NoError(t, err)
	defer manager.Cleanup()

	backend := manager.GetBackend()
	require.NotNil(t, backend)
	assert.True(t, backend.IsAvailable())
	assert.NotEmpty(t, manager.GetDeviceInfo().Name)

	device := newDeviceBackend(zap.NewNop())
	if device == nil || !device.IsAvailable() {
		assert.Equal(t, "host", manager.GetBackendType())
		assert.False(t, manager.IsGPUAvailable())
	} else {
		assert.Equal(t, device.Name(), manager.GetBackendType())
		assert.True(t, manager.IsGPUAvailable())
	}
}

func TestCUDARequested(t *testing.T) {
	device := newDeviceBackend(zap.NewNop())
	if device != nil && device.IsAvailable() {
		t.Skip("a device is present")
	}
	_, err := NewManager(zap.NewNop(), KindCUDA)
	assert.ErrorContains(t, err, "no usable device")
}
