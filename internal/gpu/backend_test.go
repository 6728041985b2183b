package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManager(t *testing.T) {
	manager, err := NewManager(zap.NewNop(), KindAuto)
	require.NoError(t, err)
	defer manager.Cleanup()

	// Test that we have a backend
	backend := manager.GetBackend()
	require.NotNil(t, backend)
	assert.True(t, backend.IsAvailable())

	info := manager.GetDeviceInfo()
	assert.NotEmpty(t, info.Name)

	backendType := manager.GetBackendType()
	assert.Contains(t, []string{"cuda", "host"}, backendType)
	assert.Equal(t, backendType != "host", manager.IsGPUAvailable())
}

func TestManager_Host(t *testing.T) {
	manager, err := NewManager(nil, "HOST")
	require.NoError(t, err)

	assert.Equal(t, "host", manager.GetBackendType())
	assert.False(t, manager.IsGPUAvailable())
	_, isHost := manager.GetBackend().(*HostBackend)
	assert.True(t, isHost)

	require.NoError(t, manager.Cleanup())
	assert.Nil(t, manager.GetBackend())
	assert.Equal(t, "none", manager.GetBackendType())
	assert.Equal(t, "No backend available", manager.GetDeviceInfo().Name)
	assert.False(t, manager.IsGPUAvailable())
}

func TestManager_UnknownKind(t *testing.T) {
	_, err := NewManager(zap.NewNop(), "metal")
	assert.Error(t, err)
}

func TestDevicePtr_Add(t *testing.T) {
	p := DevicePtr(0x1000)
	assert.Equal(t, DevicePtr(0x1010), p.Add(16))
	assert.Equal(t, p, p.Add(0))
}
