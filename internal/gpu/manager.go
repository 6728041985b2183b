package gpu

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Backend kinds accepted by NewManager.
const (
	KindAuto = "auto"
	KindCUDA = "cuda"
	KindHost = "host"
)

// Manager handles backend selection and lifecycle
type Manager struct {
	backend Backend
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewManager creates a new manager and initializes the backend selected by
// kind: "cuda" requires a device, "host" never uses one, and "auto" (or an
// empty kind) prefers a device and falls back to the host.
func NewManager(logger *zap.Logger, kind string) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		logger: logger.Named("gpu"),
	}

	if err := m.detectAndInitialize(strings.ToLower(kind)); err != nil {
		return nil, err
	}

	m.logger.Info("Solver backend selected",
		zap.String("backend", m.backend.Name()),
		zap.String("device", m.backend.GetDeviceInfo().Name))
	return m, nil
}

// detectAndInitialize detects available backends and initializes the requested one
func (m *Manager) detectAndInitialize(kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch kind {
	case "", KindAuto, KindCUDA:
	case KindHost:
		return m.initializeHost()
	default:
		return errors.Errorf("unknown backend kind %q", kind)
	}

	// Try the device first (only if the cuda build tag is enabled)
	if device := newDeviceBackend(m.logger); device != nil {
		if device.IsAvailable() {
			err := device.Initialize()
			if err == nil {
				m.backend = device
				return nil
			}
			m.logger.Warn("Device backend failed to initialize", zap.Error(err))
			// If initialization failed, try cleanup
			_ = device.Cleanup()
		}
	}
	if kind == KindCUDA {
		return errors.New("cuda backend requested but no usable device was found")
	}

	// Fall back to the host
	return m.initializeHost()
}

func (m *Manager) initializeHost() error {
	hostBackend := NewHostBackend(m.logger)
	if err := hostBackend.Initialize(); err != nil {
		return errors.Wrap(err, "failed to initialize host backend")
	}
	m.backend = hostBackend
	return nil
}

// GetBackend returns the current backend
func (m *Manager) GetBackend() Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend
}

// GetDeviceInfo returns device information from the current backend
func (m *Manager) GetDeviceInfo() DeviceInfo {
	backend := m.GetBackend()
	if backend == nil {
		return DeviceInfo{Name: "No backend available"}
	}
	return backend.GetDeviceInfo()
}

// IsGPUAvailable returns true if a device backend is active
func (m *Manager) IsGPUAvailable() bool {
	backend := m.GetBackend()
	if backend == nil {
		return false
	}
	_, isHost := backend.(*HostBackend)
	return !isHost
}

// Cleanup releases resources held by the current backend
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend != nil {
		if err := m.backend.Cleanup(); err != nil {
			return err
		}
		m.backend = nil
	}
	return nil
}

// GetBackendType returns a string describing the current backend type
func (m *Manager) GetBackendType() string {
	backend := m.GetBackend()
	if backend == nil {
		return "none"
	}
	return backend.Name()
}
