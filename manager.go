package docent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Manager owns the device adapter and its lifecycle. Connect prefers real
// hardware and falls back to the mock so the exhibit keeps running with the
// arm unplugged.
type Manager struct {
	mu      sync.RWMutex
	cfg     SerialSettings
	cal     Calibration
	initial Position
	logger  *logrus.Logger

	adapter   Adapter
	connected bool
	torque    bool
}

// NewManager builds a disconnected manager. initial seeds the mock
// adapter's position map when the fallback engages.
func NewManager(cfg SerialSettings, cal Calibration, initial Position, logger *logrus.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		cal:     cal,
		initial: initial,
		logger:  logger,
	}
}

// Connect attaches an adapter: real hardware first (discovering a port if
// none is configured), then the mock. A mock that cannot initialize is a
// configuration failure with no further fallback.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	if !m.cfg.MockOnly {
		adapter, err := m.connectHardware(ctx)
		if err == nil {
			m.adapter = adapter
			m.connected = true
			return nil
		}
		m.logger.Warnf("Hardware connect failed: %v, falling back to mock", err)
	}

	mock, err := NewMockAdapter(m.initial, m.logger)
	if err != nil {
		return err
	}
	if err := mock.Connect(ctx); err != nil {
		return errors.Wrapf(ErrConfigurationFailure, "mock connect: %v", err)
	}

	m.adapter = mock
	m.connected = true
	m.logger.Info("Running with mock adapter")
	return nil
}

func (m *Manager) connectHardware(ctx context.Context) (Adapter, error) {
	cfg := m.cfg
	if cfg.Port == "" {
		port, err := DiscoverPort(ctx, cfg.BaudRate, m.logger)
		if err != nil {
			return nil, err
		}
		cfg.Port = port
	}

	adapter := NewBusAdapter(cfg, m.cal, m.logger)
	if err := adapter.Connect(ctx); err != nil {
		return nil, err
	}
	return adapter, nil
}

// Disconnect disables torque and releases the adapter. Safe to call when
// already disconnected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	if m.torque {
		if err := m.adapter.SetTorque(context.Background(), false); err != nil {
			m.logger.Warnf("Failed to disable torque on disconnect: %v", err)
		}
		m.torque = false
	}

	err := m.adapter.Disconnect()
	m.adapter = nil
	m.connected = false
	return err
}

// Connected reports whether an adapter is attached.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// IsMock reports whether the attached adapter is the mock.
func (m *Manager) IsMock() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected && m.adapter.IsMock()
}

// TorqueEnabled reports the last torque state set through the manager.
func (m *Manager) TorqueEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.torque
}

// SetTorque enables or disables torque on the attached adapter.
func (m *Manager) SetTorque(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if err := m.adapter.SetTorque(ctx, enabled); err != nil {
		return err
	}
	m.torque = enabled
	return nil
}

// Adapter returns the attached adapter, or nil when disconnected.
func (m *Manager) Adapter() Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil
	}
	return m.adapter
}

// Port returns the serial port in use, or "mock".
func (m *Manager) Port() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.connected && m.adapter.IsMock() {
		return "mock"
	}
	return m.cfg.Port
}

// The daemon and maintenance CLI can run against the same serial bus; the
// shared manager hands both the same connected instance, reference counted
// so the bus closes when the last holder releases.
var (
	sharedMu      sync.Mutex
	sharedManager *Manager
	sharedConfig  SerialSettings
	sharedRefs    int64
	sharedErr     error
)

func configsEqual(a, b SerialSettings) bool {
	return a.Port == b.Port &&
		a.BaudRate == b.BaudRate &&
		a.TimeoutMs == b.TimeoutMs &&
		a.MockOnly == b.MockOnly
}

// SharedManager returns a process-wide connected manager for cfg, creating
// it on first use. A second caller with a different config while the first
// is live is rejected.
func SharedManager(ctx context.Context, cfg SerialSettings, cal Calibration, initial Position, logger *logrus.Logger) (*Manager, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if sharedManager == nil && sharedErr != nil {
		return nil, errors.Wrap(sharedErr, "cached manager creation error")
	}

	if sharedManager != nil {
		if !configsEqual(sharedConfig, cfg) {
			return nil, errors.Errorf("conflict: existing manager uses different serial config (refs: %d)", atomic.LoadInt64(&sharedRefs))
		}
		atomic.AddInt64(&sharedRefs, 1)
		return sharedManager, nil
	}

	manager := NewManager(cfg, cal, initial, logger)
	if err := manager.Connect(ctx); err != nil {
		sharedErr = err
		return nil, err
	}

	sharedManager = manager
	sharedConfig = cfg
	sharedErr = nil
	atomic.StoreInt64(&sharedRefs, 1)
	return sharedManager, nil
}

// ReleaseSharedManager decrements the reference count and disconnects when
// it reaches zero.
func ReleaseSharedManager() {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	refs := atomic.AddInt64(&sharedRefs, -1)
	if refs <= 0 && sharedManager != nil {
		if err := sharedManager.Disconnect(); err != nil {
			sharedManager.logger.Warnf("Error disconnecting shared manager: %v", err)
		}
		sharedManager = nil
		sharedConfig = SerialSettings{}
		sharedErr = nil
		atomic.StoreInt64(&sharedRefs, 0)
	}
}

// ForceCloseSharedManager disconnects regardless of reference count.
func ForceCloseSharedManager() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	var err error
	if sharedManager != nil {
		err = sharedManager.Disconnect()
		sharedManager = nil
		sharedConfig = SerialSettings{}
		sharedErr = nil
		atomic.StoreInt64(&sharedRefs, 0)
	}
	return err
}

// ManagerStatus reports the shared manager's reference count, liveness,
// and a connection summary for diagnostics.
func ManagerStatus() (int64, bool, string) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	refs := atomic.LoadInt64(&sharedRefs)
	active := sharedManager != nil
	summary := ""
	if active {
		if sharedManager.IsMock() {
			summary = "mock adapter"
		} else {
			summary = fmt.Sprintf("serial: %s@%d", sharedConfig.Port, sharedConfig.BaudRate)
		}
	}
	return refs, active, summary
}
