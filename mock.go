package docent

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MockAdapter simulates the arm in memory. Writes are recorded as the new
// present position immediately, so reads always reflect the last goal. It
// is the fallback when no hardware is reachable and the workhorse of the
// test suite.
type MockAdapter struct {
	mu        sync.Mutex
	logger    *logrus.Logger
	positions Position
	connected bool
	torque    bool

	reads     int
	writes    int
	failWrite int
	failErr   error
}

// NewMockAdapter creates a mock seeded with initial positions, normally the
// rest preset. An empty initial position is a configuration error: unlike a
// missing serial port there is nothing further to fall back to.
func NewMockAdapter(initial Position, logger *logrus.Logger) (*MockAdapter, error) {
	if len(initial) == 0 {
		return nil, errors.Wrap(ErrConfigurationFailure, "mock adapter needs a non-empty initial position")
	}
	for _, joint := range initial.Joints() {
		if !IsKnownJoint(joint) {
			return nil, errors.Wrapf(ErrConfigurationFailure, "mock adapter initial position names unknown joint %q", joint)
		}
	}
	return &MockAdapter{
		logger:    logger,
		positions: initial.Clone(),
	}, nil
}

func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	m.torque = true
	m.logger.Info("Mock adapter connected")
	return nil
}

func (m *MockAdapter) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.torque = false
	return nil
}

func (m *MockAdapter) ReadPositions(ctx context.Context) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	m.reads++
	return m.positions.Clone(), nil
}

func (m *MockAdapter) WritePositions(ctx context.Context, target Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.writes++
	if m.failErr != nil && m.writes >= m.failWrite {
		return m.failErr
	}
	for _, joint := range target.Joints() {
		if !IsKnownJoint(joint) {
			return errors.Wrapf(ErrAdapterFailure, "write names unknown joint %q", joint)
		}
	}
	m.positions = m.positions.Merge(target)
	return nil
}

func (m *MockAdapter) SetTorque(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.torque = enabled
	return nil
}

func (m *MockAdapter) IsMock() bool { return true }

// TorqueEnabled reports the simulated torque switch.
func (m *MockAdapter) TorqueEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.torque
}

// Reads returns how many position reads have been served.
func (m *MockAdapter) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Writes returns how many position writes have been attempted.
func (m *MockAdapter) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// FailWriteAt makes the n-th write (1-based) and every later one return
// err. Test hook.
func (m *MockAdapter) FailWriteAt(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrite = n
	m.failErr = err
}
