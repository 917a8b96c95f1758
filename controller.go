package docent

import (
	"context"
	"sync"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// BusAdapter drives the SO-101's STS3215 servos over a shared serial bus
// using grouped sync reads and writes.
type BusAdapter struct {
	mu      sync.Mutex
	port    string
	baud    int
	timeout time.Duration
	cal     Calibration
	logger  *logrus.Logger

	bus   *feetech.Bus
	group *feetech.ServoGroup
}

// NewBusAdapter builds a disconnected adapter for the given port and
// calibration. Call Connect before any I/O.
func NewBusAdapter(cfg SerialSettings, cal Calibration, logger *logrus.Logger) *BusAdapter {
	return &BusAdapter{
		port:    cfg.Port,
		baud:    cfg.BaudRate,
		timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		cal:     cal,
		logger:  logger,
	}
}

// Connect opens the serial bus and verifies the arm responds. Connecting
// an already-connected adapter is a no-op.
func (b *BusAdapter) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bus != nil {
		return nil
	}
	if b.port == "" {
		return errors.New("no serial port configured")
	}

	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     b.port,
		BaudRate: b.baud,
		Protocol: feetech.ProtocolSTS,
		Timeout:  b.timeout,
	})
	if err != nil {
		return errors.Wrapf(err, "open serial port %s", b.port)
	}

	// Ping the base servo so a dead bus fails here, not mid-show.
	probe := feetech.NewServo(bus, b.cal[JointShoulderPan].ID, &feetech.ModelSTS3215)
	if _, err := probe.Ping(ctx); err != nil {
		bus.Close()
		return errors.Wrapf(err, "no servo response on %s", b.port)
	}

	b.bus = bus
	b.group = feetech.NewServoGroupByIDs(bus, b.cal.ServoIDs()...)
	b.logger.WithFields(logrus.Fields{
		"port": b.port,
		"baud": b.baud,
	}).Info("Connected to arm")
	return nil
}

// Disconnect closes the bus. Safe to call when already disconnected.
func (b *BusAdapter) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bus == nil {
		return nil
	}
	err := b.bus.Close()
	b.bus = nil
	b.group = nil
	if err != nil {
		return errors.Wrapf(err, "close serial port %s", b.port)
	}
	b.logger.WithField("port", b.port).Info("Disconnected from arm")
	return nil
}

// ReadPositions sync-reads every servo and converts to centered ticks.
func (b *BusAdapter) ReadPositions(ctx context.Context) (Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.group == nil {
		return nil, ErrNotConnected
	}

	raws, err := b.group.Positions(ctx)
	if err != nil {
		return nil, errors.Wrapf(ErrAdapterFailure, "read positions on %s: %v", b.port, err)
	}

	pos := make(Position, len(raws))
	for id, raw := range raws {
		joint, entry, ok := b.cal.ByID(id)
		if !ok {
			continue
		}
		pos[joint] = entry.FromRaw(raw)
	}
	return pos, nil
}

// WritePositions converts centered ticks to raw registers and sync-writes
// the whole goal in one bus transaction.
func (b *BusAdapter) WritePositions(ctx context.Context, target Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.group == nil {
		return ErrNotConnected
	}

	raws := make(feetech.PositionMap, len(target))
	for joint, domain := range target {
		entry, ok := b.cal[joint]
		if !ok {
			return errors.Wrapf(ErrAdapterFailure, "write names unknown joint %q", joint)
		}
		raws[entry.ID] = entry.ToRaw(domain)
	}

	if err := b.group.SetPositions(ctx, raws); err != nil {
		return errors.Wrapf(ErrAdapterFailure, "write positions on %s: %v", b.port, err)
	}
	return nil
}

// SetTorque enables or disables torque on all servos.
func (b *BusAdapter) SetTorque(ctx context.Context, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.group == nil {
		return ErrNotConnected
	}

	var err error
	if enabled {
		err = b.group.EnableAll(ctx)
	} else {
		err = b.group.DisableAll(ctx)
	}
	if err != nil {
		return errors.Wrapf(ErrAdapterFailure, "set torque on %s: %v", b.port, err)
	}
	b.logger.WithField("enabled", enabled).Debug("Torque set")
	return nil
}

// IsMock reports false; this adapter talks to hardware.
func (b *BusAdapter) IsMock() bool { return false }

// RawPositions reads raw register values keyed by servo ID. Used by the
// calibration tooling, which works below the centered-tick mapping.
func (b *BusAdapter) RawPositions(ctx context.Context) (map[int]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.group == nil {
		return nil, ErrNotConnected
	}

	raws, err := b.group.Positions(ctx)
	if err != nil {
		return nil, errors.Wrapf(ErrAdapterFailure, "read raw positions on %s: %v", b.port, err)
	}
	return raws, nil
}

// Wiggle moves one joint a small amount back and forth and returns it to
// where it started. Used to point at a physical arm during identify.
func (b *BusAdapter) Wiggle(ctx context.Context, joint string, amount int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bus == nil {
		return ErrNotConnected
	}
	entry, ok := b.cal[joint]
	if !ok {
		return errors.Errorf("unknown joint %q", joint)
	}

	servo := feetech.NewServo(b.bus, entry.ID, &feetech.ModelSTS3215)
	origin, err := servo.Position(ctx)
	if err != nil {
		return errors.Wrapf(ErrAdapterFailure, "read servo %d on %s: %v", entry.ID, b.port, err)
	}
	if err := servo.Enable(ctx); err != nil {
		return errors.Wrapf(ErrAdapterFailure, "enable servo %d on %s: %v", entry.ID, b.port, err)
	}

	for i := 0; i < 3; i++ {
		servo.SetPosition(ctx, origin+amount)
		time.Sleep(150 * time.Millisecond)
		servo.SetPosition(ctx, origin-amount)
		time.Sleep(150 * time.Millisecond)
	}
	servo.SetPosition(ctx, origin)
	time.Sleep(100 * time.Millisecond)

	if err := servo.Disable(ctx); err != nil {
		return errors.Wrapf(ErrAdapterFailure, "disable servo %d on %s: %v", entry.ID, b.port, err)
	}
	return nil
}
