package docent

import "context"

// Adapter is the capability boundary between the coordinator and the
// actuator. BusAdapter speaks the Feetech serial protocol; MockAdapter
// simulates the arm in memory. The variant is chosen once at construction
// and never probed again at call sites.
type Adapter interface {
	// Connect opens the device. Implementations are not required to be
	// usable before Connect or after Disconnect.
	Connect(ctx context.Context) error
	Disconnect() error

	// ReadPositions returns the present setpoint of every joint, in
	// centered ticks.
	ReadPositions(ctx context.Context) (Position, error)

	// WritePositions issues goal setpoints for the joints present in
	// target. Joints not named keep their previous goal.
	WritePositions(ctx context.Context, target Position) error

	// SetTorque enables or disables holding torque on all servos.
	SetTorque(ctx context.Context, enabled bool) error

	// IsMock reports whether this adapter simulates the hardware.
	IsMock() bool
}
