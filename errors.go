package docent

import "github.com/pkg/errors"

// Sentinel errors for the coordinator. Callers classify failures with
// errors.Is; wrapped variants carry operation context.
var (
	// ErrInvalidStage is returned for a stage name outside the fixed set.
	ErrInvalidStage = errors.New("invalid stage")

	// ErrBusy is returned when a movement is requested while another is in
	// flight. Movements are never queued.
	ErrBusy = errors.New("movement already in progress")

	// ErrUnknownPreset is returned when a named position is not in the store.
	ErrUnknownPreset = errors.New("unknown preset")

	// ErrUnsafePosition is returned when a target violates the absolute
	// joint limit table. Detected before any device I/O.
	ErrUnsafePosition = errors.New("position outside safe limits")

	// ErrAdapterFailure wraps device I/O failures (serial timeouts, write
	// errors). The system stays up; the failed operation is reported.
	ErrAdapterFailure = errors.New("device adapter failure")

	// ErrConfigurationFailure marks startup problems with no fallback,
	// such as the mock adapter failing to initialize.
	ErrConfigurationFailure = errors.New("configuration failure")

	// ErrMovementAborted is returned when an emergency stop interrupts an
	// in-flight movement between waypoints.
	ErrMovementAborted = errors.New("movement aborted")

	// ErrNotConnected is returned for motion requests before Connect or
	// after Disconnect.
	ErrNotConnected = errors.New("not connected")
)
