package docent

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// STS3215 position register bounds. Raw ticks run 0..4095 with the
// mechanical center at 2048; the rest of the system works in centered
// ticks where 0 is the calibrated home.
const (
	rawCenter = 2048
	rawFloor  = 0
	rawCeil   = 4095
)

// ServoCalibration maps one servo's raw register space onto centered
// domain ticks.
type ServoCalibration struct {
	ID int `json:"id"`
	// DriveMode 1 inverts the direction of travel.
	DriveMode int `json:"drive_mode"`
	// HomingOffset shifts the raw center so domain 0 lands on the
	// calibrated home pose.
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

// Validate checks that the entry can address a real servo.
func (c ServoCalibration) Validate() error {
	if c.ID < 1 || c.ID > 253 {
		return errors.Errorf("servo id %d out of bus range", c.ID)
	}
	if c.DriveMode != 0 && c.DriveMode != 1 {
		return errors.Errorf("drive mode %d must be 0 or 1", c.DriveMode)
	}
	if c.RangeMin >= c.RangeMax {
		return errors.Errorf("range [%d, %d] is empty", c.RangeMin, c.RangeMax)
	}
	if c.RangeMin < rawFloor || c.RangeMax > rawCeil {
		return errors.Errorf("range [%d, %d] outside raw register bounds", c.RangeMin, c.RangeMax)
	}
	return nil
}

// ToRaw converts a centered domain tick to a raw register value, applying
// homing offset and drive mode and clamping to the calibrated range.
func (c ServoCalibration) ToRaw(domain int) int {
	d := domain
	if c.DriveMode == 1 {
		d = -d
	}
	raw := rawCenter + c.HomingOffset + d
	if raw < c.RangeMin {
		raw = c.RangeMin
	}
	if raw > c.RangeMax {
		raw = c.RangeMax
	}
	return raw
}

// FromRaw converts a raw register value to centered domain ticks.
func (c ServoCalibration) FromRaw(raw int) int {
	d := raw - rawCenter - c.HomingOffset
	if c.DriveMode == 1 {
		d = -d
	}
	return d
}

// Calibration holds per-joint servo calibration, keyed by joint name.
type Calibration map[string]ServoCalibration

// DefaultCalibration returns an identity calibration: servo IDs in joint
// order, no homing offset, full raw range.
func DefaultCalibration() Calibration {
	cal := make(Calibration, len(JointOrder))
	for i, joint := range JointOrder {
		cal[joint] = ServoCalibration{
			ID:       i + 1,
			RangeMin: rawFloor,
			RangeMax: rawCeil,
		}
	}
	return cal
}

// LoadCalibration loads calibration from a JSON file, falling back to the
// defaults when the path is empty or the file is absent or unreadable.
// Returns whether the calibration came from the file.
func LoadCalibration(path string, logger *logrus.Logger) (Calibration, bool) {
	if path == "" {
		logger.Debug("No calibration file specified, using defaults")
		return DefaultCalibration(), false
	}

	cal, err := readCalibrationFile(path)
	if err != nil {
		logger.Warnf("Failed to load calibration from %s: %v, using defaults", path, err)
		return DefaultCalibration(), false
	}

	logger.WithField("file", path).Info("Loaded calibration")
	return cal, true
}

func readCalibrationFile(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read calibration file")
	}

	var raw map[string]ServoCalibration
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parse calibration json")
	}

	// Joints missing from the file inherit defaults so partial files
	// stay usable.
	cal := DefaultCalibration()
	for joint, entry := range raw {
		if !IsKnownJoint(joint) {
			return nil, errors.Errorf("unknown joint %q in calibration", joint)
		}
		cal[joint] = entry
	}

	if err := cal.Validate(); err != nil {
		return nil, err
	}
	return cal, nil
}

// Save writes the calibration to a JSON file, creating parent directories.
func (c Calibration) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal calibration")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "create calibration directory")
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "write calibration file")
	}
	return nil
}

// Validate checks that every joint has a sane entry and servo IDs are
// unique across the bus.
func (c Calibration) Validate() error {
	seen := make(map[int]string, len(c))
	for _, joint := range JointOrder {
		entry, ok := c[joint]
		if !ok {
			return errors.Errorf("joint %s: calibration missing", joint)
		}
		if err := entry.Validate(); err != nil {
			return errors.Wrapf(err, "joint %s", joint)
		}
		if prev, dup := seen[entry.ID]; dup {
			return errors.Errorf("joint %s: servo id %d already used by %s", joint, entry.ID, prev)
		}
		seen[entry.ID] = joint
	}
	return nil
}

// ServoIDs returns the servo IDs in joint order.
func (c Calibration) ServoIDs() []int {
	ids := make([]int, 0, len(JointOrder))
	for _, joint := range JointOrder {
		if entry, ok := c[joint]; ok {
			ids = append(ids, entry.ID)
		}
	}
	return ids
}

// ByID returns the joint name and calibration entry for a servo ID.
func (c Calibration) ByID(id int) (string, ServoCalibration, bool) {
	for _, joint := range JointOrder {
		if entry, ok := c[joint]; ok && entry.ID == id {
			return joint, entry, true
		}
	}
	return "", ServoCalibration{}, false
}
