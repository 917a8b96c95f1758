package docent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RestPreset is the preset the exhibit parks at. Seeded on first run and
// used by the idle auto-return.
const RestPreset = "rest"

// DefaultPresets returns the factory preset table seeded when no position
// file exists. Values are centered ticks; the gripper is left unmanaged.
func DefaultPresets() map[string]Position {
	return map[string]Position{
		RestPreset: {
			JointShoulderPan:  0,
			JointShoulderLift: -1024,
			JointElbowFlex:    1024,
			JointWristFlex:    0,
			JointWristRoll:    0,
		},
		"V": {
			JointShoulderPan:  0,
			JointShoulderLift: -1024,
			JointElbowFlex:    2048,
			JointWristFlex:    -1024,
			JointWristRoll:    0,
		},
		"tracking": {
			JointShoulderPan:  0,
			JointShoulderLift: -512,
			JointElbowFlex:    1536,
			JointWristFlex:    -512,
			JointWristRoll:    0,
		},
		"vertical": {
			JointShoulderPan:  0,
			JointShoulderLift: 0,
			JointElbowFlex:    -1024,
			JointWristFlex:    1024,
			JointWristRoll:    0,
		},
	}
}

// PresetStore keeps named positions in memory and mirrors every mutation to
// a JSON file. Reads are concurrent; writes serialize behind one lock.
type PresetStore struct {
	mu      sync.RWMutex
	path    string
	limits  Limits
	presets map[string]Position
	emitter *Emitter
	logger  *logrus.Logger
}

// NewPresetStore builds an empty store bound to path. Call Load before use.
func NewPresetStore(path string, limits Limits, emitter *Emitter, logger *logrus.Logger) *PresetStore {
	return &PresetStore{
		path:    path,
		limits:  limits,
		presets: make(map[string]Position),
		emitter: emitter,
		logger:  logger,
	}
}

// Load reads the position file. An absent or unreadable file seeds the
// default table and persists it. Returns whether presets came from the file.
func (ps *PresetStore) Load() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	data, err := os.ReadFile(ps.path)
	if err == nil {
		var raw map[string]Position
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil && len(raw) > 0 {
			ps.presets = raw
			ps.logger.WithFields(logrus.Fields{
				"file":    ps.path,
				"presets": len(raw),
			}).Info("Loaded positions")
			return true
		} else if jsonErr != nil {
			ps.logger.Warnf("Position file %s is unreadable: %v, seeding defaults", ps.path, jsonErr)
		}
	} else if !os.IsNotExist(err) {
		ps.logger.Warnf("Failed to read position file %s: %v, seeding defaults", ps.path, err)
	}

	ps.presets = DefaultPresets()
	if err := ps.persistLocked(); err != nil {
		ps.logger.Warnf("Failed to persist default positions: %v", err)
	}
	return false
}

// Save writes the full preset table to the position file.
func (ps *PresetStore) Save() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.persistLocked()
}

func (ps *PresetStore) persistLocked() error {
	data, err := json.MarshalIndent(ps.presets, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal positions")
	}

	if dir := filepath.Dir(ps.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "create positions directory")
		}
	}

	if err := os.WriteFile(ps.path, data, 0644); err != nil {
		return errors.Wrap(err, "write position file")
	}
	return nil
}

// Get returns a copy of the named preset.
func (ps *PresetStore) Get(name string) (Position, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	pos, ok := ps.presets[name]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// List returns all preset names, sorted.
func (ps *PresetStore) List() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	names := make([]string, 0, len(ps.presets))
	for name := range ps.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns a copy of the whole preset table.
func (ps *PresetStore) All() map[string]Position {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	out := make(map[string]Position, len(ps.presets))
	for name, pos := range ps.presets {
		out[name] = pos.Clone()
	}
	return out
}

// Set stores a preset after checking it against the absolute limits, then
// persists the table. Existing names are overwritten.
func (ps *PresetStore) Set(name string, pos Position) error {
	if name == "" {
		return errors.New("preset name must not be empty")
	}
	if len(pos) == 0 {
		return errors.Errorf("preset %q has no joints", name)
	}
	if err := CheckAbsolute(pos, ps.limits); err != nil {
		return errors.Wrapf(err, "preset %q", name)
	}

	ps.mu.Lock()
	ps.presets[name] = pos.Clone()
	err := ps.persistLocked()
	ps.mu.Unlock()
	if err != nil {
		return err
	}

	ps.logger.WithField("preset", name).Info("Preset saved")
	ps.emitter.Emit(EventPresetSaved, map[string]any{"name": name, "position": pos.Clone()})
	return nil
}

// Delete removes a preset if present and persists. An absent name is a
// no-op reported through the returned bool.
func (ps *PresetStore) Delete(name string) (bool, error) {
	ps.mu.Lock()
	if _, ok := ps.presets[name]; !ok {
		ps.mu.Unlock()
		return false, nil
	}
	delete(ps.presets, name)
	err := ps.persistLocked()
	ps.mu.Unlock()
	if err != nil {
		return true, err
	}

	if name == RestPreset {
		ps.logger.Warn("Rest preset deleted; idle return will have no park target")
	}
	ps.logger.WithField("preset", name).Info("Preset deleted")
	ps.emitter.Emit(EventPresetDeleted, map[string]any{"name": name})
	return true, nil
}

// SaveCurrent reads the adapter's present position and stores it under name.
func (ps *PresetStore) SaveCurrent(ctx context.Context, name string, adapter Adapter) error {
	current, err := adapter.ReadPositions(ctx)
	if err != nil {
		return errors.Wrap(err, "read current position")
	}
	return ps.Set(name, current)
}
