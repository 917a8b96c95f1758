package docent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDefaults(t *testing.T) {
	s, warnings, err := LoadSettings("")
	require.NoError(t, err)

	assert.Equal(t, DefaultBaudRate, s.Serial.BaudRate)
	assert.Equal(t, DefaultSerialTimeoutMs, s.Serial.TimeoutMs)
	assert.Equal(t, DefaultSteps, s.Motion.Steps)
	assert.Equal(t, DefaultStepDelayMs, s.Motion.StepDelayMs)
	assert.Equal(t, DefaultMaxRelativeTarget, s.Motion.MaxRelativeTarget)
	assert.Equal(t, DefaultIdleTimeoutMs, s.Stage.IdleTimeoutMs)
	assert.Equal(t, DefaultPositionsFile, s.Store.PositionsFile)
	assert.Equal(t, DefaultHTTPAddr, s.HTTP.Addr)
	assert.Equal(t, DefaultTopicPrefix, s.MQTT.TopicPrefix)
	assert.Equal(t, "docent", s.MQTT.ClientID)
	assert.Equal(t, "info", s.Log.Level)
	assert.False(t, s.MQTT.Enabled)

	assert.NotEmpty(t, warnings, "no port configured warns about discovery")
}

func TestLoadSettingsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docent.yaml")
	yaml := `
serial:
  port: /dev/ttyACM9
  baudrate: 500000
  calibration_file: cal.json
motion:
  steps: 10
  step_delay_ms: 25
  max_relative_target: -1
stage:
  idle_timeout_ms: 5000
store:
  positions_file: poses.json
http:
  addr: ":9999"
mqtt:
  enabled: true
  broker: tcp://broker.local:1883
  topic_prefix: museum/arm
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	s, warnings, err := LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM9", s.Serial.Port)
	assert.Equal(t, 500000, s.Serial.BaudRate)
	assert.Equal(t, "cal.json", s.Serial.CalibrationFile)
	assert.Equal(t, 10, s.Motion.Steps)
	assert.Equal(t, 25, s.Motion.StepDelayMs)
	assert.Equal(t, -1, s.Motion.MaxRelativeTarget)
	assert.Equal(t, "poses.json", s.Store.PositionsFile)
	assert.Equal(t, ":9999", s.HTTP.Addr)
	assert.True(t, s.MQTT.Enabled)
	assert.Equal(t, "tcp://broker.local:1883", s.MQTT.Broker)
	assert.Equal(t, "museum/arm", s.MQTT.TopicPrefix)
	assert.Equal(t, "debug", s.Log.Level)

	assert.Equal(t, 25*time.Millisecond, s.StepDelay())
	assert.Equal(t, 5*time.Second, s.IdleTimeout())
	assert.Equal(t, 500*time.Millisecond, s.SerialTimeout())

	assert.Contains(t, warnings[len(warnings)-1], "clamp disabled")
}

func TestLoadSettingsEnvOverrides(t *testing.T) {
	t.Setenv("DOCENT_SERIAL_PORT", "/dev/ttyUSB7")
	t.Setenv("DOCENT_MOCK_ONLY", "true")
	t.Setenv("DOCENT_HTTP_ADDR", ":7070")
	t.Setenv("DOCENT_MQTT_BROKER", "tcp://env.broker:1883")

	s, _, err := LoadSettings("")
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB7", s.Serial.Port)
	assert.True(t, s.Serial.MockOnly)
	assert.Equal(t, ":7070", s.HTTP.Addr)
	assert.Equal(t, "tcp://env.broker:1883", s.MQTT.Broker)
}

func TestLoadSettingsEnvBoolGarbage(t *testing.T) {
	t.Setenv("DOCENT_MOCK_ONLY", "definitely")

	s, _, err := LoadSettings("")
	require.NoError(t, err)
	assert.False(t, s.Serial.MockOnly, "unparseable bool keeps the previous value")
}

func TestLoadSettingsErrors(t *testing.T) {
	t.Run("missing named file", func(t *testing.T) {
		_, _, err := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("unparseable yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		// "::::" is valid YAML (the mapping {":::": null}); an unclosed flow
		// sequence is a genuine parse error.
		require.NoError(t, os.WriteFile(path, []byte("serial: [1,"), 0644))
		_, _, err := LoadSettings(path)
		assert.Error(t, err)
	})

	t.Run("mqtt enabled without broker", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mqtt.yaml")
		require.NoError(t, os.WriteFile(path, []byte("mqtt:\n  enabled: true\n"), 0644))
		_, _, err := LoadSettings(path)
		assert.True(t, errors.Is(err, ErrConfigurationFailure))
	})
}

func TestDefaultSettingsReady(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, DefaultSteps, s.Motion.Steps)
	assert.False(t, s.MQTT.Enabled)
	assert.NoError(t, s.check())
}
