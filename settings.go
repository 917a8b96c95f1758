package docent

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Default movement and timing parameters. Values track the exhibit's
// original tuning for the STS3215 bus.
const (
	DefaultBaudRate          = 1000000
	DefaultSerialTimeoutMs   = 500
	DefaultSteps             = 30
	DefaultStepDelayMs       = 60
	DefaultMaxRelativeTarget = 500
	DefaultIdleTimeoutMs     = 30000
	DefaultHTTPAddr          = ":8090"
	DefaultTopicPrefix       = "exhibit/arm"
	DefaultPositionsFile     = "positions.json"
)

// SerialSettings configures the servo bus connection.
type SerialSettings struct {
	// Port is the serial device path. Empty means discover at startup.
	Port            string `yaml:"port"`
	BaudRate        int    `yaml:"baudrate"`
	TimeoutMs       int    `yaml:"timeout_ms"`
	CalibrationFile string `yaml:"calibration_file"`
	// MockOnly skips the hardware attempt entirely.
	MockOnly bool `yaml:"mock_only"`
}

// MotionSettings bounds interpolated movement.
type MotionSettings struct {
	Steps       int `yaml:"steps"`
	StepDelayMs int `yaml:"step_delay_ms"`
	// MaxRelativeTarget caps per-joint excursion from the current position
	// in a single move. Negative disables the clamp.
	MaxRelativeTarget int `yaml:"max_relative_target"`
}

// StageSettings configures the stage machine.
type StageSettings struct {
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`
}

// StoreSettings locates the preset position file.
type StoreSettings struct {
	PositionsFile string `yaml:"positions_file"`
}

// HTTPSettings configures the operator API server.
type HTTPSettings struct {
	Addr string `yaml:"addr"`
}

// MQTTSettings configures the optional show-control bridge.
type MQTTSettings struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// LogSettings configures logging output.
type LogSettings struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Settings aggregates all coordinator configuration.
type Settings struct {
	Serial SerialSettings `yaml:"serial"`
	Motion MotionSettings `yaml:"motion"`
	Stage  StageSettings  `yaml:"stage"`
	Store  StoreSettings  `yaml:"store"`
	HTTP   HTTPSettings   `yaml:"http"`
	MQTT   MQTTSettings   `yaml:"mqtt"`
	Log    LogSettings    `yaml:"log"`
}

// DefaultSettings returns a ready-to-run configuration: MQTT off, hardware
// attempted with mock fallback.
func DefaultSettings() *Settings {
	s := &Settings{}
	s.Validate()
	return s
}

// LoadSettings reads a YAML settings file, layers environment overrides on
// top, and fills defaults. An empty path yields defaults plus overrides; a
// named file that cannot be read or parsed is an error.
func LoadSettings(path string) (*Settings, []string, error) {
	s := &Settings{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, errors.Wrap(err, "read settings file")
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, nil, errors.Wrap(err, "parse settings yaml")
		}
	}

	s.applyEnvOverrides()

	warnings := s.Validate()
	if err := s.check(); err != nil {
		return nil, warnings, err
	}
	return s, warnings, nil
}

// Validate fills zero values with defaults and returns warnings for
// suspicious but workable settings.
func (s *Settings) Validate() []string {
	var warnings []string

	if s.Serial.BaudRate == 0 {
		s.Serial.BaudRate = DefaultBaudRate
	}
	if s.Serial.TimeoutMs <= 0 {
		s.Serial.TimeoutMs = DefaultSerialTimeoutMs
	}
	if s.Serial.Port == "" && !s.Serial.MockOnly {
		warnings = append(warnings, "no serial port configured; will discover at startup")
	}

	if s.Motion.Steps <= 0 {
		s.Motion.Steps = DefaultSteps
	}
	if s.Motion.StepDelayMs <= 0 {
		s.Motion.StepDelayMs = DefaultStepDelayMs
	}
	if s.Motion.MaxRelativeTarget == 0 {
		s.Motion.MaxRelativeTarget = DefaultMaxRelativeTarget
	}
	if s.Motion.MaxRelativeTarget < 0 {
		warnings = append(warnings, "relative movement clamp disabled")
	}

	if s.Stage.IdleTimeoutMs <= 0 {
		s.Stage.IdleTimeoutMs = DefaultIdleTimeoutMs
	}

	if s.Store.PositionsFile == "" {
		s.Store.PositionsFile = DefaultPositionsFile
	}

	if s.HTTP.Addr == "" {
		s.HTTP.Addr = DefaultHTTPAddr
	}

	if s.MQTT.TopicPrefix == "" {
		s.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if s.MQTT.ClientID == "" {
		s.MQTT.ClientID = "docent"
	}

	if s.Log.Level == "" {
		s.Log.Level = "info"
	}

	return warnings
}

// check reports hard configuration errors that Validate cannot repair.
func (s *Settings) check() error {
	if s.MQTT.Enabled && s.MQTT.Broker == "" {
		return errors.Wrap(ErrConfigurationFailure, "mqtt enabled without broker")
	}
	return nil
}

// applyEnvOverrides layers DOCENT_* environment variables (and an optional
// .env file) over the loaded settings.
func (s *Settings) applyEnvOverrides() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	s.Serial.Port = getEnv("DOCENT_SERIAL_PORT", s.Serial.Port)
	s.Serial.CalibrationFile = getEnv("DOCENT_CALIBRATION_FILE", s.Serial.CalibrationFile)
	s.Serial.MockOnly = getEnvBool("DOCENT_MOCK_ONLY", s.Serial.MockOnly)

	s.Store.PositionsFile = getEnv("DOCENT_POSITIONS_FILE", s.Store.PositionsFile)

	s.HTTP.Addr = getEnv("DOCENT_HTTP_ADDR", s.HTTP.Addr)

	s.MQTT.Enabled = getEnvBool("DOCENT_MQTT_ENABLED", s.MQTT.Enabled)
	s.MQTT.Broker = getEnv("DOCENT_MQTT_BROKER", s.MQTT.Broker)
	s.MQTT.ClientID = getEnv("DOCENT_MQTT_CLIENT_ID", s.MQTT.ClientID)
	s.MQTT.Username = getEnv("DOCENT_MQTT_USERNAME", s.MQTT.Username)
	s.MQTT.Password = getEnv("DOCENT_MQTT_PASSWORD", s.MQTT.Password)
	s.MQTT.TopicPrefix = getEnv("DOCENT_MQTT_TOPIC_PREFIX", s.MQTT.TopicPrefix)

	s.Log.Level = getEnv("DOCENT_LOG_LEVEL", s.Log.Level)
	s.Log.JSON = getEnvBool("DOCENT_LOG_JSON", s.Log.JSON)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// SerialTimeout returns the bus I/O timeout.
func (s *Settings) SerialTimeout() time.Duration {
	return time.Duration(s.Serial.TimeoutMs) * time.Millisecond
}

// StepDelay returns the pause between movement waypoints.
func (s *Settings) StepDelay() time.Duration {
	return time.Duration(s.Motion.StepDelayMs) * time.Millisecond
}

// IdleTimeout returns the stage machine's auto-return delay.
func (s *Settings) IdleTimeout() time.Duration {
	return time.Duration(s.Stage.IdleTimeoutMs) * time.Millisecond
}
