package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for warpd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Cell      CellConfig      `yaml:"cell"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Hardware  HardwareConfig  `yaml:"hardware"`
	Sequence  SequenceConfig  `yaml:"sequence"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
}

// CellConfig identifies the automation cell this daemon controls.
type CellConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings for the run log.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
// Write applies to ordinary handlers only; streaming endpoints manage
// their own lifetimes.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket event stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB telemetry settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// HardwareConfig contains per-device settings and motion limits.
// The drivers themselves are supplied by the hardware package; these
// values bound what the controller will ask of them.
type HardwareConfig struct {
	Backend     string            `yaml:"backend"` // "sim" is the only built-in backend
	Relay       RelayConfig       `yaml:"relay"`
	Rotary      RotaryConfig      `yaml:"rotary"`
	Syringe     SyringeConfig     `yaml:"syringe"`
	Vertical    AxisConfig        `yaml:"vertical"`
	Horizontal  AxisConfig        `yaml:"horizontal"`
	Temperature TemperatureConfig `yaml:"temperature"`
	Flow        FlowConfig        `yaml:"flow"`
}

// RelayConfig contains relay board settings.
type RelayConfig struct {
	Address  int `yaml:"address"`
	Channels int `yaml:"channels"`
}

// RotaryConfig contains rotary selector valve settings.
type RotaryConfig struct {
	Address int `yaml:"address"`
	Ports   int `yaml:"ports"`
}

// SyringeConfig contains syringe pump limits.
type SyringeConfig struct {
	Address      int     `yaml:"address"`
	MaxVolumeML  float64 `yaml:"max_volume_ml"`
	MaxFlowMLMin float64 `yaml:"max_flow_ml_min"`
}

// AxisConfig contains linear axis limits and named positions.
//
// ClearanceMM applies to the horizontal axis only: horizontal motion is
// refused while the vertical axis sits beyond this position (plate not
// fully open), so the carriage cannot be dragged through the closed
// filter assembly.
type AxisConfig struct {
	Address     int                `yaml:"address"`
	MinMM       float64            `yaml:"min_mm"`
	MaxMM       float64            `yaml:"max_mm"`
	ClearanceMM float64            `yaml:"clearance_mm"`
	Presets     map[string]float64 `yaml:"presets"`
}

// TemperatureConfig contains temperature controller settings.
type TemperatureConfig struct {
	Address      int     `yaml:"address"`
	MinCelsius   float64 `yaml:"min_celsius"`
	MaxCelsius   float64 `yaml:"max_celsius"`
	ReadyBandC   float64 `yaml:"ready_band_c"`
	ReadyTimeout int     `yaml:"ready_timeout"` // seconds
}

// FlowConfig contains flow sensor settings.
type FlowConfig struct {
	Address      int `yaml:"address"`
	PollInterval int `yaml:"poll_interval"` // milliseconds
}

// SequenceConfig contains sequence engine settings.
type SequenceConfig struct {
	MinStepDelay int `yaml:"min_step_delay"` // milliseconds
	HistoryLimit int `yaml:"history_limit"`
}

// BroadcastConfig contains event broadcaster settings.
type BroadcastConfig struct {
	BufferSize   int `yaml:"buffer_size"`
	TickInterval int `yaml:"tick_interval"` // seconds
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: WARPD_SECTION_KEY
// For example: WARPD_DATABASE_PATH, WARPD_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a Config with defaults matching the reference cell.
// The axis limits and presets reflect the physical build; override them
// per installation in the YAML file.
func DefaultConfig() *Config {
	return &Config{
		Cell: CellConfig{
			ID:   "cell-001",
			Name: "WARP Cell",
		},
		Database: DatabaseConfig{
			Path:        "./data/warpd.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "warpd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/events/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Hardware: HardwareConfig{
			Backend: "sim",
			Relay: RelayConfig{
				Address:  1,
				Channels: 8,
			},
			Rotary: RotaryConfig{
				Address: 2,
				Ports:   12,
			},
			Syringe: SyringeConfig{
				Address:      3,
				MaxVolumeML:  2.5,
				MaxFlowMLMin: 15.0,
			},
			Vertical: AxisConfig{
				Address: 4,
				MinMM:   0.0,
				MaxMM:   33.0,
				Presets: map[string]float64{
					"open":  0.0,
					"close": 33.0,
				},
			},
			Horizontal: AxisConfig{
				Address:     5,
				MinMM:       0.0,
				MaxMM:       133.0,
				ClearanceMM: 10.0,
				Presets: map[string]float64{
					"filtering":  133.0,
					"filter_out": 26.0,
					"filter_in":  0.0,
				},
			},
			Temperature: TemperatureConfig{
				Address:      6,
				MinCelsius:   5.0,
				MaxCelsius:   95.0,
				ReadyBandC:   0.5,
				ReadyTimeout: 300,
			},
			Flow: FlowConfig{
				Address:      7,
				PollInterval: 500,
			},
		},
		Sequence: SequenceConfig{
			MinStepDelay: 500,
			HistoryLimit: 50,
		},
		Broadcast: BroadcastConfig{
			BufferSize:   64,
			TickInterval: 1,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: WARPD_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("WARPD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("WARPD_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("WARPD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("WARPD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("WARPD_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("WARPD_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("WARPD_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("WARPD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Cell validation
	if c.Cell.ID == "" {
		errs = append(errs, "cell.id is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Hardware validation
	if c.Hardware.Relay.Channels < 1 {
		errs = append(errs, "hardware.relay.channels must be at least 1")
	}
	if c.Hardware.Rotary.Ports < 1 {
		errs = append(errs, "hardware.rotary.ports must be at least 1")
	}
	if c.Hardware.Syringe.MaxVolumeML <= 0 {
		errs = append(errs, "hardware.syringe.max_volume_ml must be positive")
	}
	if c.Hardware.Syringe.MaxFlowMLMin <= 0 {
		errs = append(errs, "hardware.syringe.max_flow_ml_min must be positive")
	}
	if c.Hardware.Vertical.MaxMM <= c.Hardware.Vertical.MinMM {
		errs = append(errs, "hardware.vertical.max_mm must exceed min_mm")
	}
	if c.Hardware.Horizontal.MaxMM <= c.Hardware.Horizontal.MinMM {
		errs = append(errs, "hardware.horizontal.max_mm must exceed min_mm")
	}
	if c.Hardware.Temperature.MaxCelsius <= c.Hardware.Temperature.MinCelsius {
		errs = append(errs, "hardware.temperature.max_celsius must exceed min_celsius")
	}
	for name, pos := range c.Hardware.Vertical.Presets {
		if pos < c.Hardware.Vertical.MinMM || pos > c.Hardware.Vertical.MaxMM {
			errs = append(errs, fmt.Sprintf("hardware.vertical.presets.%s is outside axis travel", name))
		}
	}
	for name, pos := range c.Hardware.Horizontal.Presets {
		if pos < c.Hardware.Horizontal.MinMM || pos > c.Hardware.Horizontal.MaxMM {
			errs = append(errs, fmt.Sprintf("hardware.horizontal.presets.%s is outside axis travel", name))
		}
	}

	// Sequence validation
	if c.Sequence.MinStepDelay < 0 {
		errs = append(errs, "sequence.min_step_delay must not be negative")
	}

	// Broadcast validation
	if c.Broadcast.BufferSize < 1 {
		errs = append(errs, "broadcast.buffer_size must be at least 1")
	}
	if c.Broadcast.TickInterval < 1 {
		errs = append(errs, "broadcast.tick_interval must be at least 1 second")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// MinStepDelay returns the minimum inter-step delay as a Duration.
func (c *Config) MinStepDelay() time.Duration {
	return time.Duration(c.Sequence.MinStepDelay) * time.Millisecond
}

// BroadcastTick returns the broadcaster timer interval as a Duration.
func (c *Config) BroadcastTick() time.Duration {
	return time.Duration(c.Broadcast.TickInterval) * time.Second
}

// ReadyDeadline returns the temperature readiness deadline as a Duration.
func (c TemperatureConfig) ReadyDeadline() time.Duration {
	return time.Duration(c.ReadyTimeout) * time.Second
}
