package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for instrumentd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Manager   ManagerConfig   `yaml:"manager"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Objects   []ObjectConfig  `yaml:"objects"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ManagerConfig contains the settings of the object manager and its RPC server.
type ManagerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Transport is the endpoint URL. An empty value means "host:port" with the
	// platform default backend. Examples: "mqtt://0.0.0.0:7666", "ws://127.0.0.1:7666?codec=json".
	Transport string `yaml:"transport"`

	// Workers is the number of dispatch goroutines per server.
	Workers int `yaml:"workers"`

	// QueueDepth is the number of received requests that may wait for a worker.
	QueueDepth int `yaml:"queue_depth"`

	// SearchPath lists class-name prefixes tried by the class loader.
	SearchPath []string `yaml:"search_path"`

	// StopTimeout bounds how long shutdown waits for a control loop (seconds).
	StopTimeout int `yaml:"stop_timeout"`
}

// MQTTConfig contains settings for the queue transport backend.
type MQTTConfig struct {
	ClientIDPrefix string `yaml:"client_id_prefix"`
	TopicPrefix    string `yaml:"topic_prefix"`
	QoS            int    `yaml:"qos"`
	ConnectTimeout int    `yaml:"connect_timeout"`
	InboxSize      int    `yaml:"inbox_size"`
}

// WebSocketConfig contains settings for the socket transport backend.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// ObjectConfig declares a managed object added at startup.
type ObjectConfig struct {
	// Location in text form, e.g. "/Sim/sim0?interval=2s".
	Location  string `yaml:"location"`
	Autostart bool   `yaml:"autostart"`
}

// DatabaseConfig contains SQLite settings for the lifecycle journal.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for call telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the status HTTP API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: INSTRUMENTD_SECTION_KEY
// For example: INSTRUMENTD_MANAGER_PORT, INSTRUMENTD_DATABASE_PATH
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides applied.
// It is used when the daemon runs without a config file.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Manager: ManagerConfig{
			Host:        "127.0.0.1",
			Port:        7666,
			Workers:     8,
			QueueDepth:  64,
			StopTimeout: 10,
		},
		MQTT: MQTTConfig{
			ClientIDPrefix: "instrumentd",
			TopicPrefix:    "instrumentd",
			QoS:            1,
			ConnectTimeout: 10,
			InboxSize:      256,
		},
		WebSocket: WebSocketConfig{
			Path:           "/rpc",
			MaxMessageSize: 1 << 20,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Database: DatabaseConfig{
			Path:        "./data/instrumentd.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INSTRUMENTD_MANAGER_HOST"); v != "" {
		cfg.Manager.Host = v
	}
	if v := os.Getenv("INSTRUMENTD_MANAGER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Manager.Port = port
		}
	}
	if v := os.Getenv("INSTRUMENTD_MANAGER_TRANSPORT"); v != "" {
		cfg.Manager.Transport = v
	}

	if v := os.Getenv("INSTRUMENTD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("INSTRUMENTD_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("INSTRUMENTD_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("INSTRUMENTD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Manager.Port < 1 || c.Manager.Port > 65535 {
		errs = append(errs, "manager.port must be between 1 and 65535")
	}
	if c.Manager.Workers < 1 {
		errs = append(errs, "manager.workers must be at least 1")
	}
	if c.Manager.QueueDepth < 0 {
		errs = append(errs, "manager.queue_depth must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		errs = append(errs, "mqtt.topic_prefix must be set and must not contain wildcards")
	}

	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, "websocket.path must start with /")
	}

	for i, obj := range c.Objects {
		if strings.TrimSpace(obj.Location) == "" {
			errs = append(errs, fmt.Sprintf("objects[%d].location is required", i))
		}
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the journal is enabled")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when telemetry is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// TransportURL returns the manager endpoint URL, defaulting to host:port.
func (c *Config) TransportURL() string {
	if c.Manager.Transport != "" {
		return c.Manager.Transport
	}
	return net.JoinHostPort(c.Manager.Host, strconv.Itoa(c.Manager.Port))
}

// GetStopTimeout returns the control loop join timeout as a Duration.
func (c *Config) GetStopTimeout() time.Duration {
	return time.Duration(c.Manager.StopTimeout) * time.Second
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
