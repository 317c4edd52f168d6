package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for DeepSeek Control.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	OpenRouter OpenRouterConfig `yaml:"openrouter"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
}

// ControllerConfig contains evaluation loop defaults applied to rules that
// do not set their own model parameters.
type ControllerConfig struct {
	Name string `yaml:"name"`

	// DefaultModel is used when a rule does not name a model.
	DefaultModel string `yaml:"default_model"`

	// DefaultMaxTokens caps model output length when a rule does not set one.
	DefaultMaxTokens int `yaml:"default_max_tokens"`

	// DefaultTemperature is the sampling temperature when a rule does not set one.
	DefaultTemperature float64 `yaml:"default_temperature"`

	// QuotaProbeInterval is how often the OpenRouter key/quota status is
	// polled and republished. 0 disables the probe.
	QuotaProbeInterval time.Duration `yaml:"quota_probe_interval"`
}

// OpenRouterConfig contains OpenRouter API connection settings.
type OpenRouterConfig struct {
	// BaseURL is the API root, normally https://openrouter.ai/api/v1
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates all requests. Required; must start with "sk-".
	APIKey string `yaml:"api_key"`

	// RequestTimeout bounds a single chat completion round trip.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Referer and Title are sent as the HTTP-Referer and X-Title headers
	// OpenRouter uses for app attribution.
	Referer string `yaml:"referer"`
	Title   string `yaml:"title"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
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

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
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

// InfluxDBConfig contains InfluxDB connection settings.
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

// SecurityConfig contains API security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`

	// AdminToken is the shared secret exchanged for a JWT at /auth/login.
	AdminToken string `yaml:"admin_token"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DEEPSEEK_SECTION_KEY
// For example: DEEPSEEK_OPENROUTER_API_KEY, DEEPSEEK_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Controller: ControllerConfig{
			Name:               "DeepSeek Smart Controller",
			DefaultModel:       "deepseek/deepseek-chat",
			DefaultMaxTokens:   500,
			DefaultTemperature: 0.7,
			QuotaProbeInterval: 15 * time.Minute,
		},
		OpenRouter: OpenRouterConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			RequestTimeout: 30 * time.Second,
			Referer:        "https://www.home-assistant.io",
			Title:          "DeepSeek Control",
		},
		Database: DatabaseConfig{
			Path:        "./data/deepseek-control.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "deepseek-control",
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
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DEEPSEEK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// OpenRouter
	if v := os.Getenv("DEEPSEEK_OPENROUTER_API_KEY"); v != "" {
		cfg.OpenRouter.APIKey = v
	}
	if v := os.Getenv("DEEPSEEK_OPENROUTER_BASE_URL"); v != "" {
		cfg.OpenRouter.BaseURL = v
	}

	// Database
	if v := os.Getenv("DEEPSEEK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("DEEPSEEK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DEEPSEEK_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("DEEPSEEK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DEEPSEEK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("DEEPSEEK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("DEEPSEEK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - always override in production
	if v := os.Getenv("DEEPSEEK_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("DEEPSEEK_ADMIN_TOKEN"); v != "" {
		cfg.Security.AdminToken = v
	}
}

// minJWTSecretLength is the minimum accepted JWT secret length. The API can
// trigger physical actuators, so weak signing secrets are rejected outright.
const minJWTSecretLength = 32

// maxModelTokens is the upper bound for default_max_tokens, matching the
// largest completion the controller will ever request.
const maxModelTokens = 4000

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// OpenRouter validation. The "sk-" prefix check mirrors the key format
	// OpenRouter issues; catching a pasted placeholder here beats a 401 at
	// runtime.
	if c.OpenRouter.APIKey == "" {
		errs = append(errs, "openrouter.api_key is required (set DEEPSEEK_OPENROUTER_API_KEY environment variable)")
	} else if !strings.HasPrefix(c.OpenRouter.APIKey, "sk-") {
		errs = append(errs, `openrouter.api_key must start with "sk-"`)
	}
	if c.OpenRouter.BaseURL == "" {
		errs = append(errs, "openrouter.base_url is required")
	}
	if c.OpenRouter.RequestTimeout <= 0 {
		errs = append(errs, "openrouter.request_timeout must be positive")
	}

	// Controller validation
	if c.Controller.DefaultMaxTokens < 1 || c.Controller.DefaultMaxTokens > maxModelTokens {
		errs = append(errs, fmt.Sprintf("controller.default_max_tokens must be 1-%d", maxModelTokens))
	}
	if c.Controller.DefaultTemperature < 0 || c.Controller.DefaultTemperature > 1 {
		errs = append(errs, "controller.default_temperature must be 0.0-1.0")
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

	// Security validation
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set DEEPSEEK_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}
	if c.Security.AdminToken == "" {
		errs = append(errs, "security.admin_token is required (set DEEPSEEK_ADMIN_TOKEN environment variable)")
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
