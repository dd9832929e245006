package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // devices may ship without a zoneinfo database

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Device     DeviceConfig     `mapstructure:"device"`
	Credential CredentialConfig `mapstructure:"credential"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Timer      TimerConfig      `mapstructure:"timer"`
	Controller ControllerConfig `mapstructure:"controller"`
	Display    DisplayConfig    `mapstructure:"display"`
	Hardware   HardwareConfig   `mapstructure:"hardware"`
	Storage    StorageConfig    `mapstructure:"storage"`
	History    HistoryConfig    `mapstructure:"history"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DeviceConfig identifies the device in the cloud registry
type DeviceConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	RegistryID  string `mapstructure:"registry_id"`
	DeviceID    string `mapstructure:"device_id"`
	CloudRegion string `mapstructure:"cloud_region"`
}

// CredentialConfig defines how broker credentials are issued
type CredentialConfig struct {
	PrivateKeyFile string `mapstructure:"private_key_file"`
	Algorithm      string `mapstructure:"algorithm"`      // RS256 or ES256
	RefreshWindow  string `mapstructure:"refresh_window"` // Token lifetime
	RefreshMargin  string `mapstructure:"refresh_margin"` // Reconnect this long before expiry
}

// BrokerConfig defines the MQTT bridge endpoint
type BrokerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	CACerts           string `mapstructure:"ca_certs"`
	ConnectTimeout    string `mapstructure:"connect_timeout"`
	KeepAlive         string `mapstructure:"keep_alive"`
	ReconnectInterval string `mapstructure:"reconnect_interval"` // Minimum gap between failed attempts
	InboxSize         int    `mapstructure:"inbox_size"`
}

// TimerConfig defines pomodoro state machine options
type TimerConfig struct {
	CaptureExternalPause bool `mapstructure:"capture_external_pause"`
}

// ControllerConfig defines the control loop cadence and message windows
type ControllerConfig struct {
	Tick            string `mapstructure:"tick"`
	ConnectedNotice string `mapstructure:"connected_notice"`
	PromptNotice    string `mapstructure:"prompt_notice"`
	PausedNotice    string `mapstructure:"paused_notice"`
	CompleteNotice  string `mapstructure:"complete_notice"`
}

// DisplayConfig defines character display geometry
type DisplayConfig struct {
	Rows     int    `mapstructure:"rows"`
	Columns  int    `mapstructure:"columns"`
	Timezone string `mapstructure:"timezone"`
	Color    bool   `mapstructure:"color"`
}

// HardwareConfig selects the device driver and GPIO pins
type HardwareConfig struct {
	Driver       string `mapstructure:"driver"` // "console" or "gpio"
	ButtonPin    string `mapstructure:"button_pin"`
	BuzzerPin    string `mapstructure:"buzzer_pin"`
	BacklightPin string `mapstructure:"backlight_pin"`
	HoldTime     string `mapstructure:"hold_time"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "bolt", "sqlite" or "redis"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// HistoryConfig defines pomodoro history retention
type HistoryConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RetentionDays int    `mapstructure:"retention_days"`
	PruneTime     string `mapstructure:"prune_time"` // HH:MM
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file, an optional .env file and environment variables
func Load(configPath string) (*Config, error) {
	// .env is optional; real environment variables take precedence
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("POMODORO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns a configuration holding only default values.
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Device defaults
	v.SetDefault("device.project_id", "pomodoro-90fd7")
	v.SetDefault("device.registry_id", "raspberry-pi-connection")
	v.SetDefault("device.device_id", "raspi")
	v.SetDefault("device.cloud_region", "europe-west1")

	// Credential defaults
	v.SetDefault("credential.private_key_file", "/etc/pomodoro/rsa_private.pem")
	v.SetDefault("credential.algorithm", "RS256")
	v.SetDefault("credential.refresh_window", "2m")
	v.SetDefault("credential.refresh_margin", "1m")

	// Broker defaults
	v.SetDefault("broker.host", "mqtt.googleapis.com")
	v.SetDefault("broker.port", 8883)
	v.SetDefault("broker.ca_certs", "/etc/pomodoro/roots.pem")
	v.SetDefault("broker.connect_timeout", "10s")
	v.SetDefault("broker.keep_alive", "60s")
	v.SetDefault("broker.reconnect_interval", "5s")
	v.SetDefault("broker.inbox_size", 16)

	// Timer defaults
	v.SetDefault("timer.capture_external_pause", false)

	// Controller defaults
	v.SetDefault("controller.tick", "1s")
	v.SetDefault("controller.connected_notice", "3s")
	v.SetDefault("controller.prompt_notice", "10s")
	v.SetDefault("controller.paused_notice", "10s")
	v.SetDefault("controller.complete_notice", "10s")

	// Display defaults
	v.SetDefault("display.rows", 2)
	v.SetDefault("display.columns", 16)
	v.SetDefault("display.timezone", "Europe/London")
	v.SetDefault("display.color", true)

	// Hardware defaults
	v.SetDefault("hardware.driver", "console")
	v.SetDefault("hardware.button_pin", "GPIO2")
	v.SetDefault("hardware.buzzer_pin", "GPIO16")
	v.SetDefault("hardware.backlight_pin", "GPIO26")
	v.SetDefault("hardware.hold_time", "2s")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/pomodoro/history.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "pomodoro")
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// History defaults
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.retention_days", 90)
	v.SetDefault("history.prune_time", "03:00")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_address", "127.0.0.1:9100")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Device.ProjectID == "" || cfg.Device.RegistryID == "" || cfg.Device.DeviceID == "" {
		return fmt.Errorf("device project_id, registry_id and device_id are required")
	}
	if cfg.Device.CloudRegion == "" {
		return fmt.Errorf("device cloud_region is required")
	}

	switch cfg.Credential.Algorithm {
	case "RS256", "ES256":
	default:
		return fmt.Errorf("unsupported signing algorithm: %s (must be RS256 or ES256)", cfg.Credential.Algorithm)
	}
	if cfg.Credential.PrivateKeyFile == "" {
		return fmt.Errorf("credential private_key_file is required")
	}

	window, err := time.ParseDuration(cfg.Credential.RefreshWindow)
	if err != nil {
		return fmt.Errorf("invalid credential refresh_window: %w", err)
	}
	margin, err := time.ParseDuration(cfg.Credential.RefreshMargin)
	if err != nil {
		return fmt.Errorf("invalid credential refresh_margin: %w", err)
	}
	if margin < time.Second || margin >= window {
		return fmt.Errorf("credential refresh_margin %s must be at least 1s and shorter than refresh_window %s", margin, window)
	}

	if cfg.Broker.Host == "" {
		return fmt.Errorf("broker host is required")
	}
	if cfg.Broker.Port <= 0 || cfg.Broker.Port > 65535 {
		return fmt.Errorf("invalid broker port: %d", cfg.Broker.Port)
	}

	for name, value := range map[string]string{
		"broker.connect_timeout":      cfg.Broker.ConnectTimeout,
		"broker.keep_alive":           cfg.Broker.KeepAlive,
		"broker.reconnect_interval":   cfg.Broker.ReconnectInterval,
		"controller.tick":             cfg.Controller.Tick,
		"controller.connected_notice": cfg.Controller.ConnectedNotice,
		"controller.prompt_notice":    cfg.Controller.PromptNotice,
		"controller.paused_notice":    cfg.Controller.PausedNotice,
		"controller.complete_notice":  cfg.Controller.CompleteNotice,
		"hardware.hold_time":          cfg.Hardware.HoldTime,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if cfg.Display.Rows <= 0 || cfg.Display.Columns <= 0 {
		return fmt.Errorf("invalid display geometry: %dx%d", cfg.Display.Rows, cfg.Display.Columns)
	}
	if _, err := time.LoadLocation(cfg.Display.Timezone); err != nil {
		return fmt.Errorf("invalid display timezone: %w", err)
	}

	switch cfg.Hardware.Driver {
	case "console", "gpio":
	default:
		return fmt.Errorf("unsupported hardware driver: %s (must be console or gpio)", cfg.Hardware.Driver)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}
	switch cfg.Storage.Type {
	case "bolt", "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for %s storage", cfg.Storage.Type)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage redis host is required")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s (must be bolt, sqlite or redis)", cfg.Storage.Type)
	}

	if cfg.History.RetentionDays <= 0 {
		return fmt.Errorf("history retention_days must be positive")
	}
	if _, err := time.Parse("15:04", cfg.History.PruneTime); err != nil {
		return fmt.Errorf("invalid history prune_time: %w", err)
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ClientID returns the MQTT client identifier for the device.
func (d DeviceConfig) ClientID() string {
	return fmt.Sprintf("projects/%s/locations/%s/registries/%s/devices/%s",
		d.ProjectID, d.CloudRegion, d.RegistryID, d.DeviceID)
}
