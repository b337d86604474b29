package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Config struct {
	Server              ServerConfig           `mapstructure:"server"`
	Database            DatabaseConfig         `mapstructure:"database"`
	Auth                AuthConfig             `mapstructure:"auth"`
	Logging             LoggingConfig          `mapstructure:"logging"`
	WebSocket           WebSocketConfig        `mapstructure:"websocket"`
	Security            SecurityConfig         `mapstructure:"security"`
	Tracking            TrackingConfig         `mapstructure:"tracking"`
	Recorder            RecorderConfig         `mapstructure:"recorder"`
	TemplateSensors     []TemplateSensorConfig `mapstructure:"template_sensors"`
	TemplateSensorsFile string                 `mapstructure:"template_sensors_file"`
	MQTT                MQTTConfig             `mapstructure:"mqtt"`
	SystemMonitor       SystemMonitorConfig    `mapstructure:"system_monitor"`
	Discovery           DiscoveryConfig        `mapstructure:"discovery"`
	Metrics             MetricsConfig          `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Path           string          `mapstructure:"path"`
	MaxConnections int             `mapstructure:"max_connections"`
	Migration      MigrationConfig `mapstructure:"migration"`
}

type MigrationConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

type AuthConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	TokenExpiry int    `mapstructure:"token_expiry"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type WebSocketConfig struct {
	PingInterval    int `mapstructure:"ping_interval"`
	PongTimeout     int `mapstructure:"pong_timeout"`
	WriteTimeout    int `mapstructure:"write_timeout"`
	ReadBufferSize  int `mapstructure:"read_buffer_size"`
	WriteBufferSize int `mapstructure:"write_buffer_size"`
	MaxMessageSize  int `mapstructure:"max_message_size"`
}

type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	EnableCORS     bool     `mapstructure:"enable_cors"`
}

// TrackingConfig holds the defaults used by template trackers.
type TrackingConfig struct {
	AllStatesRateLimit    time.Duration `mapstructure:"all_states_rate_limit"`
	DomainStatesRateLimit time.Duration `mapstructure:"domain_states_rate_limit"`
	TimePattern           string        `mapstructure:"time_pattern"`
	StrictTemplates       bool          `mapstructure:"strict_templates"`
}

type RecorderConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Debounce       time.Duration `mapstructure:"debounce"`
	CommitInterval time.Duration `mapstructure:"commit_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	RestoreOnStart bool          `mapstructure:"restore_on_start"`
}

// TemplateSensorConfig defines a template-backed entity.
type TemplateSensorConfig struct {
	UniqueID     string            `mapstructure:"unique_id" yaml:"unique_id"`
	EntityID     string            `mapstructure:"entity_id" yaml:"entity_id"`
	Name         string            `mapstructure:"name" yaml:"name"`
	State        string            `mapstructure:"state" yaml:"state"`
	Availability string            `mapstructure:"availability" yaml:"availability"`
	Attributes   map[string]string `mapstructure:"attributes" yaml:"attributes"`
}

type MQTTConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Broker         string   `mapstructure:"broker"`
	ClientID       string   `mapstructure:"client_id"`
	Username       string   `mapstructure:"username"`
	Password       string   `mapstructure:"password"`
	BaseTopic      string   `mapstructure:"base_topic"`
	QoS            byte     `mapstructure:"qos"`
	Retain         bool     `mapstructure:"retain"`
	AcceptCommands bool     `mapstructure:"accept_commands"`
	IncludeDomains []string `mapstructure:"include_domains"`
}

type SystemMonitorConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
	DiskPath string `mapstructure:"disk_path"`
}

type DiscoveryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	ServiceType string `mapstructure:"service_type"`
	Domain      string `mapstructure:"domain"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
	Path    string `mapstructure:"path"`
}

// Load reads config.yaml from ./configs or the working directory. A missing
// file is not an error; defaults and environment variables still apply.
func Load() (*Config, error) {
	return load("")
}

// LoadFile reads the configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	// PMA_TRACKING_ALL_STATES_RATE_LIMIT and friends
	v.SetEnvPrefix("PMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short names kept for deployment scripts
	_ = v.BindEnv("auth.jwt_secret", "PMA_AUTH_JWT_SECRET", "JWT_SECRET")
	_ = v.BindEnv("server.port", "PMA_SERVER_PORT", "PORT")
	_ = v.BindEnv("database.path", "PMA_DATABASE_PATH", "DATABASE_PATH")
	_ = v.BindEnv("logging.level", "PMA_LOGGING_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("mqtt.password", "PMA_MQTT_PASSWORD", "MQTT_PASSWORD")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate validates the configuration for completeness and correctness
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Server.Host == "" {
		errs = append(errs, "server.host is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.Auth.Enabled && (c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "your-secret-key-here") {
		errs = append(errs, "auth.jwt_secret must be set to a secure value when enabled")
	}
	if c.Auth.Enabled && c.Auth.TokenExpiry <= 0 {
		errs = append(errs, "auth.token_expiry must be greater than 0 when enabled")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, "logging.format must be json or text")
	}

	if c.Tracking.AllStatesRateLimit < 0 {
		errs = append(errs, "tracking.all_states_rate_limit must not be negative")
	}
	if c.Tracking.DomainStatesRateLimit < 0 {
		errs = append(errs, "tracking.domain_states_rate_limit must not be negative")
	}
	if _, err := scheduleParser.Parse(c.Tracking.TimePattern); err != nil {
		errs = append(errs, fmt.Sprintf("tracking.time_pattern is invalid: %v", err))
	}

	if c.Recorder.Enabled && c.Recorder.Debounce <= 0 {
		errs = append(errs, "recorder.debounce must be greater than 0 when enabled")
	}
	if c.Recorder.CommitInterval < 0 {
		errs = append(errs, "recorder.commit_interval must not be negative")
	}

	seen := make(map[string]bool)
	for i, s := range c.TemplateSensors {
		if s.UniqueID == "" {
			errs = append(errs, fmt.Sprintf("template_sensors[%d].unique_id is required", i))
		} else if seen[s.UniqueID] {
			errs = append(errs, fmt.Sprintf("template_sensors[%d].unique_id %q is duplicated", i, s.UniqueID))
		}
		seen[s.UniqueID] = true
		if s.State == "" {
			errs = append(errs, fmt.Sprintf("template_sensors[%d].state is required", i))
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.BaseTopic == "" {
			errs = append(errs, "mqtt.base_topic is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1 or 2")
		}
	}

	if c.SystemMonitor.Enabled {
		if _, err := scheduleParser.Parse(c.SystemMonitor.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("system_monitor.schedule is invalid: %v", err))
		}
	}

	if c.Discovery.Enabled && c.Discovery.ServiceType == "" {
		errs = append(errs, "discovery.service_type is required when discovery is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errs, "\n- "))
	}

	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.mode", "development")

	// Database defaults
	v.SetDefault("database.path", "./data/pma.db")
	v.SetDefault("database.max_connections", 1)
	v.SetDefault("database.migration.enabled", true)
	v.SetDefault("database.migration.auto_migrate", true)

	// Auth defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_expiry", 3600)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// WebSocket defaults
	v.SetDefault("websocket.ping_interval", 30)
	v.SetDefault("websocket.pong_timeout", 60)
	v.SetDefault("websocket.write_timeout", 10)
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.max_message_size", 512*1024)

	// Security defaults
	v.SetDefault("security.allowed_origins", []string{"*"})
	v.SetDefault("security.enable_cors", true)

	// Tracking defaults
	v.SetDefault("tracking.all_states_rate_limit", time.Minute)
	v.SetDefault("tracking.domain_states_rate_limit", time.Second)
	v.SetDefault("tracking.time_pattern", "0 * * * * *")
	v.SetDefault("tracking.strict_templates", false)

	// Recorder defaults
	v.SetDefault("recorder.enabled", true)
	v.SetDefault("recorder.debounce", 5*time.Second)
	v.SetDefault("recorder.commit_interval", 30*time.Second)
	v.SetDefault("recorder.batch_size", 200)
	v.SetDefault("recorder.restore_on_start", true)

	v.SetDefault("template_sensors_file", "")

	// MQTT defaults
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "pma-hub")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.base_topic", "pma")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.retain", true)
	v.SetDefault("mqtt.accept_commands", true)
	v.SetDefault("mqtt.include_domains", []string{})

	// System monitor defaults
	v.SetDefault("system_monitor.enabled", true)
	v.SetDefault("system_monitor.schedule", "@every 30s")
	v.SetDefault("system_monitor.disk_path", "/")

	// Discovery defaults
	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.service_name", "PMA Hub")
	v.SetDefault("discovery.service_type", "_pma-hub._tcp")
	v.SetDefault("discovery.domain", "local.")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.prefix", "pma")
	v.SetDefault("metrics.path", "/metrics")
}
