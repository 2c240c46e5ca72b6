package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"time"

	"github.com/amoylab/imgate/pkg/helper"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// ServerConfig represents the top level configuration of imgate
	ServerConfig struct {
		Server   ListenConfig   `yaml:"server"`
		PID      string         `yaml:"pid"`
		Logger   LoggerConfig   `yaml:"logger"`
		Database DatabaseConfig `yaml:"database"`
		Presence PresenceConfig `yaml:"presence"`
		Admin    AdminConfig    `yaml:"admin"`
		Metrics  MetricsConfig  `yaml:"metrics"`
		Tracing  TracingConfig  `yaml:"tracing"`
	}

	// ListenConfig represents the TCP listener and session settings
	ListenConfig struct {
		Host                 string        `yaml:"host"`
		Port                 int           `yaml:"port"`
		Backlog              int           `yaml:"backlog"`
		MaxConnections       int           `yaml:"max_connections"`        // advisory unless strict_max_connections is set
		StrictMaxConnections bool          `yaml:"strict_max_connections"` // stop accepting while at max_connections
		WorkerThreads        int           `yaml:"worker_threads"`
		ReadBufferSize       int           `yaml:"read_buffer_size"`
		IdleTimeout          time.Duration `yaml:"idle_timeout"`      // 0 disables
		WriteQueueLimit      int           `yaml:"write_queue_limit"` // bytes, 0 is unbounded
		RequireAuth          bool          `yaml:"require_auth"`      // echo requests need a logged-in session
	}

	// PresenceConfig represents the presence store configuration
	PresenceConfig struct {
		Type  string              `yaml:"type"` // memory or redis
		Node  string              `yaml:"node"` // node name reported with presence entries
		Redis PresenceRedisConfig `yaml:"redis"`
	}

	// PresenceRedisConfig represents the Redis configuration for presence
	PresenceRedisConfig struct {
		Addr     string        `yaml:"addr"`
		Username string        `yaml:"username"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Topic    string        `yaml:"topic"`
		Prefix   string        `yaml:"prefix"`
		TTL      time.Duration `yaml:"ttl"`
	}

	// AdminConfig represents the operator HTTP endpoint
	AdminConfig struct {
		Enabled bool      `yaml:"enabled"`
		Host    string    `yaml:"host"`
		Port    int       `yaml:"port"`
		JWT     JWTConfig `yaml:"jwt"`
	}

	// JWTConfig protects the admin API when a secret key is set
	JWTConfig struct {
		SecretKey string        `yaml:"secret_key"`
		Duration  time.Duration `yaml:"duration"`
	}

	// MetricsConfig represents the prometheus collectors setup
	MetricsConfig struct {
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}

	// TracingConfig represents the OpenTelemetry exporter setup
	TracingConfig struct {
		Enabled     bool              `yaml:"enabled"`
		ServiceName string            `yaml:"service_name"`
		Endpoint    string            `yaml:"endpoint"` // e.g. localhost:4317 or http://localhost:4318
		Protocol    string            `yaml:"protocol"` // grpc or http
		Insecure    bool              `yaml:"insecure"`
		SamplerRate float64           `yaml:"sampler_rate"` // 0.0~1.0
		Environment string            `yaml:"environment"`
		Headers     map[string]string `yaml:"headers"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone"`   // time zone for log timestamps, e.g., "UTC", default is local
		TimeFormat string `yaml:"time_format"` // time format for log timestamps, default is "2006-01-02 15:04:05"
	}
)

// Addr returns the host:port the server listens on
func (c *ListenConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the host:port of the admin endpoint
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig(filename string) (*ServerConfig, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, cfgPath, err
	}
	return cfg, cfgPath, nil
}

// Parse decodes YAML content, resolves ${VAR:default} placeholders and
// fills defaults
func Parse(data []byte) (*ServerConfig, error) {
	data = resolveEnv(data)
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(cfg *ServerConfig) {
	s := &cfg.Server
	if s.Host == "" {
		s.Host = "0.0.0.0"
	}
	if s.Port == 0 {
		s.Port = 8080
	}
	if s.Backlog <= 0 {
		s.Backlog = 1024
	}
	if s.MaxConnections <= 0 {
		s.MaxConnections = 10000
	}
	if s.WorkerThreads <= 0 {
		s.WorkerThreads = runtime.NumCPU()
	}
	if s.ReadBufferSize <= 0 {
		s.ReadBufferSize = 4096
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite"
	}
	if cfg.Database.Type == "sqlite" && cfg.Database.DBName == "" {
		cfg.Database.DBName = "./data/imgate.db"
	}
	if cfg.Presence.Type == "" {
		cfg.Presence.Type = "memory"
	}
	if cfg.Presence.Node == "" {
		cfg.Presence.Node, _ = os.Hostname()
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 8081
	}
	if cfg.Admin.JWT.Duration <= 0 {
		cfg.Admin.JWT.Duration = 24 * time.Hour
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "imgate"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "imgate"
	}
}

// Validate performs configuration validation
func (c *ServerConfig) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Admin.Enabled && (c.Admin.Port < 0 || c.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}
	if c.Server.WriteQueueLimit < 0 {
		return fmt.Errorf("write_queue_limit must not be negative")
	}
	switch c.Database.Type {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	switch c.Presence.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported presence type: %s", c.Presence.Type)
	}
	return nil
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
