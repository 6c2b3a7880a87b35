// Package config loads the dashboard service configuration from a YAML file,
// H2DASH_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// H2DASH_BACKEND_URL overrides backend.url.
const EnvPrefix = "H2DASH"

// AppConfig is the root configuration structure.
type AppConfig struct {
	Server    ServerConfig    `mapstructure:"server"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Transport TransportConfig `mapstructure:"transport"`
	Buffers   BuffersConfig   `mapstructure:"buffers"`
	Pumps     PumpsConfig     `mapstructure:"pumps"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// ServerConfig contains the local dashboard API settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	BindAddress  string        `mapstructure:"bindAddress"`
	EnableCORS   bool          `mapstructure:"enableCORS"`
	AllowOrigins []string      `mapstructure:"allowOrigins"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	BodyLimit    string        `mapstructure:"bodyLimit"`
}

// BackendConfig points at the telemetry backend.
type BackendConfig struct {
	URL     string        `mapstructure:"url"`
	WSURL   string        `mapstructure:"wsURL"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TransportConfig tunes the websocket reconnect policy.
type TransportConfig struct {
	ConnectTimeout    time.Duration `mapstructure:"connectTimeout"`
	ReconnectDelay    time.Duration `mapstructure:"reconnectDelay"`
	ReconnectDelayMax time.Duration `mapstructure:"reconnectDelayMax"`
	ReconnectAttempts int           `mapstructure:"reconnectAttempts"`
	Jitter            float64       `mapstructure:"jitter"`
}

// BuffersConfig sizes the live channel buffers.
type BuffersConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// PumpsConfig controls optimistic pump updates.
type PumpsConfig struct {
	// ConfirmTimeout reverts an unconfirmed command. Zero disables it.
	ConfirmTimeout time.Duration `mapstructure:"confirmTimeout"`
}

// AlertsConfig contains alert evaluation settings.
type AlertsConfig struct {
	RulesFile     string        `mapstructure:"rulesFile"`
	CheckInterval time.Duration `mapstructure:"checkInterval"`
}

// StorageConfig selects the key/value store for rules and alert history.
type StorageConfig struct {
	Type          string `mapstructure:"type"` // local or redis
	DataDirectory string `mapstructure:"dataDirectory"`
	RedisAddr     string `mapstructure:"redisAddr"`
	RedisPassword string `mapstructure:"redisPassword"`
	RedisDB       int    `mapstructure:"redisDB"`
	RedisPrefix   string `mapstructure:"redisPrefix"`
}

// ArchiveConfig contains the DuckDB archive settings.
type ArchiveConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Path        string `mapstructure:"path"`
	MemoryLimit string `mapstructure:"memoryLimit"`
	Threads     int    `mapstructure:"threads"`
	BatchSize   int    `mapstructure:"batchSize"`
}

// NotifyConfig enables NATS alert fan-out when NatsURL is set.
type NotifyConfig struct {
	NatsURL string `mapstructure:"natsURL"`
	Subject string `mapstructure:"subject"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8089)
	v.SetDefault("server.bindAddress", "0.0.0.0")
	v.SetDefault("server.enableCORS", true)
	v.SetDefault("server.allowOrigins", []string{"*"})
	v.SetDefault("server.readTimeout", 30*time.Second)
	v.SetDefault("server.writeTimeout", 30*time.Second)
	v.SetDefault("server.bodyLimit", "1M")

	v.SetDefault("backend.url", "http://localhost:8000")
	v.SetDefault("backend.wsURL", "")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.timeout", 30*time.Second)

	v.SetDefault("transport.connectTimeout", 20*time.Second)
	v.SetDefault("transport.reconnectDelay", time.Second)
	v.SetDefault("transport.reconnectDelayMax", 5*time.Second)
	v.SetDefault("transport.reconnectAttempts", 5)
	v.SetDefault("transport.jitter", 0.5)

	v.SetDefault("buffers.capacity", 100)
	v.SetDefault("pumps.confirmTimeout", time.Duration(0))

	v.SetDefault("alerts.rulesFile", "")
	v.SetDefault("alerts.checkInterval", 5*time.Second)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.dataDirectory", "./data")
	v.SetDefault("storage.redisAddr", "localhost:6379")
	v.SetDefault("storage.redisPassword", "")
	v.SetDefault("storage.redisDB", 0)
	v.SetDefault("storage.redisPrefix", "h2dash:")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.path", "./data/readings.duckdb")
	v.SetDefault("archive.memoryLimit", "256MB")
	v.SetDefault("archive.threads", 2)
	v.SetDefault("archive.batchSize", 50)

	v.SetDefault("notify.natsURL", "")
	v.SetDefault("notify.subject", "h2dash.alerts")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig reads configPath, or searches ./config.yaml and ./config/config.yaml
// when configPath is empty. A missing file is not an error.
func LoadConfig(configPath string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(configPath != "" && os.IsNotExist(err)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if cfg.File != "" {
		if _, err := os.Stat(cfg.File); err != nil {
			cfg.File = ""
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := "."
	if cfg.File != "" {
		base = filepath.Dir(cfg.File)
	}
	cfg.resolvePaths(base)
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *AppConfig) Validate() error {
	if c.Backend.URL == "" {
		return errors.New("backend.url is required")
	}
	if c.Buffers.Capacity < 1 {
		return fmt.Errorf("buffers.capacity must be positive, got %d", c.Buffers.Capacity)
	}
	switch c.Storage.Type {
	case "local", "redis":
	default:
		return fmt.Errorf("storage.type must be local or redis, got %q", c.Storage.Type)
	}
	if c.Pumps.ConfirmTimeout < 0 {
		return errors.New("pumps.confirmTimeout must not be negative")
	}
	return nil
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(configDir, p)
	}
	c.Storage.DataDirectory = resolve(c.Storage.DataDirectory)
	c.Alerts.RulesFile = resolve(c.Alerts.RulesFile)
	c.Archive.Path = resolve(c.Archive.Path)
}

// WebSocketURL returns backend.wsURL, or derives ws(s)://host/ws from backend.url.
func (c *AppConfig) WebSocketURL() string {
	if c.Backend.WSURL != "" {
		return c.Backend.WSURL
	}
	u := strings.TrimSuffix(c.Backend.URL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.DataDirectory)
	}
	if c.Archive.Enabled && c.Archive.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Archive.Path))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
