// Package config provides configuration management for rtspserver using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/nofearsk/rtspserver/pkg/duration"
)

// Default configuration values.
const (
	defaultServerPort           = 8000
	defaultServerTimeout        = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultShutdownTimeout      = 10 * time.Second
	defaultMaxOpenConns         = 25
	defaultMaxIdleConns         = 10
	defaultConnMaxIdleTime      = 30 * time.Minute
	defaultMaxStreams           = 50
	defaultMaxConcurrentStreams = 30
	defaultKeepAliveSeconds     = 60
	defaultStartupTimeout       = 15 * time.Second
	defaultReconnectDelay       = 5 * time.Second
	defaultReconnectAttempts    = 3
	defaultHLSTime              = 3
	defaultHLSListSize          = 8
	defaultCleanupInterval      = 30 * time.Second
	defaultSegmentMaxAgeMinutes = 5
	defaultThumbnailInterval    = 60 * time.Second
	defaultTokenExpiryHours     = 24

	// DefaultSecretKey is the out-of-the-box token signing secret. Serving
	// with it is insecure; startup logs a warning until it is replaced.
	DefaultSecretKey = "insecure-dev-secret-change-me"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Streams  StreamsConfig  `mapstructure:"streams"`
	Tokens   TokensConfig   `mapstructure:"tokens"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds catalog database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StreamsConfig holds feed supervision configuration. MaxConcurrentStreams,
// KeepAliveSeconds, HLSTime and HLSListSize are fallback defaults: the
// persisted settings table overrides them at runtime.
type StreamsConfig struct {
	Dir                  string        `mapstructure:"dir"`
	MaxStreams           int           `mapstructure:"max_streams"`
	MaxConcurrentStreams int           `mapstructure:"max_concurrent_streams"`
	KeepAliveSeconds     int           `mapstructure:"keep_alive_seconds"`
	StartupTimeout       time.Duration `mapstructure:"startup_timeout"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	HLSTime              int           `mapstructure:"hls_time"`
	HLSListSize          int           `mapstructure:"hls_list_size"`
}

// TokensConfig holds playback-token configuration.
type TokensConfig struct {
	SecretKey   string `mapstructure:"secret_key" masq:"secret"`
	ExpiryHours int    `mapstructure:"expiry_hours"`
}

// FFmpegConfig holds transcoder binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // Path to ffmpeg binary
	ProbePath  string `mapstructure:"probe_path"`  // Path to ffprobe binary
}

// CleanupConfig holds segment garbage collection and thumbnail refresh
// configuration. SegmentMaxAgeMinutes is a fallback default for the
// corresponding settings-table key.
type CleanupConfig struct {
	SegmentCleanupInterval   time.Duration `mapstructure:"segment_cleanup_interval"`
	SegmentMaxAgeMinutes     int           `mapstructure:"segment_max_age_minutes"`
	ThumbnailRefreshInterval time.Duration `mapstructure:"thumbnail_refresh_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with RTSP_ and use underscores for nesting.
// Example: RTSP_SERVER_PORT=8000.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/rtspserver")
		v.AddConfigPath("$HOME/.rtspserver")
	}

	// Environment variable settings
	v.SetEnvPrefix("RTSP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// durationHook decodes duration values with the extended units from
// pkg/duration, so config files and environment variables accept
// "2d" or "45 minutes" anywhere a duration is expected.
func durationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != durationType {
			return data, nil
		}
		return duration.Parse(data.(string))
	}
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.idle_timeout", defaultIdleTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "rtspserver.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Streams defaults
	v.SetDefault("streams.dir", "./streams")
	v.SetDefault("streams.max_streams", defaultMaxStreams)
	v.SetDefault("streams.max_concurrent_streams", defaultMaxConcurrentStreams)
	v.SetDefault("streams.keep_alive_seconds", defaultKeepAliveSeconds)
	v.SetDefault("streams.startup_timeout", defaultStartupTimeout)
	v.SetDefault("streams.reconnect_delay", defaultReconnectDelay)
	v.SetDefault("streams.max_reconnect_attempts", defaultReconnectAttempts)
	v.SetDefault("streams.hls_time", defaultHLSTime)
	v.SetDefault("streams.hls_list_size", defaultHLSListSize)

	// Token defaults
	v.SetDefault("tokens.secret_key", DefaultSecretKey)
	v.SetDefault("tokens.expiry_hours", defaultTokenExpiryHours)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "ffmpeg")
	v.SetDefault("ffmpeg.probe_path", "ffprobe")

	// Cleanup defaults
	v.SetDefault("cleanup.segment_cleanup_interval", defaultCleanupInterval)
	v.SetDefault("cleanup.segment_max_age_minutes", defaultSegmentMaxAgeMinutes)
	v.SetDefault("cleanup.thumbnail_refresh_interval", defaultThumbnailInterval)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Database validation
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	validDBLogLevels := map[string]bool{"silent": true, "error": true, "warn": true, "info": true}
	if !validDBLogLevels[c.Database.LogLevel] {
		return fmt.Errorf("database.log_level must be one of: silent, error, warn, info")
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("database.max_open_conns must be at least 1")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns must not be negative")
	}

	// Streams validation
	if c.Streams.Dir == "" {
		return fmt.Errorf("streams.dir is required")
	}
	if c.Streams.MaxConcurrentStreams < 1 {
		return fmt.Errorf("streams.max_concurrent_streams must be at least 1")
	}
	if c.Streams.KeepAliveSeconds < 1 {
		return fmt.Errorf("streams.keep_alive_seconds must be at least 1")
	}
	if c.Streams.MaxReconnectAttempts < 0 {
		return fmt.Errorf("streams.max_reconnect_attempts must not be negative")
	}
	if c.Streams.HLSTime < 1 || c.Streams.HLSTime > 10 {
		return fmt.Errorf("streams.hls_time must be between 1 and 10")
	}
	if c.Streams.HLSListSize < 3 || c.Streams.HLSListSize > 20 {
		return fmt.Errorf("streams.hls_list_size must be between 3 and 20")
	}

	// Token validation
	if c.Tokens.SecretKey == "" {
		return fmt.Errorf("tokens.secret_key is required")
	}
	if c.Tokens.ExpiryHours < 1 {
		return fmt.Errorf("tokens.expiry_hours must be at least 1")
	}

	// FFmpeg validation
	if c.FFmpeg.BinaryPath == "" {
		return fmt.Errorf("ffmpeg.binary_path is required")
	}
	if c.FFmpeg.ProbePath == "" {
		return fmt.Errorf("ffmpeg.probe_path is required")
	}

	// Cleanup validation
	if c.Cleanup.SegmentMaxAgeMinutes < 1 {
		return fmt.Errorf("cleanup.segment_max_age_minutes must be at least 1")
	}

	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SegmentMaxAge returns the segment retention window as a duration.
func (c *CleanupConfig) SegmentMaxAge() time.Duration {
	return time.Duration(c.SegmentMaxAgeMinutes) * time.Minute
}

// TokenExpiry returns the default token lifetime as a duration.
func (c *TokensConfig) TokenExpiry() time.Duration {
	return time.Duration(c.ExpiryHours) * time.Hour
}
