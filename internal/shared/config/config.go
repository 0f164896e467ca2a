package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Audit      AuditConfig      `mapstructure:"audit"`
	HTTPClient HTTPClientConfig `mapstructure:"http_client"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// RedisConfig holds the shared counter store configuration.
// An empty Address means no shared store is configured and per-user
// quota falls back to in-process accounting.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig holds the optional audit database configuration.
// An empty Host disables persistence of generation records.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode,
	)
	if c.Password != "" {
		dsn += fmt.Sprintf(" password=%s", c.Password)
	}
	return dsn
}

// QuotaConfig holds the daily allowance configuration.
type QuotaConfig struct {
	// DailyLimit is the maximum generation attempts per user per calendar day.
	DailyLimit int `mapstructure:"daily_limit"`
	// TimeZone is the IANA zone name used for day-window computation.
	// Invalid values fall back to UTC.
	TimeZone string `mapstructure:"time_zone"`
}

// ProviderConfig holds the image generation provider configuration.
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`

	// Circuit breaker settings for the provider call.
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
}

// AuditConfig holds the best-effort audit sink configuration.
type AuditConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
}

// HTTPClientConfig holds outbound HTTP client configuration.
type HTTPClientConfig struct {
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `mapstructure:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `mapstructure:"tls_handshake_timeout"`
	ResponseTimeout     time.Duration `mapstructure:"response_timeout"`
	KeepAlive           time.Duration `mapstructure:"keep_alive"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/tryon")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults and env
	}

	v.SetEnvPrefix("TRYON")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override with environment variables for sensitive values
	if key := os.Getenv("TRYON_PROVIDER_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if password := os.Getenv("TRYON_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if password := os.Getenv("TRYON_DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}

	if cfg.Quota.DailyLimit <= 0 {
		return nil, fmt.Errorf("quota.daily_limit must be positive, got %d", cfg.Quota.DailyLimit)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	// Redis defaults (empty address means in-process fallback only)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.db", 0)

	// Database defaults (empty host disables audit persistence)
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "tryon")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)

	// Quota defaults
	v.SetDefault("quota.daily_limit", 5)
	v.SetDefault("quota.time_zone", "UTC")

	// Provider defaults
	v.SetDefault("provider.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("provider.model", "gemini-2.5-flash-image")
	v.SetDefault("provider.failure_threshold", 5)
	v.SetDefault("provider.breaker_timeout", 60*time.Second)

	// Audit defaults
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.buffer_size", 1000)

	// HTTP client defaults
	v.SetDefault("http_client.max_idle_conns", 100)
	v.SetDefault("http_client.max_idle_conns_per_host", 10)
	v.SetDefault("http_client.max_conns_per_host", 50)
	v.SetDefault("http_client.idle_conn_timeout", 90*time.Second)
	v.SetDefault("http_client.dial_timeout", 10*time.Second)
	v.SetDefault("http_client.tls_handshake_timeout", 10*time.Second)
	v.SetDefault("http_client.response_timeout", 120*time.Second)
	v.SetDefault("http_client.keep_alive", 30*time.Second)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
