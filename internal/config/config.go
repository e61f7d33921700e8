package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Upstream     UpstreamConfig     `mapstructure:"upstream"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	Admin        AdminConfig        `mapstructure:"admin"`
	Registration RegistrationConfig `mapstructure:"registration"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	CORS         CORSConfig         `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// UpstreamConfig points at the single shared provider account.
type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ProxyConfig controls admission and accounting behavior.
type ProxyConfig struct {
	// AllowedModels is the global model allow-list. Empty allows every
	// model the upstream accepts.
	AllowedModels []string `mapstructure:"allowed_models"`

	// EstimateMode selects the admission-time cost estimate:
	// "none" (0, optimistic), "heuristic" (chars/4), or "tokenizer".
	EstimateMode string `mapstructure:"estimate_mode"`

	// ReservationTTL bounds how long an unfinalized reservation may stay
	// open before the janitor releases it. Must exceed the upstream
	// request timeout.
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`

	// AuditMaxBytes caps the request/response payload copies kept in the
	// request log.
	AuditMaxBytes int `mapstructure:"audit_max_bytes"`
}

type AdminConfig struct {
	Password  string        `mapstructure:"password"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
}

type RegistrationConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AccessCodes    []string `mapstructure:"access_codes"`
	AllowedDomains []string `mapstructure:"allowed_domains"`
	DefaultQuota   int64    `mapstructure:"default_quota"`
}

type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DefaultRPM      int           `mapstructure:"default_rpm"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type MonitoringConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	ServiceName   string `mapstructure:"service_name"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// ModelAllowed reports whether the allow-list admits the model. An empty
// list admits everything.
func (p *ProxyConfig) ModelAllowed(model string) bool {
	if len(p.AllowedModels) == 0 {
		return true
	}
	for _, m := range p.AllowedModels {
		if m == model || m == "*" {
			return true
		}
	}
	return false
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/tokengate")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg = &config
	return cfg, nil
}

func setDefaults() {
	// Server defaults. The write timeout stays long because streamed
	// completions can run for minutes.
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "300s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	// Database defaults
	viper.SetDefault("database.max_connections", 100)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	// Redis defaults
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 100)

	// Upstream defaults
	viper.SetDefault("upstream.base_url", "https://api.openai.com/v1")
	viper.SetDefault("upstream.request_timeout", "120s")
	viper.SetDefault("upstream.connect_timeout", "10s")

	// Proxy defaults
	viper.SetDefault("proxy.allowed_models", []string{})
	viper.SetDefault("proxy.estimate_mode", "none")
	viper.SetDefault("proxy.reservation_ttl", "10m")
	viper.SetDefault("proxy.audit_max_bytes", 4096)

	// Admin defaults
	viper.SetDefault("admin.jwt_expiry", "12h")

	// Registration defaults
	viper.SetDefault("registration.enabled", false)
	viper.SetDefault("registration.default_quota", 100000)

	// Rate limit defaults
	viper.SetDefault("rate_limit.enabled", false)
	viper.SetDefault("rate_limit.default_rpm", 60)
	viper.SetDefault("rate_limit.cleanup_interval", "1m")

	// Monitoring defaults
	viper.SetDefault("monitoring.enable_metrics", true)
	viper.SetDefault("monitoring.service_name", "tokengate")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.output_path", "")
	viper.SetDefault("logging.max_size_mb", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age_days", 28)

	// CORS defaults
	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("server.idle_timeout", "SERVER_IDLE_TIMEOUT")

	// Database
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")
	viper.BindEnv("database.max_idle_connections", "DATABASE_MAX_IDLE_CONNECTIONS")

	// Redis
	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// Upstream
	viper.BindEnv("upstream.base_url", "UPSTREAM_BASE_URL")
	viper.BindEnv("upstream.api_key", "UPSTREAM_API_KEY")
	viper.BindEnv("upstream.request_timeout", "UPSTREAM_REQUEST_TIMEOUT")

	// Proxy
	viper.BindEnv("proxy.allowed_models", "ALLOWED_MODELS")
	viper.BindEnv("proxy.estimate_mode", "ESTIMATE_MODE")
	viper.BindEnv("proxy.reservation_ttl", "RESERVATION_TTL")

	// Admin
	viper.BindEnv("admin.password", "ADMIN_PASSWORD")
	viper.BindEnv("admin.jwt_secret", "ADMIN_JWT_SECRET")
	viper.BindEnv("admin.jwt_expiry", "ADMIN_JWT_EXPIRY")

	// Registration
	viper.BindEnv("registration.enabled", "REGISTRATION_ENABLED")
	viper.BindEnv("registration.access_codes", "REGISTRATION_ACCESS_CODES")
	viper.BindEnv("registration.allowed_domains", "REGISTRATION_ALLOWED_DOMAINS")
	viper.BindEnv("registration.default_quota", "REGISTRATION_DEFAULT_QUOTA")

	// Rate Limiting
	viper.BindEnv("rate_limit.enabled", "RATE_LIMIT_ENABLED")
	viper.BindEnv("rate_limit.default_rpm", "RATE_LIMIT_DEFAULT_RPM")

	// Monitoring
	viper.BindEnv("monitoring.enable_metrics", "ENABLE_METRICS")

	// Logging
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")
	viper.BindEnv("logging.output_path", "LOG_OUTPUT_PATH")

	// CORS
	viper.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
	viper.BindEnv("cors.allowed_methods", "CORS_ALLOWED_METHODS")
	viper.BindEnv("cors.allowed_headers", "CORS_ALLOWED_HEADERS")
}

func Get() *Config {
	return cfg
}
