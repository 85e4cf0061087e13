package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/lab-booking/internal/geo"
	"github.com/jwalitptl/lab-booking/internal/slot"
	"github.com/jwalitptl/lab-booking/pkg/messaging/redis"
	"github.com/jwalitptl/lab-booking/pkg/worker"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Geo       GeoConfig       `mapstructure:"geo"`
	Slots     SlotsConfig     `mapstructure:"slots"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Session   SessionConfig   `mapstructure:"session"`
	Payment   PaymentConfig   `mapstructure:"payment"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Events    OutboxConfig    `mapstructure:"events"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type BackendConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Token           string        `mapstructure:"token"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RequestsPerSec  float64       `mapstructure:"requests_per_sec"`
	Burst           int           `mapstructure:"burst"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

type GeoConfig struct {
	Mode            string        `mapstructure:"mode"`
	ReferenceLat    float64       `mapstructure:"reference_lat"`
	ReferenceLng    float64       `mapstructure:"reference_lng"`
	NearestCount    int           `mapstructure:"nearest_count"`
	PositionTimeout time.Duration `mapstructure:"position_timeout"`
	PositionMaxAge  time.Duration `mapstructure:"position_max_age"`
}

type SlotsConfig struct {
	Start    string        `mapstructure:"start"`
	End      string        `mapstructure:"end"`
	Step     time.Duration `mapstructure:"step"`
	GapStart string        `mapstructure:"gap_start"`
	GapEnd   string        `mapstructure:"gap_end"`
	Lead     time.Duration `mapstructure:"lead"`
	Timezone string        `mapstructure:"timezone"`
}

type CatalogConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type SessionConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	MaxSessions int           `mapstructure:"max_sessions"`
}

type PaymentConfig struct {
	Currency string `mapstructure:"currency"`
	KeyID    string `mapstructure:"key_id"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type OutboxConfig struct {
	Channel       string        `mapstructure:"channel"`
	Capacity      int           `mapstructure:"capacity"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BatchSize     int           `mapstructure:"batch_size"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Port      int    `mapstructure:"port"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Secrets are read from the environment only, e.g. LABBOOK_BACKEND_TOKEN.
type Secrets struct {
	BackendToken string `envconfig:"BACKEND_TOKEN"`
	JWTSecret    string `envconfig:"JWT_SECRET"`
	GatewayKeyID string `envconfig:"GATEWAY_KEY_ID"`
}

const envPrefix = "LABBOOK"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("backend.base_url", "http://localhost:9000/api")
	v.SetDefault("backend.timeout", 10*time.Second)
	v.SetDefault("backend.requests_per_sec", 20.0)
	v.SetDefault("backend.burst", 40)
	v.SetDefault("backend.breaker_failures", 5)
	v.SetDefault("backend.breaker_timeout", 30*time.Second)

	v.SetDefault("geo.mode", string(geo.ModeLabCoordinates))
	v.SetDefault("geo.reference_lat", 19.0760)
	v.SetDefault("geo.reference_lng", 72.8777)
	v.SetDefault("geo.nearest_count", 10)
	v.SetDefault("geo.position_timeout", 10*time.Second)
	v.SetDefault("geo.position_max_age", 10*time.Minute)

	v.SetDefault("slots.start", "09:00")
	v.SetDefault("slots.end", "17:30")
	v.SetDefault("slots.step", 30*time.Minute)
	v.SetDefault("slots.gap_start", "12:30")
	v.SetDefault("slots.gap_end", "14:00")
	v.SetDefault("slots.lead", 30*time.Minute)
	v.SetDefault("slots.timezone", "Local")

	v.SetDefault("catalog.cache_ttl", 5*time.Minute)

	v.SetDefault("session.ttl", 30*time.Minute)
	v.SetDefault("session.max_sessions", 10000)

	v.SetDefault("payment.currency", "INR")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("events.channel", "labbook.events")
	v.SetDefault("events.capacity", 1000)
	v.SetDefault("events.max_attempts", 5)
	v.SetDefault("events.batch_size", 50)
	v.SetDefault("events.poll_interval", time.Second)
	v.SetDefault("events.retry_attempts", 3)
	v.SetDefault("events.retry_delay", 200*time.Millisecond)

	v.SetDefault("auth.issuer", "lab-booking")

	v.SetDefault("log.level", "info")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "labbook")
	v.SetDefault("metrics.port", 9091)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 10.0)
	v.SetDefault("rate_limit.burst", 20)
}

// LoadConfig reads config.yml from the usual locations. A missing file is
// fine; defaults and environment variables still apply.
func LoadConfig() (*Config, error) {
	return Load("")
}

// Load reads the config file at path, or searches the default locations
// when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")           // current directory
		v.AddConfigPath("./config")    // config subdirectory
		v.AddConfigPath("/app/config") // container config directory
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var secrets Secrets
	if err := envconfig.Process(envPrefix, &secrets); err != nil {
		return nil, fmt.Errorf("failed to read secrets: %w", err)
	}
	config.applySecrets(secrets)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applySecrets(s Secrets) {
	if s.BackendToken != "" {
		c.Backend.Token = s.BackendToken
	}
	if s.JWTSecret != "" {
		c.Auth.JWTSecret = s.JWTSecret
	}
	if s.GatewayKeyID != "" {
		c.Payment.KeyID = s.GatewayKeyID
	}
}

func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be between 1 and 65535")
	}
	if c.Backend.BaseURL == "" {
		problems = append(problems, "backend.base_url is required")
	}
	switch geo.Mode(c.Geo.Mode) {
	case geo.ModeLabCoordinates, geo.ModeFixedReference:
	default:
		problems = append(problems, fmt.Sprintf("geo.mode %q is not supported", c.Geo.Mode))
	}
	if c.Geo.NearestCount < 0 {
		problems = append(problems, "geo.nearest_count must not be negative")
	}
	if c.Slots.Step <= 0 {
		problems = append(problems, "slots.step must be positive")
	}
	if c.Slots.Lead < 0 {
		problems = append(problems, "slots.lead must not be negative")
	}
	if tz := c.Slots.Timezone; tz != "" && tz != "Local" {
		if _, err := time.LoadLocation(tz); err != nil {
			problems = append(problems, fmt.Sprintf("slots.timezone %q cannot be loaded", tz))
		}
	}
	if c.Session.TTL <= 0 {
		problems = append(problems, "session.ttl must be positive")
	}
	if c.Payment.Currency == "" {
		problems = append(problems, "payment.currency is required")
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		problems = append(problems, "redis.url is required when redis is enabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		problems = append(problems, "rate_limit.requests_per_second must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Location resolves slots.timezone. Validate rejects zones that cannot be
// loaded, so the local fallback only applies to unvalidated values.
func (c SlotsConfig) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Add conversion methods to convert config types
func (c *OutboxConfig) ToWorkerConfig() worker.OutboxProcessorConfig {
	return worker.OutboxProcessorConfig{
		Channel:       c.Channel,
		BatchSize:     c.BatchSize,
		PollInterval:  c.PollInterval,
		RetryAttempts: c.RetryAttempts,
		RetryDelay:    c.RetryDelay,
	}
}

func (c *RedisConfig) ToBrokerConfig() redis.Config {
	return redis.Config{
		URL:          c.URL,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
}

func (c *GeoConfig) ToRankerConfig() geo.RankerConfig {
	return geo.RankerConfig{
		Mode:      geo.Mode(c.Mode),
		Reference: geo.Point{Latitude: c.ReferenceLat, Longitude: c.ReferenceLng},
	}
}

func (c *SlotsConfig) ToGridConfig() slot.GridConfig {
	return slot.GridConfig{
		Start:    c.Start,
		End:      c.End,
		Step:     c.Step,
		GapStart: c.GapStart,
		GapEnd:   c.GapEnd,
		Lead:     c.Lead,
	}
}
