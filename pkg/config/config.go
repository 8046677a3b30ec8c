package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path           string        `yaml:"path"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		MaxMessageSize int64         `yaml:"max_message_size"`
		QueueSize      int           `yaml:"queue_size"`
		CloseLinger    time.Duration `yaml:"close_linger"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Auth struct {
		JWTSecret        string        `yaml:"jwt_secret"`
		Issuer           string        `yaml:"issuer"`
		TokenTTL         time.Duration `yaml:"token_ttl"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		BcryptCost       int           `yaml:"bcrypt_cost"`
		BootstrapAdmin   struct {
			Name   string `yaml:"name"`
			Secret string `yaml:"secret"`
		} `yaml:"bootstrap_admin"`
	} `yaml:"auth"`

	Router struct {
		ProtocolVersion             string        `yaml:"protocol_version"`
		SetupTimeout                time.Duration `yaml:"setup_timeout"`
		AllowConcurrentHostSessions bool          `yaml:"allow_concurrent_host_sessions"`
		RetainOfflineHosts          bool          `yaml:"retain_offline_hosts"`
		InstanceID                  string        `yaml:"instance_id"`
	} `yaml:"router"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled          bool   `yaml:"enabled"`
		Address          string `yaml:"address"`
		Password         string `yaml:"password"`
		DB               int    `yaml:"db"`
		PoolSize         int    `yaml:"pool_size"`
		ConnectRetries   int    `yaml:"connect_retries"`
		PublishDeltas    bool   `yaml:"publish_deltas"`
		PublishQueueSize int    `yaml:"publish_queue_size"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int `yaml:"connections_per_minute"`
			Burst                int `yaml:"burst"`
			MaxConcurrent        int `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	if !strings.HasPrefix(c.Signal.Path, "/") {
		return fmt.Errorf("signal.path must start with /")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must exceed signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.MaxMessageSize <= 0 {
		return fmt.Errorf("signal.max_message_size must be > 0")
	}
	if c.Signal.QueueSize <= 0 {
		return fmt.Errorf("signal.queue_size must be > 0")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("auth.token_ttl must be >= 0")
	}
	if c.Auth.HandshakeTimeout <= 0 {
		return fmt.Errorf("auth.handshake_timeout must be > 0")
	}
	if c.Auth.BootstrapAdmin.Name != "" && c.Auth.BootstrapAdmin.Secret == "" {
		return fmt.Errorf("auth.bootstrap_admin.secret must be set with auth.bootstrap_admin.name")
	}

	if c.Router.ProtocolVersion == "" {
		return fmt.Errorf("router.protocol_version must not be empty")
	}
	if c.Router.SetupTimeout <= 0 {
		return fmt.Errorf("router.setup_timeout must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.ConnectRetries < 0 {
			return fmt.Errorf("redis.connect_retries must be >= 0")
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from a YAML file over the defaults, then
// applies ROUTERD_* environment overrides. A missing file yields defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MaxMessageSize = 64 * 1024
	cfg.Signal.QueueSize = 256
	cfg.Signal.CloseLinger = time.Second

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.Issuer = "routerd"
	cfg.Auth.TokenTTL = 0
	cfg.Auth.HandshakeTimeout = 10 * time.Second
	cfg.Auth.BcryptCost = 10

	cfg.Router.ProtocolVersion = "2.6.0"
	cfg.Router.SetupTimeout = 10 * time.Second
	cfg.Router.AllowConcurrentHostSessions = true
	cfg.Router.RetainOfflineHosts = false

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.ConnectRetries = 3
	cfg.Redis.PublishDeltas = true
	cfg.Redis.PublishQueueSize = 1024

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.Burst = 20

	cfg.Tracing.ServiceName = "routerd"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"ROUTERD_SERVER_ADDRESS":         &c.Server.Address,
		"ROUTERD_LOG_LEVEL":              &c.Logging.Level,
		"ROUTERD_LOG_FORMAT":             &c.Logging.Format,
		"ROUTERD_JWT_SECRET":             &c.Auth.JWTSecret,
		"ROUTERD_BOOTSTRAP_ADMIN_NAME":   &c.Auth.BootstrapAdmin.Name,
		"ROUTERD_BOOTSTRAP_ADMIN_SECRET": &c.Auth.BootstrapAdmin.Secret,
		"ROUTERD_REDIS_ADDRESS":          &c.Redis.Address,
		"ROUTERD_REDIS_PASSWORD":         &c.Redis.Password,
		"ROUTERD_INSTANCE_ID":            &c.Router.InstanceID,
		"ROUTERD_TRACING_JAEGER_URL":     &c.Tracing.JaegerURL,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"ROUTERD_REDIS_ENABLED":        &c.Redis.Enabled,
		"ROUTERD_RETAIN_OFFLINE_HOSTS": &c.Router.RetainOfflineHosts,
		"ROUTERD_TRACING_ENABLED":      &c.Tracing.Enabled,
		"ROUTERD_RATE_LIMITING":        &c.RateLimiting.Enabled,
	}
	for key, dst := range bools {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
	}

	if v := os.Getenv("ROUTERD_SETUP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ROUTERD_SETUP_TIMEOUT: %w", err)
		}
		c.Router.SetupTimeout = d
	}
	return nil
}
