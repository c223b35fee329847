package config

import (
	"fmt"
	"os"
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
		PingInterval         time.Duration `yaml:"ping_interval"`
		PongTimeout          time.Duration `yaml:"pong_timeout"`
		WriteTimeout         time.Duration `yaml:"write_timeout"`
		DisconnectGrace      time.Duration `yaml:"disconnect_grace"`
		MaxMessageSizeBytes  int64         `yaml:"max_message_size_bytes"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	} `yaml:"webrtc"`

	Hangout struct {
		DefaultMaxParticipants int           `yaml:"default_max_participants"`
		WiringTimeout          time.Duration `yaml:"wiring_timeout"`
	} `yaml:"hangout"`

	Broadcast struct {
		RetryAttempts    int           `yaml:"retry_attempts"`
		RetryInitialWait time.Duration `yaml:"retry_initial_wait"`
		RetryMaxWait     time.Duration `yaml:"retry_max_wait"`
		BreakerThreshold int           `yaml:"breaker_threshold"`
		BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	} `yaml:"broadcast"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		LockTTL  time.Duration `yaml:"lock_ttl"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string   `yaml:"jwt_secret"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		Signal struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"signal"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.DisconnectGrace < 0 {
		return fmt.Errorf("signal.disconnect_grace must be >= 0")
	}
	if c.Signal.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("signal.max_message_size_bytes must be >= 0")
	}

	if c.WebRTC.PortRange.Min > 0 && c.WebRTC.PortRange.Max < c.WebRTC.PortRange.Min {
		return fmt.Errorf("webrtc.port_range.max must be >= webrtc.port_range.min")
	}
	if c.WebRTC.NegotiationTimeout <= 0 {
		return fmt.Errorf("webrtc.negotiation_timeout must be > 0")
	}

	if c.Hangout.DefaultMaxParticipants < 2 {
		return fmt.Errorf("hangout.default_max_participants must be >= 2")
	}
	if c.Hangout.WiringTimeout <= 0 {
		return fmt.Errorf("hangout.wiring_timeout must be > 0")
	}

	if c.Broadcast.RetryAttempts < 0 {
		return fmt.Errorf("broadcast.retry_attempts must be >= 0")
	}
	if c.Broadcast.RetryInitialWait <= 0 {
		return fmt.Errorf("broadcast.retry_initial_wait must be > 0")
	}
	if c.Broadcast.RetryMaxWait < c.Broadcast.RetryInitialWait {
		return fmt.Errorf("broadcast.retry_max_wait must be >= broadcast.retry_initial_wait")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis is enabled")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis is enabled")
		}
		if c.Redis.LockTTL <= 0 {
			return fmt.Errorf("redis.lock_ttl must be > 0 when redis is enabled")
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Signal.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.signal.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Signal.Burst <= 0 {
			return fmt.Errorf("rate_limiting.signal.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.DisconnectGrace = 15 * time.Second
	cfg.Signal.MaxMessageSizeBytes = 64 * 1024

	cfg.WebRTC.NegotiationTimeout = 30 * time.Second

	cfg.Hangout.DefaultMaxParticipants = 10
	cfg.Hangout.WiringTimeout = 10 * time.Second

	cfg.Broadcast.RetryAttempts = 5
	cfg.Broadcast.RetryInitialWait = 500 * time.Millisecond
	cfg.Broadcast.RetryMaxWait = 30 * time.Second
	cfg.Broadcast.BreakerThreshold = 5
	cfg.Broadcast.BreakerCooldown = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.LockTTL = 10 * time.Second

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.Signal.MessagesPerSecond = 100
	cfg.RateLimiting.Signal.Burst = 200

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("HANGNET_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("HANGNET_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("HANGNET_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("HANGNET_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
