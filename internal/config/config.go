// Package config loads the gateway configuration. The resulting Config is
// immutable: it is built once at startup and passed into each component
// constructor, never read from ambient state at call time.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AuthMode is the tri-state authentication switch.
type AuthMode string

const (
	AuthOn   AuthMode = "on"
	AuthOff  AuthMode = "off"
	AuthAuto AuthMode = "auto"
)

// Config holds the configuration for the gateway.
type Config struct {
	Environment string `mapstructure:"environment"`

	API struct {
		Port int `mapstructure:"port"`
		TLS  struct {
			Enable    bool     `mapstructure:"enable"`
			CertFile  string   `mapstructure:"cert_file"`
			KeyFile   string   `mapstructure:"key_file"`
			Hostnames []string `mapstructure:"hostnames"`
		} `mapstructure:"tls"`
	} `mapstructure:"api"`

	CLI struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"cli"`

	ToolProtocol struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"tool_protocol"`

	Auth struct {
		Enabled  AuthMode `mapstructure:"enabled"`
		Issuer   string   `mapstructure:"issuer"`
		ClientID string   `mapstructure:"client_id"`
		// StaticKeys maps API key -> principal name. Intended for development
		// and CLI use; production deployments verify bearer tokens instead.
		StaticKeys map[string]string `mapstructure:"static_keys"`
	} `mapstructure:"auth"`

	RateLimit struct {
		PerMinute int `mapstructure:"per_minute"`
	} `mapstructure:"rate_limit"`

	Session struct {
		Backend    string `mapstructure:"backend"`
		TTLSeconds int    `mapstructure:"ttl_seconds"`
		DB         struct {
			Host     string `mapstructure:"host"`
			Port     int    `mapstructure:"port"`
			User     string `mapstructure:"user"`
			Password string `mapstructure:"password"`
			Name     string `mapstructure:"name"`
			SSLMode  string `mapstructure:"sslmode"`
		} `mapstructure:"db"`
	} `mapstructure:"session"`

	Breaker struct {
		FailureThreshold int `mapstructure:"failure_threshold"`
		CooldownSeconds  int `mapstructure:"cooldown_seconds"`
	} `mapstructure:"breaker"`

	Cache struct {
		TTLSeconds int `mapstructure:"ttl_seconds"`
	} `mapstructure:"cache"`

	Executor struct {
		URL            string `mapstructure:"url"`
		TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	} `mapstructure:"executor"`

	Normalizer struct {
		MaxInputBytes int64 `mapstructure:"max_input_bytes"`
	} `mapstructure:"normalizer"`

	// Workflows registered at startup. Further registration happens over
	// the API at runtime.
	Workflows []WorkflowConfig `mapstructure:"workflows"`
}

// WorkflowConfig declares one workflow in the config file.
type WorkflowConfig struct {
	Name       string            `mapstructure:"name"`
	Visibility []string          `mapstructure:"visibility"`
	Parameters []ParameterConfig `mapstructure:"parameters"`
}

// ParameterConfig declares one workflow parameter in the config file.
type ParameterConfig struct {
	Name        string `mapstructure:"name"`
	Type        string `mapstructure:"type"`
	Required    bool   `mapstructure:"required"`
	Default     any    `mapstructure:"default"`
	Description string `mapstructure:"description"`
}

// LoadConfig loads the configuration from config.yaml and the environment.
// A missing config file is not an error; defaults and env vars apply.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToUpper(strings.TrimSpace(config.Environment))
	config.Auth.Issuer = strings.TrimRight(strings.TrimSpace(config.Auth.Issuer), "/")

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "DEV")
	v.SetDefault("api.port", 8080)
	v.SetDefault("cli.enabled", true)
	v.SetDefault("tool_protocol.enabled", true)
	v.SetDefault("auth.enabled", "auto")
	// Secure by default: a non-configured limiter still limits.
	v.SetDefault("rate_limit.per_minute", 60)
	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.ttl_seconds", 1800)
	v.SetDefault("session.db.port", 5432)
	v.SetDefault("session.db.sslmode", "disable")
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown_seconds", 30)
	v.SetDefault("cache.ttl_seconds", 60)
	v.SetDefault("executor.timeout_seconds", 60)
	v.SetDefault("normalizer.max_input_bytes", int64(10<<20))
}

// IsProduction reports whether the gateway runs in the production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "PROD"
}

// AuthEnabled resolves the tri-state auth switch against the environment:
// "auto" enables authentication in production and disables it elsewhere.
func (c *Config) AuthEnabled() bool {
	switch c.Auth.Enabled {
	case AuthOn:
		return true
	case AuthOff:
		return false
	default:
		return c.IsProduction()
	}
}

// SessionTTL returns the session TTL as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLSeconds) * time.Second
}

// CacheTTL returns the response cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// BreakerCooldown returns the circuit breaker cooldown as a duration.
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Breaker.CooldownSeconds) * time.Second
}

// ExecutorTimeout returns the per-dispatch executor timeout as a duration.
func (c *Config) ExecutorTimeout() time.Duration {
	return time.Duration(c.Executor.TimeoutSeconds) * time.Second
}
