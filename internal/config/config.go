package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MEDRELAY_HTTP_PORT maps to http.port, and so on.
var envKeyReplacer = strings.NewReplacer(".", "_")

// Config is the full relay configuration. Precedence: defaults, then
// MEDRELAY_* environment variables, then an optional config file.
type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Verifier   VerifierConfig   `mapstructure:"verifier"`
	Translator TranslatorConfig `mapstructure:"translator"`
	Log        LogConfig        `mapstructure:"log"`
}

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RelayConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	QueueDir          string        `mapstructure:"queue_dir"`
	QueueCapacity     int           `mapstructure:"queue_capacity"`
}

type VerifierConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type TranslatorConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads configuration with viper. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("relay.heartbeat_interval", 30*time.Second)
	v.SetDefault("relay.queue_dir", "./data/queues")
	v.SetDefault("relay.queue_capacity", 100)
	v.SetDefault("verifier.url", "http://localhost:4000")
	v.SetDefault("verifier.timeout", 5*time.Second)
	v.SetDefault("translator.url", "http://localhost:3000")
	v.SetDefault("translator.timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetEnvPrefix("MEDRELAY")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("http host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("http timeouts must be positive")
	}
	if c.Relay.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Relay.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	if c.Verifier.URL == "" {
		return fmt.Errorf("verifier url cannot be empty")
	}
	if c.Translator.URL == "" {
		return fmt.Errorf("translator url cannot be empty")
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
