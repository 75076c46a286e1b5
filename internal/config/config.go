// Package config provides Viper-based configuration loading for the
// multiplayer session client.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RestConfig holds X4 REST server connection settings.
type RestConfig struct {
	// Host is the X4 REST server hostname.
	Host string `mapstructure:"host"`
	// Port is the X4 REST server port.
	Port int `mapstructure:"port"`
	// Timeout is the per-call request timeout.
	Timeout time.Duration `mapstructure:"timeout"`
}

// BaseURL returns the "http://host:port" base URL for REST calls.
//
// Postcondition: Returns a non-empty URL string.
func (r RestConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", r.Host, r.Port)
}

// CoordinatorConfig holds multiplayer coordination server settings.
type CoordinatorConfig struct {
	// Host is the coordination server hostname.
	Host string `mapstructure:"host"`
	// Port is the coordination server HTTP port.
	Port int `mapstructure:"port"`
	// WSPort is the coordination server WebSocket port.
	WSPort int `mapstructure:"ws_port"`
}

// BaseURL returns the "http://host:port" base URL for coordinator calls.
func (c CoordinatorConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// WSURL returns the "ws://host:port" WebSocket URL for the event stream.
func (c CoordinatorConfig) WSURL() string {
	return fmt.Sprintf("ws://%s:%d", c.Host, c.WSPort)
}

// StreamConfig holds event-stream connection settings.
type StreamConfig struct {
	// HandshakeTimeout bounds the WebSocket dial and auth handshake.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// WriteTimeout is the per-write deadline on the stream connection.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// SubscriberBuffer is the per-subscriber channel capacity.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	// ReplayBuffer is the inbound event ring size kept for late subscribers.
	ReplayBuffer int `mapstructure:"replay_buffer"`
	// ReconnectBaseDelay is the initial supervisor reconnect backoff.
	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay"`
	// ReconnectMaxDelay caps the supervisor reconnect backoff.
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
}

// StateConfig holds local state-aggregation settings.
type StateConfig struct {
	// ChatRetention is the maximum number of chat messages kept locally.
	ChatRetention int `mapstructure:"chat_retention"`
	// ChatDisplayLimit is the default limit for chat fetches.
	ChatDisplayLimit int `mapstructure:"chat_display_limit"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level client configuration.
type Config struct {
	Rest        RestConfig        `mapstructure:"rest"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Stream      StreamConfig      `mapstructure:"stream"`
	State       StateConfig       `mapstructure:"state"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateRest(c.Rest); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateCoordinator(c.Coordinator); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateStream(c.Stream); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateState(c.State); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRest(r RestConfig) error {
	var errs []string
	if r.Host == "" {
		errs = append(errs, "rest.host must not be empty")
	}
	if r.Port < 1 || r.Port > 65535 {
		errs = append(errs, fmt.Sprintf("rest.port must be 1-65535, got %d", r.Port))
	}
	if r.Timeout <= 0 {
		errs = append(errs, "rest.timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateCoordinator(c CoordinatorConfig) error {
	var errs []string
	if c.Host == "" {
		errs = append(errs, "coordinator.host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("coordinator.port must be 1-65535, got %d", c.Port))
	}
	if c.WSPort < 1 || c.WSPort > 65535 {
		errs = append(errs, fmt.Sprintf("coordinator.ws_port must be 1-65535, got %d", c.WSPort))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateStream(s StreamConfig) error {
	var errs []string
	if s.HandshakeTimeout <= 0 {
		errs = append(errs, "stream.handshake_timeout must be positive")
	}
	if s.WriteTimeout <= 0 {
		errs = append(errs, "stream.write_timeout must be positive")
	}
	if s.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Sprintf("stream.subscriber_buffer must be >= 1, got %d", s.SubscriberBuffer))
	}
	if s.ReplayBuffer < 1 {
		errs = append(errs, fmt.Sprintf("stream.replay_buffer must be >= 1, got %d", s.ReplayBuffer))
	}
	if s.ReconnectBaseDelay <= 0 {
		errs = append(errs, "stream.reconnect_base_delay must be positive")
	}
	if s.ReconnectMaxDelay < s.ReconnectBaseDelay {
		errs = append(errs, "stream.reconnect_max_delay must not be less than stream.reconnect_base_delay")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateState(s StateConfig) error {
	var errs []string
	if s.ChatRetention < 1 {
		errs = append(errs, fmt.Sprintf("state.chat_retention must be >= 1, got %d", s.ChatRetention))
	}
	if s.ChatDisplayLimit < 1 {
		errs = append(errs, fmt.Sprintf("state.chat_display_limit must be >= 1, got %d", s.ChatDisplayLimit))
	}
	if s.ChatDisplayLimit > s.ChatRetention {
		errs = append(errs, "state.chat_display_limit must not exceed state.chat_retention")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with X4MP_ prefix
	v.SetEnvPrefix("X4MP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Default returns the built-in configuration matching the stock mod ports.
//
// Postcondition: Returns a Config that passes Validate.
func Default() Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; an unmarshal failure here is a programming error.
		panic(fmt.Sprintf("unmarshalling default config: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rest.host", "localhost")
	v.SetDefault("rest.port", 3002)
	v.SetDefault("rest.timeout", "5s")

	v.SetDefault("coordinator.host", "localhost")
	v.SetDefault("coordinator.port", 3003)
	v.SetDefault("coordinator.ws_port", 3004)

	v.SetDefault("stream.handshake_timeout", "10s")
	v.SetDefault("stream.write_timeout", "10s")
	v.SetDefault("stream.subscriber_buffer", 64)
	v.SetDefault("stream.replay_buffer", 64)
	v.SetDefault("stream.reconnect_base_delay", "1s")
	v.SetDefault("stream.reconnect_max_delay", "30s")

	v.SetDefault("state.chat_retention", 500)
	v.SetDefault("state.chat_display_limit", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
