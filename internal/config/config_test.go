package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func validConfig() Config {
	return Config{
		Rest: RestConfig{
			Host:    "localhost",
			Port:    3002,
			Timeout: 5 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			Host:   "localhost",
			Port:   3003,
			WSPort: 3004,
		},
		Stream: StreamConfig{
			HandshakeTimeout:   10 * time.Second,
			WriteTimeout:       10 * time.Second,
			SubscriberBuffer:   64,
			ReplayBuffer:       64,
			ReconnectBaseDelay: time.Second,
			ReconnectMaxDelay:  30 * time.Second,
		},
		State: StateConfig{
			ChatRetention:    500,
			ChatDisplayLimit: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestRestBaseURL(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "http://localhost:3002", cfg.Rest.BaseURL())
}

func TestCoordinatorURLs(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "http://localhost:3003", cfg.Coordinator.BaseURL())
	assert.Equal(t, "ws://localhost:3004", cfg.Coordinator.WSURL())
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3002, cfg.Rest.Port)
	assert.Equal(t, 5*time.Second, cfg.Rest.Timeout)
	assert.Equal(t, 500, cfg.State.ChatRetention)
	assert.Equal(t, 10, cfg.State.ChatDisplayLimit)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	err := os.WriteFile(path, []byte(`
rest:
  host: x4.example.com
  port: 3102
  timeout: 2s
coordinator:
  host: mp.example.com
  port: 3103
  ws_port: 3104
stream:
  handshake_timeout: 5s
  write_timeout: 5s
  subscriber_buffer: 32
  replay_buffer: 16
  reconnect_base_delay: 500ms
  reconnect_max_delay: 8s
state:
  chat_retention: 200
  chat_display_limit: 5
logging:
  level: debug
  format: console
`), 0644)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "x4.example.com", cfg.Rest.Host)
	assert.Equal(t, 2*time.Second, cfg.Rest.Timeout)
	assert.Equal(t, "ws://mp.example.com:3104", cfg.Coordinator.WSURL())
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.ReconnectBaseDelay)
	assert.Equal(t, 200, cfg.State.ChatRetention)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	err := os.WriteFile(path, []byte(`
rest:
  host: ""
logging:
  level: loud
`), 0644)
	require.NoError(t, err)

	_, err = Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidateRestPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Rest.Port = 0
	assert.Error(t, cfg.Validate())

	cfg.Rest.Port = 70000
	assert.Error(t, cfg.Validate())
}

func TestValidateChatLimits(t *testing.T) {
	cfg := validConfig()
	cfg.State.ChatDisplayLimit = cfg.State.ChatRetention + 1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat_display_limit")
}

func TestValidateReconnectDelays(t *testing.T) {
	cfg := validConfig()
	cfg.Stream.ReconnectMaxDelay = cfg.Stream.ReconnectBaseDelay / 2
	assert.Error(t, cfg.Validate())
}

func TestValidatePortsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := validConfig()
		port := rapid.IntRange(-1000, 100000).Draw(t, "port")
		cfg.Coordinator.WSPort = port

		err := cfg.Validate()
		if port >= 1 && port <= 65535 {
			assert.NoError(t, err)
		} else {
			assert.Error(t, err)
		}
	})
}
