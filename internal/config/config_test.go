package config

import (
	"os"
	"path/filepath"
	"testing"

	"loopchat/internal/constants"
	"loopchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const minimalConfig = `{
	"user": {"id": 7, "nickname": "alice", "token": "tok"},
	"transport": {"url": "wss://chat.example.com/ws"},
	"api": {"baseURL": "https://chat.example.com"},
	"database": {"path": "/tmp/loopchat.db"}
}`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, constants.DefaultHeartbeatIntervalSec, cfg.Transport.HeartbeatIntervalSec)
	assert.Equal(t, constants.DefaultReconnectIntervalSec, cfg.Transport.ReconnectIntervalSec)
	assert.Equal(t, constants.DefaultMaxReconnectAttempts, cfg.Transport.MaxReconnectAttempts)
	assert.Equal(t, constants.DefaultSendRetryIntervalSec, cfg.Delivery.RetryIntervalSec)
	assert.Equal(t, constants.DefaultMaxSendRetries, cfg.Delivery.MaxRetries)
	assert.Equal(t, constants.DefaultSendOverallTimeoutSec, cfg.Delivery.OverallTimeoutSec)
	assert.Equal(t, constants.DefaultCallEstablishTimeoutSec, cfg.Call.EstablishTimeoutSec)
	assert.Equal(t, constants.DefaultCallRingTimeoutSec, cfg.Call.RingTimeoutSec)
	assert.NotEmpty(t, cfg.Call.STUNServers)
	assert.Equal(t, constants.DefaultTracingServiceName, cfg.Tracing.ServiceName)
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		"logLevel": "debug",
		"user": {"id": 7},
		"transport": {"url": "ws://localhost:8080/ws", "heartbeatIntervalSec": 10},
		"api": {"baseURL": "http://localhost:8080", "timeoutSec": 5},
		"database": {"path": "/tmp/loopchat.db"},
		"delivery": {"maxRetries": 8}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10, cfg.Transport.HeartbeatIntervalSec)
	assert.Equal(t, 5, cfg.API.TimeoutSec)
	assert.Equal(t, 8, cfg.Delivery.MaxRetries)
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("LOOPCHAT_WS_URL", "wss://override.example.com/ws")
	t.Setenv("LOOPCHAT_API_URL", "https://override.example.com")
	t.Setenv("LOOPCHAT_DB_PATH", "/data/override.db")
	t.Setenv("LOOPCHAT_TOKEN", "env-token")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "wss://override.example.com/ws", cfg.Transport.URL)
	assert.Equal(t, "https://override.example.com", cfg.API.BaseURL)
	assert.Equal(t, "/data/override.db", cfg.Database.Path)
	assert.Equal(t, "env-token", cfg.User.Token)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadInvalidJSON(t *testing.T) {
	_, err := Load(writeConfig(t, `{"user":`))
	assert.Error(t, err)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *models.Config)
	}{
		{"missing user id", func(cfg *models.Config) { cfg.User.ID = 0 }},
		{"missing transport url", func(cfg *models.Config) { cfg.Transport.URL = "" }},
		{"http transport url", func(cfg *models.Config) { cfg.Transport.URL = "http://chat.example.com/ws" }},
		{"missing api base", func(cfg *models.Config) { cfg.API.BaseURL = "" }},
		{"missing db path", func(cfg *models.Config) { cfg.Database.Path = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &models.Config{
				User:      models.UserConfig{ID: 7},
				Transport: models.TransportConfig{URL: "wss://chat.example.com/ws"},
				API:       models.APIConfig{BaseURL: "https://chat.example.com"},
				Database:  models.DatabaseConfig{Path: "/tmp/loopchat.db"},
			}
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			var cfgErr models.ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}
