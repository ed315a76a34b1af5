package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"loopchat/internal/constants"
	"loopchat/internal/models"
)

// Load reads, overrides and validates the configuration. Environment
// variables take precedence over the file so deployments can inject
// endpoints and credentials without editing it.
func Load(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg models.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *models.Config) {
	if v := os.Getenv("LOOPCHAT_WS_URL"); v != "" {
		cfg.Transport.URL = v
	}
	if v := os.Getenv("LOOPCHAT_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("LOOPCHAT_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LOOPCHAT_TOKEN"); v != "" {
		cfg.User.Token = v
	}
	if v := os.Getenv("LOOPCHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func applyDefaults(cfg *models.Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Transport.HeartbeatIntervalSec <= 0 {
		cfg.Transport.HeartbeatIntervalSec = constants.DefaultHeartbeatIntervalSec
	}
	if cfg.Transport.ReconnectIntervalSec <= 0 {
		cfg.Transport.ReconnectIntervalSec = constants.DefaultReconnectIntervalSec
	}
	if cfg.Transport.MaxReconnectAttempts <= 0 {
		cfg.Transport.MaxReconnectAttempts = constants.DefaultMaxReconnectAttempts
	}
	if cfg.API.TimeoutSec <= 0 {
		cfg.API.TimeoutSec = constants.DefaultAPITimeoutSec
	}
	if cfg.Delivery.RetryIntervalSec <= 0 {
		cfg.Delivery.RetryIntervalSec = constants.DefaultSendRetryIntervalSec
	}
	if cfg.Delivery.MaxRetries <= 0 {
		cfg.Delivery.MaxRetries = constants.DefaultMaxSendRetries
	}
	if cfg.Delivery.OverallTimeoutSec <= 0 {
		cfg.Delivery.OverallTimeoutSec = constants.DefaultSendOverallTimeoutSec
	}
	if cfg.Call.EstablishTimeoutSec <= 0 {
		cfg.Call.EstablishTimeoutSec = constants.DefaultCallEstablishTimeoutSec
	}
	if cfg.Call.RingTimeoutSec <= 0 {
		cfg.Call.RingTimeoutSec = constants.DefaultCallRingTimeoutSec
	}
	if len(cfg.Call.STUNServers) == 0 {
		cfg.Call.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = constants.DefaultTracingServiceName
	}
	if cfg.Tracing.SampleRate <= 0 {
		cfg.Tracing.SampleRate = constants.DefaultTracingSampleRate
	}
}

// Validate checks the fields without which the client cannot start.
func Validate(cfg *models.Config) error {
	if cfg.User.ID == 0 {
		return models.ConfigError{Message: "user.id is required"}
	}
	if cfg.Transport.URL == "" {
		return models.ConfigError{Message: "transport.url is required"}
	}
	u, err := url.Parse(cfg.Transport.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return models.ConfigError{Message: "transport.url must be a ws:// or wss:// URL"}
	}
	if cfg.API.BaseURL == "" {
		return models.ConfigError{Message: "api.baseURL is required"}
	}
	if _, err := url.Parse(cfg.API.BaseURL); err != nil {
		return models.ConfigError{Message: "api.baseURL is not a valid URL"}
	}
	if cfg.Database.Path == "" {
		return models.ConfigError{Message: "database.path is required"}
	}
	return nil
}
