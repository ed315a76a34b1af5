package models

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return "config error: " + e.Message
}

type Config struct {
	LogLevel  string          `json:"logLevel"`
	User      UserConfig      `json:"user"`
	Transport TransportConfig `json:"transport"`
	API       APIConfig       `json:"api"`
	Database  DatabaseConfig  `json:"database"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Call      CallConfig      `json:"call"`
	Tracing   TracingConfig   `json:"tracing"`
}

// UserConfig identifies the local user this client acts for.
type UserConfig struct {
	ID       uint   `json:"id"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	Token    string `json:"token"`
}

type TransportConfig struct {
	URL                  string `json:"url"`
	HeartbeatIntervalSec int    `json:"heartbeatIntervalSec"`
	ReconnectIntervalSec int    `json:"reconnectIntervalSec"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts"`
}

type APIConfig struct {
	BaseURL    string `json:"baseURL"`
	TimeoutSec int    `json:"timeoutSec"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type DeliveryConfig struct {
	RetryIntervalSec  int `json:"retryIntervalSec"`
	MaxRetries        int `json:"maxRetries"`
	OverallTimeoutSec int `json:"overallTimeoutSec"`
}

type TURNConfig struct {
	URL        string `json:"url"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

type CallConfig struct {
	EstablishTimeoutSec int        `json:"establishTimeoutSec"`
	RingTimeoutSec      int        `json:"ringTimeoutSec"`
	STUNServers         []string   `json:"stunServers"`
	TURN                TURNConfig `json:"turn"`
}

type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"serviceName"`
	ServiceVersion string  `json:"serviceVersion"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlpEndpoint"`
	SampleRate     float64 `json:"sampleRate"`
	UseStdout      bool    `json:"useStdout"`
}
