package constants

// Transport defaults
const (
	DefaultHeartbeatIntervalSec = 5
	DefaultReconnectIntervalSec = 5
	DefaultMaxReconnectAttempts = 30
)

// Reliable delivery defaults
const (
	DefaultSendRetryIntervalSec  = 2
	DefaultMaxSendRetries        = 5
	DefaultSendOverallTimeoutSec = 10
)

// Call orchestration defaults
const (
	DefaultCallEstablishTimeoutSec = 15
	DefaultCallRingTimeoutSec      = 30
)

// REST collaborator defaults
const (
	DefaultAPITimeoutSec = 30
)

// Database defaults
const (
	DefaultDatabaseRetryAttempts  = 3
	DefaultDatabaseRetryBackoffMs = 100
	DatabaseBusyTimeoutMs         = 5000
)

// Encryption
const (
	PBKDF2Iterations  = 100000
	EncryptionKeySize = 32
	NonceSize         = 12
	MinSecretLength   = 16
)

// Tracing defaults
const (
	DefaultTracingSampleRate  = 0.1
	DefaultTracingServiceName = "loopchat"
)
