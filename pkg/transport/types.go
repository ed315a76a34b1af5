package transport

import (
	"time"

	"loopchat/internal/models"

	"github.com/sirupsen/logrus"
)

// Status describes the connection lifecycle of the client.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	// StatusError is terminal: the reconnect budget was exhausted and the
	// client will not dial again until Connect is called.
	StatusError Status = "error"
)

// FrameHandler receives every decodable non-heartbeat frame from the server.
type FrameHandler func(frame models.Frame)

// StatusHandler is notified on every status transition.
type StatusHandler func(status Status)

// ConnectHandler runs after each successful (re)connection, before any
// frames from that connection are dispatched.
type ConnectHandler func()

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint, ws:// or wss://.
	URL   string
	Token string

	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int

	OnFrame   FrameHandler
	OnStatus  StatusHandler
	OnConnect ConnectHandler

	Logger *logrus.Logger
}
