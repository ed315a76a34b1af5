package transport

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	apperrors "loopchat/internal/errors"
	"loopchat/internal/metrics"
	"loopchat/internal/models"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// Client maintains a single websocket connection to the chat server. It
// sends heartbeats, filters them out of the inbound stream, and reconnects
// on a fixed interval until the attempt budget is exhausted.
type Client struct {
	opts   Options
	logger *logrus.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	connCancel     context.CancelFunc
	status         Status
	attempts       int
	reconnectTimer *time.Timer
	stopped        bool
}

// NewClient validates the endpoint and returns a disconnected client.
// Connect must be called to start the connection loop.
func NewClient(opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidURL, "failed to parse websocket URL")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidURL, "websocket URL scheme must be ws or wss")
	}

	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	return &Client{
		opts:   opts,
		logger: opts.Logger,
		status: StatusDisconnected,
	}, nil
}

// Connect starts the connection loop. The context bounds the lifetime of
// the connection and all reconnect attempts.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	c.stopped = false
	c.attempts = 0
	c.mu.Unlock()

	c.dial(ctx)
}

// Disconnect closes the connection and stops any pending reconnect. It is
// safe to call more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	cancel := c.connCancel
	c.conn = nil
	c.connCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.setStatus(StatusDisconnected)
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Send marshals the frame and writes it to the server. It fails with a
// TRANSPORT_CLOSED error when no connection is established.
func (c *Client) Send(ctx context.Context, frame models.Frame) error {
	c.mu.Lock()
	conn := c.conn
	status := c.status
	c.mu.Unlock()

	if status != StatusConnected || conn == nil {
		return apperrors.New(apperrors.ErrCodeTransportClosed, "not connected")
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to marshal frame")
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeTransportClosed, "failed to write frame")
	}

	metrics.IncrementCounter("transport_frames_sent", map[string]string{"cmd": frame.Cmd.String()}, "Frames written to the server")
	return nil
}

func (c *Client) dial(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.setStatus(StatusConnecting)

	dialURL := c.opts.URL
	if c.opts.Token != "" {
		u, _ := url.Parse(c.opts.URL)
		q := u.Query()
		q.Set("token", c.opts.Token)
		u.RawQuery = q.Encode()
		dialURL = u.String()
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, dialURL, nil)
	cancel()
	if err != nil {
		c.logger.WithError(err).Warn("Websocket dial failed")
		metrics.IncrementCounter("transport_dial_failures", nil, "Failed websocket dial attempts")
		c.scheduleReconnect(ctx)
		return
	}

	connCtx, connCancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		connCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return
	}
	c.conn = conn
	c.connCancel = connCancel
	c.attempts = 0
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.logger.WithField("url", c.opts.URL).Info("Websocket connected")

	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}

	go c.heartbeatLoop(connCtx, conn)
	go c.readLoop(ctx, connCtx, conn)
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	frame, err := models.NewFrame(models.CmdHeartbeat, models.Heartbeat{})
	if err != nil {
		c.logger.WithError(err).Error("Failed to build heartbeat frame")
		return
	}
	data, _ := json.Marshal(frame)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				c.logger.WithError(err).Debug("Heartbeat write failed")
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx, connCtx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			c.handleConnectionLoss(ctx, conn, err)
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.WithError(err).Warn("Dropping malformed frame")
			metrics.IncrementCounter("transport_malformed_frames", nil, "Inbound frames that failed to parse")
			continue
		}

		// Heartbeat echoes never reach the application layer.
		if frame.Cmd == models.CmdHeartbeat {
			continue
		}

		metrics.IncrementCounter("transport_frames_received", map[string]string{"cmd": frame.Cmd.String()}, "Frames received from the server")
		if c.opts.OnFrame != nil {
			c.opts.OnFrame(frame)
		}
	}
}

func (c *Client) handleConnectionLoss(ctx context.Context, conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	cancel := c.connCancel
	c.conn = nil
	c.connCancel = nil
	stopped := c.stopped
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")

	if stopped || ctx.Err() != nil {
		return
	}

	c.logger.WithError(err).WithField("close_status", websocket.CloseStatus(err)).Warn("Websocket connection lost")
	c.scheduleReconnect(ctx)
}

func (c *Client) scheduleReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}

	c.attempts++
	if c.opts.MaxReconnectAttempts > 0 && c.attempts > c.opts.MaxReconnectAttempts {
		c.mu.Unlock()
		c.logger.WithField("attempts", c.attempts-1).Error("Reconnect budget exhausted")
		c.setStatus(StatusError)
		return
	}

	attempt := c.attempts
	c.reconnectTimer = time.AfterFunc(c.opts.ReconnectInterval, func() {
		if ctx.Err() != nil {
			return
		}
		c.dial(ctx)
	})
	c.mu.Unlock()

	c.setStatus(StatusDisconnected)
	c.logger.WithFields(logrus.Fields{
		"attempt":  attempt,
		"interval": c.opts.ReconnectInterval,
	}).Info("Scheduling reconnect")
	metrics.IncrementCounter("transport_reconnect_attempts", nil, "Reconnect attempts scheduled")
}

func (c *Client) setStatus(status Status) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.mu.Unlock()

	if c.opts.OnStatus != nil {
		c.opts.OnStatus(status)
	}
}
