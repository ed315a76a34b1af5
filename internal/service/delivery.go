package service

import (
	"context"
	"sync"
	"time"

	apperrors "loopchat/internal/errors"
	"loopchat/internal/metrics"
	"loopchat/internal/models"
	"loopchat/internal/tracing"
	"loopchat/pkg/loopapi"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// DeliveryConfig bounds the retry protocol for outbound messages.
type DeliveryConfig struct {
	RetryInterval  time.Duration
	MaxRetries     int
	OverallTimeout time.Duration
}

type pendingDelivery struct {
	frame        models.Frame
	key          models.ConversationKey
	attempts     int
	retryTimer   *time.Timer
	overallTimer *time.Timer
}

// Delivery sends chat messages and tracks them until the server
// acknowledges. A message is persisted optimistically with status sending,
// resent on a fixed interval while unacknowledged, and resolved to success
// on ack or failed on the overall timeout. The pending map is the single
// serialization point: whoever removes an entry first (ack or timeout)
// decides the outcome.
type Delivery struct {
	sender FrameSender
	store  Store
	events *Events
	user   models.UserConfig
	cfg    DeliveryConfig
	logger *logrus.Logger

	ctx context.Context

	mu          sync.Mutex
	pending     map[string]*pendingDelivery
	clockOffset int64
	stopped     bool
}

// NewDelivery creates a delivery tracker. The context bounds background
// resends; cancel it on shutdown.
func NewDelivery(ctx context.Context, sender FrameSender, store Store, events *Events, user models.UserConfig, cfg DeliveryConfig, logger *logrus.Logger) *Delivery {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = 10 * time.Second
	}
	return &Delivery{
		sender:  sender,
		store:   store,
		events:  events,
		user:    user,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		pending: make(map[string]*pendingDelivery),
	}
}

// MeasureClockOffset samples the server clock and records the skew between
// server and local time, compensating for request latency. Outbound
// timestamps are adjusted by this offset so ordering agrees across clients.
func (d *Delivery) MeasureClockOffset(ctx context.Context, api loopapi.Client) error {
	before := time.Now().UnixMilli()
	serverTime, err := api.GetServerTime(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeAPIRequest, "failed to fetch server time")
	}
	after := time.Now().UnixMilli()

	latency := (after - before) / 2
	offset := serverTime + latency - after

	d.mu.Lock()
	d.clockOffset = offset
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"offset_ms":  offset,
		"latency_ms": latency,
	}).Info("Measured server clock offset")
	return nil
}

// AdjustedNow returns the current time in server-clock unix milliseconds.
func (d *Delivery) AdjustedNow() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Now().UnixMilli() + d.clockOffset
}

// SendDirect sends a one-to-one message. The returned message is already
// persisted with status sending.
func (d *Delivery) SendDirect(ctx context.Context, targetID uint, content string, msgType models.MessageType) (models.Message, error) {
	msg := d.newOutbound(targetID, content, msgType)
	key := models.ConversationKey{OwnerID: d.user.ID, TargetID: targetID, ChatType: models.ChatTypeDirect}

	frame, err := models.NewFrame(models.CmdDirectMessage, models.DirectMessage{
		SeqID:          msg.ID,
		SenderID:       d.user.ID,
		ReceiverID:     targetID,
		Content:        content,
		Type:           msgType,
		SendTime:       msg.SendTime,
		SenderNickname: d.user.Nickname,
		SenderAvatar:   d.user.Avatar,
	})
	if err != nil {
		return models.Message{}, err
	}

	return msg, d.dispatch(ctx, key, msg, frame)
}

// SendGroup sends a message to a group. targetID is the group id.
func (d *Delivery) SendGroup(ctx context.Context, targetID uint, content string, msgType models.MessageType) (models.Message, error) {
	msg := d.newOutbound(targetID, content, msgType)
	key := models.ConversationKey{OwnerID: d.user.ID, TargetID: targetID, ChatType: models.ChatTypeGroup}

	frame, err := models.NewFrame(models.CmdGroupMessage, models.GroupMessage{
		SeqID:          msg.ID,
		SenderID:       d.user.ID,
		ReceiverID:     targetID,
		Content:        content,
		Type:           msgType,
		SendTime:       msg.SendTime,
		SenderNickname: d.user.Nickname,
		SenderAvatar:   d.user.Avatar,
	})
	if err != nil {
		return models.Message{}, err
	}

	return msg, d.dispatch(ctx, key, msg, frame)
}

func (d *Delivery) newOutbound(targetID uint, content string, msgType models.MessageType) models.Message {
	return models.Message{
		ID:           uuid.NewString(),
		TargetID:     targetID,
		SenderID:     d.user.ID,
		SenderName:   d.user.Nickname,
		SenderAvatar: d.user.Avatar,
		Content:      content,
		Type:         msgType,
		SendTime:     d.AdjustedNow(),
		Status:       models.MessageStatusSending,
	}
}

// dispatch persists the message, registers it as pending and performs the
// first send. A failed write is not an error: the retry timers keep trying
// until the ack or the overall timeout settles the outcome.
func (d *Delivery) dispatch(ctx context.Context, key models.ConversationKey, msg models.Message, frame models.Frame) error {
	ctx, span := tracing.StartSpan(ctx, "delivery.send",
		attribute.String("seq_id", msg.ID),
		attribute.String("chat_type", chatTypeLabel(key.ChatType)),
	)
	defer span.End()

	patch := models.ConversationPatch{
		TargetID:    key.TargetID,
		ChatType:    key.ChatType,
		LastContent: models.StringPtr(msg.Content),
		Messages:    []models.Message{msg},
	}
	if err := d.store.UpsertConversation(ctx, d.user.ID, patch); err != nil {
		tracing.RecordError(ctx, err)
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to persist outbound message")
	}

	d.track(key, msg.ID, frame)

	if err := d.sender.Send(ctx, frame); err != nil {
		d.logger.WithError(err).WithField("seq_id", msg.ID).Warn("Initial send failed, retry pending")
	}
	metrics.IncrementCounter("messages_sent", map[string]string{"chat_type": chatTypeLabel(key.ChatType)}, "Outbound chat messages")

	d.events.emitConversationUpdated(key)
	return nil
}

func (d *Delivery) track(key models.ConversationKey, id string, frame models.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	p := &pendingDelivery{frame: frame, key: key}
	p.retryTimer = time.AfterFunc(d.cfg.RetryInterval, func() { d.retryTick(id) })
	p.overallTimer = time.AfterFunc(d.cfg.OverallTimeout, func() { d.timeout(id) })
	d.pending[id] = p
}

func (d *Delivery) retryTick(id string) {
	d.mu.Lock()
	p, ok := d.pending[id]
	if !ok || d.stopped {
		d.mu.Unlock()
		return
	}

	p.attempts++
	if p.attempts > d.cfg.MaxRetries {
		// Out of resends; the overall timer settles the outcome.
		d.mu.Unlock()
		return
	}
	attempt := p.attempts
	frame := p.frame
	p.retryTimer = time.AfterFunc(d.cfg.RetryInterval, func() { d.retryTick(id) })
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"seq_id":  id,
		"attempt": attempt,
	}).Debug("Resending unacknowledged message")
	metrics.IncrementCounter("delivery_resends", nil, "Unacknowledged message resends")

	if err := d.sender.Send(d.ctx, frame); err != nil {
		d.logger.WithError(err).WithField("seq_id", id).Debug("Resend failed")
	}
}

// HandleAck resolves a pending delivery. Acks for unknown ids, including
// late acks after the timeout already settled the message, are ignored.
func (d *Delivery) HandleAck(ack models.Ack) {
	d.mu.Lock()
	p, ok := d.pending[ack.SeqID]
	if ok {
		delete(d.pending, ack.SeqID)
		p.retryTimer.Stop()
		p.overallTimer.Stop()
	}
	d.mu.Unlock()

	if !ok {
		return
	}

	status := models.MessageStatusSuccess
	if ack.NotTransmitted {
		status = models.MessageStatusFailed
	}
	d.settle(p.key, ack.SeqID, status)
}

func (d *Delivery) timeout(id string) {
	d.mu.Lock()
	p, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
		p.retryTimer.Stop()
	}
	d.mu.Unlock()

	if !ok {
		return
	}

	d.logger.WithField("seq_id", id).Warn("Message delivery timed out")
	metrics.IncrementCounter("delivery_timeouts", nil, "Messages that never got an ack")
	d.settle(p.key, id, models.MessageStatusFailed)
}

func (d *Delivery) settle(key models.ConversationKey, id string, status models.MessageStatus) {
	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()

	if err := d.store.UpdateMessageStatus(ctx, key, id, status); err != nil {
		d.logger.WithError(err).WithField("seq_id", id).Error("Failed to update message status")
	}

	d.events.emitMessageStatus(key, id, status)
	d.events.emitConversationUpdated(key)
}

// Resend re-enters the send protocol for a failed message under a freshly
// generated id. It is a new delivery, not a retry of the old one; the
// failed row keeps its place in the history.
func (d *Delivery) Resend(ctx context.Context, key models.ConversationKey, messageID string) (models.Message, error) {
	conv, err := d.store.GetConversation(ctx, key)
	if err != nil {
		return models.Message{}, err
	}
	if conv == nil {
		return models.Message{}, apperrors.New(apperrors.ErrCodeNotFound, "conversation not found")
	}

	var found *models.Message
	for i := range conv.Messages {
		if conv.Messages[i].ID == messageID {
			found = &conv.Messages[i]
			break
		}
	}
	if found == nil {
		return models.Message{}, apperrors.New(apperrors.ErrCodeNotFound, "message not found")
	}
	if found.Status != models.MessageStatusFailed {
		return models.Message{}, apperrors.New(apperrors.ErrCodeInternalError, "only failed messages can be resent")
	}

	msg := *found
	msg.ID = uuid.NewString()
	msg.SendTime = d.AdjustedNow()
	msg.Status = models.MessageStatusSending

	var frame models.Frame
	if key.ChatType == models.ChatTypeGroup {
		frame, err = models.NewFrame(models.CmdGroupMessage, models.GroupMessage{
			SeqID:          msg.ID,
			SenderID:       d.user.ID,
			ReceiverID:     key.TargetID,
			Content:        msg.Content,
			Type:           msg.Type,
			SendTime:       msg.SendTime,
			SenderNickname: d.user.Nickname,
			SenderAvatar:   d.user.Avatar,
		})
	} else {
		frame, err = models.NewFrame(models.CmdDirectMessage, models.DirectMessage{
			SeqID:          msg.ID,
			SenderID:       d.user.ID,
			ReceiverID:     key.TargetID,
			Content:        msg.Content,
			Type:           msg.Type,
			SendTime:       msg.SendTime,
			SenderNickname: d.user.Nickname,
			SenderAvatar:   d.user.Avatar,
		})
	}
	if err != nil {
		return models.Message{}, err
	}

	return msg, d.dispatch(ctx, key, msg, frame)
}

// PendingCount reports the number of unresolved deliveries.
func (d *Delivery) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels all timers and drops pending deliveries without settling
// them.
func (d *Delivery) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for id, p := range d.pending {
		p.retryTimer.Stop()
		p.overallTimer.Stop()
		delete(d.pending, id)
	}
}

func chatTypeLabel(t models.ChatType) string {
	if t == models.ChatTypeGroup {
		return "group"
	}
	return "direct"
}
