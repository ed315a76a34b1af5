package service

import (
	"context"
	"sync"

	apperrors "loopchat/internal/errors"
	"loopchat/internal/metrics"
	"loopchat/internal/models"

	"github.com/sirupsen/logrus"
)

// Dispatcher routes decoded inbound frames to the store, the delivery
// tracker and the call orchestrator. It owns the "active conversation"
// marker that suppresses unread counting for the conversation currently on
// screen.
type Dispatcher struct {
	store  Store
	sender FrameSender
	acks   AckHandler
	calls  SignalHandler
	events *Events
	user   models.UserConfig
	logger *logrus.Logger

	mu        sync.Mutex
	activeKey *models.ConversationKey
}

func NewDispatcher(store Store, sender FrameSender, events *Events, user models.UserConfig, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		sender: sender,
		events: events,
		user:   user,
		logger: logger,
	}
}

// SetAckHandler wires the delivery tracker. Must be called before frames
// arrive.
func (d *Dispatcher) SetAckHandler(h AckHandler) {
	d.acks = h
}

// SetSignalHandler wires the call orchestrator. Must be called before frames
// arrive.
func (d *Dispatcher) SetSignalHandler(h SignalHandler) {
	d.calls = h
}

// SetActive marks the conversation currently displayed; inbound messages for
// it do not increment the unread counter. Pass to ClearActive when no
// conversation is open.
func (d *Dispatcher) SetActive(key models.ConversationKey) {
	d.mu.Lock()
	d.activeKey = &key
	d.mu.Unlock()
}

func (d *Dispatcher) ClearActive() {
	d.mu.Lock()
	d.activeKey = nil
	d.mu.Unlock()
}

func (d *Dispatcher) isActive(key models.ConversationKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeKey != nil && *d.activeKey == key
}

// HandleFrame decodes and routes one inbound frame. Undecodable frames are
// logged and dropped; the connection stays up.
func (d *Dispatcher) HandleFrame(ctx context.Context, frame models.Frame) {
	payload, err := frame.Decode()
	if err != nil {
		d.logger.WithError(apperrors.Wrap(err, apperrors.ErrCodeProtocolParse, "failed to decode frame")).
			WithField("cmd", int(frame.Cmd)).Warn("Dropping undecodable frame")
		metrics.IncrementCounter("dispatcher_undecodable_frames", nil, "Inbound frames dropped at decode")
		return
	}

	switch p := payload.(type) {
	case models.Heartbeat:
		// Filtered by the transport; nothing to do.
	case models.DirectMessage:
		d.handleDirect(ctx, p)
	case models.GroupMessage:
		d.handleGroup(ctx, p)
	case models.Ack:
		if d.acks != nil {
			d.acks.HandleAck(p)
		}
	case models.DecodedCallSignal:
		if d.calls != nil {
			d.calls.HandleSignal(p)
		}
	case models.CallHangup:
		if d.calls != nil {
			d.calls.HandleHangup(p)
		}
	case models.GroupCallSignal:
		// Wire contract only; group calls have no client behavior yet.
		d.logger.WithFields(logrus.Fields{
			"cmd":    p.Cmd.String(),
			"sender": p.SenderID,
		}).Debug("Ignoring group call frame")
	case models.SystemMessage:
		d.handleSystem(ctx, p)
	}
}

func (d *Dispatcher) handleDirect(ctx context.Context, p models.DirectMessage) {
	key, err := d.StoreDirect(ctx, p)
	if err != nil {
		d.logger.WithError(err).WithField("seq_id", p.SeqID).Error("Failed to store direct message")
		return
	}

	ack, err := AckForDirect(p)
	if err != nil {
		d.logger.WithError(err).Error("Failed to build ack frame")
	} else if err := d.sender.Send(ctx, ack); err != nil {
		d.logger.WithError(err).WithField("seq_id", p.SeqID).Warn("Failed to send ack")
	}

	d.events.emitConversationUpdated(key)
}

func (d *Dispatcher) handleGroup(ctx context.Context, p models.GroupMessage) {
	key, err := d.StoreGroup(ctx, p)
	if err != nil {
		d.logger.WithError(err).WithField("seq_id", p.SeqID).Error("Failed to store group message")
		return
	}

	ack, err := AckForGroup(p)
	if err != nil {
		d.logger.WithError(err).Error("Failed to build ack frame")
	} else if err := d.sender.Send(ctx, ack); err != nil {
		d.logger.WithError(err).WithField("seq_id", p.SeqID).Warn("Failed to send ack")
	}

	d.events.emitConversationUpdated(key)
}

func (d *Dispatcher) handleSystem(ctx context.Context, p models.SystemMessage) {
	chatType := models.ChatTypeDirect
	target := p.SenderID
	if p.IsGroup {
		chatType = models.ChatTypeGroup
		target = p.ReceiverID
	} else if p.SenderID == d.user.ID {
		target = p.ReceiverID
	}

	key := models.ConversationKey{OwnerID: d.user.ID, TargetID: target, ChatType: chatType}
	msg := models.Message{
		ID:       p.SeqID,
		TargetID: target,
		SenderID: p.SenderID,
		Content:  p.Content,
		Type:     models.MessageTypeSystem,
		SendTime: p.SendTime,
		Status:   models.MessageStatusSuccess,
	}

	patch := models.ConversationPatch{
		TargetID:        target,
		ChatType:        chatType,
		LastContent:     models.StringPtr(p.Content),
		IncrementUnread: !d.isActive(key),
		Messages:        []models.Message{msg},
	}

	if err := d.store.UpsertConversation(ctx, d.user.ID, patch); err != nil {
		d.logger.WithError(err).WithField("seq_id", p.SeqID).Error("Failed to store system message")
		return
	}

	d.events.emitMessage(key, msg)
	d.events.emitConversationUpdated(key)
}

// StoreDirect persists one inbound direct message and returns its
// conversation key. Shared by the live path and offline replay.
func (d *Dispatcher) StoreDirect(ctx context.Context, p models.DirectMessage) (models.ConversationKey, error) {
	key := models.ConversationKey{OwnerID: d.user.ID, TargetID: p.SenderID, ChatType: models.ChatTypeDirect}

	msg := models.Message{
		ID:           p.SeqID,
		TargetID:     p.SenderID,
		SenderID:     p.SenderID,
		SenderName:   p.SenderNickname,
		SenderAvatar: p.SenderAvatar,
		Content:      p.Content,
		Type:         p.Type,
		SendTime:     p.SendTime,
		Status:       models.MessageStatusSuccess,
	}

	patch := models.ConversationPatch{
		TargetID:        key.TargetID,
		ChatType:        key.ChatType,
		LastContent:     models.StringPtr(p.Content),
		IncrementUnread: !d.isActive(key),
		Messages:        []models.Message{msg},
	}
	if p.SenderNickname != "" {
		patch.ShowName = models.StringPtr(p.SenderNickname)
	}
	if p.SenderAvatar != "" {
		patch.HeadImage = models.StringPtr(p.SenderAvatar)
	}

	if err := d.store.UpsertConversation(ctx, d.user.ID, patch); err != nil {
		return key, err
	}

	metrics.IncrementCounter("messages_received", map[string]string{"chat_type": "direct"}, "Inbound chat messages stored")
	d.events.emitMessage(key, msg)
	return key, nil
}

// StoreGroup persists one inbound group message and returns its conversation
// key. ReceiverID is the group id.
func (d *Dispatcher) StoreGroup(ctx context.Context, p models.GroupMessage) (models.ConversationKey, error) {
	key := models.ConversationKey{OwnerID: d.user.ID, TargetID: p.ReceiverID, ChatType: models.ChatTypeGroup}

	msg := models.Message{
		ID:           p.SeqID,
		TargetID:     p.ReceiverID,
		SenderID:     p.SenderID,
		SenderName:   p.SenderNickname,
		SenderAvatar: p.SenderAvatar,
		Content:      p.Content,
		Type:         p.Type,
		SendTime:     p.SendTime,
		Status:       models.MessageStatusSuccess,
	}

	patch := models.ConversationPatch{
		TargetID:        key.TargetID,
		ChatType:        key.ChatType,
		LastContent:     models.StringPtr(p.Content),
		IncrementUnread: !d.isActive(key),
		Messages:        []models.Message{msg},
	}
	if p.GroupName != "" {
		patch.ShowName = models.StringPtr(p.GroupName)
	}
	if p.GroupAvatar != "" {
		patch.HeadImage = models.StringPtr(p.GroupAvatar)
	}

	if err := d.store.UpsertConversation(ctx, d.user.ID, patch); err != nil {
		return key, err
	}

	metrics.IncrementCounter("messages_received", map[string]string{"chat_type": "group"}, "Inbound chat messages stored")
	d.events.emitMessage(key, msg)
	return key, nil
}

// AckForDirect builds the receipt frame mirroring a direct message.
func AckForDirect(p models.DirectMessage) (models.Frame, error) {
	return models.NewFrame(models.CmdAck, models.Ack{
		SeqID:      p.SeqID,
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
	})
}

// AckForGroup builds the receipt frame mirroring a group message.
func AckForGroup(p models.GroupMessage) (models.Frame, error) {
	return models.NewFrame(models.CmdAck, models.Ack{
		SeqID:      p.SeqID,
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
		IsGroup:    true,
	})
}
