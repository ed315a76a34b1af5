package service

import (
	"context"

	"loopchat/internal/models"
)

// Store is the persistence surface the services depend on. Implemented by
// database.Database; tests substitute mocks.
type Store interface {
	UpsertConversation(ctx context.Context, ownerID uint, patch models.ConversationPatch) error
	GetConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error)
	ListConversations(ctx context.Context, ownerID uint) ([]models.Conversation, error)
	UpdateMessageStatus(ctx context.Context, key models.ConversationKey, messageID string, status models.MessageStatus) error
	ResetUnread(ctx context.Context, key models.ConversationKey) error
	ClearMessages(ctx context.Context, key models.ConversationKey) error
	DeleteConversation(ctx context.Context, key models.ConversationKey) error
}

// FrameSender writes frames to the server. Implemented by transport.Client.
type FrameSender interface {
	Send(ctx context.Context, frame models.Frame) error
}

// AckHandler consumes delivery acknowledgements routed by the dispatcher.
type AckHandler interface {
	HandleAck(ack models.Ack)
}

// SignalHandler consumes call signaling frames routed by the dispatcher.
type SignalHandler interface {
	HandleSignal(signal models.DecodedCallSignal)
	HandleHangup(hangup models.CallHangup)
}
