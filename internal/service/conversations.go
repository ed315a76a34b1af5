package service

import (
	"context"

	apperrors "loopchat/internal/errors"
	"loopchat/internal/models"

	"github.com/sirupsen/logrus"
)

// Conversations exposes the stored conversation list to the presentation
// layer and keeps the dispatcher's active-conversation marker in sync.
type Conversations struct {
	store      Store
	dispatcher *Dispatcher
	events     *Events
	ownerID    uint
	logger     *logrus.Logger
}

func NewConversations(store Store, dispatcher *Dispatcher, events *Events, ownerID uint, logger *logrus.Logger) *Conversations {
	return &Conversations{
		store:      store,
		dispatcher: dispatcher,
		events:     events,
		ownerID:    ownerID,
		logger:     logger,
	}
}

// List returns all conversations, pinned first, then most recent first.
func (c *Conversations) List(ctx context.Context) ([]models.Conversation, error) {
	return c.store.ListConversations(ctx, c.ownerID)
}

// Open loads a conversation with its full message history, clears its unread
// counter and marks it active so new messages stop counting as unread.
func (c *Conversations) Open(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	key.OwnerID = c.ownerID

	conv, err := c.store.GetConversation(ctx, key)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "conversation not found")
	}

	if conv.UnreadCount > 0 {
		if err := c.store.ResetUnread(ctx, key); err != nil {
			return nil, err
		}
		conv.UnreadCount = 0
		c.events.emitConversationUpdated(key)
	}

	c.dispatcher.SetActive(key)
	return conv, nil
}

// Close clears the active-conversation marker.
func (c *Conversations) Close() {
	c.dispatcher.ClearActive()
}

// SetPinned pins or unpins a conversation in the list ordering.
func (c *Conversations) SetPinned(ctx context.Context, key models.ConversationKey, pinned bool) error {
	key.OwnerID = c.ownerID

	patch := models.ConversationPatch{
		TargetID: key.TargetID,
		ChatType: key.ChatType,
		IsPinned: models.BoolPtr(pinned),
	}
	if err := c.store.UpsertConversation(ctx, c.ownerID, patch); err != nil {
		return err
	}

	c.events.emitConversationUpdated(key)
	return nil
}

// ClearHistory deletes the message sequence but keeps the conversation.
func (c *Conversations) ClearHistory(ctx context.Context, key models.ConversationKey) error {
	key.OwnerID = c.ownerID

	if err := c.store.ClearMessages(ctx, key); err != nil {
		return err
	}

	c.events.emitConversationUpdated(key)
	return nil
}

// Delete removes the conversation and its messages entirely.
func (c *Conversations) Delete(ctx context.Context, key models.ConversationKey) error {
	key.OwnerID = c.ownerID

	if err := c.store.DeleteConversation(ctx, key); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"target_id": key.TargetID,
		"chat_type": int(key.ChatType),
	}).Info("Conversation deleted")
	c.events.emitConversationUpdated(key)
	return nil
}
