package service

import (
	"context"
	"encoding/json"
	"testing"

	"loopchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(store Store, sender FrameSender, events *Events) *Dispatcher {
	if events == nil {
		events = &Events{}
	}
	return NewDispatcher(store, sender, events, testUser(), testLogger())
}

func mustFrame(t *testing.T, cmd models.Cmd, payload interface{}) models.Frame {
	t.Helper()
	frame, err := models.NewFrame(cmd, payload)
	require.NoError(t, err)
	return frame
}

func TestHandleFrameStoresDirectMessageAndAcks(t *testing.T) {
	store := newMemoryStore()
	sender := &recordingSender{}

	var received []models.Message
	events := &Events{
		OnMessage: func(_ models.ConversationKey, msg models.Message) {
			received = append(received, msg)
		},
	}
	d := newTestDispatcher(store, sender, events)

	d.HandleFrame(context.Background(), mustFrame(t, models.CmdDirectMessage, models.DirectMessage{
		SeqID:          "m1",
		SenderID:       42,
		ReceiverID:     7,
		Content:        "hi",
		SendTime:       1000,
		SenderNickname: "bob",
		SenderAvatar:   "b.png",
	}))

	key := models.ConversationKey{OwnerID: 7, TargetID: 42, ChatType: models.ChatTypeDirect}
	conv := store.get(key)
	require.NotNil(t, conv)
	assert.Equal(t, "bob", conv.ShowName)
	assert.Equal(t, "hi", conv.LastContent)
	assert.Equal(t, 1, conv.UnreadCount)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, models.MessageStatusSuccess, conv.Messages[0].Status)

	acks := sender.sentByCmd(models.CmdAck)
	require.Len(t, acks, 1)
	payload, err := acks[0].Decode()
	require.NoError(t, err)
	ack := payload.(models.Ack)
	assert.Equal(t, "m1", ack.SeqID)
	assert.Equal(t, uint(42), ack.SenderID)
	assert.Equal(t, uint(7), ack.ReceiverID)
	assert.False(t, ack.IsGroup)

	require.Len(t, received, 1)
	assert.Equal(t, "m1", received[0].ID)
}

func TestHandleFrameStoresGroupMessage(t *testing.T) {
	store := newMemoryStore()
	sender := &recordingSender{}
	d := newTestDispatcher(store, sender, nil)

	d.HandleFrame(context.Background(), mustFrame(t, models.CmdGroupMessage, models.GroupMessage{
		SeqID:      "g1",
		SenderID:   42,
		ReceiverID: 9,
		Content:    "hello group",
		SendTime:   1000,
		GroupName:  "friends",
	}))

	key := models.ConversationKey{OwnerID: 7, TargetID: 9, ChatType: models.ChatTypeGroup}
	conv := store.get(key)
	require.NotNil(t, conv)
	assert.Equal(t, "friends", conv.ShowName)

	acks := sender.sentByCmd(models.CmdAck)
	require.Len(t, acks, 1)
	payload, err := acks[0].Decode()
	require.NoError(t, err)
	assert.True(t, payload.(models.Ack).IsGroup)
}

func TestActiveConversationSkipsUnread(t *testing.T) {
	store := newMemoryStore()
	sender := &recordingSender{}
	d := newTestDispatcher(store, sender, nil)

	key := models.ConversationKey{OwnerID: 7, TargetID: 42, ChatType: models.ChatTypeDirect}
	d.SetActive(key)

	d.HandleFrame(context.Background(), mustFrame(t, models.CmdDirectMessage, models.DirectMessage{
		SeqID: "m1", SenderID: 42, ReceiverID: 7, Content: "on screen", SendTime: 1000,
	}))

	conv := store.get(key)
	require.NotNil(t, conv)
	assert.Zero(t, conv.UnreadCount)

	d.ClearActive()
	d.HandleFrame(context.Background(), mustFrame(t, models.CmdDirectMessage, models.DirectMessage{
		SeqID: "m2", SenderID: 42, ReceiverID: 7, Content: "off screen", SendTime: 2000,
	}))

	conv = store.get(key)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestHandleFrameRoutesAcks(t *testing.T) {
	store := newMemoryStore()
	sender := &recordingSender{}
	d := newTestDispatcher(store, sender, nil)

	delivery := newTestDelivery(t, sender, store, DeliveryConfig{})
	d.SetAckHandler(delivery)

	msg, err := delivery.SendDirect(context.Background(), 42, "routed", models.MessageTypeText)
	require.NoError(t, err)

	d.HandleFrame(context.Background(), mustFrame(t, models.CmdAck, models.Ack{SeqID: msg.ID}))

	status, ok := store.statusOf(msg.ID)
	require.True(t, ok)
	assert.Equal(t, models.MessageStatusSuccess, status)
}

func TestHandleFrameDropsMalformedPayload(t *testing.T) {
	store := newMemoryStore()
	sender := &recordingSender{}
	d := newTestDispatcher(store, sender, nil)

	d.HandleFrame(context.Background(), models.Frame{Cmd: models.CmdDirectMessage, Data: json.RawMessage(`{"seq_id":`)})
	d.HandleFrame(context.Background(), models.Frame{Cmd: models.Cmd(99), Data: json.RawMessage(`{}`)})

	assert.Empty(t, sender.sent())
}

func TestHandleFrameIgnoresGroupCallSignals(t *testing.T) {
	store := newMemoryStore()
	sender := &recordingSender{}
	d := newTestDispatcher(store, sender, nil)

	d.HandleFrame(context.Background(), mustFrame(t, models.CmdGroupCallOffer, models.GroupCallSignal{
		SenderID:   42,
		ReceiverID: 9,
	}))

	assert.Empty(t, sender.sent())
	convs, err := store.ListConversations(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestHandleFrameStoresSystemMessage(t *testing.T) {
	store := newMemoryStore()
	sender := &recordingSender{}
	d := newTestDispatcher(store, sender, nil)

	d.HandleFrame(context.Background(), mustFrame(t, models.CmdGroupSystem, models.SystemMessage{
		SeqID:      "s1",
		SenderID:   1,
		ReceiverID: 9,
		Content:    "bob joined the group",
		SendTime:   5000,
	}))

	key := models.ConversationKey{OwnerID: 7, TargetID: 9, ChatType: models.ChatTypeGroup}
	conv := store.get(key)
	require.NotNil(t, conv)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, models.MessageTypeSystem, conv.Messages[0].Type)
	assert.Equal(t, "bob joined the group", conv.LastContent)

	// System notices carry no receipt protocol.
	assert.Empty(t, sender.sentByCmd(models.CmdAck))
}
