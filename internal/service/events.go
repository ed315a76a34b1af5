package service

import (
	"loopchat/internal/models"

	"github.com/pion/webrtc/v4"
)

// Events is the callback surface toward the presentation layer. All fields
// are optional; nil callbacks are skipped. Callbacks run on internal
// goroutines and must not block.
type Events struct {
	// OnMessage fires for every newly stored inbound message.
	OnMessage func(key models.ConversationKey, msg models.Message)

	// OnMessageStatus fires when a sent message resolves to success or
	// failed.
	OnMessageStatus func(key models.ConversationKey, messageID string, status models.MessageStatus)

	// OnConversationUpdated fires after any conversation record changes.
	OnConversationUpdated func(key models.ConversationKey)

	// OnIncomingCall fires when a call offer arrives while idle.
	OnIncomingCall func(info models.CallerInfo)

	// OnCallState fires on every call state transition.
	OnCallState func(state models.CallState)

	// OnCallEnded fires exactly once per call with its outcome.
	OnCallEnded func(outcome models.CallOutcome)

	// OnRemoteTrack fires when the peer's media track becomes available.
	OnRemoteTrack func(track *webrtc.TrackRemote)
}

func (e *Events) emitMessage(key models.ConversationKey, msg models.Message) {
	if e != nil && e.OnMessage != nil {
		e.OnMessage(key, msg)
	}
}

func (e *Events) emitMessageStatus(key models.ConversationKey, messageID string, status models.MessageStatus) {
	if e != nil && e.OnMessageStatus != nil {
		e.OnMessageStatus(key, messageID, status)
	}
}

func (e *Events) emitConversationUpdated(key models.ConversationKey) {
	if e != nil && e.OnConversationUpdated != nil {
		e.OnConversationUpdated(key)
	}
}

func (e *Events) emitIncomingCall(info models.CallerInfo) {
	if e != nil && e.OnIncomingCall != nil {
		e.OnIncomingCall(info)
	}
}

func (e *Events) emitCallState(state models.CallState) {
	if e != nil && e.OnCallState != nil {
		e.OnCallState(state)
	}
}

func (e *Events) emitCallEnded(outcome models.CallOutcome) {
	if e != nil && e.OnCallEnded != nil {
		e.OnCallEnded(outcome)
	}
}

func (e *Events) emitRemoteTrack(track *webrtc.TrackRemote) {
	if e != nil && e.OnRemoteTrack != nil {
		e.OnRemoteTrack(track)
	}
}
