package models

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Cmd is the numeric command code carried by every transport frame.
type Cmd int

const (
	CmdHeartbeat          Cmd = 0
	CmdDirectMessage      Cmd = 1
	CmdGroupMessage       Cmd = 2
	CmdAck                Cmd = 3
	CmdCallOffer          Cmd = 4
	CmdCallAnswer         Cmd = 5
	CmdCallCandidate      Cmd = 6
	CmdCallHangup         Cmd = 7
	CmdGroupCallOffer     Cmd = 8
	CmdGroupCallAnswer    Cmd = 9
	CmdGroupCallCandidate Cmd = 10
	CmdGroupCallHangup    Cmd = 11
	CmdDirectSystem       Cmd = 12
	CmdGroupSystem        Cmd = 13
)

func (c Cmd) String() string {
	switch c {
	case CmdHeartbeat:
		return "heartbeat"
	case CmdDirectMessage:
		return "direct_message"
	case CmdGroupMessage:
		return "group_message"
	case CmdAck:
		return "ack"
	case CmdCallOffer:
		return "call_offer"
	case CmdCallAnswer:
		return "call_answer"
	case CmdCallCandidate:
		return "call_candidate"
	case CmdCallHangup:
		return "call_hangup"
	case CmdGroupCallOffer:
		return "group_call_offer"
	case CmdGroupCallAnswer:
		return "group_call_answer"
	case CmdGroupCallCandidate:
		return "group_call_candidate"
	case CmdGroupCallHangup:
		return "group_call_hangup"
	case CmdDirectSystem:
		return "direct_system"
	case CmdGroupSystem:
		return "group_system"
	default:
		return fmt.Sprintf("cmd_%d", int(c))
	}
}

// Frame is the wire envelope: a command code plus a command-specific payload.
type Frame struct {
	Cmd  Cmd             `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Payload is the decoded, typed form of a frame body. The concrete types
// below are a closed set; dispatch is a type switch over them instead of a
// switch on raw command codes.
type Payload interface {
	isPayload()
}

type Heartbeat struct{}

// DirectMessage is a one-to-one chat message (cmd 1).
type DirectMessage struct {
	SeqID          string      `json:"seq_id"`
	SenderID       uint        `json:"sender_id"`
	ReceiverID     uint        `json:"receiver_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	SendTime       int64       `json:"send_time"`
	SenderNickname string      `json:"sender_nickname,omitempty"`
	SenderAvatar   string      `json:"sender_avatar,omitempty"`
}

// GroupMessage is a group chat message (cmd 2). ReceiverID is the group id.
type GroupMessage struct {
	SeqID          string      `json:"seq_id"`
	SenderID       uint        `json:"sender_id"`
	ReceiverID     uint        `json:"receiver_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	SendTime       int64       `json:"send_time"`
	SenderNickname string      `json:"sender_nickname,omitempty"`
	SenderAvatar   string      `json:"sender_avatar,omitempty"`
	GroupName      string      `json:"group_name,omitempty"`
	GroupAvatar    string      `json:"group_avatar,omitempty"`
}

// Ack confirms receipt of a previously sent chat message (cmd 3). A set
// NotTransmitted flag means the server accepted the frame but could not
// deliver it; the sender records the message as failed.
type Ack struct {
	SeqID          string `json:"seq_id"`
	SenderID       uint   `json:"sender_id"`
	ReceiverID     uint   `json:"receiver_id"`
	IsGroup        bool   `json:"is_group,omitempty"`
	NotTransmitted bool   `json:"not_transmitted,omitempty"`
}

type CallMediaType uint

const (
	CallMediaAudio CallMediaType = 0
	CallMediaVideo CallMediaType = 1
)

// CallSignal carries offer, answer and ICE-candidate payloads (cmds 4-6).
type CallSignal struct {
	SenderID           uint                       `json:"sender_id"`
	SenderNickname     string                     `json:"sender_nickname,omitempty"`
	SenderAvatar       string                     `json:"sender_avatar,omitempty"`
	ReceiverID         uint                       `json:"receiver_id,omitempty"`
	MediaType          CallMediaType              `json:"media_type"`
	SessionDescription *webrtc.SessionDescription `json:"session_description,omitempty"`
	CandidateInit      *webrtc.ICECandidateInit   `json:"candidate_init,omitempty"`
}

// CallHangup ends or rejects a call (cmd 7). Content is the human-readable
// reason shown to the peer.
type CallHangup struct {
	SenderID   uint   `json:"sender_id"`
	ReceiverID uint   `json:"receiver_id"`
	Content    string `json:"content,omitempty"`
}

// GroupCallParticipant identifies one member of a group call invitation.
type GroupCallParticipant struct {
	ID     uint   `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// GroupCallSignal covers the group-call command space (cmds 8-11). The wire
// contract exists but has no client behavior yet; frames decode and are then
// logged and dropped.
type GroupCallSignal struct {
	Cmd                Cmd                        `json:"-"`
	SenderID           uint                       `json:"sender_id"`
	ReceiverID         uint                       `json:"receiver_id,omitempty"`
	ReceiverList       []GroupCallParticipant     `json:"receiver_list,omitempty"`
	SessionDescription *webrtc.SessionDescription `json:"session_description,omitempty"`
	CandidateInit      *webrtc.ICECandidateInit   `json:"candidate_init,omitempty"`
	Content            string                     `json:"content,omitempty"`
}

// SystemMessage is a server-originated notice for a conversation
// (cmds 12-13).
type SystemMessage struct {
	SeqID      string `json:"seq_id"`
	SenderID   uint   `json:"sender_id"`
	ReceiverID uint   `json:"receiver_id"`
	Content    string `json:"content"`
	SendTime   int64  `json:"send_time"`
	IsGroup    bool   `json:"is_group,omitempty"`
}

func (Heartbeat) isPayload()       {}
func (DirectMessage) isPayload()   {}
func (GroupMessage) isPayload()    {}
func (Ack) isPayload()             {}
func (CallSignal) isPayload()      {}
func (CallHangup) isPayload()      {}
func (GroupCallSignal) isPayload() {}
func (SystemMessage) isPayload()   {}

// CallKind distinguishes the three CallSignal commands after decoding.
type CallKind int

const (
	CallKindOffer CallKind = iota
	CallKindAnswer
	CallKindCandidate
)

// DecodedCallSignal pairs a CallSignal with which signaling step it is.
type DecodedCallSignal struct {
	Kind CallKind
	CallSignal
}

func (DecodedCallSignal) isPayload() {}

// NewFrame marshals a payload into a wire frame.
func NewFrame(cmd Cmd, payload interface{}) (Frame, error) {
	if payload == nil {
		return Frame{Cmd: cmd}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode frame payload: %w", err)
	}
	return Frame{Cmd: cmd, Data: data}, nil
}

// Decode parses the frame body into its typed payload. Unknown command codes
// are an error so the caller can log and drop the frame.
func (f Frame) Decode() (Payload, error) {
	switch f.Cmd {
	case CmdHeartbeat:
		return Heartbeat{}, nil
	case CmdDirectMessage:
		var p DirectMessage
		return p, f.unmarshal(&p)
	case CmdGroupMessage:
		var p GroupMessage
		return p, f.unmarshal(&p)
	case CmdAck:
		var p Ack
		return p, f.unmarshal(&p)
	case CmdCallOffer:
		var p CallSignal
		if err := f.unmarshal(&p); err != nil {
			return nil, err
		}
		return DecodedCallSignal{Kind: CallKindOffer, CallSignal: p}, nil
	case CmdCallAnswer:
		var p CallSignal
		if err := f.unmarshal(&p); err != nil {
			return nil, err
		}
		return DecodedCallSignal{Kind: CallKindAnswer, CallSignal: p}, nil
	case CmdCallCandidate:
		var p CallSignal
		if err := f.unmarshal(&p); err != nil {
			return nil, err
		}
		return DecodedCallSignal{Kind: CallKindCandidate, CallSignal: p}, nil
	case CmdCallHangup:
		var p CallHangup
		return p, f.unmarshal(&p)
	case CmdGroupCallOffer, CmdGroupCallAnswer, CmdGroupCallCandidate, CmdGroupCallHangup:
		var p GroupCallSignal
		if err := f.unmarshal(&p); err != nil {
			return nil, err
		}
		p.Cmd = f.Cmd
		return p, nil
	case CmdDirectSystem:
		var p SystemMessage
		return p, f.unmarshal(&p)
	case CmdGroupSystem:
		var p SystemMessage
		if err := f.unmarshal(&p); err != nil {
			return nil, err
		}
		p.IsGroup = true
		return p, nil
	default:
		return nil, fmt.Errorf("unknown command code %d", f.Cmd)
	}
}

func (f Frame) unmarshal(v interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("empty payload for command %d", f.Cmd)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("failed to decode payload for command %d: %w", f.Cmd, err)
	}
	return nil
}
