package models

// ChatType discriminates direct (user-to-user) conversations from group
// conversations. The numeric values are part of the persisted key and must
// not change.
type ChatType int

const (
	ChatTypeDirect ChatType = 1
	ChatTypeGroup  ChatType = 2
)

type MessageStatus string

const (
	MessageStatusSending MessageStatus = "sending"
	MessageStatusSuccess MessageStatus = "success"
	MessageStatusFailed  MessageStatus = "failed"
)

type MessageType int

const (
	MessageTypeText   MessageType = 0
	MessageTypeImage  MessageType = 1
	MessageTypeFile   MessageType = 2
	MessageTypeVoice  MessageType = 3
	MessageTypeVideo  MessageType = 4
	MessageTypeSystem MessageType = 5
)

// Message is one entry in a conversation. ID is the sender-issued
// idempotency key; SendTime is a unix-millisecond timestamp already adjusted
// for server clock skew on the sending side.
type Message struct {
	ID           string        `json:"id"`
	TargetID     uint          `json:"targetId"`
	SenderID     uint          `json:"senderId"`
	SenderName   string        `json:"senderName,omitempty"`
	SenderAvatar string        `json:"senderAvatar,omitempty"`
	Content      string        `json:"content"`
	Type         MessageType   `json:"type"`
	SendTime     int64         `json:"sendTime"`
	Status       MessageStatus `json:"status"`
}

// ConversationKey identifies exactly one conversation record.
type ConversationKey struct {
	OwnerID  uint
	TargetID uint
	ChatType ChatType
}

type Conversation struct {
	OwnerID      uint      `json:"ownerId"`
	TargetID     uint      `json:"targetId"`
	ChatType     ChatType  `json:"chatType"`
	ShowName     string    `json:"showName"`
	HeadImage    string    `json:"headImage"`
	LastContent  string    `json:"lastContent"`
	LastSendTime int64     `json:"lastSendTime"`
	UnreadCount  int       `json:"unreadCount"`
	IsPinned     bool      `json:"isPinned"`
	Messages     []Message `json:"messages,omitempty"`
}

func (c *Conversation) Key() ConversationKey {
	return ConversationKey{OwnerID: c.OwnerID, TargetID: c.TargetID, ChatType: c.ChatType}
}

// ConversationPatch is a partial conversation update. Nil scalar fields keep
// the stored value, so an unread-count-only update cannot clobber display
// metadata. Messages are merged into the existing sequence, deduplicated by
// id first and (sendTime, senderId) second, and kept sorted by sendTime.
type ConversationPatch struct {
	TargetID        uint
	ChatType        ChatType
	ShowName        *string
	HeadImage       *string
	LastContent     *string
	UnreadCount     *int
	IncrementUnread bool
	IsPinned        *bool
	Messages        []Message
}

func StringPtr(s string) *string { return &s }
func IntPtr(n int) *int          { return &n }
func BoolPtr(b bool) *bool       { return &b }
