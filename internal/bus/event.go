package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the messaging core. Subscribers filter by
// namespace prefix ("message.", "wire.", ...).
const (
	KindStatusChanged = "session.status_changed"

	// Inbound transport pushes, decoded from the wire envelope.
	KindWireMessage          = "wire.message"
	KindWirePresenceSnapshot = "wire.presence_snapshot"
	KindWirePresenceDelta    = "wire.presence_delta"
	KindWireTyping           = "wire.typing"

	// Conversation store mutations.
	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindMessageRemoved    = "message.removed"

	KindConversationSelected = "conversation.selected"

	KindPresenceChanged = "presence.changed"
	KindTypingChanged   = "typing.changed"

	// Dispatcher asking the floating widget to surface in unread state.
	KindWidgetUnread = "widget.unread"
	// Typing state relayed to the widget header for conversations whose
	// full surface is not mounted.
	KindWidgetTyping = "widget.typing"
)

// MessageUpserted is the payload for message.upserted events.
type MessageUpserted struct {
	ConversationID string
	MsgID          string
	SenderID       string
	DeliveryState  string
	Inbound        bool
}

// SendResult is the payload for message.send_ack and message.send_failed.
type SendResult struct {
	ConversationID string
	TempID         string
	ServerMsgID    string
	Err            string
}

// PresenceChanged is the payload for presence.changed events.
type PresenceChanged struct {
	UserID string
	Online bool
}

// TypingChanged is the payload for typing.changed events.
type TypingChanged struct {
	PeerID   string
	IsTyping bool
}

// ConversationSelected is the payload for conversation.selected events.
type ConversationSelected struct {
	ConversationID string
	Generation     uint64
}
