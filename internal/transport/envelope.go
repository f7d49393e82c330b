package transport

import (
	"encoding/json"
	"fmt"
)

// EventType identifies the type of a wire event.
type EventType string

const (
	// Server -> Client
	TypePresenceSnapshot EventType = "presence.snapshot"
	TypePresenceDelta    EventType = "presence.delta"
	TypeMessageNew       EventType = "message.new"

	// Both directions
	TypeTyping EventType = "typing"
)

// Envelope wraps all wire messages with a type field, so every consumer
// decodes a closed set of event shapes rather than an untyped payload.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope creates an envelope with the given type and marshaled data.
func NewEnvelope(t EventType, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope data: %w", err)
	}
	return &Envelope{Type: t, Data: raw}, nil
}

// PresenceSnapshot replaces the full online set on (re)connect.
type PresenceSnapshot struct {
	OnlineUserIDs []string `json:"onlineUserIds"`
}

// PresenceDelta is an incremental join/leave update.
type PresenceDelta struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// Typing carries a typing signal. SenderID is set on inbound signals,
// ReceiverID on outbound ones.
type Typing struct {
	SenderID   string `json:"senderId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	IsTyping   bool   `json:"isTyping"`
}

// Message is a server-confirmed message pushed over the wire.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Text           string `json:"text,omitempty"`
	ImageURL       string `json:"imageUrl,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}
