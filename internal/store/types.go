package store

// Delivery states a cached message can carry. Allowed transitions:
// optimistic -> confirmed, optimistic -> failed, failed -> optimistic (on
// retry). Confirmed is final.
const (
	DeliveryOptimistic = "optimistic"
	DeliveryConfirmed  = "confirmed"
	DeliveryFailed     = "failed"
)

// Conversation is the thread with one chat partner. Conversations are
// created when a partner is first observed and never deleted, only
// re-ordered by recency of their last message.
type Conversation struct {
	PartnerID          string
	PartnerName        string
	PartnerAvatarURL   string
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is a cached message. MsgID is server-assigned for confirmed
// messages; optimistic messages carry a temporary id that is replaced, never
// merged by equality, once the server id is known. At least one of Body and
// ImageURL is non-empty.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	ReceiverID     string
	Body           string
	ImageURL       string
	DeliveryState  string
	CreatedAt      int64
}

// OutboxEntry is a durable record of an outgoing send attempt.
type OutboxEntry struct {
	ID             int64
	TempID         string
	ConversationID string
	ReceiverID     string
	Body           string
	ImageURL       string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerMsgID    string
}
