package backend

// MessageRecord is a message row as the backend stores it: the payload is an
// encrypted blob, metadata and receipt timestamps travel in the clear.
type MessageRecord struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Payload        string         `json:"payload"`
	Kind           string         `json:"kind"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	DeliveredAt    *int64         `json:"delivered_at,omitempty"`
	ReadAt         *int64         `json:"read_at,omitempty"`
	DeletedAt      *int64         `json:"deleted_at,omitempty"`
}

// ConversationRecord is a two-party conversation row.
type ConversationRecord struct {
	ID        string `json:"id"`
	UserA     string `json:"user_a"`
	UserB     string `json:"user_b"`
	CreatedAt int64  `json:"created_at"`
}

// ReactionRecord attaches one emoji tag to one message from one user.
// The backend keeps at most one row per (message, user) pair.
type ReactionRecord struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	CreatedAt int64  `json:"created_at"`
}

// TypingRecord is an ephemeral typing signal keyed by (conversation, user).
type TypingRecord struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	StartedAt      int64  `json:"started_at"`
}

// PresenceRecord is a last-writer-wins presence heartbeat for one user.
type PresenceRecord struct {
	UserID   string `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen"`
}

// Receipt field names accepted by UpsertReceipt.
const (
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
)

// EventKind identifies one push event type.
type EventKind string

const (
	EventMessageInserted EventKind = "message_inserted"
	EventTypingStarted   EventKind = "typing_started"
	EventTypingStopped   EventKind = "typing_stopped"
	EventPresenceUpdated EventKind = "presence_updated"
	EventReactionSet     EventKind = "reaction_set"
	EventReactionCleared EventKind = "reaction_cleared"
)

// Event is one push notification scoped to a subscribed conversation.
// Exactly one of the payload fields matching Kind is set.
type Event struct {
	Kind     EventKind       `json:"kind"`
	Message  *MessageRecord  `json:"message,omitempty"`
	Typing   *TypingRecord   `json:"typing,omitempty"`
	Presence *PresenceRecord `json:"presence,omitempty"`
	Reaction *ReactionRecord `json:"reaction,omitempty"`
}
