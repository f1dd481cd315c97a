// Package backend defines the boundary between the conversation engine and
// the external backend service that owns persistence, auth and pub/sub.
// The engine only ever talks to the Client interface; transport and wire
// format are an implementation's concern.
package backend

import (
	"context"
	"errors"
)

var (
	// ErrNotAuthenticated means no user identity is available.
	ErrNotAuthenticated = errors.New("backend: not authenticated")
	// ErrConversationNotFound means the requested conversation does not exist.
	ErrConversationNotFound = errors.New("backend: conversation not found")
	// ErrMessageNotFound means the requested message does not exist.
	ErrMessageNotFound = errors.New("backend: message not found")
)

// Client is the backend collaborator consumed by the conversation engine.
//
// Message payloads cross this boundary encrypted; receipt, reaction, typing
// and presence writes are plain metadata.
type Client interface {
	// CurrentUserID resolves the authenticated local user.
	CurrentUserID(ctx context.Context) (string, error)

	// Conversation returns the conversation row, including both participants.
	Conversation(ctx context.Context, conversationID string) (ConversationRecord, error)

	// FetchMessagesSince returns non-deleted messages for the conversation
	// with creation timestamp strictly greater than since (all messages when
	// since is nil), up to limit rows. Ascending order is not guaranteed.
	FetchMessagesSince(ctx context.Context, conversationID string, since *int64, limit int) ([]MessageRecord, error)

	// InsertMessage stores a new message and returns the stored record with
	// the backend-assigned ID and creation timestamp.
	InsertMessage(ctx context.Context, conversationID, senderID, payload, kind string, metadata map[string]any) (MessageRecord, error)

	// Subscribe starts push delivery of the conversation's events into sink.
	// Delivery is best-effort: events may be dropped, duplicated or arrive
	// out of order relative to FetchMessagesSince.
	Subscribe(conversationID string, sink chan<- Event) (Subscription, error)

	// Presence returns the last known presence heartbeat for a user.
	Presence(ctx context.Context, userID string) (PresenceRecord, error)

	// UpsertReceipt records a delivered/read transition for one message.
	UpsertReceipt(ctx context.Context, messageID, userID, field string, timestamp int64) error

	// UpsertReaction sets the single (message, user) reaction, replacing any
	// previous value.
	UpsertReaction(ctx context.Context, messageID, userID, emoji string) error

	// DeleteReaction removes the (message, user) reaction if present.
	DeleteReaction(ctx context.Context, messageID, userID string) error

	// UpsertTyping announces that userID is typing in the conversation.
	UpsertTyping(ctx context.Context, conversationID, userID string) error

	// DeleteTyping clears userID's typing signal in the conversation.
	DeleteTyping(ctx context.Context, conversationID, userID string) error

	// UpsertPresence records an online/offline heartbeat for userID.
	UpsertPresence(ctx context.Context, userID string, online bool) error
}

// Subscription is one live push subscription.
type Subscription interface {
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe() error
	// Done is closed when delivery stops, whether by Unsubscribe or by
	// connection loss.
	Done() <-chan struct{}
}
