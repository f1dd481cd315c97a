package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/winstonxwu/eat-me/backend"
)

// ReceiptTracker tracks delivered/read transitions and reaction attachments
// for one open conversation.
//
// Inbound receipt state for locally-sent messages is forwarded into the
// ledger; outbound receipts for remotely-sent messages are written through
// the backend as plain metadata (receipts are not content, so no payload
// encryption applies).
type ReceiptTracker struct {
	backend        backend.Client
	ledger         *Ledger
	conversationID string
	localUserID    string

	mu        sync.Mutex
	reactions map[string]map[string]string
}

func newReceiptTracker(client backend.Client, ledger *Ledger, conversationID, localUserID string) *ReceiptTracker {
	return &ReceiptTracker{
		backend:        client,
		ledger:         ledger,
		conversationID: conversationID,
		localUserID:    localUserID,
		reactions:      make(map[string]map[string]string),
	}
}

// ObserveRecord forwards the receipt state carried by a backend record for a
// message the local user sent. Transitions regress nothing; the ledger
// enforces monotonicity.
func (t *ReceiptTracker) ObserveRecord(record backend.MessageRecord) {
	if record.SenderID != t.localUserID {
		return
	}
	if record.DeliveredAt != nil {
		t.ledger.ApplyReceipt(record.ID, ReceiptDelivered, *record.DeliveredAt)
	}
	if record.ReadAt != nil {
		t.ledger.ApplyReceipt(record.ID, ReceiptRead, *record.ReadAt)
	}
}

// MarkDelivered emits delivered receipts for every remotely-sent message the
// ledger has not yet recorded as delivered, and mirrors the transition
// locally.
func (t *ReceiptTracker) MarkDelivered(ctx context.Context) error {
	now := time.Now().UnixMilli()
	var errs []error

	for _, msg := range t.ledger.OrderedView() {
		if msg.SenderID == t.localUserID || msg.DeliveredAt != nil {
			continue
		}
		if err := t.backend.UpsertReceipt(ctx, msg.ID, t.localUserID, backend.ReceiptDelivered, now); err != nil {
			errs = append(errs, fmt.Errorf("mark message %q delivered: %w", msg.ID, err))
			continue
		}
		t.ledger.ApplyReceipt(msg.ID, ReceiptDelivered, now)
	}

	return errors.Join(errs...)
}

// MarkRead emits read receipts for the given remotely-sent messages and
// mirrors the transitions locally. Unknown, locally-sent and already-read
// messages are skipped.
func (t *ReceiptTracker) MarkRead(ctx context.Context, messageIDs []string) error {
	now := time.Now().UnixMilli()
	var errs []error

	for _, id := range messageIDs {
		msg, ok := t.ledger.Get(id)
		if !ok || msg.SenderID == t.localUserID || msg.ReadAt != nil {
			continue
		}
		if err := t.backend.UpsertReceipt(ctx, id, t.localUserID, backend.ReceiptRead, now); err != nil {
			errs = append(errs, fmt.Errorf("mark message %q read: %w", id, err))
			continue
		}
		t.ledger.ApplyReceipt(id, ReceiptRead, now)
	}

	return errors.Join(errs...)
}

// UnreadRemoteIDs returns the IDs of visible remotely-sent messages without a
// read receipt, in ledger order.
func (t *ReceiptTracker) UnreadRemoteIDs() []string {
	var ids []string
	for _, msg := range t.ledger.OrderedView() {
		if msg.SenderID != t.localUserID && msg.ReadAt == nil {
			ids = append(ids, msg.ID)
		}
	}
	return ids
}

// SetReaction records one (message, user) reaction, replacing any previous
// value for the pair.
func (t *ReceiptTracker) SetReaction(messageID, userID, emoji string) {
	if messageID == "" || userID == "" || emoji == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reactions[messageID] == nil {
		t.reactions[messageID] = make(map[string]string)
	}
	t.reactions[messageID][userID] = emoji
}

// ClearReaction removes the (message, user) reaction if present.
func (t *ReceiptTracker) ClearReaction(messageID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if byUser, ok := t.reactions[messageID]; ok {
		delete(byUser, userID)
		if len(byUser) == 0 {
			delete(t.reactions, messageID)
		}
	}
}

// Reactions returns a copy of the user→emoji reactions attached to a message.
func (t *ReceiptTracker) Reactions(messageID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	byUser, ok := t.reactions[messageID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(byUser))
	for user, emoji := range byUser {
		out[user] = emoji
	}
	return out
}
