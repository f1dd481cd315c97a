package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriptionBuffer = 64

// Memory is a complete in-process Client implementation. It backs the demo
// runner and the engine's integration-style tests, and exposes fault-injection
// knobs so dual-channel behavior can be exercised deterministically.
//
// Server timestamps are strictly monotonic per Memory instance, matching the
// backend contract that creation timestamps are the origin of truth.
type Memory struct {
	mu sync.Mutex

	userID        string
	conversations map[string]ConversationRecord
	messages      map[string][]MessageRecord
	reactions     map[string]map[string]ReactionRecord
	presence      map[string]PresenceRecord
	subscribers   map[string]map[string]*memorySubscription

	clock int64

	fetchErr   error
	insertErr  error
	receiptErr error
	dropPush   bool
}

// NewMemory returns an empty in-memory backend with no authenticated user.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]ConversationRecord),
		messages:      make(map[string][]MessageRecord),
		reactions:     make(map[string]map[string]ReactionRecord),
		presence:      make(map[string]PresenceRecord),
		subscribers:   make(map[string]map[string]*memorySubscription),
	}
}

// SetCurrentUser sets the identity returned by CurrentUserID. An empty value
// simulates a signed-out client.
func (m *Memory) SetCurrentUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userID = userID
}

// AddConversation registers a two-party conversation and returns its record.
func (m *Memory) AddConversation(conversationID, userA, userB string) ConversationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := ConversationRecord{
		ID:        conversationID,
		UserA:     userA,
		UserB:     userB,
		CreatedAt: m.nextTimestampLocked(),
	}
	m.conversations[conversationID] = record
	return record
}

// FailNextFetch makes the next FetchMessagesSince call return err.
func (m *Memory) FailNextFetch(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// FailNextInsert makes the next InsertMessage call return err.
func (m *Memory) FailNextInsert(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertErr = err
}

// FailNextReceipt makes the next UpsertReceipt call fail.
func (m *Memory) FailNextReceipt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiptErr = errors.New("backend: injected receipt failure")
}

// SetDropPush silently discards push deliveries while set, leaving the poll
// path as the only way updates reach subscribers.
func (m *Memory) SetDropPush(drop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropPush = drop
}

// SubscriberCount returns the number of live subscriptions for a conversation.
func (m *Memory) SubscriberCount(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers[conversationID])
}

// DropConnections simulates push connection loss: every live subscription for
// the conversation is terminated without the client asking for it.
func (m *Memory) DropConnections(conversationID string) {
	m.mu.Lock()
	subs := m.subscribers[conversationID]
	delete(m.subscribers, conversationID)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.terminate()
	}
}

// CurrentUserID implements Client.
func (m *Memory) CurrentUserID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userID == "" {
		return "", ErrNotAuthenticated
	}
	return m.userID, nil
}

// Conversation implements Client.
func (m *Memory) Conversation(ctx context.Context, conversationID string) (ConversationRecord, error) {
	if err := ctx.Err(); err != nil {
		return ConversationRecord{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.conversations[conversationID]
	if !ok {
		return ConversationRecord{}, fmt.Errorf("%w: %q", ErrConversationNotFound, conversationID)
	}
	return record, nil
}

// FetchMessagesSince implements Client.
func (m *Memory) FetchMessagesSince(ctx context.Context, conversationID string, since *int64, limit int) ([]MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fetchErr != nil {
		err := m.fetchErr
		m.fetchErr = nil
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	records := make([]MessageRecord, 0)
	for _, record := range m.messages[conversationID] {
		if record.DeletedAt != nil {
			continue
		}
		if since != nil && record.CreatedAt <= *since {
			continue
		}
		records = append(records, cloneRecord(record))
		if len(records) >= limit {
			break
		}
	}

	return records, nil
}

// InsertMessage implements Client.
func (m *Memory) InsertMessage(ctx context.Context, conversationID, senderID, payload, kind string, metadata map[string]any) (MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return MessageRecord{}, err
	}
	if payload == "" {
		return MessageRecord{}, errors.New("backend: payload is required")
	}

	m.mu.Lock()
	if m.insertErr != nil {
		err := m.insertErr
		m.insertErr = nil
		m.mu.Unlock()
		return MessageRecord{}, err
	}
	if _, ok := m.conversations[conversationID]; !ok {
		m.mu.Unlock()
		return MessageRecord{}, fmt.Errorf("%w: %q", ErrConversationNotFound, conversationID)
	}

	record := MessageRecord{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Payload:        payload,
		Kind:           kind,
		Metadata:       cloneMetadata(metadata),
		CreatedAt:      m.nextTimestampLocked(),
	}
	m.messages[conversationID] = append(m.messages[conversationID], record)
	m.publishLocked(conversationID, Event{Kind: EventMessageInserted, Message: recordPtr(record)})
	m.mu.Unlock()

	return cloneRecord(record), nil
}

// Subscribe implements Client.
func (m *Memory) Subscribe(conversationID string, sink chan<- Event) (Subscription, error) {
	if sink == nil {
		return nil, errors.New("backend: subscription sink is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrConversationNotFound, conversationID)
	}

	sub := &memorySubscription{
		id:             uuid.NewString(),
		conversationID: conversationID,
		sink:           sink,
		done:           make(chan struct{}),
		backend:        m,
	}
	if m.subscribers[conversationID] == nil {
		m.subscribers[conversationID] = make(map[string]*memorySubscription)
	}
	m.subscribers[conversationID][sub.id] = sub

	return sub, nil
}

// Presence implements Client.
func (m *Memory) Presence(ctx context.Context, userID string) (PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return PresenceRecord{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.presence[userID]
	if !ok {
		return PresenceRecord{UserID: userID}, nil
	}
	return record, nil
}

// UpsertReceipt implements Client. Transitions are monotonic: a receipt never
// unsets and never moves earlier.
func (m *Memory) UpsertReceipt(ctx context.Context, messageID, userID, field string, timestamp int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.receiptErr != nil {
		err := m.receiptErr
		m.receiptErr = nil
		return err
	}

	record, _ := m.findMessageLocked(messageID)
	if record == nil {
		return fmt.Errorf("%w: %q", ErrMessageNotFound, messageID)
	}

	switch field {
	case ReceiptDelivered:
		if record.DeliveredAt == nil || timestamp > *record.DeliveredAt {
			record.DeliveredAt = &timestamp
		}
	case ReceiptRead:
		if record.ReadAt == nil {
			record.ReadAt = &timestamp
		}
	default:
		return fmt.Errorf("backend: invalid receipt field %q", field)
	}

	return nil
}

// UpsertReaction implements Client.
func (m *Memory) UpsertReaction(ctx context.Context, messageID, userID, emoji string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if emoji == "" {
		return errors.New("backend: emoji is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, conversationID := m.findMessageLocked(messageID)
	if record == nil {
		return fmt.Errorf("%w: %q", ErrMessageNotFound, messageID)
	}

	if m.reactions[messageID] == nil {
		m.reactions[messageID] = make(map[string]ReactionRecord)
	}
	reaction := ReactionRecord{
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: m.nextTimestampLocked(),
	}
	m.reactions[messageID][userID] = reaction
	m.publishLocked(conversationID, Event{Kind: EventReactionSet, Reaction: &reaction})

	return nil
}

// DeleteReaction implements Client.
func (m *Memory) DeleteReaction(ctx context.Context, messageID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byUser, ok := m.reactions[messageID]
	if !ok {
		return nil
	}
	reaction, ok := byUser[userID]
	if !ok {
		return nil
	}
	delete(byUser, userID)

	_, conversationID := m.findMessageLocked(messageID)
	m.publishLocked(conversationID, Event{Kind: EventReactionCleared, Reaction: &reaction})

	return nil
}

// UpsertTyping implements Client.
func (m *Memory) UpsertTyping(ctx context.Context, conversationID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	typing := TypingRecord{
		ConversationID: conversationID,
		UserID:         userID,
		StartedAt:      m.nextTimestampLocked(),
	}
	m.publishLocked(conversationID, Event{Kind: EventTypingStarted, Typing: &typing})

	return nil
}

// DeleteTyping implements Client.
func (m *Memory) DeleteTyping(ctx context.Context, conversationID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	typing := TypingRecord{ConversationID: conversationID, UserID: userID}
	m.publishLocked(conversationID, Event{Kind: EventTypingStopped, Typing: &typing})

	return nil
}

// UpsertPresence implements Client. Heartbeats are last-writer-wins and fan
// out to every conversation the user participates in.
func (m *Memory) UpsertPresence(ctx context.Context, userID string, online bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record := PresenceRecord{
		UserID:   userID,
		Online:   online,
		LastSeen: m.nextTimestampLocked(),
	}
	m.presence[userID] = record

	for conversationID, conversation := range m.conversations {
		if conversation.UserA != userID && conversation.UserB != userID {
			continue
		}
		presence := record
		m.publishLocked(conversationID, Event{Kind: EventPresenceUpdated, Presence: &presence})
	}

	return nil
}

func (m *Memory) findMessageLocked(messageID string) (*MessageRecord, string) {
	for conversationID, records := range m.messages {
		for i := range records {
			if records[i].ID == messageID {
				return &records[i], conversationID
			}
		}
	}
	return nil, ""
}

// publishLocked delivers one event to every live subscriber. Delivery is
// non-blocking: a full sink drops the event, which is exactly the unreliable
// push behavior the poll reconciler exists to cover.
func (m *Memory) publishLocked(conversationID string, event Event) {
	if m.dropPush {
		return
	}
	for _, sub := range m.subscribers[conversationID] {
		select {
		case sub.sink <- event:
		case <-sub.done:
		default:
		}
	}
}

func (m *Memory) nextTimestampLocked() int64 {
	now := time.Now().UnixMilli()
	if now <= m.clock {
		now = m.clock + 1
	}
	m.clock = now
	return now
}

func (m *Memory) removeSubscription(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subscribers[sub.conversationID]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(m.subscribers, sub.conversationID)
		}
	}
}

type memorySubscription struct {
	id             string
	conversationID string
	sink           chan<- Event
	done           chan struct{}
	once           sync.Once
	backend        *Memory
}

// Unsubscribe implements Subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.backend.removeSubscription(s)
		close(s.done)
	})
	return nil
}

// Done implements Subscription.
func (s *memorySubscription) Done() <-chan struct{} {
	return s.done
}

// terminate ends delivery without the subscriber asking, as a dropped
// connection would.
func (s *memorySubscription) terminate() {
	s.once.Do(func() {
		close(s.done)
	})
}

func cloneRecord(record MessageRecord) MessageRecord {
	out := record
	out.Metadata = cloneMetadata(record.Metadata)
	if record.DeliveredAt != nil {
		v := *record.DeliveredAt
		out.DeliveredAt = &v
	}
	if record.ReadAt != nil {
		v := *record.ReadAt
		out.ReadAt = &v
	}
	if record.DeletedAt != nil {
		v := *record.DeletedAt
		out.DeletedAt = &v
	}
	return out
}

func recordPtr(record MessageRecord) *MessageRecord {
	clone := cloneRecord(record)
	return &clone
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
