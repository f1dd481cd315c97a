package chat

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/winstonxwu/eat-me/backend"
	"github.com/winstonxwu/eat-me/crypto"
	"github.com/winstonxwu/eat-me/models"
	"github.com/winstonxwu/eat-me/storage"
)

func newSessionBackend(t *testing.T) *backend.Memory {
	t.Helper()

	client := backend.NewMemory()
	client.SetCurrentUser("alice")
	client.AddConversation("conv-1", "alice", "bob")
	return client
}

func fastOptions(client backend.Client) SessionOptions {
	return SessionOptions{
		Backend:            client,
		ConversationID:     "conv-1",
		PollInterval:       20 * time.Millisecond,
		ResubscribeBackoff: []time.Duration{0, 10 * time.Millisecond},
	}
}

func openSession(t *testing.T, options SessionOptions) *Session {
	t.Helper()

	session, err := Open(context.Background(), options)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := session.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return session
}

func conversationKey(t *testing.T) []byte {
	t.Helper()

	key, err := crypto.DeriveConversationKey("conv-1", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("DeriveConversationKey failed: %v", err)
	}
	return key
}

// insertFromPartner plays the remote client: it encrypts plaintext under the
// shared conversation key and inserts the record server-side.
func insertFromPartner(t *testing.T, client *backend.Memory, plaintext string) backend.MessageRecord {
	t.Helper()

	payload, err := crypto.Encrypt(plaintext, conversationKey(t))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	record, err := client.InsertMessage(context.Background(), "conv-1", "bob", payload, models.KindText, nil)
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	return record
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpenResolvesIdentityAndState(t *testing.T) {
	client := newSessionBackend(t)
	session := openSession(t, fastOptions(client))

	if session.State() != StateOpen {
		t.Fatalf("expected state OPEN, got %s", session.State())
	}
	if session.LocalUserID() != "alice" || session.PartnerID() != "bob" {
		t.Fatalf("expected alice/bob, got %s/%s", session.LocalUserID(), session.PartnerID())
	}
	if session.ConversationID() != "conv-1" {
		t.Fatalf("expected conversation conv-1, got %s", session.ConversationID())
	}

	// Opening announces local presence.
	presence, err := client.Presence(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Presence failed: %v", err)
	}
	if !presence.Online {
		t.Fatalf("expected local user online after open")
	}
}

func TestOpenFailsWithoutIdentityOrConversation(t *testing.T) {
	client := backend.NewMemory()
	client.AddConversation("conv-1", "alice", "bob")

	if _, err := Open(context.Background(), fastOptions(client)); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}

	client.SetCurrentUser("alice")
	options := fastOptions(client)
	options.ConversationID = "missing"
	if _, err := Open(context.Background(), options); !errors.Is(err, backend.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}

	client.SetCurrentUser("mallory")
	if _, err := Open(context.Background(), fastOptions(client)); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestCloseTearsDownAndIsIdempotent(t *testing.T) {
	client := newSessionBackend(t)
	session, err := Open(context.Background(), fastOptions(client))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := session.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if session.State() != StateClosed {
		t.Fatalf("expected state CLOSED, got %s", session.State())
	}
	if count := client.SubscriberCount("conv-1"); count != 0 {
		t.Fatalf("expected no live subscriptions, got %d", count)
	}

	presence, err := client.Presence(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Presence failed: %v", err)
	}
	if presence.Online {
		t.Fatalf("expected local user offline after close")
	}

	if err := session.Close(); err != nil {
		t.Fatalf("repeated Close failed: %v", err)
	}

	if _, err := session.Send(context.Background(), "late", models.KindText, nil); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed from Send, got %v", err)
	}
	if err := session.StartTyping(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed from StartTyping, got %v", err)
	}
	if err := session.StopTyping(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed from StopTyping, got %v", err)
	}
}

func TestRepeatedOpenCloseLeavesNoResidue(t *testing.T) {
	client := newSessionBackend(t)

	for i := 0; i < 25; i++ {
		session, err := Open(context.Background(), fastOptions(client))
		if err != nil {
			t.Fatalf("iteration %d: Open failed: %v", i, err)
		}
		if err := session.Close(); err != nil {
			t.Fatalf("iteration %d: Close failed: %v", i, err)
		}
	}

	if count := client.SubscriberCount("conv-1"); count != 0 {
		t.Fatalf("expected no leaked subscriptions, got %d", count)
	}
}

func TestSendIsNotOptimisticallyInserted(t *testing.T) {
	client := newSessionBackend(t)
	client.SetDropPush(true)

	options := fastOptions(client)
	options.PollInterval = time.Hour
	session := openSession(t, options)

	record, err := session.Send(context.Background(), "hello bob", models.KindText, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if record.ID == "" || record.CreatedAt == 0 {
		t.Fatalf("expected backend-assigned ID and timestamp, got %+v", record)
	}

	// With both delivery channels silenced, the message must not appear: the
	// ledger only reflects what round-tripped through the backend.
	time.Sleep(50 * time.Millisecond)
	if _, ok := session.Message(record.ID); ok {
		t.Fatalf("expected sent message to stay out of the ledger until delivered")
	}
}

func TestSendBecomesVisibleThroughPush(t *testing.T) {
	client := newSessionBackend(t)

	var received []string
	options := fastOptions(client)
	options.PollInterval = time.Hour
	done := make(chan string, 8)
	options.OnMessage = func(msg models.Message) {
		done <- msg.ID
	}
	session := openSession(t, options)

	record, err := session.Send(context.Background(), "hello bob", models.KindText, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case id := <-done:
		received = append(received, id)
	case <-time.After(2 * time.Second):
		t.Fatalf("push delivery never arrived")
	}
	if received[0] != record.ID {
		t.Fatalf("expected push delivery of %q, got %q", record.ID, received[0])
	}

	msg, ok := session.Message(record.ID)
	if !ok {
		t.Fatalf("expected sent message in ledger after push round trip")
	}
	if msg.Content != "hello bob" {
		t.Fatalf("expected decrypted content, got %q", msg.Content)
	}
	if msg.SenderID != "alice" {
		t.Fatalf("expected local sender, got %q", msg.SenderID)
	}
}

func TestSendRejectsInvalidInput(t *testing.T) {
	client := newSessionBackend(t)
	session := openSession(t, fastOptions(client))

	if _, err := session.Send(context.Background(), "   ", models.KindText, nil); err == nil {
		t.Fatalf("expected error for blank content")
	}
	if _, err := session.Send(context.Background(), "hi", "carrier-pigeon", nil); err == nil {
		t.Fatalf("expected error for invalid kind")
	}
}

func TestDualChannelDeliveryConvergesWithoutDuplicates(t *testing.T) {
	client := newSessionBackend(t)
	session := openSession(t, fastOptions(client))

	// Two messages delivered out of order: m2 arrives via push first, then
	// the poll returns both. The view must converge to [m1, m2] exactly once.
	client.SetDropPush(true)
	m1 := insertFromPartner(t, client, "first")
	client.SetDropPush(false)
	m2 := insertFromPartner(t, client, "second")

	waitFor(t, "both messages to converge", func() bool {
		return len(session.Messages()) == 2
	})

	// Give the next poll ticks a chance to re-deliver duplicates.
	time.Sleep(100 * time.Millisecond)

	view := session.Messages()
	if len(view) != 2 {
		t.Fatalf("expected exactly 2 messages, got %d", len(view))
	}
	if view[0].ID != m1.ID || view[1].ID != m2.ID {
		t.Fatalf("expected order [%q %q], got [%q %q]", m1.ID, m2.ID, view[0].ID, view[1].ID)
	}
	if view[0].Content != "first" || view[1].Content != "second" {
		t.Fatalf("expected decrypted contents, got %q %q", view[0].Content, view[1].Content)
	}
}

func TestDecryptFailureIsIsolatedPerMessage(t *testing.T) {
	client := newSessionBackend(t)
	session := openSession(t, fastOptions(client))

	insertFromPartner(t, client, "before")
	corrupt, err := client.InsertMessage(context.Background(), "conv-1", "bob", "not-a-valid-payload", models.KindText, nil)
	if err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
	insertFromPartner(t, client, "after")

	waitFor(t, "all three messages", func() bool {
		return len(session.Messages()) == 3
	})

	view := session.Messages()
	if view[0].Content != "before" || view[2].Content != "after" {
		t.Fatalf("expected neighbors intact, got %q and %q", view[0].Content, view[2].Content)
	}
	if view[1].ID != corrupt.ID || view[1].Content != crypto.FailurePlaceholder {
		t.Fatalf("expected placeholder for corrupt message, got %q", view[1].Content)
	}
}

func TestPollCoversDroppedPush(t *testing.T) {
	client := newSessionBackend(t)
	session := openSession(t, fastOptions(client))

	client.SetDropPush(true)
	record := insertFromPartner(t, client, "silent delivery")

	waitFor(t, "poll to deliver the dropped message", func() bool {
		_, ok := session.Message(record.ID)
		return ok
	})
}

func TestPollFailureRetriesNextTick(t *testing.T) {
	client := newSessionBackend(t)
	session := openSession(t, fastOptions(client))

	client.SetDropPush(true)
	client.FailNextFetch(errors.New("transient backend outage"))
	record := insertFromPartner(t, client, "eventually")

	waitFor(t, "poll to recover from the failed tick", func() bool {
		_, ok := session.Message(record.ID)
		return ok
	})
}

func TestSeedFailureStillOpensSession(t *testing.T) {
	client := newSessionBackend(t)
	record := insertFromPartner(t, client, "pre-existing")

	client.FailNextFetch(errors.New("seed outage"))
	session := openSession(t, fastOptions(client))

	if session.State() != StateOpen {
		t.Fatalf("expected session to open despite seed failure, got %s", session.State())
	}
	waitFor(t, "poll to backfill the missed seed", func() bool {
		_, ok := session.Message(record.ID)
		return ok
	})
}

func TestConnectionLossTriggersResubscribe(t *testing.T) {
	client := newSessionBackend(t)
	options := fastOptions(client)
	options.PollInterval = time.Hour
	session := openSession(t, options)

	waitFor(t, "initial subscription", func() bool {
		return client.SubscriberCount("conv-1") == 1
	})

	client.DropConnections("conv-1")
	waitFor(t, "automatic resubscribe", func() bool {
		return client.SubscriberCount("conv-1") == 1
	})

	// The re-established channel delivers again.
	record := insertFromPartner(t, client, "after reconnect")
	waitFor(t, "delivery over the new subscription", func() bool {
		_, ok := session.Message(record.ID)
		return ok
	})
}

func TestRemoteMessageGetsDeliveredReceipt(t *testing.T) {
	client := newSessionBackend(t)
	session := openSession(t, fastOptions(client))

	record := insertFromPartner(t, client, "receipt me")
	waitFor(t, "delivered receipt", func() bool {
		msg, ok := session.Message(record.ID)
		return ok && msg.DeliveredAt != nil
	})
}

func TestMarkReadFlowsBackToSender(t *testing.T) {
	client := newSessionBackend(t)
	session := openSession(t, fastOptions(client))

	record := insertFromPartner(t, client, "read me")
	waitFor(t, "message arrival", func() bool {
		_, ok := session.Message(record.ID)
		return ok
	})

	if err := session.MarkRead(context.Background()); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	msg, _ := session.Message(record.ID)
	if msg.ReadAt == nil {
		t.Fatalf("expected local read timestamp")
	}

	// The backend copy carries the receipt for the sender's poll to pick up.
	records, err := client.FetchMessagesSince(context.Background(), "conv-1", nil, 0)
	if err != nil {
		t.Fatalf("FetchMessagesSince failed: %v", err)
	}
	for _, rec := range records {
		if rec.ID == record.ID && rec.ReadAt == nil {
			t.Fatalf("expected read receipt written through to backend")
		}
	}
}

func TestTypingSignalsAutoClear(t *testing.T) {
	client := newSessionBackend(t)
	options := fastOptions(client)
	options.TypingClearAfter = 50 * time.Millisecond
	session := openSession(t, options)

	if err := client.UpsertTyping(context.Background(), "conv-1", "bob"); err != nil {
		t.Fatalf("UpsertTyping failed: %v", err)
	}
	waitFor(t, "partner typing flag", func() bool {
		return session.PartnerTyping()
	})
	waitFor(t, "typing auto-clear", func() bool {
		return !session.PartnerTyping()
	})
}

func TestOwnTypingEchoIsIgnored(t *testing.T) {
	client := newSessionBackend(t)
	session := openSession(t, fastOptions(client))

	if err := session.StartTyping(context.Background()); err != nil {
		t.Fatalf("StartTyping failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if session.PartnerTyping() {
		t.Fatalf("expected own typing echo to be filtered out")
	}
	if err := session.StopTyping(context.Background()); err != nil {
		t.Fatalf("StopTyping failed: %v", err)
	}
}

func TestPartnerPresenceUpdates(t *testing.T) {
	client := newSessionBackend(t)
	presenceSeen := make(chan models.Presence, 8)
	options := fastOptions(client)
	options.OnPresence = func(p models.Presence) {
		presenceSeen <- p
	}
	session := openSession(t, options)

	if err := client.UpsertPresence(context.Background(), "bob", true); err != nil {
		t.Fatalf("UpsertPresence failed: %v", err)
	}

	select {
	case p := <-presenceSeen:
		if p.UserID != "bob" || !p.Online {
			t.Fatalf("expected bob online, got %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("presence callback never fired")
	}

	waitFor(t, "presence snapshot update", func() bool {
		return session.PartnerPresence().Online
	})
}

func TestReactionsRoundTrip(t *testing.T) {
	client := newSessionBackend(t)
	session := openSession(t, fastOptions(client))

	record := insertFromPartner(t, client, "react to me")
	waitFor(t, "message arrival", func() bool {
		_, ok := session.Message(record.ID)
		return ok
	})

	if err := session.React(context.Background(), record.ID, "👍"); err != nil {
		t.Fatalf("React failed: %v", err)
	}
	if got := session.Reactions(record.ID)["alice"]; got != "👍" {
		t.Fatalf("expected local echo 👍, got %q", got)
	}

	// A remote reaction arrives over the push channel.
	if err := client.UpsertReaction(context.Background(), record.ID, "bob", "🔥"); err != nil {
		t.Fatalf("UpsertReaction failed: %v", err)
	}
	waitFor(t, "remote reaction", func() bool {
		return session.Reactions(record.ID)["bob"] == "🔥"
	})

	if err := session.Unreact(context.Background(), record.ID); err != nil {
		t.Fatalf("Unreact failed: %v", err)
	}
	waitFor(t, "local reaction cleared", func() bool {
		reactions := session.Reactions(record.ID)
		_, mine := reactions["alice"]
		return !mine && reactions["bob"] == "🔥"
	})
}

func TestCacheSeedsLedgerWhenBackendIsDown(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	store, err := storage.OpenPath(dbPath)
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("store close failed: %v", err)
		}
	})

	client := newSessionBackend(t)
	options := fastOptions(client)
	options.Cache = store
	first := openSession(t, options)

	record := insertFromPartner(t, client, "cached away")
	waitFor(t, "message arrival", func() bool {
		_, ok := first.Message(record.ID)
		return ok
	})
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A fresh session with a failing backend fetch still shows the cached
	// conversation immediately.
	client.SetDropPush(true)
	client.FailNextFetch(errors.New("backend down"))
	reopened := fastOptions(client)
	reopened.Cache = store
	reopened.PollInterval = time.Hour
	second := openSession(t, reopened)

	msg, ok := second.Message(record.ID)
	if !ok {
		t.Fatalf("expected cached message in reopened session")
	}
	if msg.Content != "cached away" {
		t.Fatalf("expected decrypted cached content, got %q", msg.Content)
	}
}

func TestSeedAppliesReceiptsToCachedMessages(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	store, err := storage.OpenPath(dbPath)
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("store close failed: %v", err)
		}
	})

	client := newSessionBackend(t)
	options := fastOptions(client)
	options.Cache = store
	first := openSession(t, options)

	record, err := first.Send(context.Background(), "read this later", models.KindText, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, "send round trip", func() bool {
		_, ok := first.Message(record.ID)
		return ok
	})
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The partner reads the message while this client is gone.
	if err := client.UpsertReceipt(context.Background(), record.ID, "bob", backend.ReceiptRead, time.Now().UnixMilli()); err != nil {
		t.Fatalf("UpsertReceipt failed: %v", err)
	}

	// On reopen the cache seeds the message first; the backend seed fetch
	// must still land the read receipt on it, without waiting for a poll.
	reopened := fastOptions(client)
	reopened.Cache = store
	reopened.PollInterval = time.Hour
	second := openSession(t, reopened)

	msg, ok := second.Message(record.ID)
	if !ok {
		t.Fatalf("expected message in reopened session")
	}
	if msg.ReadAt == nil {
		t.Fatalf("expected seed fetch to apply the read receipt to the cached entry")
	}
}

func TestTamperedCacheRowIsSkipped(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	store, err := storage.OpenPath(dbPath)
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("store close failed: %v", err)
		}
	})

	payload, err := crypto.Encrypt("forged", conversationKey(t))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	err = store.UpsertMessage(storage.CachedMessage{
		MessageID:      "forged-row",
		ConversationID: "conv-1",
		SenderID:       "bob",
		Payload:        payload,
		PayloadHMAC:    "0000000000000000000000000000000000000000000000000000000000000000",
		Kind:           models.KindText,
		Metadata:       "{}",
		CreatedAt:      1,
	})
	if err != nil {
		t.Fatalf("UpsertMessage failed: %v", err)
	}

	client := newSessionBackend(t)
	options := fastOptions(client)
	options.Cache = store
	options.PollInterval = time.Hour
	session := openSession(t, options)

	if _, ok := session.Message("forged-row"); ok {
		t.Fatalf("expected row with bad integrity tag to be skipped")
	}
}
