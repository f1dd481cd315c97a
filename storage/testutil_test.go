package storage

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("store close failed: %v", err)
		}
	})
	return store
}

func cachedMessage(messageID string, createdAt int64) CachedMessage {
	return CachedMessage{
		MessageID:      messageID,
		ConversationID: "conv-1",
		SenderID:       "alice",
		Payload:        `{"v":2,"iv":"00","data":"AA=="}`,
		PayloadHMAC:    "feedface",
		Kind:           "text",
		Metadata:       "{}",
		CreatedAt:      createdAt,
	}
}
