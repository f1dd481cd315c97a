package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/winstonxwu/eat-me/backend"
	"github.com/winstonxwu/eat-me/crypto"
)

// KeyStore resolves the symmetric key bound to each conversation. Keys are
// derived deterministically from conversation identity and the participant
// pair, so the store never persists or transmits key material; it only
// caches derivations for the life of the process.
//
// A KeyStore is safe for concurrent use and may be shared across sessions.
type KeyStore struct {
	backend backend.Client

	mu   sync.Mutex
	keys map[string][]byte
}

// NewKeyStore returns a key store backed by the given client for participant
// resolution.
func NewKeyStore(client backend.Client) *KeyStore {
	return &KeyStore{
		backend: client,
		keys:    make(map[string][]byte),
	}
}

// ConversationKey returns the conversation's symmetric key, deriving it on
// first use. The returned slice is a copy; callers may not share it back.
func (ks *KeyStore) ConversationKey(ctx context.Context, conversationID string) ([]byte, error) {
	ks.mu.Lock()
	if key, ok := ks.keys[conversationID]; ok {
		ks.mu.Unlock()
		return append([]byte(nil), key...), nil
	}
	ks.mu.Unlock()

	conversation, err := ks.backend.Conversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation participants: %w", err)
	}

	key, err := crypto.DeriveConversationKey(conversationID, []string{conversation.UserA, conversation.UserB})
	if err != nil {
		return nil, fmt.Errorf("derive conversation key: %w", err)
	}

	ks.mu.Lock()
	ks.keys[conversationID] = key
	ks.mu.Unlock()

	return append([]byte(nil), key...), nil
}
