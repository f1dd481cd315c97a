package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// ConversationKeySize is the AES-256 key length in bytes.
	ConversationKeySize = 32
	// DefaultKDFIterations is the PBKDF2 iteration count used by DeriveSubkey.
	DefaultKDFIterations = 10000

	// keyNamespace pins derived keys to this application and key schema
	// version. Changing it invalidates every existing conversation key.
	keyNamespace = "eatme-app-v1"
)

// DeriveConversationKey derives the symmetric key for a conversation from the
// conversation ID and the participant IDs. The derivation is deterministic and
// participant-order independent, so both clients arrive at the same key with
// no key exchange.
//
// Note that none of the inputs are secret: anyone who knows the conversation
// and participant IDs can recompute the key. This is a known structural
// weakness of the wire format and is kept for compatibility.
func DeriveConversationKey(conversationID string, participantIDs []string) ([]byte, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if len(participantIDs) == 0 {
		return nil, errors.New("participant ids are required")
	}

	sorted := append([]string(nil), participantIDs...)
	for _, id := range sorted {
		if id == "" {
			return nil, errors.New("participant id must not be empty")
		}
	}
	sort.Strings(sorted)

	combined := fmt.Sprintf("%s-%s-%s", conversationID, strings.Join(sorted, "-"), keyNamespace)
	sum := sha256.Sum256([]byte(combined))
	return sum[:], nil
}

// DeriveSubkey stretches a parent key into a purpose-bound subkey via
// PBKDF2-SHA256. Distinct purposes yield independent keys, so a subkey used
// for local integrity tags never doubles as a payload key.
func DeriveSubkey(parent []byte, purpose string, iterations int) ([]byte, error) {
	if len(parent) == 0 {
		return nil, errors.New("parent key is required")
	}
	if purpose == "" {
		return nil, errors.New("purpose is required")
	}
	if iterations <= 0 {
		iterations = DefaultKDFIterations
	}

	salt := []byte(purpose + "-" + keyNamespace)
	return pbkdf2.Key(parent, salt, iterations, ConversationKeySize, sha256.New), nil
}
