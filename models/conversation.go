package models

// Conversation identifies a persistent two-party pairing.
type Conversation struct {
	ID        string `json:"id"`
	UserA     string `json:"user_a"`
	UserB     string `json:"user_b"`
	CreatedAt int64  `json:"created_at"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (userID == c.UserA || userID == c.UserB)
}

// Partner returns the other participant for a given local user ID.
func (c Conversation) Partner(userID string) (string, bool) {
	switch userID {
	case c.UserA:
		return c.UserB, true
	case c.UserB:
		return c.UserA, true
	default:
		return "", false
	}
}
