package models

// Message kinds supported by the conversation engine.
const (
	KindText                 = "text"
	KindImage                = "image"
	KindLocation             = "location"
	KindDatePlan             = "date_plan"
	KindRestaurantSuggestion = "restaurant_suggestion"
)

// Message represents a plaintext message entry after decryption.
//
// ID, ConversationID, SenderID and CreatedAt are immutable once set;
// DeliveredAt, ReadAt and DeletedAt transition from nil to a value exactly
// once and are never unset.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content"`
	Kind           string         `json:"kind"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	DeliveredAt    *int64         `json:"delivered_at,omitempty"`
	ReadAt         *int64         `json:"read_at,omitempty"`
	DeletedAt      *int64         `json:"deleted_at,omitempty"`
}

// ValidKind reports whether kind is one of the supported message kinds.
func ValidKind(kind string) bool {
	switch kind {
	case KindText, KindImage, KindLocation, KindDatePlan, KindRestaurantSuggestion:
		return true
	default:
		return false
	}
}
