package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/winstonxwu/eat-me/backend"
	"github.com/winstonxwu/eat-me/models"
)

// QuickReplies are one-tap responses offered by the conversation UI.
var QuickReplies = []string{
	"Yes! 🙌",
	"Sounds great! 😊",
	"What time? ⏰",
	"Let's do it! 🔥",
	"Maybe later 🤔",
	"I'm in! 💫",
}

// ConversationStarters are food-themed openers for fresh conversations.
var ConversationStarters = []string{
	"What's your favorite comfort food? 🍜",
	"Best restaurant you've been to recently? 🍽️",
	"Cooking or ordering in tonight? 👨‍🍳",
	"Sweet or savory snacks? 🍪🥨",
	"Coffee or tea person? ☕🍵",
	"Pizza toppings - controversial opinions? 🍕",
}

// NewSendNonce returns a client-generated nonce for the caller's transient
// pending-send list. The UI keys optimistic entries by it and reconciles them
// away when the confirmed message arrives through a delivery channel.
func NewSendNonce() string {
	return uuid.NewString()
}

// SendRestaurantSuggestion composes and sends a restaurant-suggestion
// message. The rendered list goes into the encrypted content; the structured
// restaurants ride along as metadata.
func (s *Session) SendRestaurantSuggestion(ctx context.Context, restaurants []models.Restaurant) (backend.MessageRecord, error) {
	if len(restaurants) == 0 {
		return backend.MessageRecord{}, errors.New("chat: at least one restaurant is required")
	}

	metadata := map[string]any{"restaurants": restaurants}
	return s.Send(ctx, formatRestaurantSuggestion(restaurants), models.KindRestaurantSuggestion, metadata)
}

// SendDatePlan composes and sends a date-plan message.
func (s *Session) SendDatePlan(ctx context.Context, plan models.DatePlan) (backend.MessageRecord, error) {
	if plan.Title == "" {
		return backend.MessageRecord{}, errors.New("chat: date plan title is required")
	}

	content := fmt.Sprintf("📅 Date Plan: %s\n🕒 %s\n📍 %s", plan.Title, plan.Time, plan.Location)
	metadata := map[string]any{
		"title":    plan.Title,
		"time":     plan.Time,
		"location": plan.Location,
	}
	return s.Send(ctx, content, models.KindDatePlan, metadata)
}

// SearchMessages returns up to limit visible text messages whose content
// contains query, case-insensitively, in ledger order.
func (s *Session) SearchMessages(query string, limit int) []models.Message {
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(query)

	matches := make([]models.Message, 0, limit)
	for _, msg := range s.ledger.OrderedView() {
		if msg.Kind != models.KindText {
			continue
		}
		if !strings.Contains(strings.ToLower(msg.Content), needle) {
			continue
		}
		matches = append(matches, msg)
		if len(matches) >= limit {
			break
		}
	}
	return matches
}

func formatRestaurantSuggestion(restaurants []models.Restaurant) string {
	entries := make([]string, 0, len(restaurants))
	for i, restaurant := range restaurants {
		categories := "Restaurant"
		if len(restaurant.Categories) > 0 {
			categories = strings.Join(restaurant.Categories, " • ")
		}
		address := restaurant.Address
		if address == "" {
			address = "Location available"
		}
		entries = append(entries, fmt.Sprintf("%d. %s\n   %s\n   📍 %s", i+1, restaurant.Name, categories, address))
	}

	return "🍽️ Restaurant Suggestions:\n\n" + strings.Join(entries, "\n\n")
}
