package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const (
	kindText                 = "text"
	kindImage                = "image"
	kindLocation             = "location"
	kindDatePlan             = "date_plan"
	kindRestaurantSuggestion = "restaurant_suggestion"
)

// CachedMessage is the SQLite representation of one cached conversation
// message. Payload is the encrypted blob exactly as received from the
// backend; PayloadHMAC is the caller-computed integrity tag over it.
type CachedMessage struct {
	MessageID      string
	ConversationID string
	SenderID       string
	Payload        string
	PayloadHMAC    string
	Kind           string
	Metadata       string
	CreatedAt      int64
	DeliveredAt    *int64
	ReadAt         *int64
	DeletedAt      *int64
}

// UpsertMessage inserts or refreshes one cached message. Identity columns
// never change on conflict; receipt and tombstone columns only move forward
// (a delivered timestamp advances, a read or deleted timestamp sets once).
func (s *Store) UpsertMessage(message CachedMessage) error {
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if message.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if message.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if message.Payload == "" {
		return errors.New("payload is required")
	}
	if message.PayloadHMAC == "" {
		return errors.New("payload_hmac is required")
	}
	if message.Kind == "" {
		message.Kind = kindText
	}
	if err := validateKind(message.Kind); err != nil {
		return err
	}
	if message.Metadata == "" {
		message.Metadata = "{}"
	}
	if message.CreatedAt == 0 {
		return errors.New("created_at is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO cached_messages (
			message_id,
			conversation_id,
			sender_id,
			payload,
			payload_hmac,
			kind,
			metadata,
			created_at,
			delivered_at,
			read_at,
			deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			delivered_at = CASE
				WHEN excluded.delivered_at IS NOT NULL
					AND (delivered_at IS NULL OR excluded.delivered_at > delivered_at)
				THEN excluded.delivered_at
				ELSE delivered_at
			END,
			read_at = COALESCE(read_at, excluded.read_at),
			deleted_at = COALESCE(deleted_at, excluded.deleted_at)`,
		message.MessageID,
		message.ConversationID,
		message.SenderID,
		message.Payload,
		message.PayloadHMAC,
		message.Kind,
		message.Metadata,
		message.CreatedAt,
		nullInt64(message.DeliveredAt),
		nullInt64(message.ReadAt),
		nullInt64(message.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert cached message %q: %w", message.MessageID, err)
	}

	return nil
}

// GetMessages returns a conversation's cached messages ascending by creation
// timestamp, ties broken by message ID. Tombstoned rows are included; the
// ledger decides visibility. A limit of zero or less returns every row.
func (s *Store) GetMessages(conversationID string, limit int) ([]CachedMessage, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			conversation_id,
			sender_id,
			payload,
			payload_hmac,
			kind,
			metadata,
			created_at,
			delivered_at,
			read_at,
			deleted_at
		FROM cached_messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, message_id ASC
		LIMIT ?`,
		conversationID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get cached messages for conversation %q: %w", conversationID, err)
	}
	defer rows.Close()

	messages := make([]CachedMessage, 0)
	for rows.Next() {
		var (
			message     CachedMessage
			deliveredAt sql.NullInt64
			readAt      sql.NullInt64
			deletedAt   sql.NullInt64
		)
		if err := rows.Scan(
			&message.MessageID,
			&message.ConversationID,
			&message.SenderID,
			&message.Payload,
			&message.PayloadHMAC,
			&message.Kind,
			&message.Metadata,
			&message.CreatedAt,
			&deliveredAt,
			&readAt,
			&deletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan cached message row: %w", err)
		}
		message.DeliveredAt = int64Ptr(deliveredAt)
		message.ReadAt = int64Ptr(readAt)
		message.DeletedAt = int64Ptr(deletedAt)
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cached message rows: %w", err)
	}

	return messages, nil
}

// LatestTimestamp returns the maximum cached creation timestamp for a
// conversation, or nil when nothing is cached.
func (s *Store) LatestTimestamp(conversationID string) (*int64, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	var latest sql.NullInt64
	if err := s.db.QueryRow(
		`SELECT MAX(created_at) FROM cached_messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&latest); err != nil {
		return nil, fmt.Errorf("latest cached timestamp for conversation %q: %w", conversationID, err)
	}

	return int64Ptr(latest), nil
}

// DeleteConversation removes every cached row for a conversation and returns
// the number of rows deleted.
func (s *Store) DeleteConversation(conversationID string) (int64, error) {
	if conversationID == "" {
		return 0, errors.New("conversation_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM cached_messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("delete cached conversation %q: %w", conversationID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for conversation delete: %w", err)
	}

	return rowsAffected, nil
}

func validateKind(kind string) error {
	switch kind {
	case kindText, kindImage, kindLocation, kindDatePlan, kindRestaurantSuggestion:
		return nil
	default:
		return fmt.Errorf("invalid message kind %q", kind)
	}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}
