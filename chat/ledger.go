// Package chat implements the client-side conversation synchronization
// engine: an ordered, deduplicated message ledger fed by two independent and
// individually unreliable channels (a push subscription and a periodic poll),
// with end-to-end payload encryption, receipt and reaction tracking, and
// ephemeral presence/typing state.
package chat

import (
	"sort"
	"sync"

	"github.com/winstonxwu/eat-me/models"
)

// ReceiptField selects which receipt timestamp ApplyReceipt transitions.
type ReceiptField string

const (
	ReceiptDelivered ReceiptField = "delivered"
	ReceiptRead      ReceiptField = "read"
)

// Ledger is the ordered, deduplicated, append-only view of one conversation's
// messages. Merge is idempotent by message ID, which is what makes feeding
// the same message through both delivery channels safe.
//
// All methods are safe for concurrent use. OrderedView always observes a
// consistent snapshot; it never sees a partially applied merge.
type Ledger struct {
	mu      sync.RWMutex
	byID    map[string]*models.Message
	ordered []*models.Message

	maxCreatedAt int64
	hasMax       bool
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{byID: make(map[string]*models.Message)}
}

// Merge inserts a candidate message if its ID is not yet known and reports
// whether it was applied. Re-merging a known message is a no-op, not an
// error. Tombstoned candidates are applied too; OrderedView filters them.
func (l *Ledger) Merge(candidate models.Message) bool {
	if candidate.ID == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[candidate.ID]; ok {
		return false
	}

	entry := cloneMessage(candidate)
	l.byID[entry.ID] = entry

	idx := sort.Search(len(l.ordered), func(i int) bool {
		if l.ordered[i].CreatedAt != entry.CreatedAt {
			return l.ordered[i].CreatedAt > entry.CreatedAt
		}
		return l.ordered[i].ID > entry.ID
	})
	l.ordered = append(l.ordered, nil)
	copy(l.ordered[idx+1:], l.ordered[idx:])
	l.ordered[idx] = entry

	if !l.hasMax || entry.CreatedAt > l.maxCreatedAt {
		l.maxCreatedAt = entry.CreatedAt
		l.hasMax = true
	}

	return true
}

// OrderedView returns the conversation messages ascending by creation
// timestamp, ties broken by message ID. Soft-deleted messages are excluded.
func (l *Ledger) OrderedView() []models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.Message, 0, len(l.ordered))
	for _, entry := range l.ordered {
		if entry.DeletedAt != nil {
			continue
		}
		out = append(out, *cloneMessage(*entry))
	}
	return out
}

// Get returns a copy of one applied message by ID, tombstoned or not.
func (l *Ledger) Get(id string) (models.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return *cloneMessage(*entry), true
}

// Len returns the number of applied entries, including tombstones.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

// LatestKnownTimestamp returns the maximum creation timestamp among applied
// messages. The second return is false for an empty ledger.
func (l *Ledger) LatestKnownTimestamp() (int64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.maxCreatedAt, l.hasMax
}

// ApplyReceipt applies a monotonic delivered/read transition and reports
// whether the stored state changed. A delivered timestamp only moves forward;
// a read timestamp is immutable once set. Regressions are ignored, never an
// error.
func (l *Ledger) ApplyReceipt(id string, field ReceiptField, timestamp int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byID[id]
	if !ok {
		return false
	}

	switch field {
	case ReceiptDelivered:
		if entry.DeliveredAt == nil || timestamp > *entry.DeliveredAt {
			entry.DeliveredAt = &timestamp
			return true
		}
	case ReceiptRead:
		if entry.ReadAt == nil {
			entry.ReadAt = &timestamp
			return true
		}
	}

	return false
}

// MarkDeleted applies a soft-deletion tombstone. The entry stays in the
// ledger; visibility is filtered, not truncated. Already-tombstoned entries
// are left untouched.
func (l *Ledger) MarkDeleted(id string, timestamp int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byID[id]
	if !ok || entry.DeletedAt != nil {
		return false
	}
	entry.DeletedAt = &timestamp
	return true
}

func cloneMessage(msg models.Message) *models.Message {
	out := msg
	if msg.Metadata != nil {
		out.Metadata = make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			out.Metadata[k] = v
		}
	}
	if msg.DeliveredAt != nil {
		v := *msg.DeliveredAt
		out.DeliveredAt = &v
	}
	if msg.ReadAt != nil {
		v := *msg.ReadAt
		out.ReadAt = &v
	}
	if msg.DeletedAt != nil {
		v := *msg.DeletedAt
		out.DeletedAt = &v
	}
	return &out
}
