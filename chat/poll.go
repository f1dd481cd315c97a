package chat

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/winstonxwu/eat-me/backend"
)

// Reconciler periodically fetches messages newer than its own fetch watermark
// and feeds them through the session's apply path. It is not an optimization
// over the push channel: it is the correctness backstop that makes the engine
// converge when push delivery is silent, delayed or disconnected. Duplicate
// work with the push channel is expected and cheap because merging is
// idempotent.
//
// The watermark advances only from records the reconciler itself fetched,
// never from push deliveries. A push arrival must not move the watermark past
// a message the push channel silently skipped, or that message would be lost
// to both channels.
type Reconciler struct {
	backend        backend.Client
	conversationID string
	interval       time.Duration
	limit          int
	apply          func(backend.MessageRecord)

	// since and cycles are touched only by the loop goroutine.
	since  *int64
	cycles int

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// deepEvery is the cadence of full-window reconcile cycles.
const deepEvery = 5

func newReconciler(client backend.Client, conversationID string, interval time.Duration, limit int, apply func(backend.MessageRecord)) *Reconciler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if limit <= 0 {
		limit = DefaultSeedLimit
	}
	return &Reconciler{
		backend:        client,
		conversationID: conversationID,
		interval:       interval,
		limit:          limit,
		apply:          apply,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start launches the poll loop.
func (r *Reconciler) Start() {
	go r.loop()
}

// Stop cancels the poll loop and waits for it to exit. Safe to call more
// than once.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
}

func (r *Reconciler) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// A failed cycle is logged and retried on the next tick; it
			// never raises and never stops subsequent ticks.
			if err := r.tick(); err != nil {
				log.Printf("chat: poll cycle for conversation %s failed: %v", r.conversationID, err)
			}
		case <-r.stop:
			return
		}
	}
}

func (r *Reconciler) tick() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval*4)
	defer cancel()

	// Most cycles only chase messages past the watermark. Every deepEvery-th
	// cycle walks the entire history instead, because receipt and deletion
	// state mutates on messages the watermark has already passed. The deep
	// walk pages by r.limit so conversations longer than one fetch window
	// still reconcile completely.
	r.cycles++
	deep := r.cycles%deepEvery == 0

	cursor := r.since
	if deep {
		cursor = nil
	}

	for {
		records, err := r.backend.FetchMessagesSince(ctx, r.conversationID, cursor, r.limit)
		if err != nil {
			return fmt.Errorf("fetch messages: %w", err)
		}
		if len(records) == 0 {
			return nil
		}

		// The backend does not guarantee ascending order.
		sort.Slice(records, func(i, j int) bool {
			if records[i].CreatedAt != records[j].CreatedAt {
				return records[i].CreatedAt < records[j].CreatedAt
			}
			return records[i].ID < records[j].ID
		})

		for _, record := range records {
			r.apply(record)
			if r.since == nil || record.CreatedAt > *r.since {
				ts := record.CreatedAt
				r.since = &ts
			}
		}

		if !deep || len(records) < r.limit {
			return nil
		}
		last := records[len(records)-1].CreatedAt
		cursor = &last
	}
}
