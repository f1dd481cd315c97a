package chat

import (
	"sync"
	"time"

	"github.com/winstonxwu/eat-me/models"
)

// PresenceTracker maintains best-effort online/offline and typing state for
// the remote participant. Presence observations are last-writer-wins; the
// typing flag auto-clears after a fixed timeout when no renewing signal
// arrives, because delivery of the peer's explicit clear is not guaranteed.
//
// All state is ephemeral and never persisted.
type PresenceTracker struct {
	clearAfter     time.Duration
	onTypingChange func(bool)

	mu       sync.Mutex
	userID   string
	online   bool
	lastSeen int64
	typing   bool
	timer    *time.Timer
	closed   bool
}

func newPresenceTracker(userID string, clearAfter time.Duration, onTypingChange func(bool)) *PresenceTracker {
	if clearAfter <= 0 {
		clearAfter = DefaultTypingClearAfter
	}
	return &PresenceTracker{
		clearAfter:     clearAfter,
		onTypingChange: onTypingChange,
		userID:         userID,
	}
}

// Observe records one presence heartbeat. The latest writer always wins;
// heartbeats are not versioned.
func (p *PresenceTracker) Observe(online bool, lastSeen int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = online
	p.lastSeen = lastSeen
}

// SignalTyping marks the partner as typing and re-arms the auto-clear timer.
func (p *PresenceTracker) SignalTyping() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	changed := !p.typing
	p.typing = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.clearAfter, p.autoClear)
	callback := p.onTypingChange
	p.mu.Unlock()

	if changed && callback != nil {
		callback(true)
	}
}

// ClearTyping handles the partner's explicit stop signal.
func (p *PresenceTracker) ClearTyping() {
	p.clear()
}

// Typing reports whether the partner is currently typing.
func (p *PresenceTracker) Typing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typing
}

// Snapshot returns the current presence view of the remote participant.
func (p *PresenceTracker) Snapshot() models.Presence {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.Presence{
		UserID:   p.userID,
		Online:   p.online,
		LastSeen: p.lastSeen,
	}
}

// Close stops the auto-clear timer. Safe to call more than once.
func (p *PresenceTracker) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *PresenceTracker) autoClear() {
	p.clear()
}

func (p *PresenceTracker) clear() {
	p.mu.Lock()
	if p.closed && !p.typing {
		p.mu.Unlock()
		return
	}

	changed := p.typing
	p.typing = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	callback := p.onTypingChange
	p.mu.Unlock()

	if changed && callback != nil {
		callback(false)
	}
}
