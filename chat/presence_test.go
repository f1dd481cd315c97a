package chat

import (
	"sync"
	"testing"
	"time"
)

func TestPresenceObserveLastWriterWins(t *testing.T) {
	tracker := newPresenceTracker("bob", time.Second, nil)
	defer tracker.Close()

	tracker.Observe(true, 100)
	tracker.Observe(false, 50)

	snap := tracker.Snapshot()
	if snap.UserID != "bob" {
		t.Fatalf("expected user bob, got %q", snap.UserID)
	}
	if snap.Online {
		t.Fatalf("expected latest observation to win (offline)")
	}
	if snap.LastSeen != 50 {
		t.Fatalf("expected last seen 50, got %d", snap.LastSeen)
	}
}

func TestPresenceTypingAutoClears(t *testing.T) {
	var mu sync.Mutex
	var transitions []bool
	tracker := newPresenceTracker("bob", 30*time.Millisecond, func(typing bool) {
		mu.Lock()
		transitions = append(transitions, typing)
		mu.Unlock()
	})
	defer tracker.Close()

	tracker.SignalTyping()
	if !tracker.Typing() {
		t.Fatalf("expected typing flag set")
	}

	deadline := time.Now().Add(time.Second)
	for tracker.Typing() {
		if time.Now().After(deadline) {
			t.Fatalf("typing flag never auto-cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || !transitions[0] || transitions[1] {
		t.Fatalf("expected transitions [true false], got %v", transitions)
	}
}

func TestPresenceTypingRenewalExtendsTimer(t *testing.T) {
	tracker := newPresenceTracker("bob", 60*time.Millisecond, nil)
	defer tracker.Close()

	tracker.SignalTyping()
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		tracker.SignalTyping()
		if !tracker.Typing() {
			t.Fatalf("expected renewed signal to keep typing set (iteration %d)", i)
		}
	}
}

func TestPresenceExplicitClearStopsTimer(t *testing.T) {
	cleared := make(chan bool, 4)
	tracker := newPresenceTracker("bob", 30*time.Millisecond, func(typing bool) {
		if !typing {
			cleared <- true
		}
	})
	defer tracker.Close()

	tracker.SignalTyping()
	tracker.ClearTyping()
	if tracker.Typing() {
		t.Fatalf("expected explicit clear to reset typing")
	}

	<-cleared
	// The auto-clear timer must not fire a second transition.
	select {
	case <-cleared:
		t.Fatalf("expected a single clear transition")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestPresenceCloseIsIdempotent(t *testing.T) {
	tracker := newPresenceTracker("bob", time.Second, nil)

	tracker.Close()
	tracker.Close()

	// Signals after close are ignored.
	tracker.SignalTyping()
	if tracker.Typing() {
		t.Fatalf("expected closed tracker to ignore typing signals")
	}
}
