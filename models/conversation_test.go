package models

import "testing"

func TestConversationPartner(t *testing.T) {
	conv := Conversation{ID: "conv-1", UserA: "alice", UserB: "bob"}

	partner, ok := conv.Partner("alice")
	if !ok || partner != "bob" {
		t.Fatalf("expected bob, got %q (ok=%v)", partner, ok)
	}
	partner, ok = conv.Partner("bob")
	if !ok || partner != "alice" {
		t.Fatalf("expected alice, got %q (ok=%v)", partner, ok)
	}
	if _, ok := conv.Partner("mallory"); ok {
		t.Fatalf("expected no partner for non-participant")
	}
}

func TestConversationHasParticipant(t *testing.T) {
	conv := Conversation{ID: "conv-1", UserA: "alice", UserB: "bob"}

	if !conv.HasParticipant("alice") || !conv.HasParticipant("bob") {
		t.Fatalf("expected both participants recognized")
	}
	if conv.HasParticipant("mallory") {
		t.Fatalf("expected non-participant rejected")
	}
	if conv.HasParticipant("") {
		t.Fatalf("expected empty user ID rejected")
	}
}

func TestValidKind(t *testing.T) {
	for _, kind := range []string{KindText, KindImage, KindLocation, KindDatePlan, KindRestaurantSuggestion} {
		if !ValidKind(kind) {
			t.Fatalf("expected %q to be valid", kind)
		}
	}
	for _, kind := range []string{"", "video", "TEXT"} {
		if ValidKind(kind) {
			t.Fatalf("expected %q to be invalid", kind)
		}
	}
}
