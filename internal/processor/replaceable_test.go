package processor

import (
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
)

func TestSupersedesNewerWins(t *testing.T) {
	current := &nostr.Event{ID: "aa", CreatedAt: 100}
	candidate := &nostr.Event{ID: "bb", CreatedAt: 200}
	if !Supersedes(current, candidate) {
		t.Fatal("expected newer candidate to supersede")
	}
	if Supersedes(candidate, current) {
		t.Fatal("expected older candidate not to supersede")
	}
}

func TestSupersedesTieBreaksOnID(t *testing.T) {
	current := &nostr.Event{ID: "bb", CreatedAt: 100}
	candidate := &nostr.Event{ID: "aa", CreatedAt: 100}
	if !Supersedes(current, candidate) {
		t.Fatal("expected lexicographically smaller id to win a tie")
	}
	if Supersedes(candidate, current) {
		t.Fatal("expected lexicographically larger id not to win a tie")
	}
}

func TestSupersedesNilCurrentAlwaysWins(t *testing.T) {
	candidate := &nostr.Event{ID: "aa", CreatedAt: 1}
	if !Supersedes(nil, candidate) {
		t.Fatal("expected any candidate to supersede an absent current")
	}
}
