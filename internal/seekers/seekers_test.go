package seekers

import (
	"context"
	"testing"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/gossipnostr/gossip/internal/nostrx"
	"github.com/gossipnostr/gossip/internal/overlord"
	"github.com/gossipnostr/gossip/internal/signer"
	"github.com/gossipnostr/gossip/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeSender records every message handed to it, standing in for the
// Overlord in tests so these don't have to spin up minions or a network.
type fakeSender struct {
	msgs []overlord.Msg
}

func (f *fakeSender) Send(msg overlord.Msg) { f.msgs = append(f.msgs, msg) }

func newTestSigner(t *testing.T) (*signer.PlainSigner, string) {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	sgnr, err := signer.NewPlain(sk)
	if err != nil {
		t.Fatalf("signer.NewPlain: %v", err)
	}
	pk, _ := nostr.GetPublicKey(sk)
	return sgnr, pk
}

func TestSweepMetadataRequestsStaleAndMissingPersons(t *testing.T) {
	s := openTestStore(t)
	sgnr, _ := newTestSigner(t)
	send := &fakeSender{}
	cfg := DefaultConfig()
	sched := New(s, send, sgnr, zap.NewNop(), cfg, nil)

	now := time.Now()
	if err := s.Update(func(w *storage.WriteTxn) error {
		if _, err := w.AddToList(storage.FollowedListName, "fresh", now.Unix()); err != nil {
			return err
		}
		if _, err := w.AddToList(storage.FollowedListName, "stale", now.Unix()); err != nil {
			return err
		}
		if _, err := w.AddToList(storage.FollowedListName, "never-fetched", now.Unix()); err != nil {
			return err
		}
		if err := w.PutPerson(storage.Person{Pubkey: "fresh", LastMetadataAt: now.Unix()}); err != nil {
			return err
		}
		return w.PutPerson(storage.Person{Pubkey: "stale", LastMetadataAt: now.Add(-48 * time.Hour).Unix()})
	}); err != nil {
		t.Fatalf("seed storage: %v", err)
	}

	sched.sweepMetadata()

	got := map[string]bool{}
	for _, m := range send.msgs {
		if u, ok := m.(overlord.UpdatePersonMetadataMsg); ok {
			got[u.Pubkey] = true
		}
	}
	if !got["stale"] || !got["never-fetched"] {
		t.Fatalf("expected stale and never-fetched persons requested, got %+v", got)
	}
	if got["fresh"] {
		t.Fatal("fresh person should not have been requested")
	}
}

func TestSweepMissingEventsSeeksWithHintsFromSourceRelay(t *testing.T) {
	s := openTestStore(t)
	sgnr, _ := newTestSigner(t)
	send := &fakeSender{}
	cfg := DefaultConfig()
	sched := New(s, send, sgnr, zap.NewNop(), cfg, nil)

	if err := s.Update(func(w *storage.WriteTxn) error {
		if err := w.MarkSeen("source-1", "wss://relay-a", 1); err != nil {
			return err
		}
		return w.AddRelationship(storage.Relationship{SourceID: "source-1", TargetID: "missing-1", Kind: storage.RelQuoteOrReply})
	}); err != nil {
		t.Fatalf("seed storage: %v", err)
	}

	sched.sweepMissingEvents()

	if len(send.msgs) != 1 {
		t.Fatalf("expected exactly one SeekEventMsg, got %d: %+v", len(send.msgs), send.msgs)
	}
	seek, ok := send.msgs[0].(overlord.SeekEventMsg)
	if !ok {
		t.Fatalf("message = %T, want SeekEventMsg", send.msgs[0])
	}
	if seek.ID != "missing-1" {
		t.Fatalf("seek id = %q, want missing-1", seek.ID)
	}
	if len(seek.Hint) != 1 || seek.Hint[0] != "wss://relay-a" {
		t.Fatalf("seek hints = %+v, want [wss://relay-a]", seek.Hint)
	}
}

func TestSweepMissingEventsSkipsStoredTargets(t *testing.T) {
	s := openTestStore(t)
	sgnr, _ := newTestSigner(t)
	send := &fakeSender{}
	sched := New(s, send, sgnr, zap.NewNop(), DefaultConfig(), nil)

	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	target := nostr.Event{PubKey: pk, Kind: 1, CreatedAt: nostr.Timestamp(1), Content: "already have this one"}
	if err := target.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := s.Update(func(w *storage.WriteTxn) error {
		if err := w.PutEvent(&target); err != nil {
			return err
		}
		return w.AddRelationship(storage.Relationship{SourceID: "source-1", TargetID: target.ID, Kind: storage.RelQuoteOrReply})
	}); err != nil {
		t.Fatalf("seed storage: %v", err)
	}

	sched.sweepMissingEvents()

	if len(send.msgs) != 0 {
		t.Fatalf("expected no seeks for an already-stored target, got %+v", send.msgs)
	}
}

func TestSweepMissingEventsGivesUpAfterDeadline(t *testing.T) {
	s := openTestStore(t)
	sgnr, _ := newTestSigner(t)
	send := &fakeSender{}
	cfg := DefaultConfig()
	cfg.EventSeekDeadline = 0 // immediately past deadline on first sight
	cfg.EventSeekRetryAfter = time.Hour
	sched := New(s, send, sgnr, zap.NewNop(), cfg, nil)

	if err := s.Update(func(w *storage.WriteTxn) error {
		return w.AddRelationship(storage.Relationship{SourceID: "source-1", TargetID: "missing-1", Kind: storage.RelQuoteOrReply})
	}); err != nil {
		t.Fatalf("seed storage: %v", err)
	}

	sched.sweepMissingEvents()
	if len(send.msgs) != 0 {
		t.Fatalf("expected no seek once past deadline, got %+v", send.msgs)
	}
	if _, marked := sched.retryAfter["missing-1"]; !marked {
		t.Fatal("expected missing-1 to be marked with a retry-after cooldown")
	}

	// A second sweep within the cooldown window must not re-seek either.
	sched.sweepMissingEvents()
	if len(send.msgs) != 0 {
		t.Fatalf("expected no seek during cooldown, got %+v", send.msgs)
	}
}

func TestSweepPendingActionsDetectsRemoteNewerContactList(t *testing.T) {
	s := openTestStore(t)
	sgnr, pk := newTestSigner(t)

	var captured []PendingAction
	sched := New(s, &fakeSender{}, sgnr, zap.NewNop(), DefaultConfig(), func(a PendingAction) {
		captured = append(captured, a)
	})

	// PutEvent never re-verifies the signature, so an unsigned event with
	// a stable id is enough to exercise the (pubkey, kind) lookup path.
	contacts := nostr.Event{ID: "contacts-1", PubKey: pk, Kind: nostrx.KindContactList, CreatedAt: nostr.Timestamp(1000), Content: "{}"}

	if err := s.Update(func(w *storage.WriteTxn) error {
		if err := w.PutEvent(&contacts); err != nil {
			return err
		}
		return w.PutPersonList(storage.PersonList{Name: storage.FollowedListName, LastEditedAt: 500})
	}); err != nil {
		t.Fatalf("seed storage: %v", err)
	}

	sched.sweepPendingActions(context.Background())

	if len(captured) != 1 {
		t.Fatalf("expected one pending action, got %d", len(captured))
	}
	if captured[0].Kind != "contact_list_desync" || captured[0].Pubkey != pk {
		t.Fatalf("pending action = %+v", captured[0])
	}
}

func TestSweepPendingActionsNoOpWhenLocalIsCurrent(t *testing.T) {
	s := openTestStore(t)
	sgnr, pk := newTestSigner(t)

	var captured []PendingAction
	sched := New(s, &fakeSender{}, sgnr, zap.NewNop(), DefaultConfig(), func(a PendingAction) {
		captured = append(captured, a)
	})

	contacts := nostr.Event{ID: "contacts-1", PubKey: pk, Kind: nostrx.KindContactList, CreatedAt: nostr.Timestamp(100), Content: "{}"}

	if err := s.Update(func(w *storage.WriteTxn) error {
		if err := w.PutEvent(&contacts); err != nil {
			return err
		}
		return w.PutPersonList(storage.PersonList{Name: storage.FollowedListName, LastEditedAt: 500})
	}); err != nil {
		t.Fatalf("seed storage: %v", err)
	}

	sched.sweepPendingActions(context.Background())

	if len(captured) != 0 {
		t.Fatalf("expected no pending action when local edit is newer, got %+v", captured)
	}
}

func TestDecayAvoidanceShrinksShortWindowsButLeavesSessionDisabledAlone(t *testing.T) {
	s := openTestStore(t)
	sgnr, _ := newTestSigner(t)
	cfg := DefaultConfig()
	cfg.AvoidanceDecayStep = time.Minute
	cfg.AvoidanceDecayCeiling = time.Hour
	sched := New(s, &fakeSender{}, sgnr, zap.NewNop(), cfg, nil)

	now := time.Now()
	if err := s.Update(func(w *storage.WriteTxn) error {
		if err := w.PutRelay(storage.Relay{URL: "short", Rank: 3, AvoidanceUntil: now.Add(5 * time.Minute).Unix()}); err != nil {
			return err
		}
		return w.PutRelay(storage.Relay{URL: "disabled", Rank: 3, AvoidanceUntil: now.Add(365 * 24 * time.Hour).Unix()})
	}); err != nil {
		t.Fatalf("seed storage: %v", err)
	}

	sched.decayAvoidance()

	var short, disabled storage.Relay
	_ = s.View(func(v *storage.ReadView) error {
		short, _ = v.GetRelay("short")
		disabled, _ = v.GetRelay("disabled")
		return nil
	})

	shortRemaining := time.Unix(short.AvoidanceUntil, 0).Sub(now)
	if shortRemaining > 4*time.Minute || shortRemaining < 3*time.Minute {
		t.Fatalf("short relay's remaining avoidance = %v, want roughly 4m", shortRemaining)
	}
	disabledRemaining := time.Unix(disabled.AvoidanceUntil, 0).Sub(now)
	if disabledRemaining < 364*24*time.Hour {
		t.Fatalf("session-disabled relay's avoidance window was decayed, remaining = %v", disabledRemaining)
	}
}
