package processor

import (
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/gossipnostr/gossip/internal/nostrx"
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

func signed(t *testing.T, sk string, evt nostr.Event) *nostr.Event {
	t.Helper()
	if evt.CreatedAt == 0 {
		evt.CreatedAt = nostr.Timestamp(1)
	}
	if err := evt.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return &evt
}

// TestProcessReplaceableSupersession covers scenario S1: a newer
// kind-0 metadata event replaces an older one for the same pubkey, and
// the superseded event is removed from storage.
func TestProcessReplaceableSupersession(t *testing.T) {
	s := openTestStore(t)
	p := New(s, nil, zap.NewNop())
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)

	older := signed(t, sk, nostr.Event{PubKey: pk, Kind: 0, Content: `{"name":"old"}`, CreatedAt: 100})
	newer := signed(t, sk, nostr.Event{PubKey: pk, Kind: 0, Content: `{"name":"new"}`, CreatedAt: 200})

	res, err := p.Process(older, "wss://relay-a", "")
	if err != nil {
		t.Fatalf("Process(older): %v", err)
	}
	if res.Outcome != OutcomeStored {
		t.Fatalf("older outcome = %v, want OutcomeStored", res.Outcome)
	}

	res, err = p.Process(newer, "wss://relay-a", "")
	if err != nil {
		t.Fatalf("Process(newer): %v", err)
	}
	if res.Outcome != OutcomeStored {
		t.Fatalf("newer outcome = %v, want OutcomeStored", res.Outcome)
	}

	if err := s.View(func(v *storage.ReadView) error {
		if _, ok := v.GetEvent(older.ID); ok {
			t.Error("superseded event should have been deleted from storage")
		}
		got, ok := v.GetEvent(newer.ID)
		if !ok {
			t.Fatal("replacement event should be stored")
		}
		if got.Content != newer.Content {
			t.Errorf("stored content = %q, want %q", got.Content, newer.Content)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}

	// The older event delivered again by a second relay after the newer
	// one is already current has already been seen, so it stops at the
	// dedup step as a duplicate event and must not evict the newer one.
	res, err = p.Process(older, "wss://relay-b", "")
	if err != nil {
		t.Fatalf("Process(older, second relay): %v", err)
	}
	if res.Outcome != OutcomeDuplicateEvent {
		t.Fatalf("late older outcome = %v, want OutcomeDuplicateEvent", res.Outcome)
	}
	if err := s.View(func(v *storage.ReadView) error {
		if _, ok := v.GetEvent(newer.ID); !ok {
			t.Fatal("replacement event must still be current")
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

// TestProcessDedupAcrossRelays covers scenario S2: the same event
// delivered by two different relays is stored once, and the second
// delivery is recognized as a duplicate-event rather than reprocessed.
func TestProcessDedupAcrossRelays(t *testing.T) {
	s := openTestStore(t)
	p := New(s, nil, zap.NewNop())
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)

	evt := signed(t, sk, nostr.Event{PubKey: pk, Kind: 1, Content: "hello", CreatedAt: 100})

	res, err := p.Process(evt, "wss://relay-a", "")
	if err != nil {
		t.Fatalf("Process(relay-a): %v", err)
	}
	if res.Outcome != OutcomeStored {
		t.Fatalf("first delivery outcome = %v, want OutcomeStored", res.Outcome)
	}

	res, err = p.Process(evt, "wss://relay-b", "")
	if err != nil {
		t.Fatalf("Process(relay-b): %v", err)
	}
	if res.Outcome != OutcomeDuplicateEvent {
		t.Fatalf("second-relay delivery outcome = %v, want OutcomeDuplicateEvent", res.Outcome)
	}

	// A third delivery from a relay that already saw it is a
	// duplicate-relay, not a duplicate-event.
	res, err = p.Process(evt, "wss://relay-a", "")
	if err != nil {
		t.Fatalf("Process(relay-a again): %v", err)
	}
	if res.Outcome != OutcomeDuplicateRelay {
		t.Fatalf("repeat-relay delivery outcome = %v, want OutcomeDuplicateRelay", res.Outcome)
	}

	if err := s.View(func(v *storage.ReadView) error {
		if !v.SeenBy(evt.ID, "wss://relay-a") || !v.SeenBy(evt.ID, "wss://relay-b") {
			t.Error("expected seen-edges recorded for both relays")
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

// TestProcessReplyMissingParentSeeksRoot covers scenario S3: a reply
// whose root is not in storage is stored and its root id surfaces as a
// thread climb for the Overlord to act on.
func TestProcessReplyMissingParentSeeksRoot(t *testing.T) {
	s := openTestStore(t)
	p := New(s, nil, zap.NewNop())
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)

	rootID := "0000000000000000000000000000000000000000000000000000000000aa"
	reply := signed(t, sk, nostr.Event{
		PubKey:    pk,
		Kind:      1,
		Content:   "replying",
		CreatedAt: 100,
		Tags:      nostr.Tags{{"e", rootID, "", "root"}},
	})

	res, err := p.Process(reply, "wss://relay-a", "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome != OutcomeStored {
		t.Fatalf("outcome = %v, want OutcomeStored", res.Outcome)
	}
	if res.ClimbRootID != rootID {
		t.Fatalf("ClimbRootID = %q, want %q", res.ClimbRootID, rootID)
	}
	if len(res.SeekIDs) != 1 || res.SeekIDs[0] != rootID {
		t.Fatalf("SeekIDs = %v, want [%q]", res.SeekIDs, rootID)
	}
}

// TestProcessBadSignatureCommitsSeenEdge asserts that a bad-signature
// drop still commits its seen-edge, so the same bad event delivered
// again by the same relay is recognized as already-handled rather than
// being re-verified.
func TestProcessBadSignatureCommitsSeenEdge(t *testing.T) {
	s := openTestStore(t)
	p := New(s, nil, zap.NewNop())
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)

	evt := signed(t, sk, nostr.Event{PubKey: pk, Kind: 1, Content: "hi", CreatedAt: 100})
	evt.Content = "tampered" // invalidates the signature without re-signing

	res, err := p.Process(evt, "wss://relay-a", "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome != OutcomeDroppedProtocolError {
		t.Fatalf("outcome = %v, want OutcomeDroppedProtocolError", res.Outcome)
	}
	if res.DropReason == nil {
		t.Fatal("expected DropReason to be set")
	}

	res, err = p.Process(evt, "wss://relay-a", "")
	if err != nil {
		t.Fatalf("Process(again): %v", err)
	}
	if res.Outcome != OutcomeDuplicateRelay {
		t.Fatalf("second delivery outcome = %v, want OutcomeDuplicateRelay", res.Outcome)
	}

	if err := s.View(func(v *storage.ReadView) error {
		if _, ok := v.GetEvent(evt.ID); ok {
			t.Error("event with bad signature must never be stored")
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

// TestProcessForgedIDRejected asserts that an event whose id field
// doesn't match its canonical (recomputed) id is dropped even though its
// signature still verifies: CheckSignature alone recomputes the hash
// from the serialized body and checks it against the signature, but
// never compares that hash back to evt.ID, so a forged id with an
// otherwise-valid signature must be caught by a separate check.
func TestProcessForgedIDRejected(t *testing.T) {
	s := openTestStore(t)
	p := New(s, nil, zap.NewNop())
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)

	evt := signed(t, sk, nostr.Event{PubKey: pk, Kind: 1, Content: "hello", CreatedAt: 100})
	realID := evt.ID
	evt.ID = "0000000000000000000000000000000000000000000000000000000000dead"

	res, err := p.Process(evt, "wss://relay-a", "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Outcome != OutcomeDroppedProtocolError {
		t.Fatalf("outcome = %v, want OutcomeDroppedProtocolError", res.Outcome)
	}
	if res.DropReason == nil {
		t.Fatal("expected DropReason to be set")
	}

	if err := s.View(func(v *storage.ReadView) error {
		if _, ok := v.GetEvent(evt.ID); ok {
			t.Error("event with forged id must never be stored under the forged id")
		}
		if _, ok := v.GetEvent(realID); ok {
			t.Error("event with forged id must never be stored under its real id either")
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

// TestProcessSupersessionRemovesAddrRelationships covers the "a"-tag
// half of relationship invalidation on supersession: extractRelationships
// records RelAddrRef edges alongside RelQuoteOrReply ones, so both must
// be invalidated when the referencing event is replaced, not just the
// "e"-tag edges.
func TestProcessSupersessionRemovesAddrRelationships(t *testing.T) {
	s := openTestStore(t)
	p := New(s, nil, zap.NewNop())
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)

	const addr = "30023:someoneelse:my-article"
	older := signed(t, sk, nostr.Event{
		PubKey: pk, Kind: nostrx.KindLongForm, Content: "v1", CreatedAt: 100,
		Tags: nostr.Tags{{"d", "slug"}, {"a", addr}},
	})
	newer := signed(t, sk, nostr.Event{
		PubKey: pk, Kind: nostrx.KindLongForm, Content: "v2", CreatedAt: 200,
		Tags: nostr.Tags{{"d", "slug"}},
	})

	if _, err := p.Process(older, "wss://relay-a", ""); err != nil {
		t.Fatalf("Process(older): %v", err)
	}
	if err := s.View(func(v *storage.ReadView) error {
		refs := v.ReferencesTo(addr)
		if len(refs) != 1 || refs[0].SourceID != older.ID {
			t.Fatalf("expected addr reference from older event, got %+v", refs)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}

	if _, err := p.Process(newer, "wss://relay-a", ""); err != nil {
		t.Fatalf("Process(newer): %v", err)
	}
	if err := s.View(func(v *storage.ReadView) error {
		if refs := v.ReferencesTo(addr); len(refs) != 0 {
			t.Fatalf("expected stale addr reference to be removed on supersession, got %+v", refs)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

// TestProcessIdempotence asserts process(e,r) composed with itself
// equals a single application: reprocessing the identical (event,
// relay) pair leaves storage and outcome semantics unchanged.
func TestProcessIdempotence(t *testing.T) {
	s := openTestStore(t)
	p := New(s, nil, zap.NewNop())
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)

	evt := signed(t, sk, nostr.Event{PubKey: pk, Kind: 1, Content: "hello", CreatedAt: 100})

	first, err := p.Process(evt, "wss://relay-a", "")
	if err != nil {
		t.Fatalf("Process(first): %v", err)
	}
	if first.Outcome != OutcomeStored {
		t.Fatalf("first outcome = %v, want OutcomeStored", first.Outcome)
	}

	second, err := p.Process(evt, "wss://relay-a", "")
	if err != nil {
		t.Fatalf("Process(second): %v", err)
	}
	if second.Outcome != OutcomeDuplicateRelay {
		t.Fatalf("second outcome = %v, want OutcomeDuplicateRelay", second.Outcome)
	}

	if err := s.View(func(v *storage.ReadView) error {
		got, ok := v.GetEvent(evt.ID)
		if !ok {
			t.Fatal("event should remain stored")
		}
		if got.Content != evt.Content {
			t.Errorf("content mutated across reprocessing: got %q", got.Content)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}
