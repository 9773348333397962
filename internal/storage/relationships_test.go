package storage

import (
	"fmt"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
)

// TestGetReplaceableFindsPlainReplaceableKinds is a regression test:
// PutEvent once only indexed the parameterized-replaceable (addressable,
// 30000-39999) range by address, so GetReplaceable(pubkey, 0, "") and
// (pubkey, 3, "") could never find a prior metadata or contact-list
// event and supersession silently never happened for those kinds.
func TestGetReplaceableFindsPlainReplaceableKinds(t *testing.T) {
	s := openTestStore(t)

	for _, kind := range []int{0, 3, 10002} {
		evt := nostr.Event{ID: fmt.Sprintf("evt-%d", kind), PubKey: "pk-1", Kind: kind, CreatedAt: nostr.Timestamp(100)}
		if err := s.Update(func(w *WriteTxn) error {
			return w.PutEvent(&evt)
		}); err != nil {
			t.Fatalf("kind %d: PutEvent: %v", kind, err)
		}

		if err := s.View(func(v *ReadView) error {
			got, ok := v.GetReplaceable("pk-1", kind, "")
			if !ok {
				t.Fatalf("kind %d: GetReplaceable found nothing", kind)
			}
			if got.Kind != kind {
				t.Fatalf("kind %d: got event of kind %d", kind, got.Kind)
			}
			return nil
		}); err != nil {
			t.Fatalf("View: %v", err)
		}
	}
}

func TestMissingReferencedIDsExcludesStoredAndAddressTargets(t *testing.T) {
	s := openTestStore(t)

	if err := s.Update(func(w *WriteTxn) error {
		stored := nostr.Event{ID: "stored-1", PubKey: "pk-1", Kind: 1, CreatedAt: nostr.Timestamp(100)}
		if err := w.PutEvent(&stored); err != nil {
			return err
		}
		if err := w.AddRelationship(Relationship{SourceID: "source-1", TargetID: "stored-1", Kind: RelQuoteOrReply}); err != nil {
			return err
		}
		if err := w.AddRelationship(Relationship{SourceID: "source-1", TargetID: "missing-1", Kind: RelQuoteOrReply}); err != nil {
			return err
		}
		if err := w.AddRelationship(Relationship{SourceID: "source-2", TargetID: "missing-1", Kind: RelQuoteOrReply}); err != nil {
			return err
		}
		return w.AddRelationship(Relationship{SourceID: "source-1", TargetAddr: "30023:pk-1:my-article", Kind: RelAddrRef})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var missing []MissingRef
	if err := s.View(func(v *ReadView) error {
		missing = v.MissingReferencedIDs(0)
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}

	if len(missing) != 1 {
		t.Fatalf("missing = %+v, want exactly one entry", missing)
	}
	if missing[0].ID != "missing-1" {
		t.Fatalf("missing[0].ID = %q, want missing-1", missing[0].ID)
	}
	if len(missing[0].FoundBy) != 2 {
		t.Fatalf("missing[0].FoundBy = %+v, want two referencing sources", missing[0].FoundBy)
	}
}

func TestMissingReferencedIDsRespectsLimit(t *testing.T) {
	s := openTestStore(t)

	if err := s.Update(func(w *WriteTxn) error {
		for _, id := range []string{"missing-a", "missing-b", "missing-c"} {
			if err := w.AddRelationship(Relationship{SourceID: "source-1", TargetID: id, Kind: RelQuoteOrReply}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var missing []MissingRef
	if err := s.View(func(v *ReadView) error {
		missing = v.MissingReferencedIDs(2)
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}

	if len(missing) != 2 {
		t.Fatalf("missing = %+v, want exactly two entries under the limit", missing)
	}
}
