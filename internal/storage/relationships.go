package storage

import (
	"bytes"

	"github.com/gossipnostr/gossip/internal/xerr"
)

// RelationshipKind classifies a forward edge recorded by the Event
// Processor's relationship extraction step (spec §4.2 step 5, §9
// "Cyclic references in reply threads are broken by storing only the
// forward edges... and traversing lazily").
type RelationshipKind string

const (
	RelQuoteOrReply RelationshipKind = "e"
	RelAddrRef      RelationshipKind = "a"
	RelDeletion     RelationshipKind = "deletion"
)

// Relationship is one forward edge: SourceID referenced TargetID (or, for
// addressable references, TargetAddr) via Kind.
type Relationship struct {
	SourceID   string           `json:"source_id"`
	TargetID   string           `json:"target_id,omitempty"`
	TargetAddr string           `json:"target_addr,omitempty"`
	Kind       RelationshipKind `json:"kind"`
}

// relationshipKey is (targetID_or_targetAddr, sourceID) so that "who
// references X" is a prefix scan, which is the access pattern the
// processor needs (spec §4.2 step 6: "If the event references ids not
// in events, enqueue a seek job").
func relationshipKey(target, sourceID string) []byte {
	return append(append([]byte(target), '\x00'), []byte(sourceID)...)
}

// AddRelationship records a forward edge. Calling it twice for the same
// (target, source) is idempotent (overwrite).
func (w *WriteTxn) AddRelationship(r Relationship) error {
	target := r.TargetID
	if target == "" {
		target = r.TargetAddr
	}
	val := []byte(string(r.Kind))
	if err := put(w.tx, bucketRelationships, relationshipKey(target, r.SourceID), val); err != nil {
		return &xerr.StorageError{Op: "put-relationship", Err: err}
	}
	return nil
}

// ReferencesTo returns every event id that references target (by id or
// address), along with the relationship kind.
func (v *ReadView) ReferencesTo(target string) []Relationship {
	prefix := append([]byte(target), '\x00')
	var out []Relationship
	iterPrefix(v.tx, bucketRelationships, prefix, func(key, value []byte) bool {
		out = append(out, Relationship{
			TargetID: target,
			SourceID: string(key[len(prefix):]),
			Kind:     RelationshipKind(value),
		})
		return true
	})
	return out
}

// MissingRef is one referenced-but-not-yet-stored event id, along with
// the ids of the events that referenced it (so a seeker can look up
// which relays delivered those and use them as hints).
type MissingRef struct {
	ID      string
	FoundBy []string
}

// MissingReferencedIDs scans the relationship index for every distinct
// target id that has at least one forward edge but no stored event,
// per spec §4.2 step 6 / §4.6's event seeker ("maintains a queue of
// referenced-but-missing event ids"). The queue is not separately
// stored: relationships already records every reference, so "what is
// missing" is always derivable by checking which targets lack an entry
// in events. limit caps how many distinct ids are returned per call; <=0
// means unbounded.
func (v *ReadView) MissingReferencedIDs(limit int) []MissingRef {
	var out []MissingRef
	var cur *MissingRef
	var curIsEventRef bool
	flush := func() {
		if cur == nil || !curIsEventRef {
			cur = nil
			return
		}
		if _, ok := v.GetEvent(cur.ID); !ok {
			out = append(out, *cur)
		}
		cur = nil
	}
	iterPrefix(v.tx, bucketRelationships, nil, func(key, value []byte) bool {
		idx := bytes.IndexByte(key, 0)
		if idx < 0 {
			return true
		}
		target := string(key[:idx])
		source := string(key[idx+1:])
		if cur == nil || cur.ID != target {
			flush()
			if limit > 0 && len(out) >= limit {
				return false
			}
			cur = &MissingRef{ID: target}
			curIsEventRef = false
		}
		// "a"-tag targets are addresses ("kind:pubkey:dtag"), never event
		// ids, and can never satisfy GetEvent; only "e"/deletion edges
		// name a candidate for the event seeker.
		if kind := RelationshipKind(value); kind == RelQuoteOrReply || kind == RelDeletion {
			curIsEventRef = true
		}
		cur.FoundBy = append(cur.FoundBy, source)
		return true
	})
	flush()
	return out
}

// RemoveRelationshipsFrom deletes every forward edge whose source is
// sourceID, targeting each of targets. Used when a replaceable event is
// superseded and its old relationships must be invalidated (spec §4.2:
// "Superseded events are deleted from events and their derived
// relationships invalidated").
func (w *WriteTxn) RemoveRelationshipsFrom(sourceID string, targets []string) error {
	for _, t := range targets {
		if err := del(w.tx, bucketRelationships, relationshipKey(t, sourceID)); err != nil {
			return &xerr.StorageError{Op: "del-relationship", Err: err}
		}
	}
	return nil
}
