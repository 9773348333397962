package storage

import (
	"encoding/binary"

	"github.com/gossipnostr/gossip/internal/xerr"
)

// eventSeenKey packs (id, relay) into the dedup key from spec §3
// EventSeen: "Deduplication key; first insertion determines whether the
// event enters the pipeline for processing."
func eventSeenKey(id, relay string) []byte {
	return append(append([]byte(id), '\x00'), []byte(relay)...)
}

// SeenBy reports whether (id, relay) has already been recorded.
func (v *ReadView) SeenBy(id, relay string) bool {
	_, ok := get(v.tx, bucketEventSeen, eventSeenKey(id, relay))
	return ok
}

// AnySeen reports whether id has been seen from any relay at all — used
// to distinguish "brand new event" from "already stored, just a new
// relay edge" in the processor's ingress check.
func (v *ReadView) AnySeen(id string) bool {
	found := false
	iterPrefix(v.tx, bucketEventSeen, append([]byte(id), '\x00'), func(_, _ []byte) bool {
		found = true
		return false
	})
	return found
}

// MarkSeen records that relay delivered id at when (unix seconds). A
// second call with the same (id, relay) is a no-op overwrite, preserving
// idempotence.
func (w *WriteTxn) MarkSeen(id, relay string, when int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(when))
	if err := put(w.tx, bucketEventSeen, eventSeenKey(id, relay), buf); err != nil {
		return &xerr.StorageError{Op: "put-event-seen", Err: err}
	}
	return nil
}

// RelaysThatSaw returns every relay url recorded as having delivered id.
func (v *ReadView) RelaysThatSaw(id string) []string {
	prefix := append([]byte(id), '\x00')
	var out []string
	iterPrefix(v.tx, bucketEventSeen, prefix, func(key, _ []byte) bool {
		out = append(out, string(key[len(prefix):]))
		return true
	})
	return out
}
