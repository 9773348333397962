package storage

import (
	"encoding/json"
	"errors"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.etcd.io/bbolt"

	"github.com/gossipnostr/gossip/internal/xerr"
)

var errStopIteration = errors.New("storage: stop iteration")

// AllEvents calls fn for every stored event, in no particular order
// (bucketEvents is keyed by id, not by time). Iteration stops early if
// fn returns false. Used by maintenance operations (rebuild_indices,
// reprocess_recent, §6) that need to walk the whole event set rather
// than one of the secondary indexes.
func (v *ReadView) AllEvents(fn func(*nostr.Event) bool) {
	b := v.tx.Bucket(bucketEvents)
	if b == nil {
		return
	}
	_ = b.ForEach(func(_, raw []byte) error {
		var evt nostr.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil // skip corrupt entries rather than aborting the scan
		}
		if !fn(&evt) {
			return errStopIteration
		}
		return nil
	})
}

// RebuildIndices drops and repopulates every secondary index
// (event_by_author_kind_ts) from the authoritative event bodies in
// bucketEvents. Used after an index-layout bug (a real one motivated
// this: see DESIGN.md) or to repair an index suspected corrupt, without
// touching the event bodies themselves or any other bucket.
func (w *WriteTxn) RebuildIndices() (int, error) {
	if err := w.tx.DeleteBucket(bucketEventByAuthorTs); err != nil && err != bbolt.ErrBucketNotFound {
		return 0, &xerr.StorageError{Op: "rebuild-indices-drop", Err: err}
	}
	if _, err := w.tx.CreateBucket(bucketEventByAuthorTs); err != nil {
		return 0, &xerr.StorageError{Op: "rebuild-indices-create", Err: err}
	}

	count := 0
	var outerErr error
	w.AsReadView().AllEvents(func(evt *nostr.Event) bool {
		if err := w.putIndexEntries(evt); err != nil {
			outerErr = err
			return false
		}
		count++
		return true
	})
	return count, outerErr
}
