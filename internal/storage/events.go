package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/gossipnostr/gossip/internal/xerr"
)

// Index key prefixes within bucketEventByAuthorTs. One bucket hosts all
// four secondary indexes named in spec §3 ("indexes by (pubkey,
// created_at), (kind, created_at), (pubkey, kind, d-tag) ..., and
// (hashtag, created_at)"), distinguished by a leading tag byte so prefix
// iteration stays cheap.
const (
	idxByAuthor  byte = 'A' // author || be64(created_at) || eventID
	idxByKind    byte = 'K' // be32(kind) || be64(created_at) || eventID
	idxByAddr    byte = 'D' // author || be32(kind) || dtag || (addressable key, value=eventID)
	idxByHashtag byte = 'H' // hashtag || be64(created_at) || eventID
)

func be64(ts int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(ts))
	return b
}

func be32(n int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}

func eventKey(id string) []byte { return []byte(id) }

// PutEvent stores the event body under its id and (re)populates its
// secondary index entries. Callers are responsible for superseding any
// prior replaceable instance first (see processor/replaceable.go).
func (w *WriteTxn) PutEvent(evt *nostr.Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return &xerr.StorageError{Op: "marshal-event", Err: err}
	}
	if err := put(w.tx, bucketEvents, eventKey(evt.ID), raw); err != nil {
		return &xerr.StorageError{Op: "put-event", Err: err}
	}
	return w.putIndexEntries(evt)
}

// putIndexEntries writes every secondary-index entry for evt, without
// touching the event body. Split out of PutEvent so RebuildIndices (§6
// rebuild_indices) can re-derive the whole index from the authoritative
// bodies in bucketEvents without re-marshaling and rewriting them.
func (w *WriteTxn) putIndexEntries(evt *nostr.Event) error {
	ts := int64(evt.CreatedAt)

	authorKey := append([]byte{idxByAuthor}, []byte(evt.PubKey)...)
	authorKey = append(authorKey, be64(ts)...)
	authorKey = append(authorKey, []byte(evt.ID)...)
	if err := put(w.tx, bucketEventByAuthorTs, authorKey, []byte(evt.ID)); err != nil {
		return &xerr.StorageError{Op: "put-index-author", Err: err}
	}

	kindKey := append([]byte{idxByKind}, be32(evt.Kind)...)
	kindKey = append(kindKey, be64(ts)...)
	kindKey = append(kindKey, []byte(evt.ID)...)
	if err := put(w.tx, bucketEventByAuthorTs, kindKey, []byte(evt.ID)); err != nil {
		return &xerr.StorageError{Op: "put-index-kind", Err: err}
	}

	if dtag := firstTagValue(evt.Tags, "d"); dtag != "" || isReplaceableIndexed(evt.Kind) {
		if err := put(w.tx, bucketEventByAuthorTs, addrKey(evt.PubKey, evt.Kind, dtag), []byte(evt.ID)); err != nil {
			return &xerr.StorageError{Op: "put-index-addr", Err: err}
		}
	}

	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "t" {
			hk := append([]byte{idxByHashtag}, []byte(tag[1])...)
			hk = append(hk, be64(ts)...)
			hk = append(hk, []byte(evt.ID)...)
			if err := put(w.tx, bucketEventByAuthorTs, hk, []byte(evt.ID)); err != nil {
				return &xerr.StorageError{Op: "put-index-hashtag", Err: err}
			}
		}
	}

	return nil
}

// isReplaceableIndexed reports whether PutEvent/DeleteEvent should
// maintain the (pubkey, kind[, d-tag]) address index for kind. This
// covers every replaceable range from spec §3 "Replaceable semantics" —
// not just the parameterized-replaceable (addressable, 30000-39999)
// range — since GetReplaceable is the lookup path the processor uses
// uniformly for plain replaceable kinds (0, 3, 10000-19999) with an
// empty d-tag too.
func isReplaceableIndexed(kind int) bool {
	switch {
	case kind == 0 || kind == 3:
		return true
	case kind >= 10000 && kind < 20000:
		return true
	case kind >= 30000 && kind < 40000:
		return true
	default:
		return false
	}
}

// addrKey builds the address-index key for a (pubkey, kind[, d-tag])
// slot. PutEvent and DeleteEvent maintain it, and GetReplaceable uses it
// to look up the slot's current holder.
func addrKey(pubkey string, kind int, dtag string) []byte {
	k := append([]byte{idxByAddr}, []byte(pubkey)...)
	k = append(k, be32(kind)...)
	k = append(k, []byte(dtag)...)
	return k
}

func firstTagValue(tags nostr.Tags, label string) string {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == label {
			return t[1]
		}
	}
	return ""
}

// GetEvent returns the stored event by id, or (nil, false) if absent.
func (v *ReadView) GetEvent(id string) (*nostr.Event, bool) {
	raw, ok := get(v.tx, bucketEvents, eventKey(id))
	if !ok {
		return nil, false
	}
	var evt nostr.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, false
	}
	return &evt, true
}

// GetReplaceable returns the currently-stored event for (pubkey, kind,
// dtag), per the addressable index.
func (v *ReadView) GetReplaceable(pubkey string, kind int, dtag string) (*nostr.Event, bool) {
	id, ok := get(v.tx, bucketEventByAuthorTs, addrKey(pubkey, kind, dtag))
	if !ok {
		return nil, false
	}
	return v.GetEvent(string(id))
}

// DeleteEvent removes the event body and all of its index entries.
// Used when a newer replaceable instance supersedes this one.
func (w *WriteTxn) DeleteEvent(evt *nostr.Event) error {
	if err := del(w.tx, bucketEvents, eventKey(evt.ID)); err != nil {
		return &xerr.StorageError{Op: "del-event", Err: err}
	}

	ts := int64(evt.CreatedAt)
	authorKey := append([]byte{idxByAuthor}, []byte(evt.PubKey)...)
	authorKey = append(authorKey, be64(ts)...)
	authorKey = append(authorKey, []byte(evt.ID)...)
	_ = del(w.tx, bucketEventByAuthorTs, authorKey)

	kindKey := append([]byte{idxByKind}, be32(evt.Kind)...)
	kindKey = append(kindKey, be64(ts)...)
	kindKey = append(kindKey, []byte(evt.ID)...)
	_ = del(w.tx, bucketEventByAuthorTs, kindKey)

	if dtag := firstTagValue(evt.Tags, "d"); dtag != "" || isReplaceableIndexed(evt.Kind) {
		_ = del(w.tx, bucketEventByAuthorTs, addrKey(evt.PubKey, evt.Kind, dtag))
	}

	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "t" {
			hk := append([]byte{idxByHashtag}, []byte(tag[1])...)
			hk = append(hk, be64(ts)...)
			hk = append(hk, []byte(evt.ID)...)
			_ = del(w.tx, bucketEventByAuthorTs, hk)
		}
	}

	return nil
}

// ByAuthor returns up to limit event ids by pubkey, newest first. limit<=0
// means unbounded.
func (v *ReadView) ByAuthor(pubkey string, limit int) []string {
	return v.scanIndexNewestFirst(append([]byte{idxByAuthor}, []byte(pubkey)...), limit)
}

// ByKind returns up to limit event ids by kind, newest first.
func (v *ReadView) ByKind(kind int, limit int) []string {
	return v.scanIndexNewestFirst(append([]byte{idxByKind}, be32(kind)...), limit)
}

// ByHashtag returns up to limit event ids tagged with hashtag, newest first.
func (v *ReadView) ByHashtag(hashtag string, limit int) []string {
	return v.scanIndexNewestFirst(append([]byte{idxByHashtag}, []byte(hashtag)...), limit)
}

// scanIndexNewestFirst walks a prefix range in reverse key order. Because
// created_at is encoded big-endian immediately after the prefix, reverse
// key order is newest-first.
func (v *ReadView) scanIndexNewestFirst(prefix []byte, limit int) []string {
	b := v.tx.Bucket(bucketEventByAuthorTs)
	if b == nil {
		return nil
	}
	c := b.Cursor()

	// Seek to just past the prefix range, then step backward.
	upper := append(append([]byte{}, prefix...), 0xff)
	var ids []string
	for k, val := c.Seek(upper); k != nil; k, val = c.Prev() {
		if bytes.HasPrefix(k, prefix) {
			ids = append(ids, string(val))
			if limit > 0 && len(ids) >= limit {
				return ids
			}
			continue
		}
		if bytes.Compare(k, prefix) < 0 {
			break
		}
	}
	// c.Seek(upper) may land past the end of the bucket (k==nil); fall
	// back to Last() in that case to still find prefix matches.
	if len(ids) == 0 {
		for k, val := c.Last(); k != nil; k, val = c.Prev() {
			if bytes.HasPrefix(k, prefix) {
				ids = append(ids, string(val))
				if limit > 0 && len(ids) >= limit {
					return ids
				}
			} else if bytes.Compare(k, prefix) < 0 {
				break
			}
		}
	}
	return ids
}
