package storage

import (
	"encoding/json"

	"github.com/gossipnostr/gossip/internal/xerr"
)

// Person is the persisted record for a followed or otherwise-known
// pubkey, per spec §3. The authoritative pubkey->relay mapping lives in
// PersonRelay (sourced from kind-10002 events), not here.
type Person struct {
	Pubkey            string `json:"pubkey"`
	Petname           string `json:"petname,omitempty"`
	MetadataJSON      string `json:"metadata_json,omitempty"`
	LastMetadataAt    int64  `json:"last_metadata_at"`
	NIP05             string `json:"nip05,omitempty"`
	NIP05Valid        bool   `json:"nip05_valid"`
	NIP05LastCheckedAt int64 `json:"nip05_last_checked_at"`
	RelayListCreatedAt int64 `json:"relay_list_created_at"`
	Muted             bool   `json:"muted"`
}

func personKey(pubkey string) []byte { return []byte(pubkey) }

func (v *ReadView) GetPerson(pubkey string) (Person, bool) {
	raw, ok := get(v.tx, bucketPeople, personKey(pubkey))
	if !ok {
		return Person{}, false
	}
	var p Person
	if err := json.Unmarshal(raw, &p); err != nil {
		return Person{}, false
	}
	return p, true
}

func (w *WriteTxn) PutPerson(p Person) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return &xerr.StorageError{Op: "marshal-person", Err: err}
	}
	if err := put(w.tx, bucketPeople, personKey(p.Pubkey), raw); err != nil {
		return &xerr.StorageError{Op: "put-person", Err: err}
	}
	return nil
}

// PersonRelay is the edge (pubkey, url) described in spec §3, carrying
// the read/write flags NIP-65 relay lists populate plus manual pairing
// overrides.
type PersonRelay struct {
	Pubkey              string `json:"pubkey"`
	URL                 string `json:"url"`
	LastFetched         int64  `json:"last_fetched"`
	LastSuggestedKind3  int64  `json:"last_suggested_kind3"`
	LastSuggestedNIP05  int64  `json:"last_suggested_nip05"`
	LastSuggestedByTag  int64  `json:"last_suggested_bytag"`
	Read                bool   `json:"read"`
	Write               bool   `json:"write"`
	ManuallyPairedRead  bool   `json:"manually_paired_read"`
	ManuallyPairedWrite bool   `json:"manually_paired_write"`
}

func personRelayKey(pubkey, url string) []byte {
	return append(append([]byte(pubkey), '\x00'), []byte(url)...)
}

func (v *ReadView) GetPersonRelay(pubkey, url string) (PersonRelay, bool) {
	raw, ok := get(v.tx, bucketPersonRelay, personRelayKey(pubkey, url))
	if !ok {
		return PersonRelay{}, false
	}
	var pr PersonRelay
	if err := json.Unmarshal(raw, &pr); err != nil {
		return PersonRelay{}, false
	}
	return pr, true
}

func (w *WriteTxn) PutPersonRelay(pr PersonRelay) error {
	raw, err := json.Marshal(pr)
	if err != nil {
		return &xerr.StorageError{Op: "marshal-person-relay", Err: err}
	}
	if err := put(w.tx, bucketPersonRelay, personRelayKey(pr.Pubkey, pr.URL), raw); err != nil {
		return &xerr.StorageError{Op: "put-person-relay", Err: err}
	}
	return nil
}

func (w *WriteTxn) DeletePersonRelay(pubkey, url string) error {
	if err := del(w.tx, bucketPersonRelay, personRelayKey(pubkey, url)); err != nil {
		return &xerr.StorageError{Op: "del-person-relay", Err: err}
	}
	return nil
}

// RelaysForPerson returns every PersonRelay edge for pubkey.
func (v *ReadView) RelaysForPerson(pubkey string) []PersonRelay {
	prefix := append([]byte(pubkey), '\x00')
	var out []PersonRelay
	iterPrefix(v.tx, bucketPersonRelay, prefix, func(_, value []byte) bool {
		var pr PersonRelay
		if err := json.Unmarshal(value, &pr); err == nil {
			out = append(out, pr)
		}
		return true
	})
	return out
}

// ReplaceRelayListWholesale deletes every existing write/read
// PersonRelay flag for pubkey derived from NIP-65 and replaces them with
// the given set, per spec §4.2 step 5: "For NIP-65 relay lists, replace
// the author's PersonRelay read/write flags wholesale." Manually-paired
// edges (ManuallyPaired{Read,Write}) are preserved even if absent from
// the new list.
func (w *WriteTxn) ReplaceRelayListWholesale(pubkey string, entries []PersonRelay) error {
	v := &ReadView{tx: w.tx}
	existing := v.RelaysForPerson(pubkey)
	newByURL := make(map[string]PersonRelay, len(entries))
	for _, e := range entries {
		newByURL[e.URL] = e
	}

	for _, old := range existing {
		if _, present := newByURL[old.URL]; present {
			continue
		}
		if old.ManuallyPairedRead || old.ManuallyPairedWrite {
			// Keep the edge but clear the NIP-65-derived flags.
			old.Read = old.ManuallyPairedRead
			old.Write = old.ManuallyPairedWrite
			if err := w.PutPersonRelay(old); err != nil {
				return err
			}
			continue
		}
		if err := w.DeletePersonRelay(pubkey, old.URL); err != nil {
			return err
		}
	}

	for _, e := range entries {
		if prior, ok := v.GetPersonRelay(pubkey, e.URL); ok {
			e.ManuallyPairedRead = prior.ManuallyPairedRead
			e.ManuallyPairedWrite = prior.ManuallyPairedWrite
			e.Read = e.Read || prior.ManuallyPairedRead
			e.Write = e.Write || prior.ManuallyPairedWrite
		}
		if err := w.PutPersonRelay(e); err != nil {
			return err
		}
	}
	return nil
}

// PersonList is the named set of pubkeys described in spec §3. The
// Followed list is the distinguished FollowedListName instance.
type PersonList struct {
	Name         string   `json:"name"`
	Private      bool     `json:"private"`
	Members      []string `json:"members"`
	LastEditedAt int64    `json:"last_edited_at"`
}

// FollowedListName names the distinguished Followed PersonList.
const FollowedListName = "followed"

func personListKey(name string) []byte { return []byte(name) }

func (v *ReadView) GetPersonList(name string) (PersonList, bool) {
	raw, ok := get(v.tx, bucketPersonLists, personListKey(name))
	if !ok {
		return PersonList{}, false
	}
	var pl PersonList
	if err := json.Unmarshal(raw, &pl); err != nil {
		return PersonList{}, false
	}
	return pl, true
}

func (w *WriteTxn) PutPersonList(pl PersonList) error {
	raw, err := json.Marshal(pl)
	if err != nil {
		return &xerr.StorageError{Op: "marshal-person-list", Err: err}
	}
	if err := put(w.tx, bucketPersonLists, personListKey(pl.Name), raw); err != nil {
		return &xerr.StorageError{Op: "put-person-list", Err: err}
	}
	return nil
}

// AddToList adds pubkey to the named list (creating it if absent),
// returning whether it was newly added.
func (w *WriteTxn) AddToList(name, pubkey string, at int64) (bool, error) {
	v := &ReadView{tx: w.tx}
	pl, ok := v.GetPersonList(name)
	if !ok {
		pl = PersonList{Name: name}
	}
	for _, m := range pl.Members {
		if m == pubkey {
			return false, nil
		}
	}
	pl.Members = append(pl.Members, pubkey)
	pl.LastEditedAt = at
	return true, w.PutPersonList(pl)
}

// RemoveFromList removes pubkey from the named list, returning whether
// it was present.
func (w *WriteTxn) RemoveFromList(name, pubkey string, at int64) (bool, error) {
	v := &ReadView{tx: w.tx}
	pl, ok := v.GetPersonList(name)
	if !ok {
		return false, nil
	}
	kept := pl.Members[:0]
	removed := false
	for _, m := range pl.Members {
		if m == pubkey {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	if !removed {
		return false, nil
	}
	pl.Members = kept
	pl.LastEditedAt = at
	return true, w.PutPersonList(pl)
}
