package storage

import (
	"encoding/json"
	"time"

	"github.com/gossipnostr/gossip/internal/xerr"
)

// RelayUsage are the usage bits from spec §3 Relay: "read/write/advertise/
// inbox/outbox/discover/spamsafe/dm/global/search".
type RelayUsage struct {
	Read      bool `json:"read"`
	Write     bool `json:"write"`
	Advertise bool `json:"advertise"`
	Inbox     bool `json:"inbox"`
	Outbox    bool `json:"outbox"`
	Discover  bool `json:"discover"`
	SpamSafe  bool `json:"spam_safe"`
	DM        bool `json:"dm"`
	Global    bool `json:"global"`
	Search    bool `json:"search"`
}

// Relay is the persisted record for a single relay URL, per spec §3.
type Relay struct {
	URL               string     `json:"url"`
	SuccessCount      int        `json:"success_count"`
	FailureCount      int        `json:"failure_count"`
	LastConnectedAt   int64      `json:"last_connected_at"`
	LastGeneralEOSEAt int64      `json:"last_general_eose_at"`
	Rank              int        `json:"rank"`
	Usage             RelayUsage `json:"usage"`
	NIP11             string     `json:"nip11,omitempty"`
	NIP11ETag         string     `json:"nip11_etag,omitempty"`
	AvoidanceUntil    int64      `json:"avoidance_until"`
}

// DefaultRank is the rank assigned to a newly-seen relay (spec §3: "rank
// ... default 3").
const DefaultRank = 3

// NewRelay constructs a Relay record with defaults for a freshly
// discovered URL. The caller is expected to have already normalized url
// via nostrx.NormalizeRelayURL.
func NewRelay(url string) Relay {
	return Relay{URL: url, Rank: DefaultRank}
}

func relayKey(url string) []byte { return []byte(url) }

// GetRelay returns the relay record for url, or (Relay{}, false) if the
// relay has never been seen.
func (v *ReadView) GetRelay(url string) (Relay, bool) {
	raw, ok := get(v.tx, bucketRelays, relayKey(url))
	if !ok {
		return Relay{}, false
	}
	var r Relay
	if err := json.Unmarshal(raw, &r); err != nil {
		return Relay{}, false
	}
	return r, true
}

// PutRelay upserts a relay record.
func (w *WriteTxn) PutRelay(r Relay) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return &xerr.StorageError{Op: "marshal-relay", Err: err}
	}
	if err := put(w.tx, bucketRelays, relayKey(r.URL), raw); err != nil {
		return &xerr.StorageError{Op: "put-relay", Err: err}
	}
	return nil
}

// AllRelays returns every known relay record. Order is by URL (key
// order), which is also the spec's deterministic tie-break order.
func (v *ReadView) AllRelays() []Relay {
	var out []Relay
	iterPrefix(v.tx, bucketRelays, nil, func(_, value []byte) bool {
		var r Relay
		if err := json.Unmarshal(value, &r); err == nil {
			out = append(out, r)
		}
		return true
	})
	return out
}

// RecordSuccess increments success_count, updates last_connected_at, and
// may move rank by one point via adjustRank.
func (w *WriteTxn) RecordSuccess(url string, at time.Time) error {
	v := &ReadView{tx: w.tx}
	r, ok := v.GetRelay(url)
	if !ok {
		r = NewRelay(url)
	}
	r.SuccessCount++
	r.LastConnectedAt = at.Unix()
	r.Rank = adjustRank(r.Rank, r.SuccessCount, r.FailureCount)
	return w.PutRelay(r)
}

// RecordFailure increments failure_count and nudges rank down.
func (w *WriteTxn) RecordFailure(url string) error {
	v := &ReadView{tx: w.tx}
	r, ok := v.GetRelay(url)
	if !ok {
		r = NewRelay(url)
	}
	r.FailureCount++
	r.Rank = adjustRank(r.Rank, r.SuccessCount, r.FailureCount)
	return w.PutRelay(r)
}

// RecordNIP11 stores the raw relay information document and its ETag,
// so a reconnect can send If-None-Match and skip the body on a 304.
func (w *WriteTxn) RecordNIP11(url, doc, etag string) error {
	v := &ReadView{tx: w.tx}
	r, ok := v.GetRelay(url)
	if !ok {
		r = NewRelay(url)
	}
	r.NIP11 = doc
	r.NIP11ETag = etag
	return w.PutRelay(r)
}

// SetAvoidanceUntil sets a backoff deadline on a relay. Used by the
// Minion's reconnect classification (spec §4.3) and decayed over time by
// the avoidance-decayer seeker.
func (w *WriteTxn) SetAvoidanceUntil(url string, until time.Time) error {
	v := &ReadView{tx: w.tx}
	r, ok := v.GetRelay(url)
	if !ok {
		r = NewRelay(url)
	}
	r.AvoidanceUntil = until.Unix()
	return w.PutRelay(r)
}

// adjustRank moves rank by at most one point per call, from the success
// ratio over all recorded attempts: once there are at least 5, a ratio
// below 0.3 drops it by one (not below 1) and a ratio above 0.9 raises it
// by one (not above 9). Rank 0 (administratively disabled) is never
// changed. The step is applied again on every later call and the user's
// own setting is not stored separately, so rank is not held to a band
// around it: a relay that keeps succeeding climbs to 9, one that keeps
// failing sinks to 1.
func adjustRank(rank, successes, failures int) int {
	if rank == 0 {
		return 0 // 0 disables a relay; never auto-enable it.
	}
	total := successes + failures
	if total < 5 {
		return rank
	}
	ratio := float64(successes) / float64(total)
	switch {
	case ratio < 0.3 && rank > 1:
		return rank - 1
	case ratio > 0.9 && rank < 9:
		return rank + 1
	default:
		return rank
	}
}
