package processor

import nostr "github.com/nbd-wtf/go-nostr"

// Supersedes reports whether candidate should replace current as the
// stored instance for a replaceable (pubkey, kind[, d-tag]) slot, per
// spec §3: "the highest created_at... Ties broken by lexicographically
// smaller id." A pure function, tested in isolation per spec §9.
func Supersedes(current, candidate *nostr.Event) bool {
	if current == nil {
		return true
	}
	if candidate.CreatedAt != current.CreatedAt {
		return candidate.CreatedAt > current.CreatedAt
	}
	return candidate.ID < current.ID
}
