package processor

import (
	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/gossipnostr/gossip/internal/storage"
)

// extractRelationships walks an event's tags and returns the forward
// edges to record, per spec §4.2 step 5: "For each e tag, record a
// reply/quote/reaction edge... for each a tag, record a reference to the
// replaceable address."
func extractRelationships(evt *nostr.Event) []storage.Relationship {
	var out []storage.Relationship
	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "e":
			out = append(out, storage.Relationship{
				SourceID: evt.ID,
				TargetID: tag[1],
				Kind:     storage.RelQuoteOrReply,
			})
		case "a":
			out = append(out, storage.Relationship{
				SourceID:   evt.ID,
				TargetAddr: tag[1],
				Kind:       storage.RelAddrRef,
			})
		}
	}
	return out
}

// referencedIDs returns every id referenced via "e" tags, for the
// seeker-trigger step (spec §4.2 step 6).
func referencedIDs(evt *nostr.Event) []string {
	var ids []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			ids = append(ids, tag[1])
		}
	}
	return ids
}

// referencedAddrs returns every address referenced via "a" tags, so a
// superseded replaceable event's RelAddrRef edges (recorded by
// extractRelationships alongside its RelQuoteOrReply edges) can be
// invalidated too, not just its "e"-tag edges.
func referencedAddrs(evt *nostr.Event) []string {
	var addrs []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "a" {
			addrs = append(addrs, tag[1])
		}
	}
	return addrs
}

// pTagHints returns (pubkey, relayHint) pairs from "p" tags that carry a
// relay hint, for the PersonRelay-update part of step 5.
func pTagHints(evt *nostr.Event) []struct{ Pubkey, RelayHint string } {
	var out []struct{ Pubkey, RelayHint string }
	for _, tag := range evt.Tags {
		if len(tag) >= 3 && tag[0] == "p" && tag[2] != "" {
			out = append(out, struct{ Pubkey, RelayHint string }{Pubkey: tag[1], RelayHint: tag[2]})
		}
	}
	return out
}

// deletionTargets parses a kind-5 deletion event's "e"/"a" tags.
func deletionTargets(evt *nostr.Event) (ids, addrs []string) {
	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "e":
			ids = append(ids, tag[1])
		case "a":
			addrs = append(addrs, tag[1])
		}
	}
	return
}

// ReplyRoot is isReply exported for the Overlord's ClimbThread handler,
// which needs the same NIP-10 root resolution to walk a thread upward
// without re-parsing tags itself.
func ReplyRoot(evt *nostr.Event) (rootID string, ok bool) { return isReply(evt) }

// isReply reports whether evt is a reply (has at least one "e" tag) and
// returns the root event id if marked, per NIP-10 "root"/"reply" markers,
// falling back to the single e-tag for unmarked threads.
func isReply(evt *nostr.Event) (rootID string, ok bool) {
	var fallback string
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "e" {
			continue
		}
		fallback = tag[1]
		if len(tag) >= 4 && tag[3] == "root" {
			return tag[1], true
		}
	}
	if fallback != "" {
		return fallback, true
	}
	return "", false
}
