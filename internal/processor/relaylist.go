package processor

import (
	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/gossipnostr/gossip/internal/nostrx"
	"github.com/gossipnostr/gossip/internal/storage"
)

// ParseRelayList turns a kind-10002 or kind-10050 event's tags into
// PersonRelay entries. Kind-10002 (NIP-65) uses "r" tags, optionally
// narrowed with a "read"/"write" third element; kind-10050 (NIP-17
// DM-relay lists) uses unmarked "relay" tags instead, each implying both
// read and write.
func ParseRelayList(evt *nostr.Event) []storage.PersonRelay {
	label := "r"
	if evt.Kind == nostrx.KindDMRelays {
		label = "relay"
	}

	var out []storage.PersonRelay
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != label {
			continue
		}
		url := nostrx.NormalizeRelayURL(tag[1])
		pr := storage.PersonRelay{Pubkey: evt.PubKey, URL: url}
		if label == "r" && len(tag) >= 3 {
			switch tag[2] {
			case "read":
				pr.Read = true
			case "write":
				pr.Write = true
			default:
				pr.Read, pr.Write = true, true
			}
		} else {
			pr.Read, pr.Write = true, true
		}
		out = append(out, pr)
	}
	return out
}
