package nostrx

// Event kinds referenced directly by the engine (spec Glossary / §4.2).
// Named constants instead of go-nostr's scattered Kind* identifiers so the
// classification rules below read the same way the spec tables do.
const (
	KindMetadata        = 0
	KindTextNote        = 1
	KindContactList     = 3
	KindDeletion        = 5
	KindRepost          = 6
	KindReaction        = 7
	KindGenericRepost   = 16
	KindMutes           = 10000
	KindRelayList       = 10002
	KindDMRelays        = 10050
	KindAuth            = 22242
	KindLongForm        = 30023
	KindZapReceipt      = 9735
)

// IsReplaceable reports whether only the newest event per (pubkey, kind[,
// d-tag]) is retained, per spec §3 "Replaceable semantics".
func IsReplaceable(kind int) bool {
	switch {
	case kind == KindMetadata || kind == KindContactList:
		return true
	case kind >= 10000 && kind < 20000:
		return true // includes 10002, 10050
	case kind >= 30000 && kind < 40000:
		return true // parameterized replaceable, keyed additionally by d-tag
	default:
		return false
	}
}

// IsParameterizedReplaceable reports whether the replaceable key must
// additionally include the event's "d" tag.
func IsParameterizedReplaceable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// IsEphemeral reports whether the kind is never persisted (spec §3).
func IsEphemeral(kind int) bool {
	return kind >= 20000 && kind < 30000
}
