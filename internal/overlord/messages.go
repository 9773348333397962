package overlord

import (
	nostr "github.com/nbd-wtf/go-nostr"
)

// Msg is the Overlord's inbox item type. The set of concrete types below
// is closed and exhaustive per spec §4.5: "every external request
// becomes one of these." dispatch's type switch is the only place new
// message types are ever added.
type Msg interface{ isOverlordMsg() }

// ShutdownMsg messages every minion to close, waits for them up to the
// grace period, and stops the Overlord's Run loop. It does not touch
// Storage: every write is committed by its own transaction, and closing
// Storage is left to the caller.
type ShutdownMsg struct{}

// FollowPubkeyMsg adds pk to the Followed list and, if URL is non-empty,
// records it as a manually-paired write relay before the Picker
// recomputes assignments.
type FollowPubkeyMsg struct {
	Pubkey string
	URL    string
}

// UnfollowPubkeyMsg removes pk from the Followed list and recomputes the
// Picker.
type UnfollowPubkeyMsg struct {
	Pubkey string
}

// AdvertiseRelayListMsg publishes a NIP-65 relay list event to a broad
// set of relays.
type AdvertiseRelayListMsg struct{}

// PostEventMsg signs Draft via the signer collaborator and asks the
// minion for each of the user's outbox relays to publish it.
type PostEventMsg struct {
	Draft *nostr.Event
}

// SeekEventMsg asks minions on Hint relays, then (if Hint is empty and
// Author is known) the author's outbox relays, to subscribe by id with a
// short-lived filter.
type SeekEventMsg struct {
	ID     string
	Hint   []string
	Author string
}

// ClimbThreadMsg seeks ID if it is not stored, or else its thread root if
// that is not stored. Each message is a single step: the Overlord never
// re-sends it, so Depth stays at whatever the sender set, and the
// configured cap is compared against that value only.
type ClimbThreadMsg struct {
	ID    string
	Hint  []string
	Depth int
}

// RelayConnectMsg spawns a minion for url outside of any Picker
// assignment (a user-issued manual connect).
type RelayConnectMsg struct {
	URL string
}

// RelayDisconnectMsg stops the minion for url outside of any Picker
// reaction (a user-issued manual disconnect).
type RelayDisconnectMsg struct {
	URL string
}

// UpdatePersonMetadataMsg subscribes to kind 0 on pk's relays.
type UpdatePersonMetadataMsg struct {
	Pubkey string
}

// ProcessIncomingEventMsg invokes the Event Processor for an event a
// minion forwarded.
type ProcessIncomingEventMsg struct {
	Event *nostr.Event
	Relay string
}

// MinionExitedMsg reports a minion's terminal exit (spec §4.3's Dead
// state); the Overlord forgets the minion and asks the Picker to react.
// Relay failure counters are recorded by the minion itself before it
// reports.
type MinionExitedMsg struct {
	URL string
	Err error
}

func (ShutdownMsg) isOverlordMsg()             {}
func (FollowPubkeyMsg) isOverlordMsg()         {}
func (UnfollowPubkeyMsg) isOverlordMsg()       {}
func (AdvertiseRelayListMsg) isOverlordMsg()   {}
func (PostEventMsg) isOverlordMsg()            {}
func (SeekEventMsg) isOverlordMsg()            {}
func (ClimbThreadMsg) isOverlordMsg()          {}
func (RelayConnectMsg) isOverlordMsg()         {}
func (RelayDisconnectMsg) isOverlordMsg()      {}
func (UpdatePersonMetadataMsg) isOverlordMsg() {}
func (ProcessIncomingEventMsg) isOverlordMsg() {}
func (MinionExitedMsg) isOverlordMsg()         {}
