// Package spamfilter defines the boundary to the Rhai-scripted spam
// filter (spec §1, §4.2 step 3). The engine only needs a verdict; script
// loading, the Rhai host, and rule authoring are out of scope.
package spamfilter

import nostr "github.com/nbd-wtf/go-nostr"

// Verdict is the filter's decision for one incoming event.
type Verdict int

const (
	Allow Verdict = iota
	Mute
	Deny
)

// Caller distinguishes the call site, mirroring the upstream filter's
// own caller enum (new events reaching Process vs. a backfill replay
// get different default postures).
type Caller int

const (
	CallerProcess Caller = iota
	CallerReprocess
)

// Input is the full context the filter script needs, per spec §4.2 step
// 3's field list.
type Input struct {
	Caller      Caller
	ID          string
	Pubkey      string
	Kind        int
	Tags        nostr.Tags
	Content     string
	Muted       bool
	FriendOfFriend int
	NIP05       string
	NIP05Valid  bool
	PoW         int
	SecondsKnown int64
	SpamSafe    bool
}

// Filter is the collaborator interface. AllowAll is the default when no
// script is configured.
type Filter interface {
	Classify(in Input) Verdict
}

// AllowAll is the default no-op filter: every event passes. Wiring a
// real Rhai-backed filter is explicitly out of scope (spec §1).
type AllowAll struct{}

func (AllowAll) Classify(Input) Verdict { return Allow }
