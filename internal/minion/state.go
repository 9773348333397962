package minion

import (
	"fmt"

	"github.com/google/uuid"
)

// State is one node of the Minion state machine from spec §4.3:
//
//	Idle → Connecting → [Authenticating?] → Subscribed ⇄ Reconnecting → Dead
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribed
	StateReconnecting
	StateDead
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Lifetime classifies how long a subscription should live, per spec
// §4.3: "transient (closes at EOSE), persistent until superseded, or
// persistent forever".
type Lifetime int

const (
	LifetimeTransient Lifetime = iota
	LifetimeUntilSuperseded
	LifetimeForever
)

// Job describes one subscription a caller wants the minion to run,
// keyed by a short caller-chosen handle so CLOSED/EOSE notifications can
// be routed back without the caller tracking relay-level sub ids.
type Job struct {
	Handle   string
	Filter   Filter
	Lifetime Lifetime
}

// NewJob builds a Job with a fresh short handle, for callers that don't
// need a caller-chosen, re-discoverable name (e.g. ad-hoc thread climbs).
// Callers that need to correlate a subscription across reconnects — the
// Overlord's per-followed-pubkey feed subscriptions — should set Handle
// themselves instead.
func NewJob(f Filter, lifetime Lifetime) Job {
	return Job{Handle: uuid.NewString(), Filter: f, Lifetime: lifetime}
}

// Filter mirrors nostr.Filter's fields the spec calls out explicitly
// (spec §4.3: "kind sets, author sets, id sets, time bounds, and
// tag-query clauses"), kept as our own type so callers don't need to
// import go-nostr just to build a Job.
type Filter struct {
	IDs     []string
	Kinds   []int
	Authors []string
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Limit   int
}
