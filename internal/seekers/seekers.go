// Package seekers implements the background fetchers of spec §4.6: a
// finite set of periodic tasks that inspect Storage and ask the
// Overlord to go get whatever is missing. None of them touch a minion
// or the Picker directly — per §2's control-flow line, "Seekers run on
// a periodic timer, inspect Storage, and request Overlord action for
// what is missing" — so the Scheduler's only collaborator is the
// Overlord's inbox.
package seekers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gossipnostr/gossip/internal/nostrx"
	"github.com/gossipnostr/gossip/internal/overlord"
	"github.com/gossipnostr/gossip/internal/signer"
	"github.com/gossipnostr/gossip/internal/storage"
)

// Sender is the subset of *overlord.Overlord the Scheduler depends on.
// Kept minimal (matching the teacher's own Publisher/Signer/PollerStore
// collaborator-interface style in its bsky poller) so tests can stub it
// without building a real Overlord.
type Sender interface{ Send(msg overlord.Msg) }

// Config bounds the four seekers' tunables.
type Config struct {
	// MetadataInterval is T_m: how often the metadata seeker sweeps the
	// Followed list. MetadataStaleAfter is S_m: how old last-metadata-at
	// must be before a refresh is requested.
	MetadataInterval   time.Duration
	MetadataStaleAfter time.Duration
	MetadataBatchLimit int

	// EventSeekInterval is how often the event seeker re-examines the
	// missing-reference queue. EventSeekDeadline is how long an id may
	// stay missing before it's marked unfindable and given a
	// retry-after instead of being re-sought every sweep.
	EventSeekInterval   time.Duration
	EventSeekDeadline   time.Duration
	EventSeekRetryAfter time.Duration
	EventSeekBatchLimit int

	PendingActionsInterval time.Duration

	// AvoidanceDecayInterval/Step control how fast a relay's avoidance
	// window shrinks. AvoidanceDecayCeiling exempts long ("session
	// disabled", spec §4.3 major-severity) windows, which only the user
	// clears explicitly.
	AvoidanceDecayInterval time.Duration
	AvoidanceDecayStep     time.Duration
	AvoidanceDecayCeiling  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MetadataInterval:   10 * time.Minute,
		MetadataStaleAfter: 24 * time.Hour,
		MetadataBatchLimit: 50,

		EventSeekInterval:   30 * time.Second,
		EventSeekDeadline:   10 * time.Minute,
		EventSeekRetryAfter: time.Hour,
		EventSeekBatchLimit: 100,

		PendingActionsInterval: 5 * time.Minute,

		AvoidanceDecayInterval: time.Minute,
		AvoidanceDecayStep:     30 * time.Second,
		AvoidanceDecayCeiling:  24 * time.Hour,
	}
}

// PendingAction is what the pending-actions watcher surfaces when
// person-list state on a relay disagrees with what's recorded locally.
// Spec §4.6: "surfaces a pending action" — this package only detects
// and reports it; applying it is a UI-driven decision out of scope here.
type PendingAction struct {
	Kind   string
	Pubkey string
	Detail string
}

// Scheduler runs the four periodic tasks of spec §4.6, each ticking on
// its own interval in a single cooperative loop: none holds a Storage
// transaction across an await longer than one read or write (spec §5).
type Scheduler struct {
	store  *storage.Store
	send   Sender
	signer signer.Signer
	log    *zap.Logger
	cfg    Config

	onPendingAction func(PendingAction)

	mu           sync.Mutex
	firstMissing map[string]time.Time // id -> when first observed missing
	retryAfter   map[string]time.Time // id -> don't re-seek until this time (marked unfindable)
}

// New builds a Scheduler. onPendingAction may be nil, in which case
// pending actions are only logged.
func New(store *storage.Store, send Sender, sgnr signer.Signer, log *zap.Logger, cfg Config, onPendingAction func(PendingAction)) *Scheduler {
	return &Scheduler{
		store:           store,
		send:            send,
		signer:          sgnr,
		log:             log,
		cfg:             cfg,
		onPendingAction: onPendingAction,
		firstMissing:    make(map[string]time.Time),
		retryAfter:      make(map[string]time.Time),
	}
}

// Run blocks until ctx is canceled. It ticks each seeker on its own
// interval, matching the teacher poller's "Start begins the ... polling
// loop. Blocks until ctx is cancelled" shape, generalized to four
// independent timers instead of one.
func (s *Scheduler) Run(ctx context.Context) {
	metaT := time.NewTicker(s.cfg.MetadataInterval)
	defer metaT.Stop()
	eventT := time.NewTicker(s.cfg.EventSeekInterval)
	defer eventT.Stop()
	pendingT := time.NewTicker(s.cfg.PendingActionsInterval)
	defer pendingT.Stop()
	decayT := time.NewTicker(s.cfg.AvoidanceDecayInterval)
	defer decayT.Stop()

	s.log.Info("seekers started",
		zap.Duration("metadata_interval", s.cfg.MetadataInterval),
		zap.Duration("event_seek_interval", s.cfg.EventSeekInterval),
		zap.Duration("pending_actions_interval", s.cfg.PendingActionsInterval),
		zap.Duration("avoidance_decay_interval", s.cfg.AvoidanceDecayInterval),
	)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("seekers stopped")
			return
		case <-metaT.C:
			s.sweepMetadata()
		case <-eventT.C:
			s.sweepMissingEvents()
		case <-pendingT.C:
			s.sweepPendingActions(ctx)
		case <-decayT.C:
			s.decayAvoidance()
		}
	}
}

// sweepMetadata implements the metadata seeker: "every T_m seconds, for
// each followed person whose metadata is older than S_m, send
// UpdatePersonMetadata."
func (s *Scheduler) sweepMetadata() {
	now := time.Now()
	staleBefore := now.Add(-s.cfg.MetadataStaleAfter).Unix()

	var stale []string
	_ = s.store.View(func(v *storage.ReadView) error {
		pl, ok := v.GetPersonList(storage.FollowedListName)
		if !ok {
			return nil
		}
		for _, pk := range pl.Members {
			if len(stale) >= s.cfg.MetadataBatchLimit {
				break
			}
			person, ok := v.GetPerson(pk)
			if !ok || person.LastMetadataAt < staleBefore {
				stale = append(stale, pk)
			}
		}
		return nil
	})

	for _, pk := range stale {
		s.send.Send(overlord.UpdatePersonMetadataMsg{Pubkey: pk})
	}
	if len(stale) > 0 {
		s.log.Debug("metadata seeker: requested refresh", zap.Int("count", len(stale)))
	}
}

// sweepMissingEvents implements the event seeker: consult Storage for
// every referenced-but-missing id (spec §4.6), seek it via hint relays
// drawn from whatever delivered the referencing event, and give up
// after EventSeekDeadline with a retry-after cooldown so the same id
// isn't re-sought every single sweep once it's been declared
// unfindable.
func (s *Scheduler) sweepMissingEvents() {
	now := time.Now()

	var refs []storage.MissingRef
	hints := make(map[string][]string)
	_ = s.store.View(func(v *storage.ReadView) error {
		refs = v.MissingReferencedIDs(s.cfg.EventSeekBatchLimit)
		for _, r := range refs {
			seen := map[string]bool{}
			var h []string
			for _, sourceID := range r.FoundBy {
				for _, relay := range v.RelaysThatSaw(sourceID) {
					if !seen[relay] {
						seen[relay] = true
						h = append(h, relay)
					}
				}
			}
			hints[r.ID] = h
		}
		return nil
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	seenThisSweep := make(map[string]bool, len(refs))
	for _, r := range refs {
		seenThisSweep[r.ID] = true

		if until, marked := s.retryAfter[r.ID]; marked {
			if now.Before(until) {
				continue // still cooling down since being marked unfindable.
			}
			delete(s.retryAfter, r.ID)
			delete(s.firstMissing, r.ID)
		}

		first, tracked := s.firstMissing[r.ID]
		if !tracked {
			first = now
			s.firstMissing[r.ID] = first
		}

		if now.Sub(first) >= s.cfg.EventSeekDeadline {
			s.log.Debug("event seeker: giving up for now", zap.String("id", r.ID), zap.Duration("retry_after", s.cfg.EventSeekRetryAfter))
			s.retryAfter[r.ID] = now.Add(s.cfg.EventSeekRetryAfter)
			delete(s.firstMissing, r.ID)
			continue
		}

		s.send.Send(overlord.SeekEventMsg{ID: r.ID, Hint: hints[r.ID]})
	}

	// Forget bookkeeping for ids that resolved (stored, or no longer
	// referenced by anything outstanding) since the last sweep.
	for id := range s.firstMissing {
		if !seenThisSweep[id] {
			delete(s.firstMissing, id)
		}
	}
}

// sweepPendingActions implements the pending-actions watcher: compares
// the locally-recorded Followed-list edit time against the created_at
// of the user's own stored contact-list (kind 3) event, surfacing a
// desync for the UI to reconcile when the relay-side copy is newer.
func (s *Scheduler) sweepPendingActions(ctx context.Context) {
	pk, err := s.signer.PubKey(ctx)
	if err != nil {
		s.log.Debug("pending actions watcher: signer unavailable", zap.Error(err))
		return
	}

	var remoteCreatedAt int64
	var localEditedAt int64
	_ = s.store.View(func(v *storage.ReadView) error {
		if evt, ok := v.GetReplaceable(pk, nostrx.KindContactList, ""); ok {
			remoteCreatedAt = int64(evt.CreatedAt)
		}
		if pl, ok := v.GetPersonList(storage.FollowedListName); ok {
			localEditedAt = pl.LastEditedAt
		}
		return nil
	})

	if remoteCreatedAt <= localEditedAt {
		return
	}

	action := PendingAction{
		Kind:   "contact_list_desync",
		Pubkey: pk,
		Detail: "a newer contact list exists on relays than the locally edited Followed list",
	}
	if s.onPendingAction != nil {
		s.onPendingAction(action)
	} else {
		s.log.Warn("pending action", zap.String("kind", action.Kind), zap.String("pubkey", action.Pubkey), zap.String("detail", action.Detail))
	}
}

// decayAvoidance implements the avoidance decayer: shrink every relay's
// remaining avoidance window by AvoidanceDecayStep so a relay that
// failed transiently returns to the Picker's consideration over time.
// Windows longer than AvoidanceDecayCeiling are left alone — those are
// the spec §4.3 major-severity "disabled for the session" windows,
// which only the user clears.
func (s *Scheduler) decayAvoidance() {
	now := time.Now()
	err := s.store.Update(func(w *storage.WriteTxn) error {
		v := w.AsReadView()
		for _, r := range v.AllRelays() {
			if r.AvoidanceUntil == 0 {
				continue
			}
			remaining := time.Unix(r.AvoidanceUntil, 0).Sub(now)
			if remaining <= 0 || remaining > s.cfg.AvoidanceDecayCeiling {
				continue
			}
			next := remaining - s.cfg.AvoidanceDecayStep
			if next < 0 {
				next = 0
			}
			if err := w.SetAvoidanceUntil(r.URL, now.Add(next)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Warn("avoidance decayer failed", zap.Error(err))
	}
}
