// Package overlord implements the single-consumer coordinator (spec
// §4.5): the only writer of cross-component invariants, serializing
// every follow/unfollow, publish, seek, and relay lifecycle decision
// through one inbox so Storage, the Relay Picker, and the Minion fleet
// never race each other.
package overlord

import (
	"context"
	"fmt"
	"sync"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/gossipnostr/gossip/internal/logging"
	"github.com/gossipnostr/gossip/internal/minion"
	"github.com/gossipnostr/gossip/internal/nostrx"
	"github.com/gossipnostr/gossip/internal/picker"
	"github.com/gossipnostr/gossip/internal/processor"
	"github.com/gossipnostr/gossip/internal/signer"
	"github.com/gossipnostr/gossip/internal/storage"
)

// feedKinds are the kinds the Picker's per-relay feed subscription asks
// for on behalf of a covered pubkey: the replaceable/regular kinds the
// Event Processor (spec §4.2) knows how to route, minus ephemeral noise.
var feedKinds = []int{
	nostrx.KindMetadata,
	nostrx.KindTextNote,
	nostrx.KindContactList,
	nostrx.KindDeletion,
	nostrx.KindRepost,
	nostrx.KindReaction,
	nostrx.KindGenericRepost,
	nostrx.KindRelayList,
	nostrx.KindDMRelays,
	nostrx.KindLongForm,
}

// feedJobHandle is the fixed subscription handle the Picker's per-relay
// feed job runs under, so recomputation can replace it in place rather
// than accumulating a new handle on every reassignment.
const feedJobHandle = "feed"

// Config bounds the Overlord's tunables: the Picker's own config, plus
// the timeouts spec §4.5/§5 call out by name.
type Config struct {
	Picker         picker.Config
	Minion         minion.Config // per-relay connect/publish/backoff tunables, spec §4.3
	ShutdownGrace  time.Duration // spec §5: "waits up to a grace period (5s)"
	ConnectTimeout time.Duration // spec §5: "typical 15s connect"
	PublishTimeout time.Duration // spec §5: "typical ... 30s idle"
	ClimbDepthCap  int
	AuthPermitted  func(relayURL string) bool
}

func DefaultConfig() Config {
	cfg := Config{
		Picker:         picker.DefaultConfig(),
		ShutdownGrace:  5 * time.Second,
		ConnectTimeout: 15 * time.Second,
		PublishTimeout: 30 * time.Second,
		ClimbDepthCap:  20,
	}
	cfg.Minion.ConnectTimeout = cfg.ConnectTimeout
	cfg.Minion.PublishTimeout = cfg.PublishTimeout
	return cfg
}

type minionHandle struct {
	m      *minion.Minion
	cancel context.CancelFunc
}

// Overlord is the single coordinator. Build one with New, then run it
// with Run; send it work with Send from any other goroutine (UI, CLI,
// seekers).
type Overlord struct {
	store  *storage.Store
	signer signer.Signer
	proc   *processor.Processor
	log    *zap.Logger
	cfg    Config

	inbox chan Msg

	mu          sync.Mutex
	minions     map[string]*minionHandle
	assignments []picker.Assignment

	minionWG sync.WaitGroup
}

// New constructs an Overlord. The inbox holds up to 256 queued messages
// before Send blocks, which comfortably covers the M~50 minions and
// bursty seeker activity spec §5 describes for a single-user desktop
// deployment.
func New(store *storage.Store, sgnr signer.Signer, proc *processor.Processor, log *zap.Logger, cfg Config) *Overlord {
	if log == nil {
		log = logging.New()
	}
	if cfg.AuthPermitted == nil {
		cfg.AuthPermitted = func(string) bool { return true }
	}
	// cfg.ConnectTimeout/PublishTimeout are the Overlord-level values spec
	// §5 names directly; fall them through to the per-minion Config when
	// the caller didn't set a distinct Minion value explicitly.
	if cfg.Minion.ConnectTimeout <= 0 {
		cfg.Minion.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.Minion.PublishTimeout <= 0 {
		cfg.Minion.PublishTimeout = cfg.PublishTimeout
	}
	return &Overlord{
		store:   store,
		signer:  sgnr,
		proc:    proc,
		log:     log,
		cfg:     cfg,
		inbox:   make(chan Msg, 256),
		minions: make(map[string]*minionHandle),
	}
}

// Send enqueues msg for the Overlord's main loop. Safe to call from any
// goroutine, including from inside a handler running on the main loop
// itself (self-dispatch, e.g. a processed event triggering a seek).
func (o *Overlord) Send(msg Msg) { o.inbox <- msg }

// Run drains the inbox until a ShutdownMsg is processed or ctx is
// canceled, per spec §4.5: "awaits an inbox item, dispatches to a
// handler, and returns to the loop." No handler blocks on network; every
// network-touching operation runs in a detached goroutine that reports
// back via Send.
func (o *Overlord) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-o.inbox:
			if o.dispatch(ctx, msg) {
				return nil
			}
		}
	}
}

// dispatch runs one message's handler, returning true if the Overlord
// should stop (a ShutdownMsg was processed).
func (o *Overlord) dispatch(ctx context.Context, msg Msg) bool {
	switch m := msg.(type) {
	case ShutdownMsg:
		o.handleShutdown(ctx)
		return true
	case FollowPubkeyMsg:
		o.handleFollowPubkey(ctx, m)
	case UnfollowPubkeyMsg:
		o.handleUnfollowPubkey(ctx, m)
	case AdvertiseRelayListMsg:
		o.handleAdvertiseRelayList(ctx)
	case PostEventMsg:
		o.handlePostEvent(ctx, m)
	case SeekEventMsg:
		o.handleSeekEvent(ctx, m)
	case ClimbThreadMsg:
		o.handleClimbThread(ctx, m)
	case RelayConnectMsg:
		o.ensureMinion(ctx, nostrx.NormalizeRelayURL(m.URL))
	case RelayDisconnectMsg:
		o.stopMinion(nostrx.NormalizeRelayURL(m.URL))
	case UpdatePersonMetadataMsg:
		o.handleUpdatePersonMetadata(ctx, m)
	case ProcessIncomingEventMsg:
		o.handleProcessIncomingEvent(ctx, m)
	case MinionExitedMsg:
		o.handleMinionExited(ctx, m)
	default:
		o.log.Warn("overlord: unrecognized message type", zap.String("type", fmt.Sprintf("%T", m)))
	}
	return false
}

// handleShutdown implements spec §5's cancellation sequence: message
// every minion to close, wait up to the grace period, then return so the
// caller can close Storage last.
func (o *Overlord) handleShutdown(ctx context.Context) {
	o.mu.Lock()
	urls := make([]string, 0, len(o.minions))
	for url, h := range o.minions {
		h.m.Shutdown()
		urls = append(urls, url)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.minionWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(o.cfg.ShutdownGrace):
		o.log.Warn("shutdown grace period elapsed; minions still exiting", zap.Int("remaining", len(urls)))
	}

	o.mu.Lock()
	for _, h := range o.minions {
		h.cancel()
	}
	o.minions = make(map[string]*minionHandle)
	o.mu.Unlock()
}

func (o *Overlord) handleFollowPubkey(ctx context.Context, msg FollowPubkeyMsg) {
	now := time.Now().Unix()
	err := o.store.Update(func(w *storage.WriteTxn) error {
		if _, err := w.AddToList(storage.FollowedListName, msg.Pubkey, now); err != nil {
			return err
		}
		if msg.URL == "" {
			return nil
		}
		url := nostrx.NormalizeRelayURL(msg.URL)
		pr, _ := w.AsReadView().GetPersonRelay(msg.Pubkey, url)
		pr.Pubkey, pr.URL = msg.Pubkey, url
		pr.Write = true
		pr.ManuallyPairedWrite = true
		pr.LastSuggestedKind3 = now
		return w.PutPersonRelay(pr)
	})
	if err != nil {
		o.log.Warn("follow pubkey failed", zap.String("pubkey", msg.Pubkey), zap.Error(err))
		return
	}
	o.recomputePicker(ctx)
}

func (o *Overlord) handleUnfollowPubkey(ctx context.Context, msg UnfollowPubkeyMsg) {
	now := time.Now().Unix()
	err := o.store.Update(func(w *storage.WriteTxn) error {
		_, rerr := w.RemoveFromList(storage.FollowedListName, msg.Pubkey, now)
		return rerr
	})
	if err != nil {
		o.log.Warn("unfollow pubkey failed", zap.String("pubkey", msg.Pubkey), zap.Error(err))
		return
	}
	o.recomputePicker(ctx)
}

func (o *Overlord) handleAdvertiseRelayList(ctx context.Context) {
	go func() {
		signCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		pk, err := o.signer.PubKey(signCtx)
		if err != nil {
			o.log.Warn("advertise relay list: could not resolve own pubkey", zap.Error(err))
			return
		}

		var ownRelays []storage.PersonRelay
		var broad []string
		_ = o.store.View(func(v *storage.ReadView) error {
			ownRelays = v.RelaysForPerson(pk)
			for _, r := range v.AllRelays() {
				if r.Usage.Advertise {
					broad = append(broad, r.URL)
				}
			}
			return nil
		})
		if len(broad) == 0 {
			o.mu.Lock()
			for _, a := range o.assignments {
				broad = append(broad, a.RelayURL)
			}
			o.mu.Unlock()
		}
		if len(ownRelays) == 0 || len(broad) == 0 {
			o.log.Warn("advertise relay list: nothing to advertise (no own relays or no target relays)")
			return
		}

		evt := &nostr.Event{Kind: nostrx.KindRelayList, CreatedAt: nostr.Timestamp(time.Now().Unix())}
		for _, pr := range ownRelays {
			tag := nostr.Tag{"r", pr.URL}
			switch {
			case pr.Read && !pr.Write:
				tag = append(tag, "read")
			case pr.Write && !pr.Read:
				tag = append(tag, "write")
			}
			evt.Tags = append(evt.Tags, tag)
		}
		if err := o.signer.Sign(signCtx, evt); err != nil {
			o.log.Warn("advertise relay list: signing failed", zap.Error(err))
			return
		}

		for _, url := range broad {
			url := url
			go func() {
				m := o.ensureMinion(ctx, url)
				pubCtx, cancel := context.WithTimeout(ctx, o.cfg.PublishTimeout)
				defer cancel()
				if err := m.Publish(pubCtx, evt); err != nil {
					o.log.Warn("advertise relay list: publish failed", zap.String("relay", url), zap.Error(err))
				}
			}()
		}
	}()
}

func (o *Overlord) handlePostEvent(ctx context.Context, msg PostEventMsg) {
	draft := msg.Draft
	go func() {
		signCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := o.signer.Sign(signCtx, draft); err != nil {
			o.log.Warn("post event: signing failed", zap.Error(err))
			return
		}

		pk, err := o.signer.PubKey(signCtx)
		if err != nil {
			o.log.Warn("post event: could not resolve own pubkey", zap.Error(err))
			return
		}

		var targets []string
		_ = o.store.View(func(v *storage.ReadView) error {
			for _, pr := range v.RelaysForPerson(pk) {
				if pr.Write {
					targets = append(targets, pr.URL)
				}
			}
			return nil
		})
		if len(targets) == 0 {
			o.log.Warn("post event: no outbox relays configured", zap.String("id", draft.ID))
			return
		}

		var wg sync.WaitGroup
		for _, url := range targets {
			url := url
			wg.Add(1)
			go func() {
				defer wg.Done()
				m := o.ensureMinion(ctx, url)
				pubCtx, cancel := context.WithTimeout(ctx, o.cfg.PublishTimeout)
				defer cancel()
				pubErr := m.Publish(pubCtx, draft)

				recErr := o.store.Update(func(w *storage.WriteTxn) error {
					if pubErr != nil {
						return w.RecordFailure(url)
					}
					return w.RecordSuccess(url, time.Now())
				})
				if pubErr != nil {
					o.log.Warn("publish failed", zap.String("relay", url), zap.String("event", draft.ID), zap.Error(pubErr))
				} else {
					o.log.Info("published", zap.String("relay", url), zap.String("event", draft.ID))
				}
				if recErr != nil {
					o.log.Warn("failed to record publish outcome", zap.Error(recErr))
				}
			}()
		}
		wg.Wait()
	}()
}

func (o *Overlord) handleSeekEvent(ctx context.Context, msg SeekEventMsg) {
	targets := append([]string(nil), msg.Hint...)
	if len(targets) == 0 && msg.Author != "" {
		_ = o.store.View(func(v *storage.ReadView) error {
			for _, pr := range v.RelaysForPerson(msg.Author) {
				if pr.Write {
					targets = append(targets, pr.URL)
				}
			}
			return nil
		})
	}
	if len(targets) == 0 {
		o.log.Debug("seek event: no relay target available", zap.String("id", msg.ID))
		return
	}

	filter := minion.Filter{IDs: []string{msg.ID}, Limit: 1}
	for _, url := range targets {
		m := o.ensureMinion(ctx, nostrx.NormalizeRelayURL(url))
		m.AddJob(minion.NewJob(filter, minion.LifetimeTransient))
	}
}

// handleClimbThread takes one step up a reply chain: it seeks the event
// itself if it is missing, otherwise its thread root if that is missing.
// It neither recurses nor re-sends the message, so Depth is compared
// against the cap but never incremented. Further steps happen only when a
// fetched event is processed and yields its own ClimbThreadMsg; a runaway
// chain (e.g. a forged reply cycle) is bounded by the processor's
// dedup-by-id, which makes re-seeking an already-known id a no-op.
func (o *Overlord) handleClimbThread(ctx context.Context, msg ClimbThreadMsg) {
	if msg.Depth >= o.cfg.ClimbDepthCap {
		o.log.Debug("climb thread: depth cap reached", zap.String("id", msg.ID))
		return
	}

	var evt *nostr.Event
	var found bool
	_ = o.store.View(func(v *storage.ReadView) error {
		evt, found = v.GetEvent(msg.ID)
		return nil
	})
	if !found {
		o.dispatch(ctx, SeekEventMsg{ID: msg.ID, Hint: msg.Hint})
		return
	}

	root, ok := processor.ReplyRoot(evt)
	if !ok {
		return // not a reply; nothing further up the chain.
	}
	var rootKnown bool
	_ = o.store.View(func(v *storage.ReadView) error {
		_, rootKnown = v.GetEvent(root)
		return nil
	})
	if rootKnown {
		return
	}
	o.dispatch(ctx, SeekEventMsg{ID: root, Hint: msg.Hint, Author: evt.PubKey})
}

func (o *Overlord) handleUpdatePersonMetadata(ctx context.Context, msg UpdatePersonMetadataMsg) {
	var targets []string
	_ = o.store.View(func(v *storage.ReadView) error {
		for _, pr := range v.RelaysForPerson(msg.Pubkey) {
			if pr.Write {
				targets = append(targets, pr.URL)
			}
		}
		return nil
	})
	if len(targets) == 0 {
		o.log.Debug("update person metadata: no relays known", zap.String("pubkey", msg.Pubkey))
		return
	}

	filter := minion.Filter{Kinds: []int{nostrx.KindMetadata}, Authors: []string{msg.Pubkey}, Limit: 1}
	for _, url := range targets {
		m := o.ensureMinion(ctx, url)
		m.AddJob(minion.NewJob(filter, minion.LifetimeTransient))
	}
}

func (o *Overlord) handleProcessIncomingEvent(ctx context.Context, msg ProcessIncomingEventMsg) {
	result, err := o.proc.Process(msg.Event, msg.Relay, "")
	if err != nil {
		o.log.Warn("event processing failed", zap.String("relay", msg.Relay), zap.Error(err))
		return
	}
	for _, id := range result.SeekIDs {
		o.Send(SeekEventMsg{ID: id, Hint: []string{msg.Relay}})
	}
	if result.ClimbRootID != "" {
		o.Send(ClimbThreadMsg{ID: result.ClimbRootID, Hint: []string{msg.Relay}})
	}
}

func (o *Overlord) handleMinionExited(ctx context.Context, msg MinionExitedMsg) {
	if msg.Err != nil {
		o.log.Info("minion exited", zap.String("relay", msg.URL), zap.Error(msg.Err))
	}

	o.mu.Lock()
	delete(o.minions, msg.URL)
	fixed := append([]picker.Assignment(nil), o.assignments...)
	o.mu.Unlock()

	people, relays := o.pickerInputs()
	report := picker.Recompute(o.cfg.Picker, people, relays, fixed, msg.URL)
	o.applyReport(ctx, report)
}

// recomputePicker runs a full Picker pass from scratch, per spec §4.5's
// Follow/Unfollow effect ("recompute Picker").
func (o *Overlord) recomputePicker(ctx context.Context) {
	people, relays := o.pickerInputs()
	report := picker.Run(o.cfg.Picker, people, relays)
	o.applyReport(ctx, report)
}

// pickerInputs adapts storage state into the Picker's plain-value
// arguments: every followed pubkey's outbox (write) relays, and every
// known relay's current rank/success/avoidance state.
func (o *Overlord) pickerInputs() ([]picker.Person, []picker.RelayState) {
	var people []picker.Person
	var relays []picker.RelayState
	_ = o.store.View(func(v *storage.ReadView) error {
		pl, _ := v.GetPersonList(storage.FollowedListName)
		for _, pk := range pl.Members {
			var urls []string
			for _, pr := range v.RelaysForPerson(pk) {
				if pr.Write {
					urls = append(urls, pr.URL)
				}
			}
			people = append(people, picker.Person{Pubkey: pk, Weight: 1.0, Relays: urls})
		}
		relays = picker.FromStorage(v.AllRelays(), time.Now().Unix())
		return nil
	})
	return people, relays
}

// applyReport reconciles a fresh Picker report against the currently
// running minions: stops minions no longer assigned, (re)starts the feed
// subscription on minions whose covered-pubkey set changed, and leaves
// everything else untouched.
func (o *Overlord) applyReport(ctx context.Context, report picker.Report) {
	o.mu.Lock()
	oldAssignments := o.assignments
	o.assignments = report.Assignments
	o.mu.Unlock()

	oldByURL := make(map[string]picker.Assignment, len(oldAssignments))
	for _, a := range oldAssignments {
		oldByURL[a.RelayURL] = a
	}
	newByURL := make(map[string]picker.Assignment, len(report.Assignments))
	for _, a := range report.Assignments {
		newByURL[a.RelayURL] = a
	}

	for url := range oldByURL {
		if _, still := newByURL[url]; !still {
			o.stopMinion(url)
		}
	}
	for url, a := range newByURL {
		if old, existed := oldByURL[url]; existed && sameCovers(old.Covers, a.Covers) {
			continue
		}
		o.ensureFeedJob(ctx, url, a.Covers)
	}

	for pk, remaining := range report.UnderCovered {
		o.log.Warn("person under-covered by relay picker", zap.String("pubkey", pk), zap.Int("short_by", remaining))
	}
}

func sameCovers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ensureFeedJob (re)starts the Picker-driven feed subscription on url
// under the fixed feedJobHandle, replacing whatever ran there before.
func (o *Overlord) ensureFeedJob(ctx context.Context, url string, covers []string) {
	m := o.ensureMinion(ctx, url)
	m.CloseJob(feedJobHandle)
	m.AddJob(minion.Job{
		Handle:   feedJobHandle,
		Filter:   minion.Filter{Authors: covers, Kinds: feedKinds},
		Lifetime: minion.LifetimeUntilSuperseded,
	})
}

// ensureMinion returns the running Minion for url, starting one if none
// exists yet. Safe to call concurrently.
func (o *Overlord) ensureMinion(ctx context.Context, url string) *minion.Minion {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.minions[url]; ok {
		return h.m
	}

	mctx, cancel := context.WithCancel(ctx)
	m := minion.New(url, o.signer, o.sink(), o.notifier(), o.store, o.log, o.cfg.Minion, o.cfg.AuthPermitted)
	o.minions[url] = &minionHandle{m: m, cancel: cancel}

	o.minionWG.Add(1)
	go func() {
		defer o.minionWG.Done()
		if err := m.Run(mctx); err != nil && ctx.Err() == nil {
			o.log.Warn("minion run returned", zap.String("relay", url), zap.Error(err))
		}
	}()
	return m
}

// stopMinion shuts down and forgets the minion for url, if one is
// running. It does not wait for the goroutine to exit; handleShutdown's
// grace period is what waits.
func (o *Overlord) stopMinion(url string) {
	o.mu.Lock()
	h, ok := o.minions[url]
	if ok {
		delete(o.minions, url)
	}
	o.mu.Unlock()
	if ok {
		h.m.Shutdown()
		h.cancel()
	}
}

// sink satisfies minion.EventSink by forwarding every delivered event
// back onto the Overlord's own inbox as a ProcessIncomingEventMsg, so
// event processing is itself serialized through the single-consumer
// loop rather than racing across minions.
func (o *Overlord) sink() minion.EventSink { return overlordSink{o} }

// notifier satisfies minion.Notifier the same way: lifecycle signals
// become inbox messages instead of direct calls into shared state.
func (o *Overlord) notifier() minion.Notifier { return overlordNotifier{o} }

type overlordSink struct{ o *Overlord }

func (s overlordSink) HandleEvent(evt *nostr.Event, sourceRelay, _ string) {
	s.o.Send(ProcessIncomingEventMsg{Event: evt, Relay: sourceRelay})
}

type overlordNotifier struct{ o *Overlord }

func (n overlordNotifier) EOSE(relayURL, handle string) {
	n.o.log.Debug("eose", zap.String("relay", relayURL), zap.String("handle", handle))
}

func (n overlordNotifier) SubscriptionClosed(relayURL, handle, reason string) {
	n.o.log.Debug("subscription closed", zap.String("relay", relayURL), zap.String("handle", handle), zap.String("reason", reason))
}

func (n overlordNotifier) AuthRequired(relayURL string) {
	n.o.log.Info("relay requires authentication the user hasn't pre-granted", zap.String("relay", relayURL))
}

func (n overlordNotifier) Exited(relayURL string, err error) {
	n.o.Send(MinionExitedMsg{URL: relayURL, Err: err})
}
