// Package processor implements the Event Processing Pipeline (spec
// §4.2): accept every incoming event exactly once regardless of which
// minion delivered it, validate it, classify it by kind, persist or
// discard it, and surface follow-up work (seeks, thread climbs,
// notifications) for the Overlord to act on.
package processor

import (
	"strconv"
	"strings"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/gossipnostr/gossip/internal/nostrx"
	"github.com/gossipnostr/gossip/internal/spamfilter"
	"github.com/gossipnostr/gossip/internal/storage"
	"github.com/gossipnostr/gossip/internal/xerr"
)

// Outcome classifies what Process did with an event, mostly for tests
// and logging; callers should drive behavior off the Result fields, not
// this label.
type Outcome int

const (
	OutcomeStored Outcome = iota
	OutcomeDuplicateRelay
	OutcomeDuplicateEvent
	OutcomeDroppedProtocolError
	OutcomeDroppedSpam
	OutcomeMuted
	OutcomeSuperseded
	OutcomeHiddenByDeletion
	OutcomeEphemeralProcessed
)

// Result is everything Process learned that the Overlord needs to act
// on: whether to notify the UI, which event ids to seek, and whether a
// thread climb should start.
type Result struct {
	Outcome      Outcome
	SeekIDs      []string // referenced ids not currently in storage
	ClimbRootID  string   // non-empty if this is a reply whose root is unknown
	ShouldNotify bool

	// DropReason carries the non-aborting reason an event was rejected
	// (bad signature, spam verdict). It is never a storage error: those
	// abort the transaction and surface through Process's own error
	// return instead, per spec §7 ("A StorageError ... is fatal to the
	// transaction but not to the process").
	DropReason error
}

// Processor is the single consumer that drains the event queue, holding
// a write transaction only for the duration of one event's persistence
// (spec §5).
type Processor struct {
	store  *storage.Store
	filter spamfilter.Filter
	log    *zap.Logger
}

func New(store *storage.Store, filter spamfilter.Filter, log *zap.Logger) *Processor {
	if filter == nil {
		filter = spamfilter.AllowAll{}
	}
	return &Processor{store: store, filter: filter, log: log}
}

// Process runs the full pipeline from spec §4.2 for one event delivered
// by sourceRelay. subscribedPubkeyHint optionally names the followed
// pubkey whose subscription produced this delivery. It is passed down
// but not read: the spam filter's Input carries only the event's own
// fields, so FriendOfFriend and the other context fields stay zero.
func (p *Processor) Process(evt *nostr.Event, sourceRelay string, subscribedPubkeyHint string) (Result, error) {
	now := time.Now().Unix()

	var result Result
	err := p.store.Update(func(w *storage.WriteTxn) error {
		return p.processTxn(w, evt, sourceRelay, subscribedPubkeyHint, now, &result)
	})
	return result, err
}

func (p *Processor) processTxn(w *storage.WriteTxn, evt *nostr.Event, sourceRelay, hint string, now int64, result *Result) error {
	rv := w.AsReadView()

	// Step 1: ingress / dedup check.
	alreadySeenHere := rv.SeenBy(evt.ID, sourceRelay)
	alreadyStored := rv.AnySeen(evt.ID)
	if alreadySeenHere {
		result.Outcome = OutcomeDuplicateRelay
		return nil
	}
	if err := w.MarkSeen(evt.ID, sourceRelay, now); err != nil {
		return err
	}
	if alreadyStored {
		result.Outcome = OutcomeDuplicateEvent
		return nil
	}

	// Step 2: canonical id check, then signature verification. go-nostr's
	// CheckSignature verifies the Schnorr sig over the serialized event
	// but never recomputes/compares id, so a forged id with an otherwise
	// validly-signed body must be caught separately: every store/dedup/
	// index key downstream is evt.ID (spec §4.2 step 2: "Compute
	// canonical id; compare; verify Schnorr signature"). A bad id or
	// signature is dropped, not an aborted transaction: the seen-edge
	// recorded above must still commit so the event is never
	// reconsidered.
	if computedID := evt.GetID(); computedID != evt.ID {
		if rerr := w.RecordFailure(sourceRelay); rerr != nil {
			return rerr
		}
		result.Outcome = OutcomeDroppedProtocolError
		result.DropReason = &xerr.ProtocolError{Reason: "event id does not match its canonical id"}
		return nil
	}
	if ok, err := evt.CheckSignature(); err != nil || !ok {
		if rerr := w.RecordFailure(sourceRelay); rerr != nil {
			return rerr
		}
		result.Outcome = OutcomeDroppedProtocolError
		result.DropReason = &xerr.ProtocolError{Reason: "signature verification failed", Err: err}
		return nil
	}

	// Step 3: spam gate.
	verdict := p.filter.Classify(spamfilter.Input{
		Caller:  spamfilter.CallerProcess,
		ID:      evt.ID,
		Pubkey:  evt.PubKey,
		Kind:    evt.Kind,
		Tags:    evt.Tags,
		Content: evt.Content,
	})
	switch verdict {
	case spamfilter.Deny:
		result.Outcome = OutcomeDroppedSpam
		return nil // seen-edge already recorded; not reconsidered.
	case spamfilter.Mute:
		if _, err := w.AddToList("muted", evt.PubKey, now); err != nil {
			return err
		}
		result.Outcome = OutcomeMuted
		return nil
	}

	// Step 4: kind routing.
	switch {
	case nostrx.IsEphemeral(evt.Kind):
		p.extractRelationshipsAndSeeks(w, evt, result)
		result.Outcome = OutcomeEphemeralProcessed
		result.ShouldNotify = true
		return nil

	case evt.Kind == nostrx.KindDeletion:
		return p.processDeletion(w, evt, result)

	case nostrx.IsReplaceable(evt.Kind):
		return p.processReplaceable(w, evt, now, result)

	default:
		if err := w.PutEvent(evt); err != nil {
			return err
		}
		p.extractRelationshipsAndSeeks(w, evt, result)
		result.Outcome = OutcomeStored
		result.ShouldNotify = true
		return nil
	}
}

// Reprocess re-derives relationships and seek candidates for an event
// already committed to storage, without repeating the ingress dedup,
// signature, or spam checks step 1-3 perform (the event is trusted: it
// is only reachable here because it passed them once already). Used by
// the CLI's reprocess_recent (§6) to repair derived state — relationship
// edges, p-tag relay hints, seek lists — after a bug in extraction logic
// without re-fetching anything from a relay.
func (p *Processor) Reprocess(evt *nostr.Event) (Result, error) {
	var result Result
	err := p.store.Update(func(w *storage.WriteTxn) error {
		p.extractRelationshipsAndSeeks(w, evt, &result)
		result.Outcome = OutcomeStored
		return nil
	})
	return result, err
}

func (p *Processor) processDeletion(w *storage.WriteTxn, evt *nostr.Event, result *Result) error {
	rv := w.AsReadView()
	ids, addrs := deletionTargets(evt)
	for _, id := range ids {
		target, ok := rv.GetEvent(id)
		if !ok || target.PubKey != evt.PubKey {
			continue // only honor deletions whose pubkey equals the target's.
		}
		if err := w.AddRelationship(storage.Relationship{SourceID: evt.ID, TargetID: id, Kind: storage.RelDeletion}); err != nil {
			return err
		}
	}
	for _, addr := range addrs {
		kind, pubkey, dtag, ok := parseAddr(addr)
		if !ok || pubkey != evt.PubKey {
			continue
		}
		target, ok := rv.GetReplaceable(pubkey, kind, dtag)
		if !ok {
			continue
		}
		if err := w.AddRelationship(storage.Relationship{SourceID: evt.ID, TargetID: target.ID, Kind: storage.RelDeletion}); err != nil {
			return err
		}
	}
	if err := w.PutEvent(evt); err != nil {
		return err
	}
	result.Outcome = OutcomeHiddenByDeletion
	result.ShouldNotify = true
	return nil
}

// parseAddr parses a NIP-01 "a" tag value "kind:pubkey:dtag".
func parseAddr(addr string) (kind int, pubkey, dtag string, ok bool) {
	parts := strings.SplitN(addr, ":", 3)
	if len(parts) < 2 {
		return 0, "", "", false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", "", false
	}
	if len(parts) == 3 {
		dtag = parts[2]
	}
	return n, parts[1], dtag, true
}

func (p *Processor) processReplaceable(w *storage.WriteTxn, evt *nostr.Event, now int64, result *Result) error {
	rv := w.AsReadView()
	dtag := ""
	if nostrx.IsParameterizedReplaceable(evt.Kind) {
		dtag = firstTagValueExported(evt.Tags)
	}
	current, _ := rv.GetReplaceable(evt.PubKey, evt.Kind, dtag)

	if !Supersedes(current, evt) {
		result.Outcome = OutcomeSuperseded // candidate itself is the one discarded
		return nil
	}

	if current != nil {
		if err := w.DeleteEvent(current); err != nil {
			return err
		}
		staleTargets := append(referencedIDs(current), referencedAddrs(current)...)
		if err := w.RemoveRelationshipsFrom(current.ID, staleTargets); err != nil {
			return err
		}
	}

	if err := w.PutEvent(evt); err != nil {
		return err
	}
	p.extractRelationshipsAndSeeks(w, evt, result)

	if err := p.applyReplaceableSideEffects(w, evt, now); err != nil {
		return err
	}

	result.Outcome = OutcomeStored
	result.ShouldNotify = true
	return nil
}

// applyReplaceableSideEffects implements the per-kind derived-state
// updates spec §4.2 step 5 calls out specially: metadata timestamp,
// wholesale relay-list replacement.
func (p *Processor) applyReplaceableSideEffects(w *storage.WriteTxn, evt *nostr.Event, now int64) error {
	rv := w.AsReadView()
	switch evt.Kind {
	case nostrx.KindMetadata:
		person, ok := rv.GetPerson(evt.PubKey)
		if !ok {
			person = storage.Person{Pubkey: evt.PubKey}
		}
		person.MetadataJSON = evt.Content
		person.LastMetadataAt = int64(evt.CreatedAt)
		return w.PutPerson(person)

	case nostrx.KindRelayList, nostrx.KindDMRelays:
		entries := ParseRelayList(evt)
		if err := w.ReplaceRelayListWholesale(evt.PubKey, entries); err != nil {
			return err
		}
		person, ok := rv.GetPerson(evt.PubKey)
		if !ok {
			person = storage.Person{Pubkey: evt.PubKey}
		}
		person.RelayListCreatedAt = int64(evt.CreatedAt)
		return w.PutPerson(person)
	}
	return nil
}

// extractRelationshipsAndSeeks records forward edges and populates the
// Result's seek/climb fields (spec §4.2 steps 5-6).
func (p *Processor) extractRelationshipsAndSeeks(w *storage.WriteTxn, evt *nostr.Event, result *Result) {
	rv := w.AsReadView()

	for _, rel := range extractRelationships(evt) {
		if err := w.AddRelationship(rel); err != nil {
			p.log.Warn("failed to record relationship", zap.Error(err))
		}
	}

	for _, hint := range pTagHints(evt) {
		pr, _ := rv.GetPersonRelay(hint.Pubkey, hint.RelayHint)
		pr.Pubkey, pr.URL = hint.Pubkey, hint.RelayHint
		pr.LastSuggestedByTag = time.Now().Unix()
		if err := w.PutPersonRelay(pr); err != nil {
			p.log.Warn("failed to record p-tag relay hint", zap.Error(err))
		}
	}

	for _, id := range referencedIDs(evt) {
		if _, ok := rv.GetEvent(id); !ok {
			result.SeekIDs = append(result.SeekIDs, id)
		}
	}

	if root, ok := isReply(evt); ok {
		if _, known := rv.GetEvent(root); !known {
			result.ClimbRootID = root
		}
	}
}

func firstTagValueExported(tags nostr.Tags) string {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == "d" {
			return t[1]
		}
	}
	return ""
}
