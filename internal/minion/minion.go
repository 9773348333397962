// Package minion implements the per-relay websocket lifecycle (spec
// §4.3): one Minion owns exactly one relay connection for as long as it
// runs, carrying that relay through
//
//	Idle → Connecting → [Authenticating?] → Subscribed ⇄ Reconnecting → Dead
//
// Everything cross-relay (assignment, aggregation, retry policy) belongs
// to the Overlord and the Relay Picker; a Minion only knows about its own
// socket and its own subscription table.
package minion

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/gossipnostr/gossip/internal/logging"
	"github.com/gossipnostr/gossip/internal/nostrx"
	"github.com/gossipnostr/gossip/internal/signer"
	"github.com/gossipnostr/gossip/internal/storage"
	"github.com/gossipnostr/gossip/internal/xerr"
)

// EventSink receives events the minion forwards from its relay. It is
// the Overlord's gateway into the Event Processor; the minion itself
// never touches storage directly for event content.
type EventSink interface {
	HandleEvent(evt *nostr.Event, sourceRelay string, subscribedPubkeyHint string)
}

// Notifier receives the minion's lifecycle signals, per spec §4.3's
// message table (EOSE, CLOSED, exit) — the Overlord implements this to
// drive the Relay Picker's disconnect reaction and any pending-publish
// bookkeeping.
type Notifier interface {
	EOSE(relayURL, handle string)
	SubscriptionClosed(relayURL, handle, reason string)
	AuthRequired(relayURL string)
	Exited(relayURL string, err error)
}

// Config bounds the tunables spec §4.3 calls out: connect/publish
// timeouts, the liveness ping interval and idle deadline, the cursor
// overlap window applied on resubscribe, and the reconnect backoff
// curve. Zero fields are replaced by the package defaults in New.
type Config struct {
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	PingInterval   time.Duration
	IdleTimeout    time.Duration
	OverlapWindow  time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

func defaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 30 * time.Second,
		PingInterval:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		OverlapWindow:  2 * time.Minute,
		BackoffBase:    backoffBase,
		BackoffCap:     backoffCap,
	}
}

// applyConfigDefaults replaces any zero-valued field of cfg with the
// package default, so a caller building Config from a partially-set
// config.Config (or a zero-value Config{}) still gets sane behavior.
func applyConfigDefaults(cfg Config) Config {
	d := defaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = d.PublishTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = d.PingInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.OverlapWindow <= 0 {
		cfg.OverlapWindow = d.OverlapWindow
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = d.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = d.BackoffCap
	}
	return cfg
}

// Minion drives one relay's connection and subscription table. Callers
// add/remove jobs via AddJob/CloseJob and run the lifecycle with Run,
// which blocks until ctx is canceled or the relay is permanently dead.
type Minion struct {
	url      string
	signer   signer.Signer
	sink     EventSink
	notifier Notifier
	store    *storage.Store
	log      *zap.Logger
	cfg      Config

	// authPermitted reports whether the user has pre-granted NIP-42 auth
	// to this relay. When false, the minion reports via
	// notifier.AuthRequired and sends no AUTH; subscriptions are not held
	// back, and ones the relay closes as auth-required are not resent.
	authPermitted func(relayURL string) bool

	rng *rand.Rand

	jobsCh    chan Job
	closeCh   chan string
	publishCh chan publishRequest
	shutdown  chan struct{}
	shutdownOnce sync.Once

	mu      sync.Mutex
	state   State
	cursors map[string]int64 // handle -> latest created_at observed
}

// New constructs a Minion for url. cfg's zero fields fall back to the
// package defaults. authPermitted defaults to "always allow" when nil,
// matching a single-user desktop deployment that has already approved
// every relay it added.
func New(url string, s signer.Signer, sink EventSink, notifier Notifier, store *storage.Store, log *zap.Logger, cfg Config, authPermitted func(string) bool) *Minion {
	if log == nil {
		log = logging.New()
	}
	if authPermitted == nil {
		authPermitted = func(string) bool { return true }
	}
	return &Minion{
		url:           url,
		signer:        s,
		sink:          sink,
		notifier:      notifier,
		store:         store,
		log:           log.With(logging.RelayField(url)),
		cfg:           applyConfigDefaults(cfg),
		authPermitted: authPermitted,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(url)))),
		jobsCh:        make(chan Job, 16),
		closeCh:       make(chan string, 16),
		publishCh:     make(chan publishRequest, 8),
		shutdown:      make(chan struct{}),
		cursors:       make(map[string]int64),
	}
}

func (m *Minion) URL() string { return m.url }

func (m *Minion) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Minion) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// AddJob enqueues a subscription for the minion to run once subscribed.
// Safe to call before or after Run starts; jobs queued before a
// connection exists are applied as soon as one is established.
func (m *Minion) AddJob(j Job) {
	select {
	case m.jobsCh <- j:
	case <-m.shutdown:
	}
}

// CloseJob tears down a running subscription by handle.
func (m *Minion) CloseJob(handle string) {
	select {
	case m.closeCh <- handle:
	case <-m.shutdown:
	}
}

type publishRequest struct {
	evt      *nostr.Event
	resultCh chan error
}

// Publish hands evt to the relay and waits for its OK response (spec
// §4.3: "OK id ok message → resolve a pending publish promise"). It
// blocks the caller, not the minion's own event loop: runConnected fires
// the actual relay.Publish call in its own goroutine so a slow OK from
// one relay never stalls this minion's subscriptions.
func (m *Minion) Publish(ctx context.Context, evt *nostr.Event) error {
	req := publishRequest{evt: evt, resultCh: make(chan error, 1)}
	select {
	case m.publishCh <- req:
	case <-m.shutdown:
		return fmt.Errorf("minion %s: shut down before publish could be sent", m.url)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.resultCh:
		return err
	case <-m.shutdown:
		return fmt.Errorf("minion %s: shut down while publish was in flight", m.url)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes the socket with a normal-close and stops Run, per
// spec §4.3 Cancellation.
func (m *Minion) Shutdown() {
	m.shutdownOnce.Do(func() { close(m.shutdown) })
}

type incomingEvent struct {
	handle string
	evt    *nostr.Event
}

type subEnded struct {
	handle string
	eose   bool
	reason string
}

// Run drives the full Idle→Connecting→...→Dead lifecycle until ctx is
// canceled, Shutdown is called, or a major failure permanently disables
// the relay. It never returns nil except on a clean shutdown.
func (m *Minion) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.setState(StateIdle)
	pending := make(map[string]Job) // jobs to (re)send once the next connection is up

	attempt := 0
	for {
		m.setState(StateConnecting)
		relay, err := m.connect(ctx)
		if err != nil {
			sev := classifyConnectError(err)
			if sev == xerr.SeverityMajor {
				m.disable(sev, err)
				return fmt.Errorf("minion %s: %w", m.url, &xerr.RelayError{Relay: m.url, Severity: sev, Err: err})
			}
			if !m.waitBackoff(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}
		attempt = 0

		go m.fetchNIP11Async(ctx)

		if err := m.runConnected(ctx, relay, pending); err != nil {
			sev := classifySessionError(err)
			m.recordFailure(sev)
			relay.Close()
			if sev == xerr.SeverityMajor {
				m.disable(sev, err)
				return fmt.Errorf("minion %s: %w", m.url, &xerr.RelayError{Relay: m.url, Severity: sev, Err: err})
			}
			m.setState(StateReconnecting)
			if m.notifier != nil {
				m.notifier.SubscriptionClosed(m.url, "", err.Error())
			}
			if !m.waitBackoff(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		// runConnected only returns nil on clean shutdown.
		m.setState(StateDead)
		if m.notifier != nil {
			m.notifier.Exited(m.url, nil)
		}
		return nil
	}
}

func (m *Minion) connect(ctx context.Context) (*nostr.Relay, error) {
	connCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	relay, err := nostr.RelayConnect(connCtx, m.url)
	if err != nil {
		return nil, err
	}
	return relay, nil
}

// fetchNIP11Async runs the NIP-11 HTTP fetch alongside the websocket
// handshake (spec §4.3 Connecting: "in parallel") and records the
// result, reusing any cached ETag so an unchanged document costs a 304.
func (m *Minion) fetchNIP11Async(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var cachedETag string
	if m.store != nil {
		_ = m.store.View(func(v *storage.ReadView) error {
			r, ok := v.GetRelay(m.url)
			if ok {
				cachedETag = r.NIP11ETag
			}
			return nil
		})
	}

	doc, etag, err := fetchNIP11(fetchCtx, m.url, cachedETag)
	if err != nil {
		m.log.Debug("nip-11 fetch failed", zap.Error(err))
		return
	}
	if doc == nil {
		return // 304 not modified; cached copy still valid.
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return
	}
	if m.store != nil {
		if err := m.store.Update(func(w *storage.WriteTxn) error {
			return w.RecordNIP11(m.url, string(raw), etag)
		}); err != nil {
			m.log.Warn("failed to persist nip-11 document", zap.Error(err))
		}
	}
}

// runConnected drives one connection's Authenticating/Subscribed phase
// until the relay drops, the context is canceled, or Shutdown fires.
// Returns nil only for a clean, caller-requested shutdown.
func (m *Minion) runConnected(ctx context.Context, relay *nostr.Relay, pending map[string]Job) error {
	active := make(map[string]*nostr.Subscription)
	jobs := make(map[string]Job)
	defer func() {
		for handle, sub := range active {
			sub.Unsub()
			// Still-open jobs go back to pending so the next connection
			// resubscribes them from their cursor.
			pending[handle] = jobs[handle]
		}
	}()

	incoming := make(chan incomingEvent, 64)
	ended := make(chan subEnded, 16)

	startSub := func(handle string, job Job) {
		filters := []nostr.Filter{toNostrFilter(job.Filter, m.cursors[handle], m.cfg.OverlapWindow)}
		sub, err := relay.Subscribe(ctx, filters)
		if err != nil {
			m.log.Warn("subscribe failed", zap.String("handle", handle), zap.Error(err))
			return
		}
		active[handle] = sub
		jobs[handle] = job
		go m.pumpSubscription(handle, job.Lifetime, sub, incoming, ended)
	}

	for handle, job := range pending {
		startSub(handle, job)
		delete(pending, handle)
	}

	if err := m.maybeAuthenticate(ctx, relay); err != nil {
		return err
	}
	m.setState(StateSubscribed)

	// go-nostr's Relay already answers websocket-level ping/pong frames
	// in its own read pump; the minion's own liveness check, per spec
	// §4.3 ("a ping is sent every configured interval; absence of pong
	// ... triggers reconnect"), is a deadline on inbound activity rather
	// than a hand-rolled NOSTR-message ping (there is no such message in
	// NIP-01 — liveness is a transport concern, not a protocol one).
	livenessTicker := time.NewTicker(m.cfg.PingInterval)
	defer livenessTicker.Stop()
	lastActivity := time.Now()

	for {
		select {
		case <-ctx.Done():
			relay.Close()
			return nil

		case <-m.shutdown:
			relay.Close()
			return nil

		case job := <-m.jobsCh:
			startSub(job.Handle, job)

		case handle := <-m.closeCh:
			if sub, ok := active[handle]; ok {
				sub.Unsub()
				delete(active, handle)
			}

		case req := <-m.publishCh:
			go func(req publishRequest) {
				pubCtx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
				defer cancel()
				req.resultCh <- relay.Publish(pubCtx, *req.evt)
			}(req)

		case ie := <-incoming:
			lastActivity = time.Now()
			if createdAt := int64(ie.evt.CreatedAt); createdAt > m.cursors[ie.handle] {
				m.cursors[ie.handle] = createdAt
			}
			if m.sink != nil {
				m.sink.HandleEvent(ie.evt, m.url, "")
			}

		case e := <-ended:
			lastActivity = time.Now()
			if e.eose {
				m.recordEOSE()
				if m.notifier != nil {
					m.notifier.EOSE(m.url, e.handle)
				}
				// Transient subscriptions close at EOSE, spec §4.3;
				// persistent ones stay in the table.
				if jobs[e.handle].Lifetime == LifetimeTransient {
					if sub, ok := active[e.handle]; ok {
						sub.Unsub()
					}
					delete(active, e.handle)
				}
				continue
			}
			delete(active, e.handle)
			if m.notifier != nil {
				m.notifier.SubscriptionClosed(m.url, e.handle, e.reason)
			}
			if e.reason != "" && isAuthRequired(e.reason) {
				if err := m.maybeAuthenticate(ctx, relay); err != nil {
					return err
				}
			}

		case <-livenessTicker.C:
			if time.Since(lastActivity) > m.cfg.IdleTimeout {
				return fmt.Errorf("minion %s: no liveness within ping interval", m.url)
			}
		}
	}
}

// pumpSubscription forwards one subscription's events and termination
// signal into the minion's shared channels until the subscription ends
// or ctx is canceled.
func (m *Minion) pumpSubscription(handle string, lifetime Lifetime, sub *nostr.Subscription, incoming chan<- incomingEvent, ended chan<- subEnded) {
	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			if evt != nil {
				incoming <- incomingEvent{handle: handle, evt: evt}
			}
		case <-sub.EndOfStoredEvents:
			ended <- subEnded{handle: handle, eose: true}
			if lifetime == LifetimeTransient {
				return
			}
		case reason := <-sub.ClosedReason:
			ended <- subEnded{handle: handle, reason: reason}
			return
		}
	}
}

// maybeAuthenticate sends NIP-42 AUTH only if permission was pre-granted.
// Otherwise it notifies the Overlord and returns without authenticating;
// subscriptions already sent are not held back, and none is resent later.
func (m *Minion) maybeAuthenticate(ctx context.Context, relay *nostr.Relay) error {
	if !m.authPermitted(m.url) {
		if m.notifier != nil {
			m.notifier.AuthRequired(m.url)
		}
		return nil
	}
	m.setState(StateAuthenticating)
	authCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := relay.Auth(authCtx, func(evt *nostr.Event) error {
		evt.Kind = nostrx.KindAuth
		evt.Tags = append(evt.Tags, nostr.Tag{"relay", m.url})
		return m.signer.Sign(authCtx, evt)
	})
	if err != nil {
		// The relay may not have asked for AUTH at all; go-nostr's Auth
		// returns promptly in that case too, so a timeout here is the
		// only failure worth treating as connection-affecting.
		m.log.Debug("nip-42 auth attempt returned", zap.Error(err))
	}
	return nil
}

func (m *Minion) recordEOSE() {
	if m.store == nil {
		return
	}
	if err := m.store.Update(func(w *storage.WriteTxn) error {
		v := w.AsReadView()
		r, ok := v.GetRelay(m.url)
		if !ok {
			r = storage.NewRelay(m.url)
		}
		r.LastGeneralEOSEAt = time.Now().Unix()
		return w.PutRelay(r)
	}); err != nil {
		m.log.Warn("failed to record eose timestamp", zap.Error(err))
	}
}

func (m *Minion) recordFailure(sev xerr.RelaySeverity) {
	if m.store == nil {
		return
	}
	if err := m.store.Update(func(w *storage.WriteTxn) error {
		if err := w.RecordFailure(m.url); err != nil {
			return err
		}
		if d := avoidanceDuration(sev); d > 0 {
			return w.SetAvoidanceUntil(m.url, time.Now().Add(d))
		}
		return nil
	}); err != nil {
		m.log.Warn("failed to record relay failure", zap.Error(err))
	}
}

func (m *Minion) disable(sev xerr.RelaySeverity, cause error) {
	m.setState(StateDead)
	m.recordFailure(sev)
	if m.notifier != nil {
		m.notifier.Exited(m.url, cause)
	}
}

// waitBackoff sleeps the next jittered reconnect delay, returning false
// if ctx was canceled first.
func (m *Minion) waitBackoff(ctx context.Context, attempt int) bool {
	d := nextBackoff(attempt, m.rng, m.cfg.BackoffBase, m.cfg.BackoffCap)
	m.log.Info("reconnecting", zap.Duration("delay", d), zap.Int("attempt", attempt))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.shutdown:
		return false
	}
}

func isAuthRequired(reason string) bool {
	return len(reason) >= len("auth-required:") && reason[:len("auth-required:")] == "auth-required:"
}

// toNostrFilter converts our transport-agnostic Filter into go-nostr's
// wire type, advancing Since by the minion's observed cursor minus the
// configured overlap window (spec §4.3: "a configurable overlap window
// to account for clock skew and propagation delay").
func toNostrFilter(f Filter, cursor int64, overlap time.Duration) nostr.Filter {
	nf := nostr.Filter{
		IDs:     f.IDs,
		Kinds:   f.Kinds,
		Authors: f.Authors,
		Limit:   f.Limit,
	}
	if len(f.Tags) > 0 {
		nf.Tags = make(nostr.TagMap, len(f.Tags))
		for k, v := range f.Tags {
			nf.Tags[k] = v
		}
	}
	since := f.Since
	if cursor > 0 {
		resumeFrom := cursor - int64(overlap/time.Second)
		if resumeFrom < 0 {
			resumeFrom = 0
		}
		if since == nil || resumeFrom > *since {
			since = &resumeFrom
		}
	}
	if since != nil {
		ts := nostr.Timestamp(*since)
		nf.Since = &ts
	}
	if f.Until != nil {
		ts := nostr.Timestamp(*f.Until)
		nf.Until = &ts
	}
	return nf
}

// classifyConnectError maps a dial/handshake failure to a severity, per
// spec §4.3's per-incident rules: a plain network failure is minor, a
// TLS handshake failure is medium, and anything suggesting the relay
// will never work (malformed URL, explicit rejection) is major.
func classifyConnectError(err error) xerr.RelaySeverity {
	if err == nil {
		return xerr.SeverityMinor
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "tls", "x509", "certificate"):
		return xerr.SeverityMedium
	case containsAny(msg, "no such host", "invalid URL", "unsupported protocol", "refused"):
		return xerr.SeverityMajor
	default:
		return xerr.SeverityMinor
	}
}

// classifySessionError maps a failure occurring after a successful
// connect (read/write errors, forced closes) to a severity.
func classifySessionError(err error) xerr.RelaySeverity {
	if err == nil {
		return xerr.SeverityMinor
	}
	if containsAny(err.Error(), "no liveness") {
		return xerr.SeverityMedium
	}
	return xerr.SeverityMinor
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if indexFold(s, sub) >= 0 {
			return true
		}
	}
	return false
}

// indexFold is a tiny case-insensitive substring search, avoiding a
// strings.ToLower allocation per error message on the hot reconnect path.
func indexFold(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if equalFold(s[i:i+m], sub) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
