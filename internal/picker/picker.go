// Package picker implements the Relay Picker (spec §4.4): a greedy
// weighted set-cover that assigns a bounded set of relays to cover as
// many followed pubkeys as the user's redundancy target allows, and
// reacts incrementally when a minion disconnects.
package picker

import (
	"sort"

	"github.com/gossipnostr/gossip/internal/storage"
)

// Config bounds the picker, per spec §4.4: "N = desired relays per
// person (default 2), M = max simultaneous following-feed relays
// (default 25)".
type Config struct {
	N        int  // desired relays per person
	M        int  // max simultaneous relays
	SpamSafe bool // carried into sub-runs only; selection does not read it and restricts no relay
}

func DefaultConfig() Config { return Config{N: 2, M: 25} }

// Person is the subset of storage.Person/PersonRelay state the picker
// needs: a pubkey and its weighted eligible relay set.
type Person struct {
	Pubkey string
	Weight float64 // 1.0 for an ordinary follow; raised for higher-priority people
	Relays []string
}

// RelayState is the subset of storage.Relay state that affects picking:
// rank, success/failure counters, and whether avoidance currently
// excludes it.
type RelayState struct {
	URL          string
	Rank         int
	SuccessCount int
	FailureCount int
	InAvoidance  bool
}

// Assignment is one relay the picker has chosen, with the set of people
// it covers for this round, per spec §4.4 step 2b.
type Assignment struct {
	RelayURL string
	Covers   []string // pubkeys
}

// Report is the full output of a Run: the chosen assignments plus any
// people who remain under-covered, per spec §4.4 step 3 ("not an
// error").
type Report struct {
	Assignments  []Assignment
	UnderCovered map[string]int // pubkey -> residual coverage still needed
}

// candidate is working state for one relay during the greedy loop.
type candidate struct {
	state RelayState
}

func (c candidate) eligible() bool { return c.state.Rank > 0 && !c.state.InAvoidance }

func (c candidate) successRatio() float64 {
	return float64(c.state.SuccessCount) / float64(c.state.SuccessCount+c.state.FailureCount+1)
}

// rankMultiplier returns the relay's scoring multiplier: rank 9 doubles it,
// rank 0 is excluded entirely before this is ever called (spec §4.4
// "Rank semantics").
func (c candidate) rankMultiplier() float64 {
	return 1.0 + float64(c.state.Rank)/9.0
}

// Run computes a full assignment set from scratch (spec §4.4 steps 1-3).
func Run(cfg Config, people []Person, relays []RelayState) Report {
	return run(cfg, people, relays, nil, nil)
}

// run is Run's implementation, generalized with two optional overrides
// Recompute needs: alreadyCovered (coverage a person already has from
// assignments kept fixed, reducing how much more they need) and exclude
// (relay URLs that must not be picked even though they're otherwise
// eligible — the still-connected, already-fixed assignments).
func run(cfg Config, people []Person, relays []RelayState, alreadyCovered map[string]int, exclude map[string]bool) Report {
	residual := make(map[string]int, len(people))
	personByPubkey := make(map[string]Person, len(people))
	for _, p := range people {
		need := cfg.N - alreadyCovered[p.Pubkey]
		if need < 0 {
			need = 0
		}
		residual[p.Pubkey] = need
		personByPubkey[p.Pubkey] = p
	}

	relayByURL := make(map[string]candidate, len(relays))
	for _, r := range relays {
		if exclude[r.URL] {
			continue
		}
		relayByURL[r.URL] = candidate{state: r}
	}

	// eligibleFor[url] lists pubkeys for which this relay is in-outbox or
	// manually paired — the static eligibility matrix, independent of the
	// greedy loop's mutable residual state.
	eligibleFor := make(map[string][]string)
	for _, p := range people {
		for _, url := range p.Relays {
			eligibleFor[url] = append(eligibleFor[url], p.Pubkey)
		}
	}

	var assignments []Assignment
	assigned := make(map[string]bool)

	totalRemaining := func() int {
		sum := 0
		for _, v := range residual {
			sum += v
		}
		return sum
	}

	for totalRemaining() > 0 && len(assignments) < cfg.M {
		bestURL, bestScore := "", -1.0
		var bestCovers []string

		urls := sortedKeys(eligibleFor)
		for _, url := range urls {
			if assigned[url] {
				continue
			}
			cand, ok := relayByURL[url]
			if !ok || !cand.eligible() {
				continue
			}
			var covers []string
			score := 0.0
			for _, pk := range eligibleFor[url] {
				if residual[pk] <= 0 {
					continue
				}
				score += personByPubkey[pk].Weight
				covers = append(covers, pk)
			}
			if len(covers) == 0 {
				continue
			}
			score *= cand.rankMultiplier()

			if better(score, cand, url, bestScore, relayByURL[bestURL], bestURL) {
				bestURL, bestScore, bestCovers = url, score, covers
			}
		}

		if bestURL == "" {
			break // no candidate remains, per spec §4.4 step 2.
		}

		assigned[bestURL] = true
		sort.Strings(bestCovers)
		assignments = append(assignments, Assignment{RelayURL: bestURL, Covers: bestCovers})
		for _, pk := range bestCovers {
			residual[pk]--
		}
	}

	underCovered := make(map[string]int)
	for pk, remaining := range residual {
		if remaining > 0 {
			underCovered[pk] = remaining
		}
	}

	return Report{Assignments: assignments, UnderCovered: underCovered}
}

// better reports whether candidate (score, cand, url) beats the current
// best, applying spec §4.4's tie-break chain: rank, then success ratio,
// then lexicographic url.
func better(score float64, cand candidate, url string, bestScore float64, bestCand candidate, bestURL string) bool {
	if bestURL == "" {
		return true
	}
	if score != bestScore {
		return score > bestScore
	}
	if cand.state.Rank != bestCand.state.Rank {
		return cand.state.Rank > bestCand.state.Rank
	}
	if r1, r2 := cand.successRatio(), bestCand.successRatio(); r1 != r2 {
		return r1 > r2
	}
	return url < bestURL
}

func sortedKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Recompute reacts to a minion transitioning to Reconnecting or Dead
// (spec §4.4 "Reaction to disconnect"): the people whose residual
// coverage dropped below N get a fresh greedy pass over the remaining
// eligible relays, with every still-connected assignment kept fixed.
func Recompute(cfg Config, people []Person, relays []RelayState, fixed []Assignment, disconnected string) Report {
	stillConnected := make([]Assignment, 0, len(fixed))
	coveredElsewhere := make(map[string]int)
	lostCoverage := make(map[string]bool)
	for _, a := range fixed {
		if a.RelayURL == disconnected {
			for _, pk := range a.Covers {
				lostCoverage[pk] = true
			}
			continue
		}
		stillConnected = append(stillConnected, a)
		for _, pk := range a.Covers {
			coveredElsewhere[pk]++
		}
	}

	personByPubkey := make(map[string]Person, len(people))
	for _, p := range people {
		personByPubkey[p.Pubkey] = p
	}

	// Only people the disconnected relay actually covered need a fresh
	// pass (spec §4.4 "the people whose residual coverage dropped below
	// N") — someone already short of N for unrelated reasons is not this
	// disconnect's problem to fix.
	affected := make([]Person, 0, len(lostCoverage))
	for pk := range lostCoverage {
		if coveredElsewhere[pk] < cfg.N {
			if p, ok := personByPubkey[pk]; ok {
				affected = append(affected, p)
			}
		}
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i].Pubkey < affected[j].Pubkey })

	remainingBudget := cfg.M - len(stillConnected)
	if remainingBudget < 0 {
		remainingBudget = 0
	}

	// The disconnected relay and every still-fixed relay are both off the
	// table for this pass: the disconnected one isn't connected, and the
	// fixed ones already have their coverage counted in alreadyCovered —
	// picking them again would double-book the same socket.
	excluded := map[string]bool{disconnected: true}
	for _, a := range stillConnected {
		excluded[a.RelayURL] = true
	}

	subReport := run(Config{N: cfg.N, M: remainingBudget, SpamSafe: cfg.SpamSafe}, affected, relays, coveredElsewhere, excluded)

	return Report{
		Assignments:  append(stillConnected, subReport.Assignments...),
		UnderCovered: subReport.UnderCovered,
	}
}

// FromStorage adapts storage-layer records into the picker's input
// shapes, applying the avoidance-timestamp check at read time.
func FromStorage(relays []storage.Relay, nowUnix int64) []RelayState {
	out := make([]RelayState, 0, len(relays))
	for _, r := range relays {
		out = append(out, RelayState{
			URL:          r.URL,
			Rank:         r.Rank,
			SuccessCount: r.SuccessCount,
			FailureCount: r.FailureCount,
			InAvoidance:  r.AvoidanceUntil > nowUnix,
		})
	}
	return out
}
