package minion

import (
	"math/rand"
	"time"

	"github.com/gossipnostr/gossip/internal/xerr"
)

// backoffBase and backoffCap are the package defaults for the
// Reconnecting delay (spec §4.3: "exponential backoff (base 2 s,
// doubling, cap 5 min), jittered"), used when Config leaves them unset.
// A configured Minion uses m.cfg.BackoffBase/BackoffCap instead.
const (
	backoffBase = 2 * time.Second
	backoffCap  = 5 * time.Minute
)

// nextBackoff returns the jittered delay before the (attempt+1)th
// reconnect attempt, attempt counting from zero at the first failure.
func nextBackoff(attempt int, rng *rand.Rand, base, capDelay time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= capDelay {
			d = capDelay
			break
		}
	}
	// Jitter: uniformly distribute in [d/2, d] so many minions
	// retrying in lockstep don't all reconnect on the same tick.
	half := d / 2
	return half + time.Duration(rng.Int63n(int64(half)+1))
}

// avoidanceDuration maps a failure severity to how long the relay should
// be excluded from the Picker, per spec §4.3's per-incident rules. Minor
// errors barely move the timer; major errors disable the relay for the
// session (a very long avoidance window the user must clear explicitly).
func avoidanceDuration(sev xerr.RelaySeverity) time.Duration {
	switch sev {
	case xerr.SeverityMinor:
		return 30 * time.Second
	case xerr.SeverityMedium:
		return 10 * time.Minute
	case xerr.SeverityMajor:
		return 365 * 24 * time.Hour // "disabled for the session"
	default:
		return 0
	}
}
