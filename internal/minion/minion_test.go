package minion

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/gossipnostr/gossip/internal/xerr"
)

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for attempt := 0; attempt < 12; attempt++ {
		d := nextBackoff(attempt, rng, backoffBase, backoffCap)
		if d < 0 {
			t.Fatalf("attempt %d: negative backoff %v", attempt, d)
		}
		if d > backoffCap {
			t.Fatalf("attempt %d: backoff %v exceeds cap %v", attempt, d, backoffCap)
		}
	}
}

func TestNextBackoffStaysWithinJitterWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for attempt := 0; attempt < 6; attempt++ {
		want := backoffBase
		for i := 0; i < attempt; i++ {
			want *= 2
			if want >= backoffCap {
				want = backoffCap
				break
			}
		}
		for i := 0; i < 20; i++ {
			d := nextBackoff(attempt, rng, backoffBase, backoffCap)
			if d < want/2 || d > want {
				t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, d, want/2, want)
			}
		}
	}
}

func TestAvoidanceDurationOrdering(t *testing.T) {
	minor := avoidanceDuration(xerr.SeverityMinor)
	medium := avoidanceDuration(xerr.SeverityMedium)
	major := avoidanceDuration(xerr.SeverityMajor)
	if !(minor < medium && medium < major) {
		t.Fatalf("expected minor < medium < major, got %v %v %v", minor, medium, major)
	}
}

func TestClassifyConnectError(t *testing.T) {
	cases := []struct {
		err  error
		want xerr.RelaySeverity
	}{
		{errors.New("dial tcp: connection refused"), xerr.SeverityMajor},
		{errors.New("x509: certificate signed by unknown authority"), xerr.SeverityMedium},
		{errors.New("dial tcp: i/o timeout"), xerr.SeverityMinor},
		{errors.New("no such host"), xerr.SeverityMajor},
	}
	for _, c := range cases {
		if got := classifyConnectError(c.err); got != c.want {
			t.Errorf("classifyConnectError(%q) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestToNostrFilterAppliesOverlapWindow(t *testing.T) {
	f := Filter{Kinds: []int{1}}
	cursor := int64(1000)
	overlap := 100 * time.Second

	nf := toNostrFilter(f, cursor, overlap)
	if nf.Since == nil {
		t.Fatal("expected Since to be set from cursor")
	}
	if int64(*nf.Since) != 900 {
		t.Fatalf("Since = %d, want 900", int64(*nf.Since))
	}
}

func TestToNostrFilterPrefersExplicitSinceWhenNewer(t *testing.T) {
	explicit := int64(5000)
	f := Filter{Kinds: []int{1}, Since: &explicit}
	nf := toNostrFilter(f, 100, 10*time.Second)
	if nf.Since == nil || int64(*nf.Since) != explicit {
		t.Fatalf("expected explicit Since %d to win over stale cursor, got %v", explicit, nf.Since)
	}
}

func TestStateString(t *testing.T) {
	if StateSubscribed.String() != "subscribed" {
		t.Fatalf("unexpected State.String(): %q", StateSubscribed.String())
	}
}

func TestIsAuthRequired(t *testing.T) {
	if !isAuthRequired("auth-required: please authenticate") {
		t.Fatal("expected auth-required prefix to be detected")
	}
	if isAuthRequired("rate-limited: slow down") {
		t.Fatal("did not expect rate-limited to match auth-required")
	}
}
