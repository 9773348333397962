// Package nostrx holds small, pure helpers layered over
// github.com/nbd-wtf/go-nostr that the rest of the engine shares: relay
// URL normalization and event-kind classification (spec §3, §4.2).
package nostrx

import (
	"net/url"
	"strings"
)

// NormalizeRelayURL lowercases the host, strips a default port (80 for ws,
// 443 for wss), and removes a trailing slash from non-root paths, per spec
// §3's Relay invariant. Malformed input is returned unchanged so callers
// can decide whether to reject it.
func NormalizeRelayURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return raw
	}

	u.Host = strings.ToLower(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)

	if host, port, ok := strings.Cut(u.Host, ":"); ok {
		if (u.Scheme == "ws" && port == "80") || (u.Scheme == "wss" && port == "443") {
			u.Host = host
		}
	}

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	} else {
		u.Path = ""
	}

	return u.String()
}
