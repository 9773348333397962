package minion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip11"
)

// httpURL turns a ws(s):// relay URL into the http(s):// URL its NIP-11
// document is served from.
func httpURL(relayURL string) string {
	switch {
	case strings.HasPrefix(relayURL, "wss://"):
		return "https://" + strings.TrimPrefix(relayURL, "wss://")
	case strings.HasPrefix(relayURL, "ws://"):
		return "http://" + strings.TrimPrefix(relayURL, "ws://")
	default:
		return relayURL
	}
}

// fetchNIP11 retrieves the relay information document over HTTP (spec
// §4.3: "read NIP-11 over HTTP in parallel"), conditional on etag when
// one was cached from a previous fetch. A 304 reports unchanged via
// (nil, etag, nil).
func fetchNIP11(ctx context.Context, relayURL, cachedETag string) (doc *nip11.RelayInformationDocument, etag string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL(relayURL), nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/nostr+json")
	if cachedETag != "" {
		req.Header.Set("If-None-Match", cachedETag)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, cachedETag, nil
	}
	if resp.StatusCode >= 500 {
		return nil, "", fmt.Errorf("nip11: %s returned %d", relayURL, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("nip11: %s returned %d", relayURL, resp.StatusCode)
	}

	var info nip11.RelayInformationDocument
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, "", fmt.Errorf("nip11: %s: invalid document: %w", relayURL, err)
	}
	return &info, resp.Header.Get("ETag"), nil
}
