package main

import (
	"encoding/json"
	"fmt"
	"os"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// runVerifyJSON parses an event literal and checks its id and signature,
// without ever opening Storage — a pure check over the argument, per
// spec §6's "subset needed for core testing".
func runVerifyJSON(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "verify_json takes exactly one argument: <event_json>")
		return 1
	}

	var evt nostr.Event
	if err := json.Unmarshal([]byte(args[0]), &evt); err != nil {
		fmt.Fprintf(os.Stderr, "invalid json: %v\n", err)
		return 1
	}

	if computedID := evt.GetID(); computedID != evt.ID {
		fmt.Fprintf(os.Stderr, "invalid: event id does not match its canonical id (got %s, want %s)\n", evt.ID, computedID)
		return 1
	}

	ok, err := evt.CheckSignature()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "invalid: signature does not match id/pubkey")
		return 1
	}

	fmt.Printf("valid: id=%s pubkey=%s kind=%d\n", evt.ID, evt.PubKey, evt.Kind)
	return 0
}

// runBech32Decode decodes any NIP-19 bech32 entity (npub, nsec, note,
// nprofile, nevent, naddr), following the teacher's own nip19.Decode +
// prefix-switch usage (commands.go, nostr.go, nostr_group.go).
func runBech32Decode(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "bech32_decode takes exactly one argument: <string>")
		return 1
	}

	prefix, value, err := nip19.Decode(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 1
	}

	switch v := value.(type) {
	case string:
		fmt.Printf("%s: %s\n", prefix, v)
	default:
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Printf("%s: %+v\n", prefix, v)
			return 0
		}
		fmt.Printf("%s:\n%s\n", prefix, raw)
	}
	return 0
}
