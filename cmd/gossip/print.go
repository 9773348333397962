package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/gossipnostr/gossip/internal/storage"
)

func runPrintEvent(store *storage.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("print_event takes exactly one argument: <id>")
	}
	id := args[0]

	var out []byte
	err := store.View(func(v *storage.ReadView) error {
		evt, ok := v.GetEvent(id)
		if !ok {
			return fmt.Errorf("no event stored with id %s", id)
		}
		raw, err := json.MarshalIndent(evt, "", "  ")
		if err != nil {
			return err
		}
		out = raw
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runPrintRelay(store *storage.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("print_relay takes exactly one argument: <url>")
	}
	url := args[0]

	var out []byte
	err := store.View(func(v *storage.ReadView) error {
		relay, ok := v.GetRelay(url)
		if !ok {
			return fmt.Errorf("no relay record for %s", url)
		}
		raw, err := json.MarshalIndent(relay, "", "  ")
		if err != nil {
			return err
		}
		out = raw
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runPrintPerson(store *storage.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("print_person takes exactly one argument: <pubkey|npub>")
	}
	pubkey, err := resolvePubkey(args[0])
	if err != nil {
		return err
	}

	var out []byte
	err = store.View(func(v *storage.ReadView) error {
		person, ok := v.GetPerson(pubkey)
		if !ok {
			return fmt.Errorf("no person record for %s", pubkey)
		}
		relays := v.RelaysForPerson(pubkey)
		raw, err := json.MarshalIndent(struct {
			storage.Person
			Relays []storage.PersonRelay `json:"relays"`
		}{person, relays}, "", "  ")
		if err != nil {
			return err
		}
		out = raw
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// resolvePubkey accepts either a raw hex pubkey or an npub, matching the
// teacher's own nip19.Decode + prefix-check pattern in commands.go.
func resolvePubkey(raw string) (string, error) {
	if !strings.HasPrefix(raw, "npub") {
		return raw, nil
	}
	prefix, val, err := nip19.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("invalid npub: %w", err)
	}
	if prefix != "npub" {
		return "", fmt.Errorf("expected npub prefix, got %s", prefix)
	}
	pk, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("unexpected npub payload type %T", val)
	}
	return pk, nil
}
