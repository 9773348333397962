package main

import (
	"encoding/json"
	"fmt"

	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/gossipnostr/gossip/internal/logging"
	"github.com/gossipnostr/gossip/internal/processor"
	"github.com/gossipnostr/gossip/internal/spamfilter"
	"github.com/gossipnostr/gossip/internal/storage"
)

// runImportEvent feeds one JSON event literal through the same Event
// Processor a minion delivery would (spec §4.2), so imported events get
// the full dedup/signature/spam/kind-routing treatment rather than a
// raw storage.PutEvent bypass. sourceRelay is a synthetic marker so the
// event's seen-edge doesn't claim a relay that never delivered it.
func runImportEvent(store *storage.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("import_event takes exactly one argument: <json>")
	}

	var evt nostr.Event
	if err := json.Unmarshal([]byte(args[0]), &evt); err != nil {
		return fmt.Errorf("invalid event json: %w", err)
	}

	proc := processor.New(store, spamfilter.AllowAll{}, logging.New())
	result, err := proc.Process(&evt, "cli-import", "")
	if err != nil {
		return fmt.Errorf("process: %w", err)
	}

	switch result.Outcome {
	case processor.OutcomeDroppedProtocolError:
		return fmt.Errorf("rejected: %v", result.DropReason)
	case processor.OutcomeDroppedSpam:
		return fmt.Errorf("rejected: classified as spam")
	}

	fmt.Printf("imported %s (outcome=%d)\n", evt.ID, result.Outcome)
	return nil
}
