package main

import (
	"fmt"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/gossipnostr/gossip/internal/processor"
	"github.com/gossipnostr/gossip/internal/spamfilter"
	"github.com/gossipnostr/gossip/internal/storage"
)

func runRebuildIndices(store *storage.Store, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("rebuild_indices takes no arguments")
	}

	var count int
	err := store.Update(func(w *storage.WriteTxn) error {
		n, err := w.RebuildIndices()
		count = n
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("rebuilt indices for %d events\n", count)
	return nil
}

// runReprocessRecent re-runs relationship extraction over every stored
// event, repairing derived state (forward edges, p-tag relay hints, seek
// candidates) without touching the event bodies or re-fetching anything.
// "Recent" here means every event currently retained by Storage. There
// is no age cutoff, and startup compaction only reclaims freed pages
// without removing events, so every stored event is reprocessed.
func runReprocessRecent(store *storage.Store, log *zap.Logger, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("reprocess_recent takes no arguments")
	}

	var ids []string
	if err := store.View(func(v *storage.ReadView) error {
		v.AllEvents(func(evt *nostr.Event) bool {
			ids = append(ids, evt.ID)
			return true
		})
		return nil
	}); err != nil {
		return err
	}

	proc := processor.New(store, spamfilter.AllowAll{}, log)
	reprocessed := 0
	for _, id := range ids {
		var evt *nostr.Event
		if err := store.View(func(v *storage.ReadView) error {
			got, ok := v.GetEvent(id)
			if ok {
				evt = got
			}
			return nil
		}); err != nil {
			return err
		}
		if evt == nil {
			continue // removed between the id scan and this lookup
		}
		if _, err := proc.Reprocess(evt); err != nil {
			return fmt.Errorf("reprocess %s: %w", id, err)
		}
		reprocessed++
	}

	fmt.Printf("reprocessed %d events\n", reprocessed)
	return nil
}
