// Command gossip is the CLI surface named in spec §6: a set of
// maintenance and debugging subcommands over the same Storage a running
// engine uses, following the teacher's own main.go flag.Args()[0]-switch
// dispatch for its "keygen" subcommand, generalized to eight commands.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gossipnostr/gossip/internal/config"
	"github.com/gossipnostr/gossip/internal/logging"
	"github.com/gossipnostr/gossip/internal/storage"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is separated from main only so tests can exercise exit-code
// behavior without calling os.Exit themselves.
func run(args []string) int {
	fs := flag.NewFlagSet("gossip", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	rest := fs.Args()
	if len(rest) == 0 {
		usage()
		return 1
	}
	cmd, cmdArgs := rest[0], rest[1:]

	// verify_json and bech32_decode are pure functions over their
	// argument; they need neither Storage nor a profile directory.
	switch cmd {
	case "verify_json":
		return runVerifyJSON(cmdArgs)
	case "bech32_decode":
		return runBech32Decode(cmdArgs)
	}

	log := logging.New()
	defer func() { _ = log.Sync() }() // nolint:errcheck // flushing on exit is best-effort

	dir, err := config.ProfileDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	store, err := storage.OpenWithCompactInterval(dir, log, cfg.CompactIntervalDays)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer store.Close()

	switch cmd {
	case "print_event":
		err = runPrintEvent(store, cmdArgs)
	case "print_relay":
		err = runPrintRelay(store, cmdArgs)
	case "print_person":
		err = runPrintPerson(store, cmdArgs)
	case "rebuild_indices":
		err = runRebuildIndices(store, cmdArgs)
	case "reprocess_recent":
		err = runReprocessRecent(store, log, cmdArgs)
	case "import_event":
		err = runImportEvent(store, cmdArgs)
	default:
		usage()
		return 1
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gossip <command> [args...]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  print_event <id>")
	fmt.Fprintln(os.Stderr, "  print_relay <url>")
	fmt.Fprintln(os.Stderr, "  print_person <pubkey|npub>")
	fmt.Fprintln(os.Stderr, "  rebuild_indices")
	fmt.Fprintln(os.Stderr, "  reprocess_recent")
	fmt.Fprintln(os.Stderr, "  import_event <json>")
	fmt.Fprintln(os.Stderr, "  verify_json <event_json>")
	fmt.Fprintln(os.Stderr, "  bech32_decode <string>")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "storage location is controlled by PROFILE_DIR and PROFILE_NAME")
}
