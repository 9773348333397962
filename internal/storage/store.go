// Package storage is the typed, versioned, ACID key-value substrate
// (spec §3 Storage, §4.1). It wraps go.etcd.io/bbolt, a pure-Go
// memory-mapped B+tree, the closest idiomatic-Go analog to the embedded
// LMDB store the spec describes — no example repo in the reference pack
// embeds a KV engine directly, so this dependency is named rather than
// grounded (see DESIGN.md).
package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/gossipnostr/gossip/internal/xerr"
)

// Bucket names. Each is a typed sub-store per spec §4.1.
var (
	bucketEvents          = []byte("events")
	bucketEventByAuthorTs = []byte("event_by_author_kind_ts")
	bucketRelays          = []byte("relays")
	bucketPeople          = []byte("people")
	bucketPersonLists     = []byte("person_lists")
	bucketPersonRelay     = []byte("person_relay")
	bucketEventSeen       = []byte("event_seen")
	bucketRelationships   = []byte("relationships")
	bucketSettings        = []byte("general_settings")

	allBuckets = [][]byte{
		bucketEvents, bucketEventByAuthorTs, bucketRelays, bucketPeople,
		bucketPersonLists, bucketPersonRelay, bucketEventSeen,
		bucketRelationships, bucketSettings,
	}
)

// maxKeyLen caps stored keys at 510 bytes; longer keys are truncated
// first-N, per spec §4.1, to stay under bbolt's own key-size headroom.
const maxKeyLen = 510

// SchemaVersion is the current on-disk schema. Bump alongside adding a
// migration step in migrations.go.
const SchemaVersion = 1

const settingsSchemaVersionKey = "schema_version"

// Store is the single process-wide handle to the database file, per
// spec §3 "Storage exclusively owns all persisted data and is a single
// process-wide singleton".
type Store struct {
	db  *bbolt.DB
	log *zap.Logger
	dir string
}

// Open opens (creating if absent) the database file under dir, runs
// startup compaction if due, then runs pending migrations. dir is
// normally config.ProfileDir(). Compaction uses the package default
// interval; a caller with a loaded config.Config should use
// OpenWithCompactInterval instead so the configured value applies.
func Open(dir string, log *zap.Logger) (*Store, error) {
	return OpenWithCompactInterval(dir, log, defaultCompactIntervalDays)
}

// OpenWithCompactInterval is Open with an explicit compaction interval
// (spec §4.1, config.Config.CompactIntervalDays) instead of the package
// default.
func OpenWithCompactInterval(dir string, log *zap.Logger, compactIntervalDays int) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, &xerr.StorageError{Op: "mkdir", Err: err}
	}

	path := filepath.Join(dir, "gossip.db")

	if err := compactIfDueWithInterval(path, compactIntervalDays, log); err != nil {
		log.Warn("startup compaction skipped", zap.Error(err))
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, &xerr.StorageError{Op: "open", Err: err}
	}

	s := &Store{db: db, log: log, dir: dir}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, &xerr.StorageError{Op: "init-buckets", Err: err}
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return s, nil
}

// Close flushes and releases the database file. Called once, at the end
// of the Overlord's shutdown sequence, after all minions have exited.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return &xerr.StorageError{Op: "close", Err: err}
	}
	return nil
}

// ReadView is a snapshot-isolated read-only transaction. Multiple
// ReadViews may be open concurrently with each other and with a writer;
// a reader opened before a commit still sees the prior snapshot.
type ReadView struct{ tx *bbolt.Tx }

// WriteTxn is a serialized read-write transaction. Commit is
// all-or-nothing; returning an error from the Update callback aborts
// the transaction and drops all changes.
type WriteTxn struct{ tx *bbolt.Tx }

// View runs fn inside a read-only transaction.
func (s *Store) View(fn func(*ReadView) error) error {
	err := s.db.View(func(tx *bbolt.Tx) error {
		return fn(&ReadView{tx: tx})
	})
	if err != nil {
		return &xerr.StorageError{Op: "view", Err: err}
	}
	return nil
}

// AsReadView exposes the write transaction's own read methods, so a
// single write transaction can look up current state before mutating it
// without opening a second (nested) transaction, which bbolt does not
// support.
func (w *WriteTxn) AsReadView() *ReadView { return &ReadView{tx: w.tx} }

// Update runs fn inside a single read-write transaction, committing iff
// fn returns nil. Writers are serialized by bbolt itself (single writer
// at a time); no task may hold a WriteTxn across an await point per
// spec §5.
func (s *Store) Update(fn func(*WriteTxn) error) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&WriteTxn{tx: tx})
	})
	if err != nil {
		return &xerr.StorageError{Op: "update", Err: err}
	}
	return nil
}

func truncateKey(key []byte) []byte {
	if len(key) <= maxKeyLen {
		return key
	}
	return key[:maxKeyLen]
}

// get returns (value, true) if present, (nil, false) if absent. Missing
// keys are not an error, per spec §4.1 failure semantics.
func get(tx *bbolt.Tx, bucket, key []byte) ([]byte, bool) {
	b := tx.Bucket(bucket)
	if b == nil {
		return nil, false
	}
	v := b.Get(truncateKey(key))
	if v == nil {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

func put(tx *bbolt.Tx, bucket, key, value []byte) error {
	b, err := tx.CreateBucketIfNotExists(bucket)
	if err != nil {
		return err
	}
	return b.Put(truncateKey(key), value)
}

func del(tx *bbolt.Tx, bucket, key []byte) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	return b.Delete(truncateKey(key))
}

// iterPrefix calls fn for every (key, value) pair in bucket whose key has
// the given prefix, in key order, stopping early if fn returns false.
// The returned sequence is not restartable across transactions, per spec
// §4.1.
func iterPrefix(tx *bbolt.Tx, bucket, prefix []byte, fn func(key, value []byte) bool) {
	b := tx.Bucket(bucket)
	if b == nil {
		return
	}
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if !fn(k, v) {
			return
		}
	}
}

// iterRange calls fn for every (key, value) pair in bucket with
// start <= key < end (end may be nil for "to the end of the bucket").
func iterRange(tx *bbolt.Tx, bucket, start, end []byte, fn func(key, value []byte) bool) {
	b := tx.Bucket(bucket)
	if b == nil {
		return
	}
	c := b.Cursor()
	for k, v := c.Seek(start); k != nil; k, v = c.Next() {
		if end != nil && bytes.Compare(k, end) >= 0 {
			return
		}
		if !fn(k, v) {
			return
		}
	}
}
