package storage

import "fmt"

// migrationStep is one entry in the monotonic migration chain, per spec
// §4.1: "a monotonic chain of migration steps; each step is a single
// write transaction; failure rolls back the step."
type migrationStep struct {
	toVersion int
	apply     func(*WriteTxn) error
}

// migrations is the ordered chain. Append new steps here; never reorder
// or remove an existing one once released.
var migrations = []migrationStep{
	{
		toVersion: 1,
		apply: func(w *WriteTxn) error {
			// v1 is the baseline schema established by Open's bucket
			// creation; nothing further to do, just record the version.
			return nil
		},
	},
}

// migrate runs every migration step whose toVersion exceeds the current
// on-disk version, in order, each in its own write transaction. The
// engine refuses to start if the on-disk version is higher than the
// highest step known here.
func (s *Store) migrate() error {
	var current int
	if err := s.View(func(v *ReadView) error {
		current = v.SchemaVersion()
		return nil
	}); err != nil {
		return err
	}

	highestKnown := 0
	for _, m := range migrations {
		if m.toVersion > highestKnown {
			highestKnown = m.toVersion
		}
	}
	if current > highestKnown {
		return fmt.Errorf("storage: on-disk schema version %d is newer than this build supports (%d)", current, highestKnown)
	}

	for _, m := range migrations {
		if m.toVersion <= current {
			continue
		}
		step := m
		if err := s.Update(func(w *WriteTxn) error {
			if err := step.apply(w); err != nil {
				return err
			}
			return setSchemaVersion(w, step.toVersion)
		}); err != nil {
			return fmt.Errorf("storage: migration to v%d failed: %w", step.toVersion, err)
		}
		current = step.toVersion
	}
	return nil
}
