package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// DB is a thin wrapper around a pebble database shared by the ledger
// components. Each component owns a key prefix; values are JSON.
type DB struct {
	db *pebble.DB
}

func Open(path string) (*DB, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// SetJSON marshals v and writes it under key with a synced write.
func (d *DB) SetJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}
	if err := d.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// GetJSON unmarshals the value under key into out.
// Returns (false, nil) if the key does not exist.
func (d *DB) GetJSON(key []byte, out any) (bool, error) {
	data, closer, err := d.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (d *DB) Delete(key []byte) error {
	if err := d.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// ScanPrefix calls fn for every key/value pair under prefix.
// Iteration stops on the first error.
func (d *DB) ScanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: KeyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// KeyUpperBound returns the exclusive upper bound for a prefix scan:
// the prefix with its last byte incremented.
func KeyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
