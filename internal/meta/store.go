// Package meta provides the field-oriented metadata store backing file
// records. Records are hashes keyed by file id; the record TTL cascades to
// every field and integer fields support atomic increment.
package meta

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a record or field does not exist or has
// expired.
var ErrNotFound = errors.New("metadata: not found")

// Store is the metadata contract the coordinators depend on. Field writes are
// individually atomic; Incr is atomic across concurrent callers; Expire sets
// the record deadline that cascades to all current and future fields.
type Store interface {
	SetField(ctx context.Context, id, field, value string) error
	GetField(ctx context.Context, id, field string) (string, error)
	GetAll(ctx context.Context, id string) (map[string]string, error)
	DelFields(ctx context.Context, id string, fields ...string) error
	Incr(ctx context.Context, id, field string, delta int64) (int64, error)
	Expire(ctx context.Context, id string, ttl time.Duration) error
	TTL(ctx context.Context, id string) (time.Duration, error)
	Exists(ctx context.Context, id string) (bool, error)
	Del(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// conflictRetries bounds the optimistic-transaction retry loop. Badger aborts
// serializable transactions that raced a concurrent commit; the operations
// here are all small single-record updates, so a handful of retries is enough.
const conflictRetries = 16

// markerLinger keeps the record's deadline marker readable past the deadline
// itself. Badger hides expired entries on read, so a marker that vanished
// together with its fields would make a write racing expiry look like a write
// to a fresh record and resurrect a field with no TTL. In-flight writes race
// expiry by seconds at most; an hour of slack outlives any request.
const markerLinger = time.Hour

// BadgerStore implements Store on an embedded BadgerDB.
//
// Layout: one entry per (id, field) at key "f/<id>/<field>", plus a record
// entry at "f/<id>" holding the expiry deadline in unix nanoseconds. Every
// field entry of a record carries the same badger TTL, so the whole hash
// vanishes together when the deadline passes; the marker lingers a little
// longer so late writes are refused instead of re-creating the record.
type BadgerStore struct {
	db     *badger.DB
	logger *logrus.Entry
}

// Open opens (or creates) a badger-backed store at dir.
func Open(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store at %s: %w", dir, err)
	}
	return &BadgerStore{
		db:     db,
		logger: logrus.WithField("component", "meta-store"),
	}, nil
}

// OpenInMemory opens an ephemeral store. Used by tests and development
// configurations without a data directory.
func OpenInMemory() (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory metadata store: %w", err)
	}
	return &BadgerStore{
		db:     db,
		logger: logrus.WithField("component", "meta-store"),
	}, nil
}

func recordKey(id string) []byte { return []byte("f/" + id) }

func fieldKey(id, field string) []byte { return []byte("f/" + id + "/" + field) }

func fieldPrefix(id string) []byte { return []byte("f/" + id + "/") }

// update runs fn inside a read-write transaction, retrying on commit
// conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for i := 0; i < conflictRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if err != badger.ErrConflict {
			return err
		}
	}
	return fmt.Errorf("metadata transaction kept conflicting after %d retries", conflictRetries)
}

// deadline reads the record expiry inside txn. A zero time means no TTL has
// been set yet (the record is still being seeded).
func deadline(txn *badger.Txn, id string) (time.Time, error) {
	item, err := txn.Get(recordKey(id))
	if err == badger.ErrKeyNotFound {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	var at time.Time
	err = item.Value(func(val []byte) error {
		nanos, err := strconv.ParseInt(string(val), 10, 64)
		if err != nil {
			return err
		}
		at = time.Unix(0, nanos)
		return nil
	})
	return at, err
}

// setEntry writes a field entry, inheriting the record TTL when one exists.
// A lapsed deadline refuses the write with ErrNotFound.
func setEntry(txn *badger.Txn, id string, key, value []byte) error {
	at, err := deadline(txn, id)
	if err != nil {
		return err
	}
	if at.IsZero() {
		return txn.Set(key, value)
	}
	remaining := time.Until(at)
	if remaining <= 0 {
		return ErrNotFound
	}
	return txn.SetEntry(badger.NewEntry(key, value).WithTTL(remaining))
}

func (s *BadgerStore) SetField(ctx context.Context, id, field, value string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setEntry(txn, id, fieldKey(id, field), []byte(value))
	})
}

func (s *BadgerStore) GetField(ctx context.Context, id, field string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fieldKey(id, field))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	return value, err
}

func (s *BadgerStore) GetAll(ctx context.Context, id string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fields := make(map[string]string)
	prefix := fieldPrefix(id)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name := string(item.Key()[len(prefix):])
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			fields[name] = string(val)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fields, nil
}

func (s *BadgerStore) DelFields(ctx context.Context, id string, fields ...string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, field := range fields {
			if err := txn.Delete(fieldKey(id, field)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Incr(ctx context.Context, id, field string, delta int64) (int64, error) {
	var value int64
	key := fieldKey(id, field)
	err := s.update(ctx, func(txn *badger.Txn) error {
		var current int64
		item, err := txn.Get(key)
		if err == nil {
			err = item.Value(func(val []byte) error {
				parsed, perr := strconv.ParseInt(string(val), 10, 64)
				if perr != nil {
					return fmt.Errorf("field %q is not an integer: %w", field, perr)
				}
				current = parsed
				return nil
			})
			if err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		value = current + delta
		return setEntry(txn, id, key, []byte(strconv.FormatInt(value, 10)))
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (s *BadgerStore) Expire(ctx context.Context, id string, ttl time.Duration) error {
	at := time.Now().Add(ttl)
	prefix := fieldPrefix(id)
	return s.update(ctx, func(txn *badger.Txn) error {
		// Rewrite existing fields so they inherit the new deadline.
		type kv struct {
			key []byte
			val []byte
		}
		var entries []kv
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			entries = append(entries, kv{key: item.KeyCopy(nil), val: val})
		}
		it.Close()
		for _, e := range entries {
			if err := txn.SetEntry(badger.NewEntry(e.key, e.val).WithTTL(ttl)); err != nil {
				return err
			}
		}
		marker := strconv.FormatInt(at.UnixNano(), 10)
		return txn.SetEntry(badger.NewEntry(recordKey(id), []byte(marker)).WithTTL(ttl + markerLinger))
	})
}

func (s *BadgerStore) TTL(ctx context.Context, id string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var remaining time.Duration
	err := s.db.View(func(txn *badger.Txn) error {
		at, err := deadline(txn, id)
		if err != nil {
			return err
		}
		if at.IsZero() {
			return ErrNotFound
		}
		remaining = time.Until(at)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if remaining < 0 {
		return 0, ErrNotFound
	}
	return remaining, nil
}

func (s *BadgerStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists := false
	prefix := fieldPrefix(id)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		exists = it.Valid()
		return nil
	})
	return exists, err
}

func (s *BadgerStore) Del(ctx context.Context, id string) error {
	prefix := fieldPrefix(id)
	return s.update(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return txn.Delete(recordKey(id))
	})
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return errors.New("metadata store is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	s.logger.Debug("Closing metadata store")
	return s.db.Close()
}
