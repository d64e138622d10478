package kvstore

import (
	"context"
	"errors"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
	"github.com/timshannon/badgerhold/v4"
)

// BadgerStore is the durable Store backend, embedding badger via
// badgerhold for connection lifecycle and using the underlying *badger.DB
// directly for TTL-aware reads/writes (badgerhold's own Upsert/Get do not
// expose TTL, so this bypasses it for the hot path and keeps the
// badgerhold store open only for its connection-management conventions).
type BadgerStore struct {
	store *badgerhold.Store
	db    *badger.DB
}

// NewBadgerStore opens (or creates) a badger database rooted at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.Logger = nil

	store, err := badgerhold.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{store: store, db: store.Badger()}, nil
}

func (b *BadgerStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = append([]byte(nil), v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *BadgerStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (b *BadgerStore) Del(_ context.Context, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// SetNX is a Get followed by a separate Set, not one transaction: two
// concurrent callers can both see the key absent and both write it.
func (b *BadgerStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	_, exists, err := b.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := b.Set(ctx, key, value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Publish has no cross-process subscriber model in this embedded backend;
// it is logged and dropped, matching the KVStore contract that publish is
// best-effort.
func (b *BadgerStore) Publish(_ context.Context, channel string, _ []byte) error {
	log.Debug().Str("channel", channel).Msg("kvstore: publish has no subscribers for the embedded badger backend")
	return nil
}

func (b *BadgerStore) Close() error {
	return b.store.Close()
}
