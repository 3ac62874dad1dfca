package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/example/srsengine/pkg/models"
)

const cacheKeyPrefix = "cache:"

// expiryGrace keeps entries readable past their expiry so reads can report them as expired
// before badger drops them.
const expiryGrace = time.Hour

// BadgerStore persists cache entries in BadgerDB so they survive restarts
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadgerStore opens a BadgerDB at path. An empty path opens an in-memory database.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

func badgerKey(key string) []byte {
	return []byte(cacheKeyPrefix + key)
}

func (s *BadgerStore) Get(_ context.Context, key string) (models.CacheEntry, bool, error) {
	var entry models.CacheEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("get cache entry: %w", err)
	}
	return entry, true, nil
}

func (s *BadgerStore) Set(_ context.Context, entry models.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	ttl := entry.ExpiresAt.Sub(s.now()) + expiryGrace
	if ttl < expiryGrace {
		ttl = expiryGrace
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(badgerKey(entry.Key), data).WithTTL(ttl))
	})
}

func (s *BadgerStore) Delete(_ context.Context, keys ...string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(badgerKey(k)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("delete cache entry: %w", err)
			}
		}
		return nil
	})
}

func (s *BadgerStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	keys, err := s.scan(badgerKey(prefix), 0, nil)
	if err != nil {
		return 0, err
	}
	return len(keys), s.deleteRaw(keys)
}

func (s *BadgerStore) DeleteExpired(_ context.Context, now time.Time, limit int) (int, error) {
	keys, err := s.scan([]byte(cacheKeyPrefix), limit, func(e models.CacheEntry) bool {
		return e.Expired(now)
	})
	if err != nil {
		return 0, err
	}
	return len(keys), s.deleteRaw(keys)
}

// scan collects raw keys under prefix whose entry matches keep, up to limit (0 means no limit)
func (s *BadgerStore) scan(prefix []byte, limit int, keep func(models.CacheEntry) bool) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = keep != nil
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if keep != nil {
				var entry models.CacheEntry
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &entry)
				}); err != nil {
					return err
				}
				if !keep(entry) {
					continue
				}
			}
			keys = append(keys, item.KeyCopy(nil))
			if limit > 0 && len(keys) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan cache entries: %w", err)
	}
	return keys, nil
}

func (s *BadgerStore) deleteRaw(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("delete cache entry: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush cache deletes: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
