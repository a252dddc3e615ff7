package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/stageflow/stageflow/pkg/config"
)

// BadgerStore is an embedded key/value backend for episodic data. It never
// indexes vectors; Search reports ErrNotSupported.
type BadgerStore struct {
	db *badger.DB
}

type badgerRecord struct {
	Value     map[string]any `json:"value"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Document  string         `json:"document,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func NewBadgerStore(cfg *config.StoreProviderConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(ns Namespace, key string) []byte {
	return []byte(ns.String() + "/" + key)
}

func badgerPrefix(ns Namespace) []byte {
	return []byte(ns.String() + "/")
}

func (s *BadgerStore) Put(_ context.Context, ns Namespace, key string, value map[string]any, opts PutOptions) error {
	if opts.Semantic {
		return newStoreError("badger", "put", ErrNotSupported)
	}

	encoded, err := json.Marshal(badgerRecord{
		Value:     value,
		Metadata:  opts.Metadata,
		Document:  opts.Document,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return newStoreError("badger", "put", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(ns, key), encoded)
	})
	if err != nil {
		return newStoreError("badger", "put", err)
	}
	return nil
}

func (s *BadgerStore) Get(_ context.Context, ns Namespace, key string, _ bool) (*Item, error) {
	var encoded []byte
	err := s.db.View(func(txn *badger.Txn) error {
		entry, err := txn.Get(badgerKey(ns, key))
		if err != nil {
			return err
		}
		encoded, err = entry.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError("badger", "get", err)
	}

	var record badgerRecord
	if err := json.Unmarshal(encoded, &record); err != nil {
		return nil, newStoreError("badger", "get", err)
	}
	return &Item{
		Key:       key,
		Value:     record.Value,
		Metadata:  record.Metadata,
		Document:  record.Document,
		UpdatedAt: record.UpdatedAt,
	}, nil
}

func (s *BadgerStore) Search(context.Context, Namespace, string, int, map[string]any) ([]SearchResult, error) {
	return nil, newStoreError("badger", "search", ErrNotSupported)
}

func (s *BadgerStore) Delete(_ context.Context, ns Namespace, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(ns, key))
	})
	if err != nil {
		return newStoreError("badger", "delete", err)
	}
	return nil
}

func (s *BadgerStore) ClearNamespace(ctx context.Context, ns Namespace) error {
	keys, err := s.Keys(ctx, ns)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(badgerKey(ns, key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return newStoreError("badger", "clear_namespace", err)
	}
	return nil
}

func (s *BadgerStore) CountNamespace(ctx context.Context, ns Namespace) (int, error) {
	keys, err := s.Keys(ctx, ns)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *BadgerStore) Keys(_ context.Context, ns Namespace) ([]string, error) {
	prefix := badgerPrefix(ns)
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			full := string(it.Item().Key())
			keys = append(keys, strings.TrimPrefix(full, string(prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, newStoreError("badger", "keys", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)
