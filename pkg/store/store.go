// Package store provides namespaced key/value persistence with optional
// semantic search, behind a single Store interface with in-memory, chromem,
// qdrant, postgres, and badger backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stageflow/stageflow/pkg/config"
	"github.com/stageflow/stageflow/pkg/embedders"
)

// ErrNotSupported reports an operation the backend cannot perform, such as
// semantic search on a key/value-only store.
var ErrNotSupported = errors.New("operation not supported by this store backend")

// Namespace isolates one logical bucket of items. Operations on different
// namespaces are independent.
type Namespace struct {
	Tenant string
	Bucket string
}

func (n Namespace) String() string {
	return n.Tenant + "__" + n.Bucket
}

// Item is one stored record. Value holds the structured payload; Document is
// optional free text attached alongside it.
type Item struct {
	Key       string
	Value     map[string]any
	Metadata  map[string]any
	Document  string
	UpdatedAt time.Time
}

// SearchResult pairs an item with its similarity score (higher is closer).
type SearchResult struct {
	Item
	Score float64
}

// PutOptions carries the optional parts of an upsert. When Semantic is set the
// backend embeds the item's canonical text field and indexes the vector.
type PutOptions struct {
	Metadata map[string]any
	Document string
	Semantic bool
}

// Store is the persistence contract shared by all backends. Get returns
// (nil, nil) for a missing key. Search ranks by cosine similarity against the
// embedded query, filters by exact-match metadata predicates, and breaks
// score ties by ascending key.
type Store interface {
	Put(ctx context.Context, ns Namespace, key string, value map[string]any, opts PutOptions) error

	Get(ctx context.Context, ns Namespace, key string, semantic bool) (*Item, error)

	Search(ctx context.Context, ns Namespace, query string, limit int, filter map[string]any) ([]SearchResult, error)

	Delete(ctx context.Context, ns Namespace, key string) error

	ClearNamespace(ctx context.Context, ns Namespace) error

	CountNamespace(ctx context.Context, ns Namespace) (int, error)

	Keys(ctx context.Context, ns Namespace) ([]string, error)

	Close() error
}

// NamespaceStats describes a namespace for decay decisions.
type NamespaceStats struct {
	Items     int
	OldestKey string
}

// Decayable is implemented by backends that can collapse old items into a
// summary. Summarize keeps the `keep` most recently updated items, replaces
// the rest with a single summary item, and returns the summary text.
type Decayable interface {
	Stats(ctx context.Context, ns Namespace) (NamespaceStats, error)

	Summarize(ctx context.Context, ns Namespace, keep, tokenBudget int) (string, error)
}

// StoreError wraps a backend failure with the backend name and operation.
type StoreError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func newStoreError(backend, op string, err error) *StoreError {
	return &StoreError{Backend: backend, Op: op, Err: err}
}

// Open builds a store from its config spec. Semantic-capable backends embed
// through the injected provider; embedder may be nil for backends that never
// index vectors.
func Open(spec config.ProviderSpec, embedder embedders.Provider) (Store, error) {
	cfg, err := config.DecodeArgs[config.StoreProviderConfig](spec)
	if err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}

	switch spec.Type {
	case "memory":
		return NewMemoryStore(embedder), nil
	case "chromem":
		return NewChromemStore(cfg, embedder)
	case "qdrant":
		return NewQdrantStore(cfg, embedder)
	case "postgres":
		return NewPostgresStore(context.Background(), cfg, embedder)
	case "badger":
		return NewBadgerStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported store type: %s (supported: memory, chromem, qdrant, postgres, badger)", spec.Type)
	}
}
