package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/stageflow/stageflow/pkg/config"
	"github.com/stageflow/stageflow/pkg/embedders"
)

// Reserved chromem metadata fields used to reconstruct items. User metadata
// is flattened alongside for filtering.
const (
	chromemValueField    = "__value"
	chromemMetaField     = "__meta"
	chromemDocField      = "__doc"
	chromemUpdatedField  = "__updated"
	chromemSemanticField = "__semantic"
)

// chromemIndexFile is the sidecar holding the namespace → keys index for
// persistent databases. chromem has no document-enumeration API, so the
// index is maintained alongside and reloaded at open.
const chromemIndexFile = "keys.json"

// ChromemStore is an embedded vector store backend. Non-semantic items carry
// a placeholder vector and are excluded from search by a metadata flag, so
// one collection serves both kinds.
type ChromemStore struct {
	db       *chromem.DB
	embedder embedders.Provider

	// indexPath is empty for in-memory databases.
	indexPath string

	mu          sync.Mutex
	collections map[string]*chromem.Collection
	keys        map[string]map[string]struct{}
}

func NewChromemStore(cfg *config.StoreProviderConfig, embedder embedders.Provider) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("chromem store requires an embedder")
	}

	var db *chromem.DB
	var indexPath string
	if cfg.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem db at %s: %w", cfg.Path, err)
		}
		indexPath = filepath.Join(cfg.Path, chromemIndexFile)
	} else {
		db = chromem.NewDB()
	}

	s := &ChromemStore{
		db:          db,
		embedder:    embedder,
		indexPath:   indexPath,
		collections: make(map[string]*chromem.Collection),
		keys:        make(map[string]map[string]struct{}),
	}
	if err := s.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load chromem key index: %w", err)
	}
	return s, nil
}

// loadIndex rehydrates the namespace → keys map from the sidecar, so Keys
// and episodic listing survive a restart of a persistent database.
func (s *ChromemStore) loadIndex() error {
	if s.indexPath == "" {
		return nil
	}
	data, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var stored map[string][]string
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	for ns, keys := range stored {
		set := make(map[string]struct{}, len(keys))
		for _, key := range keys {
			set[key] = struct{}{}
		}
		s.keys[ns] = set
	}
	return nil
}

// saveIndex writes the sidecar. Callers hold s.mu.
func (s *ChromemStore) saveIndex() error {
	if s.indexPath == "" {
		return nil
	}
	stored := make(map[string][]string, len(s.keys))
	for ns, set := range s.keys {
		keys := make([]string, 0, len(set))
		for key := range set {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		stored[ns] = keys
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath, data, 0o644)
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	// Embeddings are always precomputed, so the embedding func is never
	// expected to run.
	col, err := s.db.GetOrCreateCollection(name, nil, func(_ context.Context, _ string) ([]float32, error) {
		return nil, fmt.Errorf("missing precomputed embedding")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", name, err)
	}

	s.collections[name] = col
	if s.keys[name] == nil {
		s.keys[name] = make(map[string]struct{})
	}
	return col, nil
}

func (s *ChromemStore) Put(ctx context.Context, ns Namespace, key string, value map[string]any, opts PutOptions) error {
	col, err := s.collection(ns.String())
	if err != nil {
		return newStoreError("chromem", "put", err)
	}

	text := canonicalText(value, opts.Document)
	var vector []float32
	if opts.Semantic {
		vector, err = s.embedder.Embed(ctx, text)
		if err != nil {
			return newStoreError("chromem", "put", err)
		}
	} else {
		vector = placeholderVector(s.embedder.Dimension())
	}

	metadata, err := encodeChromemMetadata(value, opts)
	if err != nil {
		return newStoreError("chromem", "put", err)
	}

	doc := chromem.Document{
		ID:        key,
		Content:   text,
		Metadata:  metadata,
		Embedding: vector,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return newStoreError("chromem", "put", err)
	}

	s.mu.Lock()
	s.keys[ns.String()][key] = struct{}{}
	err = s.saveIndex()
	s.mu.Unlock()
	if err != nil {
		return newStoreError("chromem", "put", err)
	}
	return nil
}

func (s *ChromemStore) Get(ctx context.Context, ns Namespace, key string, _ bool) (*Item, error) {
	col, err := s.collection(ns.String())
	if err != nil {
		return nil, newStoreError("chromem", "get", err)
	}

	doc, err := col.GetByID(ctx, key)
	if err != nil {
		// chromem reports missing documents as errors.
		return nil, nil
	}
	return decodeChromemDocument(doc)
}

func (s *ChromemStore) Search(ctx context.Context, ns Namespace, query string, limit int, filter map[string]any) ([]SearchResult, error) {
	if query == "" {
		return nil, nil
	}

	col, err := s.collection(ns.String())
	if err != nil {
		return nil, newStoreError("chromem", "search", err)
	}

	queryVector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, newStoreError("chromem", "search", err)
	}

	where := map[string]string{chromemSemanticField: "true"}
	for k, v := range filter {
		where[k] = fmt.Sprint(v)
	}

	topK := limit
	if count := col.Count(); topK <= 0 || topK > count {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	found, err := col.QueryEmbedding(ctx, queryVector, topK, where, nil)
	if err != nil {
		return nil, newStoreError("chromem", "search", err)
	}

	results := make([]SearchResult, 0, len(found))
	for _, r := range found {
		item, err := decodeChromemDocument(chromem.Document{ID: r.ID, Content: r.Content, Metadata: r.Metadata})
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Item: *item, Score: float64(r.Similarity)})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Key < results[j].Key
	})
	return results, nil
}

func (s *ChromemStore) Delete(ctx context.Context, ns Namespace, key string) error {
	col, err := s.collection(ns.String())
	if err != nil {
		return newStoreError("chromem", "delete", err)
	}
	if err := col.Delete(ctx, nil, nil, key); err != nil {
		return newStoreError("chromem", "delete", err)
	}

	s.mu.Lock()
	delete(s.keys[ns.String()], key)
	err = s.saveIndex()
	s.mu.Unlock()
	if err != nil {
		return newStoreError("chromem", "delete", err)
	}
	return nil
}

func (s *ChromemStore) ClearNamespace(_ context.Context, ns Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(ns.String()); err != nil {
		return newStoreError("chromem", "clear_namespace", err)
	}
	delete(s.collections, ns.String())
	delete(s.keys, ns.String())
	if err := s.saveIndex(); err != nil {
		return newStoreError("chromem", "clear_namespace", err)
	}
	return nil
}

func (s *ChromemStore) CountNamespace(_ context.Context, ns Namespace) (int, error) {
	col, err := s.collection(ns.String())
	if err != nil {
		return 0, newStoreError("chromem", "count_namespace", err)
	}
	return col.Count(), nil
}

func (s *ChromemStore) Keys(_ context.Context, ns Namespace) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.keys[ns.String()]))
	for key := range s.keys[ns.String()] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *ChromemStore) Close() error { return nil }

var _ Store = (*ChromemStore)(nil)

func encodeChromemMetadata(value map[string]any, opts PutOptions) (map[string]string, error) {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	metaJSON, err := json.Marshal(opts.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	metadata := map[string]string{
		chromemValueField:    string(valueJSON),
		chromemMetaField:     string(metaJSON),
		chromemDocField:      opts.Document,
		chromemUpdatedField:  time.Now().Format(time.RFC3339Nano),
		chromemSemanticField: fmt.Sprint(opts.Semantic),
	}
	for k, v := range opts.Metadata {
		metadata[k] = fmt.Sprint(v)
	}
	return metadata, nil
}

func decodeChromemDocument(doc chromem.Document) (*Item, error) {
	item := &Item{Key: doc.ID, Document: doc.Metadata[chromemDocField]}

	if raw := doc.Metadata[chromemValueField]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &item.Value); err != nil {
			return nil, newStoreError("chromem", "decode", err)
		}
	}
	if raw := doc.Metadata[chromemMetaField]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &item.Metadata); err != nil {
			return nil, newStoreError("chromem", "decode", err)
		}
	}
	if raw := doc.Metadata[chromemUpdatedField]; raw != "" {
		item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return item, nil
}

// placeholderVector keeps non-semantic items dimensionally compatible with
// the collection; they never match searches because of the semantic flag.
func placeholderVector(dim int) []float32 {
	if dim <= 0 {
		dim = 1
	}
	v := make([]float32, dim)
	v[0] = 1
	return v
}
