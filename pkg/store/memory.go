package store

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/stageflow/stageflow/pkg/embedders"
)

const summaryKey = "summary"

// MemoryStore is the in-memory reference backend. It keeps every item (and
// its vector, when semantic) in process memory and implements decay through
// an extractive, token-budgeted summarizer.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*memoryItem
	embedder   embedders.Provider
}

type memoryItem struct {
	item   Item
	vector []float32
}

func NewMemoryStore(embedder embedders.Provider) *MemoryStore {
	return &MemoryStore{
		namespaces: make(map[string]map[string]*memoryItem),
		embedder:   embedder,
	}
}

func (s *MemoryStore) Put(ctx context.Context, ns Namespace, key string, value map[string]any, opts PutOptions) error {
	var vector []float32
	if opts.Semantic {
		if s.embedder == nil {
			return newStoreError("memory", "put", fmt.Errorf("semantic put requires an embedder"))
		}
		text := canonicalText(value, opts.Document)
		var err error
		vector, err = s.embedder.Embed(ctx, text)
		if err != nil {
			return newStoreError("memory", "put", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.namespaces[ns.String()]
	if bucket == nil {
		bucket = make(map[string]*memoryItem)
		s.namespaces[ns.String()] = bucket
	}

	bucket[key] = &memoryItem{
		item: Item{
			Key:       key,
			Value:     maps.Clone(value),
			Metadata:  maps.Clone(opts.Metadata),
			Document:  opts.Document,
			UpdatedAt: time.Now(),
		},
		vector: vector,
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, ns Namespace, key string, _ bool) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.namespaces[ns.String()][key]
	if !ok {
		return nil, nil
	}
	return cloneItem(&stored.item), nil
}

func (s *MemoryStore) Search(ctx context.Context, ns Namespace, query string, limit int, filter map[string]any) ([]SearchResult, error) {
	if query == "" {
		return nil, nil
	}
	if s.embedder == nil {
		return nil, newStoreError("memory", "search", ErrNotSupported)
	}

	queryVector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, newStoreError("memory", "search", err)
	}

	s.mu.RLock()
	var results []SearchResult
	for _, stored := range s.namespaces[ns.String()] {
		if stored.vector == nil || !matchesFilter(stored.item.Metadata, filter) {
			continue
		}
		results = append(results, SearchResult{
			Item:  *cloneItem(&stored.item),
			Score: cosineSimilarity(queryVector, stored.vector),
		})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Key < results[j].Key
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *MemoryStore) Delete(_ context.Context, ns Namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.namespaces[ns.String()], key)
	return nil
}

func (s *MemoryStore) ClearNamespace(_ context.Context, ns Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.namespaces, ns.String())
	return nil
}

func (s *MemoryStore) CountNamespace(_ context.Context, ns Namespace) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.namespaces[ns.String()]), nil
}

func (s *MemoryStore) Keys(_ context.Context, ns Namespace) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.namespaces[ns.String()]))
	for key := range s.namespaces[ns.String()] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Stats(_ context.Context, ns Namespace) (NamespaceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := NamespaceStats{Items: len(s.namespaces[ns.String()])}
	var oldest time.Time
	for key, stored := range s.namespaces[ns.String()] {
		if stats.OldestKey == "" || stored.item.UpdatedAt.Before(oldest) {
			oldest = stored.item.UpdatedAt
			stats.OldestKey = key
		}
	}
	return stats, nil
}

// Summarize collapses all but the `keep` most recently updated items into a
// single extractive summary stored under the reserved "summary" key. The
// summary text is truncated to tokenBudget tokens.
func (s *MemoryStore) Summarize(_ context.Context, ns Namespace, keep, tokenBudget int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.namespaces[ns.String()]
	if len(bucket) <= keep {
		return "", nil
	}

	ordered := make([]*memoryItem, 0, len(bucket))
	for key, stored := range bucket {
		if key == summaryKey {
			continue
		}
		ordered = append(ordered, stored)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].item.UpdatedAt.Equal(ordered[j].item.UpdatedAt) {
			return ordered[i].item.UpdatedAt.Before(ordered[j].item.UpdatedAt)
		}
		return ordered[i].item.Key < ordered[j].item.Key
	})

	if len(ordered) <= keep {
		return "", nil
	}
	expired := ordered[:len(ordered)-keep]

	var sb strings.Builder
	if prior, ok := bucket[summaryKey]; ok {
		sb.WriteString(prior.item.Document)
		sb.WriteString("\n")
	}
	for _, stored := range expired {
		text := canonicalText(stored.item.Value, stored.item.Document)
		if text == "" {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	summary, err := truncateToTokens(sb.String(), tokenBudget)
	if err != nil {
		return "", newStoreError("memory", "summarize", err)
	}

	for _, stored := range expired {
		delete(bucket, stored.item.Key)
	}
	bucket[summaryKey] = &memoryItem{
		item: Item{
			Key:       summaryKey,
			Value:     map[string]any{"text": summary},
			Metadata:  map[string]any{"type": "summary"},
			Document:  summary,
			UpdatedAt: time.Now(),
		},
	}
	return summary, nil
}

var (
	_ Store     = (*MemoryStore)(nil)
	_ Decayable = (*MemoryStore)(nil)
)

// canonicalText picks the text a semantic item is indexed under: the value's
// "text" field when present, the document otherwise.
func canonicalText(value map[string]any, document string) string {
	if text, ok := value["text"].(string); ok && text != "" {
		return text
	}
	if document != "" {
		return document
	}
	return fmt.Sprintf("%v", value)
}

func matchesFilter(metadata, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := metadata[key]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func truncateToTokens(text string, budget int) (string, error) {
	if budget <= 0 {
		return text, nil
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return "", fmt.Errorf("failed to load tokenizer: %w", err)
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text, nil
	}
	return enc.Decode(tokens[:budget]), nil
}

func cloneItem(item *Item) *Item {
	clone := *item
	clone.Value = maps.Clone(item.Value)
	clone.Metadata = maps.Clone(item.Metadata)
	return &clone
}
