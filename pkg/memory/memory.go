// Package memory provides the two-tier memory manager: semantic entries with
// reward aggregation and decay, and raw episodic entries.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stageflow/stageflow/pkg/config"
	"github.com/stageflow/stageflow/pkg/store"
)

// DecayError wraps a failed decay pass. Decay failures are logged by the
// manager and never propagated to callers.
type DecayError struct {
	Namespace store.Namespace
	Err       error
}

func (e *DecayError) Error() string {
	return fmt.Sprintf("decay failed for namespace %s: %v", e.Namespace, e.Err)
}

func (e *DecayError) Unwrap() error { return e.Err }

// Manager wraps one store with semantic save/retrieve, episodic save/fetch,
// reward aggregation, and threshold-driven decay.
type Manager struct {
	store  store.Store
	cfg    config.MemoryConfig
	logger *slog.Logger

	// Rewards observed since process start, keyed by namespace+key. The
	// merged metadata on the stored entry is the durable record.
	rewardMu sync.Mutex
	rewards  map[string][]float64
}

func NewManager(st store.Store, cfg config.MemoryConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.SetDefaults()
	return &Manager{
		store:   st,
		cfg:     cfg,
		logger:  logger,
		rewards: make(map[string][]float64),
	}
}

// Entry is the structured value stored for one semantic memory.
type Entry struct {
	Text      string
	Metadata  map[string]any
	Document  string
	Reward    *float64
	CreatedAt time.Time
}

// SaveSemantic persists one semantic entry, folds any reward into the entry's
// aggregate metadata, and runs decay when the namespace has grown past the
// configured threshold.
func (m *Manager) SaveSemantic(ctx context.Context, ns store.Namespace, key, text string, metadata map[string]any, document string, reward *float64) (*Entry, error) {
	entry := &Entry{
		Text:      text,
		Metadata:  metadata,
		Document:  document,
		Reward:    reward,
		CreatedAt: time.Now(),
	}

	value := map[string]any{
		"text":       text,
		"created_at": entry.CreatedAt.Format(time.RFC3339Nano),
	}
	if reward != nil {
		value["reward"] = *reward
	}

	err := m.store.Put(ctx, ns, key, value, store.PutOptions{
		Metadata: metadata,
		Document: document,
		Semantic: true,
	})
	if err != nil {
		return nil, err
	}

	if reward != nil {
		if err := m.applyReward(ctx, ns, key, *reward); err != nil {
			return nil, err
		}
	}

	m.decay(ctx, ns)
	return entry, nil
}

// applyReward appends the reward to the in-process cache and merges the
// recomputed aggregates into the stored metadata with a read-modify-write.
func (m *Manager) applyReward(ctx context.Context, ns store.Namespace, key string, reward float64) error {
	cacheKey := ns.String() + "/" + key

	m.rewardMu.Lock()
	m.rewards[cacheKey] = append(m.rewards[cacheKey], reward)
	observed := m.rewards[cacheKey]
	var sum float64
	for _, r := range observed {
		sum += r
	}
	avg := sum / float64(len(observed))
	count := len(observed)
	m.rewardMu.Unlock()

	item, err := m.store.Get(ctx, ns, key, true)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("entry %s vanished during reward merge", key)
	}

	metadata := item.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}
	metadata["avg_reward"] = avg
	metadata["reward_count"] = count

	err = m.store.Put(ctx, ns, key, item.Value, store.PutOptions{
		Metadata: metadata,
		Document: item.Document,
		Semantic: true,
	})
	if err != nil {
		return err
	}

	m.logger.Debug("reward merged",
		"namespace", ns.String(), "key", key,
		"avg_reward", avg, "reward_count", count)
	return nil
}

// decay collapses old entries once the namespace exceeds the configured
// threshold. Failures are logged, never propagated.
func (m *Manager) decay(ctx context.Context, ns store.Namespace) {
	decayable, ok := m.store.(store.Decayable)
	if !ok {
		return
	}

	stats, err := decayable.Stats(ctx, ns)
	if err != nil {
		m.logger.Warn("decay skipped", "error", &DecayError{Namespace: ns, Err: err})
		return
	}
	if stats.Items <= m.cfg.DecayAfter {
		return
	}

	summary, err := decayable.Summarize(ctx, ns, m.cfg.SummarizeAfter, m.cfg.SummaryTokenBudget)
	if err != nil {
		m.logger.Warn("decay failed", "error", &DecayError{Namespace: ns, Err: err})
		return
	}
	m.logger.Info("namespace decayed",
		"namespace", ns.String(), "items", stats.Items, "summary_len", len(summary))
}

// RetrieveSemantic is a direct search passthrough.
func (m *Manager) RetrieveSemantic(ctx context.Context, ns store.Namespace, query string, topK int, filter map[string]any) ([]store.SearchResult, error) {
	return m.store.Search(ctx, ns, query, topK, filter)
}

// SaveEpisode stores raw data without embedding it.
func (m *Manager) SaveEpisode(ctx context.Context, ns store.Namespace, key string, data map[string]any, metadata map[string]any, document string) error {
	return m.store.Put(ctx, ns, key, data, store.PutOptions{
		Metadata: metadata,
		Document: document,
		Semantic: false,
	})
}

// FetchEpisodes returns the named episodes, or every episode in the
// namespace when keys is empty. Missing keys are skipped.
func (m *Manager) FetchEpisodes(ctx context.Context, ns store.Namespace, keys []string) ([]*store.Item, error) {
	if len(keys) == 0 {
		var err error
		keys, err = m.store.Keys(ctx, ns)
		if err != nil {
			return nil, err
		}
	}

	items := make([]*store.Item, 0, len(keys))
	for _, key := range keys {
		item, err := m.store.Get(ctx, ns, key, false)
		if err != nil {
			return nil, err
		}
		if item != nil {
			items = append(items, item)
		}
	}
	return items, nil
}

// ClearNamespace drops every entry in the namespace.
func (m *Manager) ClearNamespace(ctx context.Context, ns store.Namespace) error {
	return m.store.ClearNamespace(ctx, ns)
}
