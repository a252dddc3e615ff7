// Package model provides the model manager: one-shot retrieval-augmented
// generation with fire-and-forget self-reflection.
package model

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stageflow/stageflow/pkg/llms"
	"github.com/stageflow/stageflow/pkg/memory"
	"github.com/stageflow/stageflow/pkg/store"
)

// lastQueryKey is the semantic memory slot each generation writes its
// interaction into; reflections land beside it with a suffix.
const (
	lastQueryKey     = "last_query"
	reflectionSuffix = ":reflection"
)

const reflectionPrompt = "You observe one interaction between a user and an assistant. " +
	"Note, in two or three sentences, what worked, what did not, and what should change next time."

const defaultTopK = 5

// GenerateOptions carries the optional parts of one generation.
type GenerateOptions struct {
	// Namespace enables retrieval and persistence; nil runs a bare
	// completion.
	Namespace *store.Namespace
	Metadata  map[string]any
	TopK      int
	Reward    *float64
}

type reflectionJob struct {
	namespace   store.Namespace
	interaction string
}

// Manager orchestrates retrieval, chat invocation, memory persistence, and
// queued self-reflection.
type Manager struct {
	llm    llms.Provider
	memory *memory.Manager
	logger *slog.Logger

	queue  chan reflectionJob
	group  *errgroup.Group
	closed sync.Once
}

func NewManager(llm llms.Provider, mem *memory.Manager, queueSize int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 32
	}

	m := &Manager{
		llm:    llm,
		memory: mem,
		logger: logger,
		queue:  make(chan reflectionJob, queueSize),
		group:  &errgroup.Group{},
	}
	m.group.Go(m.reflectWorker)
	return m
}

// Generate runs one retrieval-augmented completion. When a namespace is
// given, prior memories matching the prompt are prepended, the interaction is
// saved back under the "last_query" slot, and a self-reflection is queued
// without blocking the return.
func (m *Manager) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	augmented := prompt
	if opts.Namespace != nil {
		topK := opts.TopK
		if topK <= 0 {
			topK = defaultTopK
		}
		results, err := m.memory.RetrieveSemantic(ctx, *opts.Namespace, prompt, topK, nil)
		if err != nil {
			m.logger.Warn("memory retrieval failed, generating without context",
				"namespace", opts.Namespace.String(), "error", err)
		} else if len(results) > 0 {
			var sb strings.Builder
			for _, r := range results {
				if text, ok := r.Value["text"].(string); ok && text != "" {
					sb.WriteString(text)
					sb.WriteString("\n")
				}
			}
			if sb.Len() > 0 {
				augmented = sb.String() + prompt
			}
		}
	}

	completion, err := m.llm.Invoke(ctx, []llms.Message{{Role: llms.RoleUser, Content: augmented}})
	if err != nil {
		return "", fmt.Errorf("model invocation failed: %w", err)
	}

	if opts.Namespace != nil {
		interaction := fmt.Sprintf("Prompt: %s Response: %s", prompt, completion)
		_, err := m.memory.SaveSemantic(ctx, *opts.Namespace, lastQueryKey, interaction, opts.Metadata, "", opts.Reward)
		if err != nil {
			return "", fmt.Errorf("failed to persist interaction: %w", err)
		}
		m.enqueueReflection(*opts.Namespace, interaction)
	}

	return completion, nil
}

// enqueueReflection never blocks; when the queue is full the job is dropped
// with a log line.
func (m *Manager) enqueueReflection(ns store.Namespace, interaction string) {
	select {
	case m.queue <- reflectionJob{namespace: ns, interaction: interaction}:
	default:
		m.logger.Warn("reflection queue full, dropping job", "namespace", ns.String())
	}
}

func (m *Manager) reflectWorker() error {
	for job := range m.queue {
		m.reflect(job)
	}
	return nil
}

func (m *Manager) reflect(job reflectionJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	response, err := m.llm.Invoke(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: reflectionPrompt},
		{Role: llms.RoleUser, Content: job.interaction},
	})
	if err != nil {
		m.logger.Warn("self-reflection invocation failed",
			"namespace", job.namespace.String(), "error", err)
		return
	}

	err = m.memory.SaveEpisode(ctx, job.namespace, lastQueryKey+reflectionSuffix,
		map[string]any{"text": response},
		map[string]any{"type": "self_reflection"},
		job.interaction)
	if err != nil {
		m.logger.Warn("failed to persist self-reflection",
			"namespace", job.namespace.String(), "error", err)
	}
}

// Close stops intake and waits for queued reflections to drain, up to the
// context deadline.
func (m *Manager) Close(ctx context.Context) error {
	m.closed.Do(func() { close(m.queue) })

	done := make(chan error, 1)
	go func() { done <- m.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("reflection queue did not drain: %w", ctx.Err())
	}
}
