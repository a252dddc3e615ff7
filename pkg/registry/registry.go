// Package registry provides the generic named-collection primitive the
// workspace registries build on.
package registry

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Registry is a concurrency-safe named collection of items of one kind.
type Registry[T any] interface {
	Register(name string, item T) error
	Replace(name string, item T) bool
	Get(name string) (T, bool)
	List() []T
	Names() []string
	Remove(name string) error
	Count() int
	Clear()
}

// BaseRegistry is the map-backed Registry implementation.
type BaseRegistry[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

func NewBaseRegistry[T any]() *BaseRegistry[T] {
	return &BaseRegistry[T]{items: make(map[string]T)}
}

// Register adds a new item; registering a name twice is an error. Loaders
// that want last-one-wins semantics use Replace instead.
func (r *BaseRegistry[T]) Register(name string, item T) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[name]; exists {
		return fmt.Errorf("item with name '%s' already registered", name)
	}
	r.items[name] = item
	return nil
}

// Replace registers the item unconditionally and reports whether an existing
// item was overwritten.
func (r *BaseRegistry[T]) Replace(name string, item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.items[name]
	r.items[name] = item
	return existed
}

func (r *BaseRegistry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[name]
	return item, ok
}

func (r *BaseRegistry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Collect(maps.Values(r.items))
}

// Names returns the registered names in sorted order.
func (r *BaseRegistry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.items))
}

func (r *BaseRegistry[T]) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[name]; !exists {
		return fmt.Errorf("item '%s' not found", name)
	}
	delete(r.items, name)
	return nil
}

func (r *BaseRegistry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func (r *BaseRegistry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.items)
}

var _ Registry[int] = (*BaseRegistry[int])(nil)
