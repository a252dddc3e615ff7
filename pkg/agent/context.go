package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/stageflow/stageflow/pkg/graph"
)

// ContextFunc computes one context value from the session state. External
// and computed context entries name a registered function; there is no
// dynamic code loading.
type ContextFunc func(ctx context.Context, state *graph.State) (any, error)

// Translator turns a natural-language task into a query for text_to_sql
// context entries. A nil translator resolves those entries to nil.
type Translator interface {
	Translate(ctx context.Context, task string) (string, error)
}

var (
	contextFuncMu sync.RWMutex
	contextFuncs  = make(map[string]ContextFunc)
)

// RegisterContextFunc makes fn available to external and computed context
// entries under the given name. Registration typically happens from init or
// program setup; re-registering a name overwrites.
func RegisterContextFunc(name string, fn ContextFunc) {
	contextFuncMu.Lock()
	defer contextFuncMu.Unlock()
	contextFuncs[name] = fn
}

func lookupContextFunc(name string) (ContextFunc, error) {
	contextFuncMu.RLock()
	defer contextFuncMu.RUnlock()
	fn, ok := contextFuncs[name]
	if !ok {
		return nil, fmt.Errorf("context function %q is not registered", name)
	}
	return fn, nil
}
