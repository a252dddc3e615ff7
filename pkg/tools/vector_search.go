package tools

import (
	"context"
	"fmt"

	"github.com/stageflow/stageflow/pkg/config"
	"github.com/stageflow/stageflow/pkg/store"
)

// vectorSearch retrieves semantic memories from the shared store. The tenant
// and bucket default from the catalog spec and may be overridden per call.
type vectorSearch struct {
	name          string
	description   string
	store         store.Store
	defaultTenant string
	defaultBucket string
	topK          int
}

// VectorSearchFactory binds the shared store into a builtin.vector_search
// factory, for the registry's extra factory map.
func VectorSearchFactory(st store.Store) Factory {
	return func(record config.ToolRecord) (Tool, error) {
		if st == nil {
			return nil, fmt.Errorf("vector_search tool %s requires a store", record.Name)
		}
		topK := 5
		if raw, ok := record.Spec["top_k"].(float64); ok && raw > 0 {
			topK = int(raw)
		}
		tenant, _ := record.Spec["tenant"].(string)
		bucket, _ := record.Spec["bucket"].(string)
		return &vectorSearch{
			name:          record.Name,
			description:   record.Description,
			store:         st,
			defaultTenant: tenant,
			defaultBucket: bucket,
			topK:          topK,
		}, nil
	}
}

func (t *vectorSearch) Name() string        { return t.name }
func (t *vectorSearch) Description() string { return t.description }

func (t *vectorSearch) Call(ctx context.Context, args map[string]any) (*Result, error) {
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, fmt.Errorf("vector_search requires a 'query' string argument")
	}

	ns := store.Namespace{Tenant: t.defaultTenant, Bucket: t.defaultBucket}
	if tenant, ok := args["tenant"].(string); ok && tenant != "" {
		ns.Tenant = tenant
	}
	if bucket, ok := args["bucket"].(string); ok && bucket != "" {
		ns.Bucket = bucket
	}
	if ns.Tenant == "" || ns.Bucket == "" {
		return nil, fmt.Errorf("vector_search requires tenant and bucket (from spec or arguments)")
	}

	topK := t.topK
	if raw, ok := args["top_k"].(float64); ok && raw > 0 {
		topK = int(raw)
	}

	results, err := t.store.Search(ctx, ns, query, topK, nil)
	if err != nil {
		return nil, err
	}

	hits := make([]map[string]any, 0, len(results))
	for _, r := range results {
		hits = append(hits, map[string]any{
			"key":   r.Key,
			"value": r.Value,
			"score": r.Score,
		})
	}
	return &Result{
		Tool:    t.name,
		Output:  hits,
		Details: map[string]any{"query": query, "namespace": ns.String()},
	}, nil
}

var _ Tool = (*vectorSearch)(nil)
