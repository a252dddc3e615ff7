package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/stageflow/stageflow/pkg/config"
	"github.com/stageflow/stageflow/pkg/embedders"
)

// Reserved qdrant payload fields. User metadata is flattened alongside as
// keyword values for filtering.
const (
	qdrantKeyField      = "__key"
	qdrantValueField    = "__value"
	qdrantMetaField     = "__meta"
	qdrantDocField      = "__doc"
	qdrantUpdatedField  = "__updated"
	qdrantSemanticField = "__semantic"
)

// QdrantStore keeps one qdrant collection per namespace. Point IDs are
// derived deterministically from the item key, with the original key carried
// in the payload.
type QdrantStore struct {
	client   *qdrant.Client
	embedder embedders.Provider
}

func NewQdrantStore(cfg *config.StoreProviderConfig, embedder embedders.Provider) (*QdrantStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("qdrant store requires an embedder")
	}

	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.EnableTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client, embedder: embedder}, nil
}

func pointID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func (s *QdrantStore) ensureCollection(ctx context.Context, name string) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %q: %w", name, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.embedder.Dimension()),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection %q: %w", name, err)
	}
	return nil
}

func (s *QdrantStore) Put(ctx context.Context, ns Namespace, key string, value map[string]any, opts PutOptions) error {
	if err := s.ensureCollection(ctx, ns.String()); err != nil {
		return newStoreError("qdrant", "put", err)
	}

	var vector []float32
	var err error
	if opts.Semantic {
		vector, err = s.embedder.Embed(ctx, canonicalText(value, opts.Document))
		if err != nil {
			return newStoreError("qdrant", "put", err)
		}
	} else {
		vector = placeholderVector(s.embedder.Dimension())
	}

	payload, err := s.encodePayload(key, value, opts)
	if err != nil {
		return newStoreError("qdrant", "put", err)
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: ns.String(),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(pointID(key)),
			Vectors: qdrant.NewVectors(vector...),
			Payload: payload,
		}},
	})
	if err != nil {
		return newStoreError("qdrant", "put", err)
	}
	return nil
}

func (s *QdrantStore) encodePayload(key string, value map[string]any, opts PutOptions) (map[string]*qdrant.Value, error) {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	metaJSON, err := json.Marshal(opts.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	payload := map[string]*qdrant.Value{
		qdrantKeyField:      qdrant.NewValueString(key),
		qdrantValueField:    qdrant.NewValueString(string(valueJSON)),
		qdrantMetaField:     qdrant.NewValueString(string(metaJSON)),
		qdrantDocField:      qdrant.NewValueString(opts.Document),
		qdrantUpdatedField:  qdrant.NewValueString(time.Now().Format(time.RFC3339Nano)),
		qdrantSemanticField: qdrant.NewValueString(fmt.Sprint(opts.Semantic)),
	}
	for k, v := range opts.Metadata {
		payload[k] = qdrant.NewValueString(fmt.Sprint(v))
	}
	return payload, nil
}

func (s *QdrantStore) Get(ctx context.Context, ns Namespace, key string, _ bool) (*Item, error) {
	exists, err := s.client.CollectionExists(ctx, ns.String())
	if err != nil {
		return nil, newStoreError("qdrant", "get", err)
	}
	if !exists {
		return nil, nil
	}

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: ns.String(),
		Ids:            []*qdrant.PointId{qdrant.NewID(pointID(key))},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, newStoreError("qdrant", "get", err)
	}
	if len(points) == 0 {
		return nil, nil
	}
	return decodeQdrantPayload(points[0].Payload)
}

func (s *QdrantStore) Search(ctx context.Context, ns Namespace, query string, limit int, filter map[string]any) ([]SearchResult, error) {
	if query == "" {
		return nil, nil
	}

	exists, err := s.client.CollectionExists(ctx, ns.String())
	if err != nil {
		return nil, newStoreError("qdrant", "search", err)
	}
	if !exists {
		return nil, nil
	}

	queryVector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, newStoreError("qdrant", "search", err)
	}

	merged := map[string]any{qdrantSemanticField: "true"}
	for k, v := range filter {
		merged[k] = v
	}

	if limit <= 0 {
		limit = 10
	}
	resp, err := s.client.GetPointsClient().Search(ctx, &qdrant.SearchPoints{
		CollectionName: ns.String(),
		Vector:         queryVector,
		Limit:          uint64(limit),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         keywordFilter(merged),
	})
	if err != nil {
		return nil, newStoreError("qdrant", "search", err)
	}

	results := make([]SearchResult, 0, len(resp.Result))
	for _, point := range resp.Result {
		item, err := decodeQdrantPayload(point.Payload)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Item: *item, Score: float64(point.Score)})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Key < results[j].Key
	})
	return results, nil
}

func keywordFilter(filter map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range filter {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: fmt.Sprint(value)},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func (s *QdrantStore) Delete(ctx context.Context, ns Namespace, key string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: ns.String(),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{qdrant.NewID(pointID(key))},
				},
			},
		},
	})
	if err != nil {
		return newStoreError("qdrant", "delete", err)
	}
	return nil
}

func (s *QdrantStore) ClearNamespace(ctx context.Context, ns Namespace) error {
	exists, err := s.client.CollectionExists(ctx, ns.String())
	if err != nil {
		return newStoreError("qdrant", "clear_namespace", err)
	}
	if !exists {
		return nil
	}
	if err := s.client.DeleteCollection(ctx, ns.String()); err != nil {
		return newStoreError("qdrant", "clear_namespace", err)
	}
	return nil
}

func (s *QdrantStore) CountNamespace(ctx context.Context, ns Namespace) (int, error) {
	exists, err := s.client.CollectionExists(ctx, ns.String())
	if err != nil {
		return 0, newStoreError("qdrant", "count_namespace", err)
	}
	if !exists {
		return 0, nil
	}

	exact := true
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: ns.String(),
		Exact:          &exact,
	})
	if err != nil {
		return 0, newStoreError("qdrant", "count_namespace", err)
	}
	return int(count), nil
}

func (s *QdrantStore) Keys(ctx context.Context, ns Namespace) ([]string, error) {
	exists, err := s.client.CollectionExists(ctx, ns.String())
	if err != nil {
		return nil, newStoreError("qdrant", "keys", err)
	}
	if !exists {
		return nil, nil
	}

	var keys []string
	var offset *qdrant.PointId
	limit := uint32(256)
	for {
		resp, err := s.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: ns.String(),
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, newStoreError("qdrant", "keys", err)
		}
		for _, point := range resp.Result {
			if key := point.Payload[qdrantKeyField].GetStringValue(); key != "" {
				keys = append(keys, key)
			}
		}
		if resp.NextPageOffset == nil || len(resp.Result) == 0 {
			break
		}
		offset = resp.NextPageOffset
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

var _ Store = (*QdrantStore)(nil)

func decodeQdrantPayload(payload map[string]*qdrant.Value) (*Item, error) {
	item := &Item{
		Key:      payload[qdrantKeyField].GetStringValue(),
		Document: payload[qdrantDocField].GetStringValue(),
	}

	if raw := payload[qdrantValueField].GetStringValue(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &item.Value); err != nil {
			return nil, newStoreError("qdrant", "decode", err)
		}
	}
	if raw := payload[qdrantMetaField].GetStringValue(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &item.Metadata); err != nil {
			return nil, newStoreError("qdrant", "decode", err)
		}
	}
	if raw := payload[qdrantUpdatedField].GetStringValue(); raw != "" {
		item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return item, nil
}
