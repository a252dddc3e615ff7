package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stageflow/stageflow/pkg/config"
	"github.com/stageflow/stageflow/pkg/embedders"
)

// PostgresStore keeps all namespaces in one table, with pgvector embeddings
// for semantic items.
type PostgresStore struct {
	pool     *pgxpool.Pool
	embedder embedders.Provider
}

const postgresSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS stageflow_items (
	tenant     TEXT        NOT NULL,
	bucket     TEXT        NOT NULL,
	key        TEXT        NOT NULL,
	value      JSONB       NOT NULL DEFAULT '{}',
	metadata   JSONB       NOT NULL DEFAULT '{}',
	document   TEXT        NOT NULL DEFAULT '',
	embedding  vector(%d),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant, bucket, key)
);
`

func NewPostgresStore(ctx context.Context, cfg *config.StoreProviderConfig, embedder embedders.Provider) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store requires a dsn")
	}
	if embedder == nil {
		return nil, fmt.Errorf("postgres store requires an embedder")
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf(postgresSchema, embedder.Dimension())); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresStore{pool: pool, embedder: embedder}, nil
}

func (s *PostgresStore) Put(ctx context.Context, ns Namespace, key string, value map[string]any, opts PutOptions) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return newStoreError("postgres", "put", err)
	}
	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return newStoreError("postgres", "put", err)
	}

	var embedding *string
	if opts.Semantic {
		vector, err := s.embedder.Embed(ctx, canonicalText(value, opts.Document))
		if err != nil {
			return newStoreError("postgres", "put", err)
		}
		literal := vectorLiteral(vector)
		embedding = &literal
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO stageflow_items (tenant, bucket, key, value, metadata, document, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (tenant, bucket, key) DO UPDATE SET
			value = EXCLUDED.value,
			metadata = EXCLUDED.metadata,
			document = EXCLUDED.document,
			embedding = EXCLUDED.embedding,
			updated_at = now()`,
		ns.Tenant, ns.Bucket, key, valueJSON, metaJSON, opts.Document, embedding)
	if err != nil {
		return newStoreError("postgres", "put", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, ns Namespace, key string, _ bool) (*Item, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT key, value, metadata, document, updated_at
		FROM stageflow_items
		WHERE tenant = $1 AND bucket = $2 AND key = $3`,
		ns.Tenant, ns.Bucket, key)

	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError("postgres", "get", err)
	}
	return item, nil
}

func (s *PostgresStore) Search(ctx context.Context, ns Namespace, query string, limit int, filter map[string]any) ([]SearchResult, error) {
	if query == "" {
		return nil, nil
	}

	queryVector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, newStoreError("postgres", "search", err)
	}

	if limit <= 0 {
		limit = 10
	}
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return nil, newStoreError("postgres", "search", err)
	}

	// Cosine distance; score is 1 - distance, tie-break on key.
	rows, err := s.pool.Query(ctx, `
		SELECT key, value, metadata, document, updated_at,
		       1 - (embedding <=> $4::vector) AS score
		FROM stageflow_items
		WHERE tenant = $1 AND bucket = $2 AND embedding IS NOT NULL
		  AND metadata @> $3::jsonb
		ORDER BY score DESC, key ASC
		LIMIT $5`,
		ns.Tenant, ns.Bucket, filterJSON, vectorLiteral(queryVector), limit)
	if err != nil {
		return nil, newStoreError("postgres", "search", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			item                Item
			score               float64
			valueJSON, metaJSON []byte
		)
		if err := rows.Scan(&item.Key, &valueJSON, &metaJSON, &item.Document, &item.UpdatedAt, &score); err != nil {
			return nil, newStoreError("postgres", "search", err)
		}
		if err := decodeJSONColumns(&item, valueJSON, metaJSON); err != nil {
			return nil, newStoreError("postgres", "search", err)
		}
		results = append(results, SearchResult{Item: item, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, newStoreError("postgres", "search", err)
	}
	return results, nil
}

func (s *PostgresStore) Delete(ctx context.Context, ns Namespace, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM stageflow_items WHERE tenant = $1 AND bucket = $2 AND key = $3`,
		ns.Tenant, ns.Bucket, key)
	if err != nil {
		return newStoreError("postgres", "delete", err)
	}
	return nil
}

func (s *PostgresStore) ClearNamespace(ctx context.Context, ns Namespace) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM stageflow_items WHERE tenant = $1 AND bucket = $2`,
		ns.Tenant, ns.Bucket)
	if err != nil {
		return newStoreError("postgres", "clear_namespace", err)
	}
	return nil
}

func (s *PostgresStore) CountNamespace(ctx context.Context, ns Namespace) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM stageflow_items WHERE tenant = $1 AND bucket = $2`,
		ns.Tenant, ns.Bucket).Scan(&count)
	if err != nil {
		return 0, newStoreError("postgres", "count_namespace", err)
	}
	return count, nil
}

func (s *PostgresStore) Keys(ctx context.Context, ns Namespace) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM stageflow_items WHERE tenant = $1 AND bucket = $2 ORDER BY key`,
		ns.Tenant, ns.Bucket)
	if err != nil {
		return nil, newStoreError("postgres", "keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, newStoreError("postgres", "keys", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, newStoreError("postgres", "keys", err)
	}
	return keys, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)

func scanItem(row pgx.Row) (*Item, error) {
	var (
		item                Item
		valueJSON, metaJSON []byte
	)
	if err := row.Scan(&item.Key, &valueJSON, &metaJSON, &item.Document, &item.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSONColumns(&item, valueJSON, metaJSON); err != nil {
		return nil, err
	}
	return &item, nil
}

func decodeJSONColumns(item *Item, valueJSON, metaJSON []byte) error {
	if len(valueJSON) > 0 {
		if err := json.Unmarshal(valueJSON, &item.Value); err != nil {
			return fmt.Errorf("failed to decode value column: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &item.Metadata); err != nil {
			return fmt.Errorf("failed to decode metadata column: %w", err)
		}
	}
	return nil
}

func vectorLiteral(vector []float32) string {
	parts := make([]string, len(vector))
	for i, v := range vector {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
