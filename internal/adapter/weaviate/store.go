package weaviate

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"clinrag/backend/internal/retrieval"
	"clinrag/backend/internal/vector"
	"clinrag/backend/internal/worker"
)

// ErrIndexStore marks vector database failures (connectivity, quota). An
// ingestion run hitting it fails for the affected source, prior state
// untouched.
var ErrIndexStore = errors.New("index store error")

// chunkNamespace derives Weaviate object UUIDs from chunk ids, so writing
// the same chunk twice overwrites rather than duplicates.
var chunkNamespace = uuid.MustParse("9f2c1a60-33fd-4b9e-8a15-6f4fd7a0c2d1")

func ObjectID(chunkID string) string {
	return uuid.NewSHA1(chunkNamespace, []byte(chunkID)).String()
}

type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return vector.EnsureSchema(ctx, vector.NewWeaviateClientAdapter(s.client))
}

// UpsertChunks writes chunks with deterministic object ids; upsert is
// idempotent on chunk id.
func (s *Store) UpsertChunks(ctx context.Context, chunks []worker.IndexedChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	objects := make([]*models.Object, len(chunks))
	for i, ic := range chunks {
		c := ic.Chunk
		pageFirst, pageLast, locator := c.Span()
		objects[i] = &models.Object{
			Class: vector.ClassName,
			ID:    strfmt.UUID(ObjectID(c.ID)),
			Properties: map[string]interface{}{
				"content":     c.Text,
				"chunkId":     c.ID,
				"sourceId":    c.SourceID,
				"version":     c.Version,
				"pass":        string(c.Pass),
				"sectionPath": c.SectionPath,
				"kind":        string(c.Kind),
				"pageFirst":   pageFirst,
				"pageLast":    pageLast,
				"locator":     locator,
				"chunkIndex":  c.Index,
				"contentHash": c.ContentHash,
			},
			Vector: ic.Vector,
		}
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexStore, err)
	}
	for _, obj := range resp {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return fmt.Errorf("%w: object %s: %s", ErrIndexStore, obj.ID, obj.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// DeleteBySource removes every chunk of the source with a version older
// than beforeVersion. Passing beforeVersion <= 0 removes all versions.
func (s *Store) DeleteBySource(ctx context.Context, sourceID string, beforeVersion int) error {
	where := filters.Where().
		WithPath([]string{"sourceId"}).
		WithOperator(filters.Equal).
		WithValueString(sourceID)

	if beforeVersion > 0 {
		where = filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				where,
				filters.Where().
					WithPath([]string{"version"}).
					WithOperator(filters.LessThan).
					WithValueInt(int64(beforeVersion)),
			})
	}

	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexStore, err)
	}
	return nil
}

// DeleteChunks removes individual chunks by chunk id.
func (s *Store) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	where := filters.Where().
		WithPath([]string{"chunkId"}).
		WithOperator(filters.ContainsAny).
		WithValueString(chunkIDs...)

	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexStore, err)
	}
	return nil
}

// Search returns the nearest chunks to the query vector, ranked by the
// store's distance metric, optionally narrowed by metadata filters.
func (s *Store) Search(ctx context.Context, queryVector []float32, limit int, f *retrieval.Filters) ([]retrieval.Hit, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(queryVector)

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "chunkId"},
		{Name: "sourceId"},
		{Name: "version"},
		{Name: "pass"},
		{Name: "sectionPath"},
		{Name: "kind"},
		{Name: "pageFirst"},
		{Name: "pageLast"},
		{Name: "locator"},
		{Name: "chunkIndex"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	query := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithNearVector(nearVector).
		WithLimit(limit).
		WithFields(fields...)

	if where := buildWhere(f); where != nil {
		query = query.WithWhere(where)
	}

	res, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexStore, err)
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("%w: graphql: %v", ErrIndexStore, res.Errors[0].Message)
	}

	var hits []retrieval.Hit
	data, ok := res.Data["Get"].(map[string]interface{})
	if !ok {
		return hits, nil
	}
	rows, ok := data[vector.ClassName].([]interface{})
	if !ok {
		return hits, nil
	}

	for _, row := range rows {
		props, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		hit := retrieval.Hit{}
		if v, ok := props["content"].(string); ok {
			hit.Content = v
		}
		if v, ok := props["chunkId"].(string); ok {
			hit.ChunkID = v
		}
		if v, ok := props["sourceId"].(string); ok {
			hit.SourceID = v
		}
		if v, ok := props["version"].(float64); ok {
			hit.Version = int(v)
		}
		if v, ok := props["pass"].(string); ok {
			hit.Pass = v
		}
		if v, ok := props["sectionPath"].(string); ok {
			hit.SectionPath = v
		}
		if v, ok := props["kind"].(string); ok {
			hit.Kind = v
		}
		if v, ok := props["pageFirst"].(float64); ok {
			hit.PageFirst = int(v)
		}
		if v, ok := props["pageLast"].(float64); ok {
			hit.PageLast = int(v)
		}
		if v, ok := props["locator"].(string); ok {
			hit.Locator = v
		}
		if v, ok := props["chunkIndex"].(float64); ok {
			hit.ChunkIndex = int(v)
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if v, ok := additional["certainty"].(float64); ok {
				hit.Score = v
			}
		}
		hits = append(hits, hit)
	}

	return hits, nil
}

// CountChunks reports the number of live objects in the index.
func (s *Store) CountChunks(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIndexStore, err)
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("%w: graphql: %v", ErrIndexStore, res.Errors[0].Message)
	}

	if agg, ok := res.Data["Aggregate"].(map[string]interface{}); ok {
		if rows, ok := agg[vector.ClassName].([]interface{}); ok && len(rows) > 0 {
			if row, ok := rows[0].(map[string]interface{}); ok {
				if meta, ok := row["meta"].(map[string]interface{}); ok {
					if count, ok := meta["count"].(float64); ok {
						return int(count), nil
					}
				}
			}
		}
	}
	return 0, nil
}

func buildWhere(f *retrieval.Filters) *filters.WhereBuilder {
	if f == nil {
		return nil
	}

	var operands []*filters.WhereBuilder
	if len(f.SourceIDs) > 0 {
		operands = append(operands, filters.Where().
			WithPath([]string{"sourceId"}).
			WithOperator(filters.ContainsAny).
			WithValueString(f.SourceIDs...))
	}
	if f.SectionPrefix != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"sectionPath"}).
			WithOperator(filters.Like).
			WithValueString(f.SectionPrefix+"*"))
	}
	if len(f.Kinds) > 0 {
		operands = append(operands, filters.Where().
			WithPath([]string{"kind"}).
			WithOperator(filters.ContainsAny).
			WithValueString(f.Kinds...))
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().WithOperator(filters.And).WithOperands(operands)
	}
}
