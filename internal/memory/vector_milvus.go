package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/pkg/models"
)

const milvusCollection = "loom_chunks"

// MilvusVector is the L2 driver for Milvus. Dense search runs server
// side; the keyword component is applied client side over an expanded
// candidate set, then mixed by alpha like the other drivers.
type MilvusVector struct {
	c    client.Client
	dims int
}

// NewMilvusVector connects to a Milvus instance.
func NewMilvusVector(ctx context.Context, addr string, dims int) (*MilvusVector, error) {
	c, err := client.NewClient(ctx, client.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("milvus connect: %w", err)
	}
	log.Info().Str("addr", addr).Int("dims", dims).Msg("milvus driver connected")
	return &MilvusVector{c: c, dims: dims}, nil
}

func (v *MilvusVector) Kind() string { return "milvus" }

func (v *MilvusVector) EnsureSchema(ctx context.Context) error {
	has, err := v.c.HasCollection(ctx, milvusCollection)
	if err != nil {
		return fmt.Errorf("milvus has collection: %w", err)
	}
	if !has {
		schema := entity.NewSchema().
			WithName(milvusCollection).
			WithDescription("semantic memory chunks").
			WithField(entity.NewField().WithName("id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64).WithIsPrimaryKey(true)).
			WithField(entity.NewField().WithName("content").WithDataType(entity.FieldTypeVarChar).WithMaxLength(65535)).
			WithField(entity.NewField().WithName("source_uri").WithDataType(entity.FieldTypeVarChar).WithMaxLength(2048)).
			WithField(entity.NewField().WithName("domain").WithDataType(entity.FieldTypeVarChar).WithMaxLength(16)).
			WithField(entity.NewField().WithName("ts").WithDataType(entity.FieldTypeVarChar).WithMaxLength(32)).
			WithField(entity.NewField().WithName("confidence").WithDataType(entity.FieldTypeDouble)).
			WithField(entity.NewField().WithName("metadata").WithDataType(entity.FieldTypeVarChar).WithMaxLength(65535)).
			WithField(entity.NewField().WithName("tombstoned").WithDataType(entity.FieldTypeBool)).
			WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(v.dims)))
		if err := v.c.CreateCollection(ctx, schema, 1); err != nil {
			return fmt.Errorf("milvus create collection: %w", err)
		}
		idx, err := entity.NewIndexAUTOINDEX(entity.COSINE)
		if err != nil {
			return fmt.Errorf("milvus index: %w", err)
		}
		if err := v.c.CreateIndex(ctx, milvusCollection, "vector", idx, false); err != nil {
			return fmt.Errorf("milvus create index: %w", err)
		}
	}
	if err := v.c.LoadCollection(ctx, milvusCollection, false); err != nil {
		return fmt.Errorf("milvus load collection: %w", err)
	}
	return nil
}

func (v *MilvusVector) Upsert(ctx context.Context, chunks []models.DocChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	n := len(chunks)
	ids := make([]string, n)
	contents := make([]string, n)
	sources := make([]string, n)
	domains := make([]string, n)
	stamps := make([]string, n)
	confidences := make([]float64, n)
	metas := make([]string, n)
	tombstones := make([]bool, n)
	vectors := make([][]float32, n)

	for i, c := range chunks {
		ids[i] = c.ID
		contents[i] = c.Content
		sources[i] = c.SourceURI
		domains[i] = string(c.Domain)
		ts := c.Timestamp
		if ts.IsZero() {
			ts = models.UTCNow()
		}
		stamps[i] = models.FormatTime(ts)
		confidences[i] = c.Confidence
		meta, _ := json.Marshal(c.Metadata)
		metas[i] = string(meta)
		tombstones[i] = false
		vectors[i] = toFloat32(c.Vector)
	}

	_, err := v.c.Upsert(ctx, milvusCollection, "",
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnVarChar("content", contents),
		entity.NewColumnVarChar("source_uri", sources),
		entity.NewColumnVarChar("domain", domains),
		entity.NewColumnVarChar("ts", stamps),
		entity.NewColumnDouble("confidence", confidences),
		entity.NewColumnVarChar("metadata", metas),
		entity.NewColumnBool("tombstoned", tombstones),
		entity.NewColumnFloatVector("vector", v.dims, vectors),
	)
	if err != nil {
		return fmt.Errorf("milvus upsert: %w", err)
	}
	return nil
}

func (v *MilvusVector) Search(ctx context.Context, queryVec []float64, queryText string, domain models.Domain, k int, alpha float64, filters map[string]string) ([]models.SearchResult, error) {
	expr := "tombstoned == false"
	if domain != models.DomainShared {
		expr += fmt.Sprintf(` && domain in ["%s", "shared"]`, string(domain))
	}

	// Over-fetch for the client-side keyword mix.
	fetch := 4 * k
	if fetch < 20 {
		fetch = 20
	}

	sp, err := entity.NewIndexAUTOINDEXSearchParam(1)
	if err != nil {
		return nil, fmt.Errorf("milvus search param: %w", err)
	}
	fields := []string{"id", "content", "source_uri", "domain", "ts", "confidence", "metadata"}
	res, err := v.c.Search(ctx, milvusCollection, nil, expr, fields,
		[]entity.Vector{entity.FloatVector(toFloat32(queryVec))}, "vector", entity.COSINE, fetch, sp)
	if err != nil {
		return nil, fmt.Errorf("milvus search: %w", err)
	}

	queryTokens := tokenize(queryText)
	var results []models.SearchResult
	for _, rs := range res {
		for i := 0; i < rs.ResultCount; i++ {
			c, err := milvusChunk(rs.Fields, i)
			if err != nil {
				return nil, err
			}
			if !matchFilters(c.Metadata, filters) {
				continue
			}
			dense := float64(rs.Scores[i])
			lexical := tokenOverlap(queryTokens, tokenize(c.Content))
			results = append(results, models.SearchResult{
				Chunk: c,
				Score: alpha*dense + (1-alpha)*lexical,
			})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func milvusChunk(fields client.ResultSet, i int) (models.DocChunk, error) {
	var c models.DocChunk
	get := func(name string) string {
		col := fields.GetColumn(name)
		if col == nil {
			return ""
		}
		s, _ := col.GetAsString(i)
		return s
	}
	c.ID = get("id")
	c.Content = get("content")
	c.SourceURI = get("source_uri")
	c.Domain = models.Domain(get("domain"))
	if ts, err := time.Parse(time.RFC3339, get("ts")); err == nil {
		c.Timestamp = ts
	}
	if col := fields.GetColumn("confidence"); col != nil {
		c.Confidence, _ = col.GetAsDouble(i)
	}
	if raw := get("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.Metadata); err != nil {
			return c, fmt.Errorf("milvus metadata decode for %s: %w", c.ID, err)
		}
	}
	return c, nil
}

func (v *MilvusVector) DeleteBySource(ctx context.Context, sourceURI string) (int, error) {
	expr := fmt.Sprintf(`source_uri == "%s"`, escapeExpr(sourceURI))
	n, err := v.countExpr(ctx, expr)
	if err != nil {
		return 0, err
	}
	if err := v.c.Delete(ctx, milvusCollection, "", expr); err != nil {
		return 0, fmt.Errorf("milvus delete: %w", err)
	}
	return n, nil
}

// TombstoneBySource re-upserts matching rows with the flag set; Milvus
// has no in-place update, so rows are read back first.
func (v *MilvusVector) TombstoneBySource(ctx context.Context, sourceURI string) (int, error) {
	expr := fmt.Sprintf(`source_uri == "%s" && tombstoned == false`, escapeExpr(sourceURI))
	fields := []string{"id", "content", "source_uri", "domain", "ts", "confidence", "metadata", "vector"}
	rs, err := v.c.Query(ctx, milvusCollection, nil, expr, fields)
	if err != nil {
		return 0, fmt.Errorf("milvus tombstone query: %w", err)
	}

	idCol := rs.GetColumn("id")
	if idCol == nil || idCol.Len() == 0 {
		return 0, nil
	}
	n := idCol.Len()

	chunks := make([]models.DocChunk, 0, n)
	vecCol := rs.GetColumn("vector")
	for i := 0; i < n; i++ {
		c, err := milvusChunk(rs, i)
		if err != nil {
			return 0, err
		}
		if c.Metadata == nil {
			c.Metadata = map[string]string{}
		}
		c.Metadata["tombstoned"] = "true"
		if fv, ok := vecCol.(*entity.ColumnFloatVector); ok {
			c.Vector = toFloat64(fv.Data()[i])
		}
		chunks = append(chunks, c)
	}

	// Re-upsert with the flag set.
	if err := v.upsertTombstoned(ctx, chunks); err != nil {
		return 0, err
	}
	return n, nil
}

func (v *MilvusVector) upsertTombstoned(ctx context.Context, chunks []models.DocChunk) error {
	n := len(chunks)
	if n == 0 {
		return nil
	}
	ids := make([]string, n)
	contents := make([]string, n)
	sources := make([]string, n)
	domains := make([]string, n)
	stamps := make([]string, n)
	confidences := make([]float64, n)
	metas := make([]string, n)
	tombstones := make([]bool, n)
	vectors := make([][]float32, n)
	for i, c := range chunks {
		ids[i] = c.ID
		contents[i] = c.Content
		sources[i] = c.SourceURI
		domains[i] = string(c.Domain)
		stamps[i] = models.FormatTime(c.Timestamp)
		confidences[i] = c.Confidence
		meta, _ := json.Marshal(c.Metadata)
		metas[i] = string(meta)
		tombstones[i] = true
		vectors[i] = toFloat32(c.Vector)
	}
	_, err := v.c.Upsert(ctx, milvusCollection, "",
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnVarChar("content", contents),
		entity.NewColumnVarChar("source_uri", sources),
		entity.NewColumnVarChar("domain", domains),
		entity.NewColumnVarChar("ts", stamps),
		entity.NewColumnDouble("confidence", confidences),
		entity.NewColumnVarChar("metadata", metas),
		entity.NewColumnBool("tombstoned", tombstones),
		entity.NewColumnFloatVector("vector", v.dims, vectors),
	)
	if err != nil {
		return fmt.Errorf("milvus tombstone upsert: %w", err)
	}
	return nil
}

func (v *MilvusVector) ListChunks(ctx context.Context, limit int) ([]models.DocChunk, error) {
	fields := []string{"id", "content", "source_uri", "domain", "ts", "confidence", "metadata"}
	opts := []client.SearchQueryOptionFunc{}
	if limit > 0 {
		opts = append(opts, client.WithLimit(int64(limit)))
	}
	rs, err := v.c.Query(ctx, milvusCollection, nil, "tombstoned == false", fields, opts...)
	if err != nil {
		return nil, fmt.Errorf("milvus list: %w", err)
	}
	idCol := rs.GetColumn("id")
	if idCol == nil {
		return nil, nil
	}
	out := make([]models.DocChunk, 0, idCol.Len())
	for i := 0; i < idCol.Len(); i++ {
		c, err := milvusChunk(rs, i)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (v *MilvusVector) Count(ctx context.Context, domain models.Domain) (int, error) {
	expr := "tombstoned == false"
	if domain != "" {
		expr += fmt.Sprintf(` && domain == "%s"`, string(domain))
	}
	return v.countExpr(ctx, expr)
}

func (v *MilvusVector) countExpr(ctx context.Context, expr string) (int, error) {
	rs, err := v.c.Query(ctx, milvusCollection, nil, expr, []string{"id"})
	if err != nil {
		return 0, fmt.Errorf("milvus count: %w", err)
	}
	idCol := rs.GetColumn("id")
	if idCol == nil {
		return 0, nil
	}
	return idCol.Len(), nil
}

func (v *MilvusVector) HealthCheck(ctx context.Context) error {
	_, err := v.c.HasCollection(ctx, milvusCollection)
	return err
}

func (v *MilvusVector) Close() {
	_ = v.c.Close()
}

// ── Helpers ──────────────────────────────────────────────────

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func escapeExpr(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
