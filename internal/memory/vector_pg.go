package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/pkg/models"
)

// PgVector is the L2 driver for PostgreSQL with the pgvector extension.
// Hybrid search mixes cosine similarity with ts_rank keyword score by
// alpha. Users supply their own Postgres with pgvector installed.
type PgVector struct {
	pool *pgxpool.Pool
	dims int
}

// NewPgVector connects and pings; EnsureSchema is separate so operators
// who manage DDL themselves can skip it.
func NewPgVector(ctx context.Context, connURL string, dims int) (*PgVector, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}
	log.Info().Int("dims", dims).Msg("pgvector driver connected")
	return &PgVector{pool: pool, dims: dims}, nil
}

func (v *PgVector) Kind() string { return "pgvector" }

func (v *PgVector) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS loom_chunks (
			id         TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			source_uri TEXT NOT NULL DEFAULT '',
			domain     TEXT NOT NULL,
			ts         TIMESTAMPTZ NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			metadata   JSONB NOT NULL DEFAULT '{}',
			tombstoned BOOLEAN NOT NULL DEFAULT FALSE,
			vector     vector(%d) NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_loom_chunks_domain ON loom_chunks (domain);
		CREATE INDEX IF NOT EXISTS idx_loom_chunks_source ON loom_chunks (source_uri);
		CREATE INDEX IF NOT EXISTS idx_loom_chunks_fts
			ON loom_chunks USING GIN (to_tsvector('english', content));
	`, v.dims)

	_, err := v.pool.Exec(ctx, ddl)
	if err != nil {
		return fmt.Errorf("pgvector schema: %w", err)
	}
	return nil
}

// Upsert writes chunks in one multi-row insert. IDs are content hashes,
// so a conflicting row is by definition the same content: DO NOTHING.
func (v *PgVector) Upsert(ctx context.Context, chunks []models.DocChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO loom_chunks (id, content, source_uri, domain, ts, confidence, metadata, vector) VALUES `)

	args := make([]any, 0, len(chunks)*8)
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*8 + 1
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base, base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		meta := c.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		ts := c.Timestamp
		if ts.IsZero() {
			ts = models.UTCNow()
		}
		args = append(args, c.ID, c.Content, c.SourceURI, string(c.Domain), ts, c.Confidence, meta, pgvectorArray(c.Vector))
	}
	sb.WriteString(` ON CONFLICT (id) DO NOTHING`)

	_, err := v.pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("pgvector upsert: %w", err)
	}
	return nil
}

func (v *PgVector) Search(ctx context.Context, queryVec []float64, queryText string, domain models.Domain, k int, alpha float64, filters map[string]string) ([]models.SearchResult, error) {
	query := `SELECT id, content, source_uri, domain, ts, confidence, metadata,
		$1::float8 * (1 - (vector <=> $2)) +
		(1 - $1::float8) * ts_rank(to_tsvector('english', content), plainto_tsquery('english', $3)) AS score
		FROM loom_chunks
		WHERE NOT tombstoned`

	args := []any{alpha, pgvectorArray(queryVec), queryText}
	argIdx := 4

	if domain != models.DomainShared {
		query += fmt.Sprintf(" AND domain IN ($%d, 'shared')", argIdx)
		args = append(args, string(domain))
		argIdx++
	}
	for key, val := range filters {
		query += fmt.Sprintf(" AND metadata->>$%d = $%d", argIdx, argIdx+1)
		args = append(args, key, val)
		argIdx += 2
	}

	query += fmt.Sprintf(" ORDER BY score DESC LIMIT $%d", argIdx)
	args = append(args, k)

	rows, err := v.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var c models.DocChunk
		var score float64
		if err := rows.Scan(&c.ID, &c.Content, &c.SourceURI, &c.Domain, &c.Timestamp, &c.Confidence, &c.Metadata, &score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		results = append(results, models.SearchResult{Chunk: c, Score: score})
	}
	return results, rows.Err()
}

func (v *PgVector) DeleteBySource(ctx context.Context, sourceURI string) (int, error) {
	tag, err := v.pool.Exec(ctx, "DELETE FROM loom_chunks WHERE source_uri = $1", sourceURI)
	if err != nil {
		return 0, fmt.Errorf("pgvector delete: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// TombstoneBySource flags matching rows; soft purge.
func (v *PgVector) TombstoneBySource(ctx context.Context, sourceURI string) (int, error) {
	tag, err := v.pool.Exec(ctx,
		"UPDATE loom_chunks SET tombstoned = TRUE WHERE source_uri = $1 AND NOT tombstoned", sourceURI)
	if err != nil {
		return 0, fmt.Errorf("pgvector tombstone: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (v *PgVector) ListChunks(ctx context.Context, limit int) ([]models.DocChunk, error) {
	rows, err := v.pool.Query(ctx,
		"SELECT id, content, source_uri, domain, ts, confidence, metadata FROM loom_chunks WHERE NOT tombstoned LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("pgvector list: %w", err)
	}
	defer rows.Close()

	var out []models.DocChunk
	for rows.Next() {
		var c models.DocChunk
		if err := rows.Scan(&c.ID, &c.Content, &c.SourceURI, &c.Domain, &c.Timestamp, &c.Confidence, &c.Metadata); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (v *PgVector) Count(ctx context.Context, domain models.Domain) (int, error) {
	var count int
	var err error
	if domain == "" {
		err = v.pool.QueryRow(ctx, "SELECT COUNT(*) FROM loom_chunks WHERE NOT tombstoned").Scan(&count)
	} else {
		err = v.pool.QueryRow(ctx, "SELECT COUNT(*) FROM loom_chunks WHERE domain = $1 AND NOT tombstoned", string(domain)).Scan(&count)
	}
	return count, err
}

func (v *PgVector) HealthCheck(ctx context.Context) error {
	return v.pool.Ping(ctx)
}

func (v *PgVector) Close() {
	v.pool.Close()
}

// pgvectorArray renders a float slice in pgvector's text format.
func pgvectorArray(vec []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sb.String()
}
