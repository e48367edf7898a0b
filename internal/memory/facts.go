package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/pkg/fault"
	"github.com/loomworks/loom/pkg/models"
)

// identRe accepts SQL identifiers only; everything else is rejected
// before it can reach a query string.
var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Facts is the L3 structured store. Rows are content addressed: the
// fact_id is the SHA-256 of the canonical JSON encoding of the data,
// so recording the same fact twice is a no-op.
type Facts struct {
	db *sqlx.DB
}

// NewFacts opens a Postgres-backed facts store.
func NewFacts(dsn string) (*Facts, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("facts connect: %w", err)
	}
	log.Info().Msg("facts store connected")
	return &Facts{db: db}, nil
}

// NewFactsFromDB wraps an existing connection. Used by tests and by
// callers that manage their own pool.
func NewFactsFromDB(db *sqlx.DB) *Facts {
	return &Facts{db: db}
}

// EnsureSchema creates the built-in tables. Additional fact tables are
// the caller's migration problem.
func (f *Facts) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS task_results (
			fact_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL DEFAULT '',
			task_type TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL DEFAULT '',
			success BOOLEAN NOT NULL DEFAULT FALSE,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			tokens_used BIGINT NOT NULL DEFAULT 0,
			execution_time_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS chunk_lineage (
			chunk_id TEXT PRIMARY KEY,
			source_uri TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			tombstoned BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_results_task ON task_results (task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_lineage_source ON chunk_lineage (source_uri)`,
	}
	for _, stmt := range ddl {
		if _, err := f.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("facts schema: %w", err)
		}
	}
	return nil
}

// FactID derives the content address for a fact. encoding/json emits
// map keys in sorted order, which makes the encoding canonical.
func FactID(data map[string]any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fault.Wrap(fault.Validation, err, "fact data not encodable")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// RecordFact inserts a row into table, with columns taken from the data
// keys. Conflicting fact_ids are ignored: same id means same fact.
func (f *Facts) RecordFact(ctx context.Context, table string, data map[string]any) (string, error) {
	if !identRe.MatchString(table) {
		return "", fault.Newf(fault.Validation, "invalid table name %q", table)
	}
	if len(data) == 0 {
		return "", fault.New(fault.Validation, "fact data required")
	}

	factID, err := FactID(data)
	if err != nil {
		return "", err
	}

	cols := make([]string, 0, len(data))
	for k := range data {
		if !identRe.MatchString(k) {
			return "", fault.Newf(fault.Validation, "invalid column name %q", k)
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)

	names := make([]string, 0, len(cols)+1)
	places := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	names = append(names, "fact_id")
	places = append(places, "$1")
	args = append(args, factID)
	for i, k := range cols {
		names = append(names, k)
		places = append(places, fmt.Sprintf("$%d", i+2))
		args = append(args, sqlValue(data[k]))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (fact_id) DO NOTHING",
		table, strings.Join(names, ", "), strings.Join(places, ", "),
	)
	res, err := f.db.ExecContext(ctx, query, args...)
	if err != nil {
		metrics.MemoryOps.WithLabelValues("l3", "record", "error").Inc()
		return "", fmt.Errorf("record fact in %s: %w", table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		metrics.MemoryOps.WithLabelValues("l3", "record", "dedup").Inc()
	} else {
		metrics.MemoryOps.WithLabelValues("l3", "record", "ok").Inc()
	}
	return factID, nil
}

// sqlValue flattens composite values to JSON so they fit scalar columns.
func sqlValue(v any) any {
	switch v.(type) {
	case map[string]any, []any, []string, []map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	default:
		return v
	}
}

// QueryFacts runs a caller-supplied SELECT and returns rows as maps.
func (f *Facts) QueryFacts(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := f.db.QueryxContext(ctx, query, args...)
	if err != nil {
		metrics.MemoryOps.WithLabelValues("l3", "query", "error").Inc()
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan fact row: %w", err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact rows: %w", err)
	}
	metrics.MemoryOps.WithLabelValues("l3", "query", "ok").Inc()
	return out, nil
}

// RecordLineage stores chunk provenance rows. Duplicate chunk_ids are
// ignored, matching the content-addressed L2 write.
func (f *Facts) RecordLineage(ctx context.Context, rows []models.LineageRow) error {
	if len(rows) == 0 {
		return nil
	}
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("INSERT INTO chunk_lineage (chunk_id, source_uri, domain, created_at) VALUES ")
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 4
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4)
		ts := r.CreatedAt
		if ts.IsZero() {
			ts = models.UTCNow()
		}
		args = append(args, r.ChunkID, r.SourceURI, string(r.Domain), ts)
	}
	sb.WriteString(" ON CONFLICT (chunk_id) DO NOTHING")

	if _, err := f.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("record lineage: %w", err)
	}
	return nil
}

// LineageChunkIDs returns the set of live chunk ids known to L3. The
// audit pass diffs this against what L2 actually holds.
func (f *Facts) LineageChunkIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := f.db.QueryxContext(ctx, "SELECT chunk_id FROM chunk_lineage WHERE NOT tombstoned")
	if err != nil {
		return nil, fmt.Errorf("lineage ids: %w", err)
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan lineage id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// PurgeLineage removes lineage for a source. Soft purge tombstones the
// rows so the audit trail survives; hard purge deletes them.
func (f *Facts) PurgeLineage(ctx context.Context, sourceURI string, hard bool) (int, error) {
	var (
		res sql.Result
		err error
	)
	if hard {
		res, err = f.db.ExecContext(ctx, "DELETE FROM chunk_lineage WHERE source_uri = $1", sourceURI)
	} else {
		res, err = f.db.ExecContext(ctx, "UPDATE chunk_lineage SET tombstoned = TRUE WHERE source_uri = $1 AND NOT tombstoned", sourceURI)
	}
	if err != nil {
		return 0, fmt.Errorf("purge lineage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func (f *Facts) HealthCheck(ctx context.Context) error {
	return f.db.PingContext(ctx)
}

func (f *Facts) Close() error {
	return f.db.Close()
}
