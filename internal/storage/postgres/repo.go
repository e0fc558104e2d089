// Package postgres is the Postgres storage backend (pgx/v5 connection pool).
// Published tables are loaded with COPY.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"medallion/internal/records"
	"medallion/internal/storage"
)

// Repo implements storage.Repository for Postgres.
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New creates a pool for cfg.DSN and verifies it with a ping.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WithHint(errors.Wrap(err, "postgres: ping"), "check the publish/runlog DSN and that the server is reachable")
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, q := range []string{buildRunsDDL(), buildRunsIndexDDL()} {
		if _, err := r.pool.Exec(ctx, q); err != nil {
			return errors.Wrapf(err, "postgres: create %s", storage.RunsTable)
		}
	}
	return nil
}

func (r *Repo) RecordRun(ctx context.Context, rec storage.RunRecord) error {
	var finished any
	if !rec.FinishedAt.IsZero() {
		finished = rec.FinishedAt.UTC()
	}
	_, err := r.pool.Exec(ctx, buildUpsertRunSQL(),
		rec.RunID, rec.PipelineID, rec.Kind, rec.Status,
		rec.StartedAt.UTC(), finished,
		rec.RowsRead, rec.RowsWritten, rec.Inserted, rec.Updated,
		rec.Error,
	)
	return errors.Wrapf(err, "postgres: record run %s", rec.RunID)
}

func (r *Repo) RecentRuns(ctx context.Context, pipelineID string, limit int) ([]storage.RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	q := fmt.Sprintf(
		"SELECT %s FROM %s WHERE pipeline_id = $1 ORDER BY started_at DESC, run_id DESC LIMIT $2",
		joinIdents(storage.RunColumns), pgIdent(storage.RunsTable),
	)
	rows, err := r.pool.Query(ctx, q, pipelineID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: query runs")
	}
	defer rows.Close()

	var out []storage.RunRecord
	for rows.Next() {
		var (
			rec      storage.RunRecord
			finished *time.Time
			kind     *string
			msg      *string
		)
		if err := rows.Scan(
			&rec.RunID, &rec.PipelineID, &kind, &rec.Status, &rec.StartedAt, &finished,
			&rec.RowsRead, &rec.RowsWritten, &rec.Inserted, &rec.Updated, &msg,
		); err != nil {
			return nil, errors.Wrap(err, "postgres: scan run")
		}
		if kind != nil {
			rec.Kind = *kind
		}
		if msg != nil {
			rec.Error = *msg
		}
		if finished != nil {
			rec.FinishedAt = finished.UTC()
		}
		rec.StartedAt = rec.StartedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReplaceTable drops and recreates table, then streams b with COPY, all in
// one transaction.
func (r *Repo) ReplaceTable(ctx context.Context, table string, b *records.Batch) (int64, error) {
	if err := storage.ValidateTableName(table); err != nil {
		return 0, err
	}
	cols, err := storage.ColumnsOf(b)
	if err != nil {
		return 0, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "postgres: begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, q := range buildReplaceDDL(table, cols) {
		if _, err := tx.Exec(ctx, q); err != nil {
			return 0, errors.Wrapf(err, "postgres: prepare %s", table)
		}
	}

	n, err := tx.CopyFrom(ctx, identifierFor(table), b.Columns, pgx.CopyFromRows(b.Rows))
	if err != nil {
		return 0, errors.Wrapf(err, "postgres: copy into %s", table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "postgres: commit")
	}
	return n, nil
}

func buildRunsDDL() string {
	return `CREATE TABLE IF NOT EXISTS ` + pgIdent(storage.RunsTable) + ` (
	run_id TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL,
	kind TEXT,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	rows_read BIGINT NOT NULL DEFAULT 0,
	rows_written BIGINT NOT NULL DEFAULT 0,
	inserted BIGINT NOT NULL DEFAULT 0,
	updated BIGINT NOT NULL DEFAULT 0,
	error TEXT
)`
}

func buildRunsIndexDDL() string {
	return `CREATE INDEX IF NOT EXISTS ` + pgIdent(storage.RunsTable+"_pipeline_started") +
		` ON ` + pgIdent(storage.RunsTable) + ` (pipeline_id, started_at DESC)`
}

// buildUpsertRunSQL inserts a run or overwrites every column but run_id.
func buildUpsertRunSQL() string {
	cols := storage.RunColumns
	ph := make([]string, len(cols))
	set := make([]string, 0, len(cols)-1)
	for i, c := range cols {
		ph[i] = fmt.Sprintf("$%d", i+1)
		if c != "run_id" {
			set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c), pgIdent(c)))
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		pgIdent(storage.RunsTable), joinIdents(cols), strings.Join(ph, ", "),
		pgIdent("run_id"), strings.Join(set, ", "),
	)
}

// buildReplaceDDL returns the statements that leave an empty table shaped
// like cols: CREATE SCHEMA for qualified names, DROP, CREATE.
func buildReplaceDDL(table string, cols []storage.ColumnSpec) []string {
	var out []string
	if schema, _ := splitQualifiedName(table); schema != "" {
		out = append(out, "CREATE SCHEMA IF NOT EXISTS "+pgIdent(schema))
	}
	ident := pgTableIdent(table)
	out = append(out, "DROP TABLE IF EXISTS "+ident)

	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = pgIdent(c.Name) + " " + pgType(c.Kind)
	}
	out = append(out, fmt.Sprintf("CREATE TABLE %s (%s)", ident, strings.Join(defs, ", ")))
	return out
}

func pgType(k records.Kind) string {
	switch k {
	case records.KindBool:
		return "BOOLEAN"
	case records.KindInt:
		return "BIGINT"
	case records.KindFloat:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

// splitQualifiedName splits "schema.table". Unqualified names return an
// empty schema.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func identifierFor(name string) pgx.Identifier {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgx.Identifier{table}
	}
	return pgx.Identifier{schema, table}
}

func pgIdent(id string) string {
	return pgx.Identifier{id}.Sanitize()
}

func pgTableIdent(name string) string {
	return identifierFor(name).Sanitize()
}

func joinIdents(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = pgIdent(c)
	}
	return strings.Join(q, ", ")
}
