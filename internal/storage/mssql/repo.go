// Package mssql is the Microsoft SQL Server storage backend.
//
// This package does not import a driver. The "sqlserver" driver is
// registered by medallion/internal/storage/all.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"medallion/internal/records"
	"medallion/internal/storage"
)

// maxParams stays under SQL Server's 2100 parameters per request.
const maxParams = 2000

// Repo implements storage.Repository for SQL Server.
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New opens cfg.DSN with the "sqlserver" driver and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "mssql: open")
	}
	raw.SetMaxOpenConns(8)
	raw.SetMaxIdleConns(8)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, errors.Wrap(err, "mssql: ping")
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, q := range []string{buildRunsDDL(), buildRunsIndexDDL()} {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return errors.Wrapf(err, "mssql: create %s", storage.RunsTable)
		}
	}
	return nil
}

func (r *Repo) RecordRun(ctx context.Context, rec storage.RunRecord) error {
	var finished any
	if !rec.FinishedAt.IsZero() {
		finished = rec.FinishedAt.UTC()
	}
	_, err := r.db.ExecContext(ctx, buildMergeRunSQL(),
		rec.RunID, rec.PipelineID, rec.Kind, rec.Status,
		rec.StartedAt.UTC(), finished,
		rec.RowsRead, rec.RowsWritten, rec.Inserted, rec.Updated,
		rec.Error,
	)
	return errors.Wrapf(err, "mssql: record run %s", rec.RunID)
}

func (r *Repo) RecentRuns(ctx context.Context, pipelineID string, limit int) ([]storage.RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	q := fmt.Sprintf(
		"SELECT TOP (@p2) %s FROM %s WHERE [pipeline_id] = @p1 ORDER BY [started_at] DESC, [run_id] DESC",
		joinIdents(storage.RunColumns), mssqlIdent(storage.RunsTable),
	)
	rows, err := r.db.QueryContext(ctx, q, pipelineID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "mssql: query runs")
	}
	defer rows.Close()

	var out []storage.RunRecord
	for rows.Next() {
		var (
			rec      storage.RunRecord
			finished sql.NullTime
			kind     sql.NullString
			msg      sql.NullString
		)
		if err := rows.Scan(
			&rec.RunID, &rec.PipelineID, &kind, &rec.Status, &rec.StartedAt, &finished,
			&rec.RowsRead, &rec.RowsWritten, &rec.Inserted, &rec.Updated, &msg,
		); err != nil {
			return nil, errors.Wrap(err, "mssql: scan run")
		}
		rec.Kind, rec.Error = kind.String, msg.String
		rec.StartedAt = rec.StartedAt.UTC()
		if finished.Valid {
			rec.FinishedAt = finished.Time.UTC()
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repo) ReplaceTable(ctx context.Context, table string, b *records.Batch) (int64, error) {
	if err := storage.ValidateTableName(table); err != nil {
		return 0, err
	}
	cols, err := storage.ColumnsOf(b)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "mssql: begin")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, q := range buildReplaceDDL(table, cols) {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return 0, errors.Wrapf(err, "mssql: prepare %s", table)
		}
	}

	var n int64
	for _, chunk := range storage.ChunkRows(b.Rows, len(b.Columns), maxParams) {
		q, args := buildBulkInsertSQL(table, b.Columns, chunk)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, errors.Wrapf(err, "mssql: insert into %s", table)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "mssql: commit")
	}
	committed = true
	return n, nil
}

func buildRunsDDL() string {
	return wrapCreateIfMissing(storage.RunsTable, strings.Join([]string{
		"[run_id] NVARCHAR(64) NOT NULL PRIMARY KEY",
		"[pipeline_id] NVARCHAR(256) NOT NULL",
		"[kind] NVARCHAR(32) NULL",
		"[status] NVARCHAR(32) NOT NULL",
		"[started_at] DATETIME2 NOT NULL",
		"[finished_at] DATETIME2 NULL",
		"[rows_read] BIGINT NOT NULL DEFAULT 0",
		"[rows_written] BIGINT NOT NULL DEFAULT 0",
		"[inserted] BIGINT NOT NULL DEFAULT 0",
		"[updated] BIGINT NOT NULL DEFAULT 0",
		"[error] NVARCHAR(MAX) NULL",
	}, ", "))
}

func buildRunsIndexDDL() string {
	name := storage.RunsTable + "_pipeline_started"
	return fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s') CREATE INDEX %s ON %s ([pipeline_id], [started_at] DESC);",
		name, mssqlIdent(name), mssqlIdent(storage.RunsTable),
	)
}

// wrapCreateIfMissing guards CREATE TABLE with an OBJECT_ID check.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		tableName,
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// buildMergeRunSQL upserts one run keyed by run_id.
func buildMergeRunSQL() string {
	cols := storage.RunColumns
	src := make([]string, len(cols))
	set := make([]string, 0, len(cols)-1)
	vals := make([]string, len(cols))
	for i, c := range cols {
		id := mssqlIdent(c)
		src[i] = fmt.Sprintf("@p%d AS %s", i+1, id)
		vals[i] = "s." + id
		if c != "run_id" {
			set = append(set, fmt.Sprintf("t.%s = s.%s", id, id))
		}
	}
	return fmt.Sprintf(
		"MERGE INTO %s WITH (HOLDLOCK) AS t USING (SELECT %s) AS s ON t.[run_id] = s.[run_id] "+
			"WHEN MATCHED THEN UPDATE SET %s "+
			"WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		mssqlIdent(storage.RunsTable), strings.Join(src, ", "),
		strings.Join(set, ", "),
		joinIdents(cols), strings.Join(vals, ", "),
	)
}

func buildReplaceDDL(table string, cols []storage.ColumnSpec) []string {
	var out []string
	if i := strings.IndexByte(table, '.'); i > 0 {
		schema := table[:i]
		out = append(out, fmt.Sprintf(
			"IF SCHEMA_ID(N'%s') IS NULL EXEC('CREATE SCHEMA %s');", schema, mssqlIdent(schema),
		))
	}
	ident := mssqlTableIdent(table)
	out = append(out, "DROP TABLE IF EXISTS "+ident+";")

	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = mssqlIdent(c.Name) + " " + mssqlType(c.Kind) + " NULL"
	}
	out = append(out, fmt.Sprintf("CREATE TABLE %s (%s);", ident, strings.Join(defs, ", ")))
	return out
}

func mssqlType(k records.Kind) string {
	switch k {
	case records.KindBool:
		return "BIT"
	case records.KindInt:
		return "BIGINT"
	case records.KindFloat:
		return "FLOAT"
	default:
		return "NVARCHAR(MAX)"
	}
}

func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args
}

// mssqlIdent returns a bracket-quoted identifier.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
//	"dbo.imports" -> [dbo].[imports]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func joinIdents(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = mssqlIdent(c)
	}
	return strings.Join(q, ", ")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
