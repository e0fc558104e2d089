// Package sqlite is the SQLite storage backend (modernc.org/sqlite, no cgo).
// It is the default run log, stored at <metadata>/runs.db.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"medallion/internal/records"
	"medallion/internal/storage"
)

// maxParams stays under SQLITE_MAX_VARIABLE_NUMBER of older builds.
const maxParams = 999

// Repo implements storage.Repository for SQLite.
//
// SQLite has no native timestamp type, so run timestamps are stored as
// fixed-width UTC text (see timeLayout) which sorts chronologically.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database at cfg.DSN. A plain file path gets its parent
// directory created first.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("sqlite: empty dsn")
	}
	if isFilePath(dsn) {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, errors.Wrapf(err, "sqlite: create directory for %s", dsn)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: open")
	}
	// One writer; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "sqlite: ping %s", dsn)
	}
	return &Repo{db: db}, nil
}

func isFilePath(dsn string) bool {
	return dsn != ":memory:" && !strings.HasPrefix(dsn, "file:")
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, q := range []string{buildRunsDDL(), buildRunsIndexDDL()} {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return errors.Wrapf(err, "sqlite: create %s", storage.RunsTable)
		}
	}
	return nil
}

// RecordRun upserts by run_id with INSERT OR REPLACE.
func (r *Repo) RecordRun(ctx context.Context, rec storage.RunRecord) error {
	q := fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		sqlIdent(storage.RunsTable),
		joinIdents(storage.RunColumns),
		strings.TrimRight(strings.Repeat("?,", len(storage.RunColumns)), ","),
	)
	var finished any
	if !rec.FinishedAt.IsZero() {
		finished = formatSQLiteTime(rec.FinishedAt)
	}
	_, err := r.db.ExecContext(ctx, q,
		rec.RunID, rec.PipelineID, rec.Kind, rec.Status,
		formatSQLiteTime(rec.StartedAt), finished,
		rec.RowsRead, rec.RowsWritten, rec.Inserted, rec.Updated,
		rec.Error,
	)
	return errors.Wrapf(err, "sqlite: record run %s", rec.RunID)
}

func (r *Repo) RecentRuns(ctx context.Context, pipelineID string, limit int) ([]storage.RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	q := fmt.Sprintf(
		"SELECT %s FROM %s WHERE pipeline_id = ? ORDER BY started_at DESC, run_id DESC LIMIT ?",
		joinIdents(storage.RunColumns), sqlIdent(storage.RunsTable),
	)
	rows, err := r.db.QueryContext(ctx, q, pipelineID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: query runs")
	}
	defer rows.Close()

	var out []storage.RunRecord
	for rows.Next() {
		var (
			rec      storage.RunRecord
			started  string
			finished sql.NullString
			kind     sql.NullString
			msg      sql.NullString
		)
		if err := rows.Scan(
			&rec.RunID, &rec.PipelineID, &kind, &rec.Status, &started, &finished,
			&rec.RowsRead, &rec.RowsWritten, &rec.Inserted, &rec.Updated, &msg,
		); err != nil {
			return nil, errors.Wrap(err, "sqlite: scan run")
		}
		rec.Kind, rec.Error = kind.String, msg.String
		if rec.StartedAt, err = parseSQLiteTime(started); err != nil {
			return nil, errors.Wrapf(err, "sqlite: run %s started_at", rec.RunID)
		}
		if finished.Valid && finished.String != "" {
			if rec.FinishedAt, err = parseSQLiteTime(finished.String); err != nil {
				return nil, errors.Wrapf(err, "sqlite: run %s finished_at", rec.RunID)
			}
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
		return 0, errors.Wrap(err, "sqlite: begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+tableIdent(table)); err != nil {
		return 0, errors.Wrapf(err, "sqlite: drop %s", table)
	}
	if _, err := tx.ExecContext(ctx, buildCreateTableSQL(table, cols)); err != nil {
		return 0, errors.Wrapf(err, "sqlite: create %s", table)
	}

	var n int64
	for _, chunk := range storage.ChunkRows(b.Rows, len(b.Columns), maxParams) {
		q, args := buildInsertSQL(table, b.Columns, chunk)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, errors.Wrapf(err, "sqlite: insert into %s", table)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "sqlite: commit")
	}
	return n, nil
}

func buildRunsDDL() string {
	return `CREATE TABLE IF NOT EXISTS ` + sqlIdent(storage.RunsTable) + ` (
	run_id TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL,
	kind TEXT,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	rows_read INTEGER NOT NULL DEFAULT 0,
	rows_written INTEGER NOT NULL DEFAULT 0,
	inserted INTEGER NOT NULL DEFAULT 0,
	updated INTEGER NOT NULL DEFAULT 0,
	error TEXT
)`
}

func buildRunsIndexDDL() string {
	return `CREATE INDEX IF NOT EXISTS ` + sqlIdent(storage.RunsTable+"_pipeline_started") +
		` ON ` + sqlIdent(storage.RunsTable) + ` (pipeline_id, started_at)`
}

func buildCreateTableSQL(table string, cols []storage.ColumnSpec) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(tableIdent(table))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c.Name))
		b.WriteByte(' ')
		b.WriteString(sqliteType(c.Kind))
	}
	b.WriteString(")")
	return b.String()
}

func sqliteType(k records.Kind) string {
	switch k {
	case records.KindBool, records.KindInt:
		return "INTEGER"
	case records.KindFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(tableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")

	row := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
		args = append(args, r...)
	}
	return b.String(), args
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// tableIdent quotes each part of "schema.table".
func tableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = sqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func joinIdents(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = sqlIdent(c)
	}
	return strings.Join(q, ", ")
}

// timeLayout is RFC3339 with a fixed nine-digit fraction, so stored values
// compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseSQLiteTime parses timestamps returned by SQLite into time.Time.
//
// Supported formats:
//   - RFC3339Nano (what we write)
//   - RFC3339
//   - "2006-01-02 15:04:05Z07:00" and its fractional form
//   - "2006-01-02 15:04:05" (CURRENT_TIMESTAMP), assumed UTC
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02 15:04:05" {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UTC(), nil
			}
			continue
		}
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf("unsupported time format: %q", s)
}
