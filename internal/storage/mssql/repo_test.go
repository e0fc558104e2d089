package mssql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"

	"medallion/internal/records"
	"medallion/internal/storage"
)

type fakeTx struct {
	stmts      []string
	args       [][]any
	failOn     string
	committed  bool
	rolledBack bool
}

func (f *fakeTx) ExecContext(_ context.Context, q string, args ...any) (sql.Result, error) {
	if f.failOn != "" && strings.Contains(q, f.failOn) {
		return nil, errors.New("exec failed")
	}
	f.stmts = append(f.stmts, q)
	f.args = append(f.args, args)
	if strings.HasPrefix(q, "INSERT") {
		// One "(" for the column list, one per row.
		return driver.RowsAffected(int64(strings.Count(q, "(") - 1)), nil
	}
	return driver.RowsAffected(0), nil
}

func (f *fakeTx) Commit() error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback() error {
	f.rolledBack = true
	return nil
}

type fakeDB struct {
	tx    *fakeTx
	execs []string
}

func (f *fakeDB) ExecContext(_ context.Context, q string, _ ...any) (sql.Result, error) {
	f.execs = append(f.execs, q)
	return driver.RowsAffected(1), nil
}

func (f *fakeDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakeDB) BeginTx(context.Context, *sql.TxOptions) (txConn, error) { return f.tx, nil }
func (f *fakeDB) Close() error                                            { return nil }

func TestReplaceTable_StatementsInOneTransaction(t *testing.T) {
	tx := &fakeTx{}
	repo := &Repo{db: &fakeDB{tx: tx}}

	b, _ := records.New([]string{"_sk_movie", "revenue"},
		[]any{"a", 1.5},
		[]any{"b", 2.5},
	)
	if _, err := repo.ReplaceTable(context.Background(), "gold.fact_revenues", b); err != nil {
		t.Fatalf("ReplaceTable: %v", err)
	}
	if !tx.committed || tx.rolledBack {
		t.Fatalf("expected commit without rollback, committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
	if len(tx.stmts) != 4 {
		t.Fatalf("expected schema, drop, create, insert; got %q", tx.stmts)
	}
	if !strings.Contains(tx.stmts[0], "CREATE SCHEMA [gold]") {
		t.Fatalf("schema: %s", tx.stmts[0])
	}
	if tx.stmts[1] != "DROP TABLE IF EXISTS [gold].[fact_revenues];" {
		t.Fatalf("drop: %s", tx.stmts[1])
	}
	if tx.stmts[2] != "CREATE TABLE [gold].[fact_revenues] ([_sk_movie] NVARCHAR(MAX) NULL, [revenue] FLOAT NULL);" {
		t.Fatalf("create: %s", tx.stmts[2])
	}
	if len(tx.args[3]) != 4 {
		t.Fatalf("insert args: %v", tx.args[3])
	}
}

func TestReplaceTable_RollsBackOnError(t *testing.T) {
	tx := &fakeTx{failOn: "CREATE TABLE"}
	repo := &Repo{db: &fakeDB{tx: tx}}

	b, _ := records.New([]string{"a"}, []any{1})
	if _, err := repo.ReplaceTable(context.Background(), "t", b); err == nil {
		t.Fatalf("expected error")
	}
	if tx.committed || !tx.rolledBack {
		t.Fatalf("expected rollback, committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	db := &fakeDB{}
	repo := &Repo{db: db}
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(db.execs) != 2 {
		t.Fatalf("expected table + index DDL, got %d", len(db.execs))
	}
	if !strings.HasPrefix(db.execs[0], "IF OBJECT_ID(N'medallion_runs', N'U') IS NULL") {
		t.Fatalf("table DDL not guarded: %s", db.execs[0])
	}
	if !strings.HasPrefix(db.execs[1], "IF NOT EXISTS") {
		t.Fatalf("index DDL not guarded: %s", db.execs[1])
	}
}

func TestBuildMergeRunSQL(t *testing.T) {
	q := buildMergeRunSQL()
	if !strings.Contains(q, "@p11 AS [error]") {
		t.Fatalf("missing last parameter: %s", q)
	}
	if strings.Contains(q, "t.[run_id] = s.[run_id],") {
		t.Fatalf("run_id must not be updated: %s", q)
	}
	if !strings.HasSuffix(q, ";") {
		t.Fatalf("MERGE must be terminated: %s", q)
	}
}

func TestBuildBulkInsertSQL(t *testing.T) {
	q, args := buildBulkInsertSQL("dbo.t", []string{"a", "b"}, [][]any{{1, 2}, {3, 4}})
	want := "INSERT INTO [dbo].[t] ([a], [b]) VALUES (@p1, @p2), (@p3, @p4)"
	if q != want {
		t.Fatalf("got  %s\nwant %s", q, want)
	}
	if len(args) != 4 {
		t.Fatalf("args: %v", args)
	}
}

func TestIdentQuoting(t *testing.T) {
	if got := mssqlIdent("a]b"); got != "[a]]b]" {
		t.Fatalf("mssqlIdent: %s", got)
	}
	if got := mssqlType(records.KindBool); got != "BIT" {
		t.Fatalf("mssqlType: %s", got)
	}
	var _ storage.Repository = (*Repo)(nil)
}
