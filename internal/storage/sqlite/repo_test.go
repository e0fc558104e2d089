package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"medallion/internal/records"
	"medallion/internal/storage"
)

func openTemp(t *testing.T) *Repo {
	t.Helper()
	ctx := context.Background()
	repo, err := storage.New(ctx, storage.Config{
		Kind: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "nested", "runs.db"),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(repo.Close)
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	// Idempotent.
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema (again): %v", err)
	}
	return repo.(*Repo)
}

func TestRecordRun_RecentRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := openTemp(t)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, status := range []string{"success", "failed", "success"} {
		rec := storage.RunRecord{
			RunID:       "run-" + string(rune('a'+i)),
			PipelineID:  "silver_revenues",
			Kind:        "merge",
			Status:      status,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			FinishedAt:  base.Add(time.Duration(i)*time.Minute + 1500*time.Millisecond),
			RowsRead:    int64(10 * i),
			RowsWritten: int64(5 * i),
		}
		if status == "failed" {
			rec.Error = "boom"
		}
		if err := repo.RecordRun(ctx, rec); err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}
	if err := repo.RecordRun(ctx, storage.RunRecord{
		RunID: "other", PipelineID: "gold", Status: "success", StartedAt: base,
	}); err != nil {
		t.Fatalf("RecordRun other: %v", err)
	}

	runs, err := repo.RecentRuns(ctx, "silver_revenues", 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != "run-c" || runs[1].RunID != "run-b" {
		t.Fatalf("unexpected order: %s, %s", runs[0].RunID, runs[1].RunID)
	}
	if runs[1].Error != "boom" || runs[1].Status != "failed" {
		t.Fatalf("failed run not preserved: %+v", runs[1])
	}
	if runs[0].Duration() != 1500*time.Millisecond {
		t.Fatalf("duration: %v", runs[0].Duration())
	}
	if runs[0].RowsRead != 20 || runs[0].RowsWritten != 10 {
		t.Fatalf("counters: %+v", runs[0])
	}
}

func TestRecordRun_UpsertsByRunID(t *testing.T) {
	ctx := context.Background()
	repo := openTemp(t)
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	running := storage.RunRecord{RunID: "r1", PipelineID: "p", Kind: "merge", Status: "running", StartedAt: start}
	if err := repo.RecordRun(ctx, running); err != nil {
		t.Fatal(err)
	}
	done := running
	done.Status = "success"
	done.FinishedAt = start.Add(time.Second)
	if err := repo.RecordRun(ctx, done); err != nil {
		t.Fatal(err)
	}

	runs, err := repo.RecentRuns(ctx, "p", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != "success" {
		t.Fatalf("expected one success row, got %+v", runs)
	}
	if !runs[0].FinishedAt.Equal(done.FinishedAt) {
		t.Fatalf("finished_at: %v", runs[0].FinishedAt)
	}
}

func TestReplaceTable(t *testing.T) {
	ctx := context.Background()
	repo := openTemp(t)

	first, _ := records.New([]string{"_sk_movie", "title", "imdb_rating", "is_enriched"},
		[]any{"a1", "Dune", 8.1, int64(1)},
		[]any{"b2", "Heat", nil, int64(0)},
	)
	n, err := repo.ReplaceTable(ctx, "dim_movies", first)
	if err != nil {
		t.Fatalf("ReplaceTable: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows written, got %d", n)
	}

	second, _ := records.New([]string{"_sk_movie", "title"}, []any{"c3", "Alien"})
	if _, err := repo.ReplaceTable(ctx, "dim_movies", second); err != nil {
		t.Fatalf("ReplaceTable (again): %v", err)
	}

	var count int
	if err := repo.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "dim_movies"`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("table not replaced, %d rows", count)
	}
	var title string
	if err := repo.db.QueryRowContext(ctx, `SELECT title FROM "dim_movies"`).Scan(&title); err != nil {
		t.Fatal(err)
	}
	if title != "Alien" {
		t.Fatalf("title=%q", title)
	}
}

func TestReplaceTable_ManyRowsChunked(t *testing.T) {
	ctx := context.Background()
	repo := openTemp(t)

	b := records.Empty("id", "v")
	for i := 0; i < 1200; i++ {
		b.Rows = append(b.Rows, []any{int64(i), "x"})
	}
	n, err := repo.ReplaceTable(ctx, "big", b)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1200 {
		t.Fatalf("wrote %d", n)
	}
}

func TestReplaceTable_RejectsBadName(t *testing.T) {
	repo := openTemp(t)
	b, _ := records.New([]string{"a"}, []any{1})
	if _, err := repo.ReplaceTable(context.Background(), `x"; DROP TABLE y; --`, b); err == nil {
		t.Fatalf("expected invalid table name error")
	}
}

func TestBuildCreateTableSQL(t *testing.T) {
	got := buildCreateTableSQL("main.fact", []storage.ColumnSpec{
		{Name: "id", Kind: records.KindInt},
		{Name: "revenue", Kind: records.KindFloat},
		{Name: "ok", Kind: records.KindBool},
		{Name: "title", Kind: records.KindString},
	})
	want := `CREATE TABLE "main"."fact" ("id" INTEGER, "revenue" REAL, "ok" INTEGER, "title" TEXT)`
	if got != want {
		t.Fatalf("got  %s\nwant %s", got, want)
	}
}

func TestBuildInsertSQL(t *testing.T) {
	q, args := buildInsertSQL("t", []string{"a", "b"}, [][]any{{1, 2}, {3, 4}})
	if !strings.HasSuffix(q, "VALUES (?,?), (?,?)") {
		t.Fatalf("unexpected sql: %s", q)
	}
	if len(args) != 4 || args[3] != 4 {
		t.Fatalf("unexpected args: %v", args)
	}
}
