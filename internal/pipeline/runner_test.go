package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"medallion/internal/config"
	"medallion/internal/dataset"
	"medallion/internal/merge"
	"medallion/internal/records"
	"medallion/internal/storage"
	_ "medallion/internal/storage/sqlite"
	"medallion/internal/watermark"
)

const ing = config.DefaultIngestionColumn

type fixture struct {
	meta   string
	data   string
	now    int64
	runner *Runner
	runLog storage.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	f := &fixture{meta: filepath.Join(root, "metadata"), data: filepath.Join(root, "data"), now: 1000}

	runLog, err := storage.New(ctx, storage.Config{Kind: "sqlite", DSN: filepath.Join(f.meta, RunLogDB)})
	require.NoError(t, err)
	require.NoError(t, runLog.EnsureSchema(ctx))
	t.Cleanup(runLog.Close)
	f.runLog = runLog

	clock := func() time.Time { return time.Unix(f.now, 0) }
	r := NewRunner(f.meta, runLog)
	r.Status = watermark.NewStore(filepath.Join(f.meta, StatusDir), watermark.WithClock(clock))
	r.Now = clock
	seq := 0
	r.NewRunID = func() string {
		seq++
		return fmt.Sprintf("run-%03d", seq)
	}
	r.log = zaptest.NewLogger(t).Sugar()
	f.runner = r
	return f
}

func (f *fixture) writeConfig(t *testing.T, id string, cfg map[string]any) {
	t.Helper()
	cfg["pipeline_id"] = id
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	dir := filepath.Join(f.meta, ConfigDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), data, 0o644))
}

func (f *fixture) run(t *testing.T, id string) (*Report, error) {
	t.Helper()
	p, err := f.runner.Configs.Read(id)
	require.NoError(t, err)
	return f.runner.Run(context.Background(), p)
}

func (f *fixture) appendBronze(t *testing.T, rows ...[]any) {
	t.Helper()
	b, err := records.New([]string{"movie_id", "date", "revenue", ing}, rows...)
	require.NoError(t, err)
	_, err = dataset.Append(context.Background(), b, filepath.Join(f.data, "bronze"), dataset.FormatParquet, []string{ing})
	require.NoError(t, err)
}

func (f *fixture) silverConfig() map[string]any {
	return map[string]any{
		"kind": "merge",
		"source": map[string]any{
			"path":          filepath.Join(f.data, "bronze"),
			"format":        "parquet",
			"partition_col": ing,
			"incremental":   true,
		},
		"target":        map[string]any{"path": filepath.Join(f.data, "silver", "revenues.parquet")},
		"primary_keys":  []string{"movie_id", "date"},
		"business_keys": []string{"movie_id", "date"},
		"order_by":      []string{ing},
	}
}

func TestRun_MergeIncremental(t *testing.T) {
	f := newFixture(t)
	f.writeConfig(t, "silver_revenues", f.silverConfig())
	f.appendBronze(t,
		[]any{1, "2024-01-01", 500, 100},
		[]any{1, "2024-01-01", 700, 200},
		[]any{2, "2024-01-02", 300, 200},
	)

	rep, err := f.run(t, "silver_revenues")
	require.NoError(t, err)
	assert.Equal(t, watermark.StatusSuccess, rep.Status)
	assert.Equal(t, int64(0), rep.Watermark, "first run is a full load")
	assert.Equal(t, 3, rep.RowsRead)
	assert.Equal(t, 1, rep.Dedup.Removed)
	assert.Equal(t, merge.ModeFirstLoad, rep.Merge.Mode)
	assert.Equal(t, 2, rep.RowsWritten)

	f.now = 3000
	f.appendBronze(t, []any{1, "2024-01-01", 900, 2000})
	rep, err = f.run(t, "silver_revenues")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), rep.Watermark)
	assert.Equal(t, 1, rep.RowsRead, "only partitions after the watermark")
	assert.Equal(t, 1, rep.Updated)
	assert.Equal(t, 0, rep.Inserted)

	silver, err := dataset.ReadFile(context.Background(), filepath.Join(f.data, "silver", "revenues.parquet"), dataset.FormatParquet)
	require.NoError(t, err)
	require.Equal(t, 2, silver.Len())
	for _, r := range silver.Rows {
		if r[0] == int64(1) {
			assert.Equal(t, int64(900), r[2])
		}
	}

	f.now = 4000
	rep, err = f.run(t, "silver_revenues")
	require.NoError(t, err)
	assert.Equal(t, 0, rep.RowsRead)
	assert.Nil(t, rep.Merge, "empty delta skips the merge")
	assert.Equal(t, int64(4000), f.runner.Status.GetLastSuccessUnix("silver_revenues"), "empty delta still advances")

	runs, err := f.runLog.RecentRuns(context.Background(), "silver_revenues", 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-003", runs[0].RunID)
	assert.Equal(t, watermark.StatusSuccess, runs[0].Status)
}

func TestRun_FailureKeepsWatermark(t *testing.T) {
	f := newFixture(t)
	f.writeConfig(t, "silver_revenues", f.silverConfig())
	f.appendBronze(t, []any{1, "2024-01-01", 500, 100})

	_, err := f.run(t, "silver_revenues")
	require.NoError(t, err)

	f.now = 5000
	require.NoError(t, os.RemoveAll(filepath.Join(f.data, "bronze")))
	rep, err := f.run(t, "silver_revenues")
	require.Error(t, err)
	assert.True(t, errors.Is(err, dataset.ErrNotFound))
	assert.Equal(t, watermark.StatusFailed, rep.Status)

	rec, ok, err := f.runner.Status.Get("silver_revenues")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, watermark.StatusFailed, rec.LastRunStatus)
	assert.Equal(t, int64(5000), rec.LastRunTimestampUnix)
	assert.Equal(t, int64(1000), rec.LastSuccessTimestampUnix)

	runs, err := f.runLog.RecentRuns(context.Background(), "silver_revenues", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, watermark.StatusFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)
}

func TestRun_AppendStampsIngestionTime(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(f.data, "landing", "revenues.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("title,revenue\nDune,100\nHeat,50\n"), 0o644))

	f.writeConfig(t, "bronze_revenues", map[string]any{
		"kind":   "append",
		"source": map[string]any{"path": src, "format": "csv"},
		"target": map[string]any{
			"path":           filepath.Join(f.data, "bronze"),
			"partition_cols": []string{ing},
		},
	})

	rep, err := f.run(t, "bronze_revenues")
	require.NoError(t, err)
	assert.True(t, rep.Append.Created)
	assert.Equal(t, 2, rep.Inserted)

	f.now = 2000
	rep, err = f.run(t, "bronze_revenues")
	require.NoError(t, err)
	assert.Equal(t, 4, rep.RowsWritten)

	_, err = os.Stat(filepath.Join(f.data, "bronze", ing+"=1000"))
	assert.NoError(t, err)
	delta, err := dataset.LoadDelta(context.Background(), filepath.Join(f.data, "bronze"), ing, 1000)
	require.NoError(t, err)
	assert.Equal(t, 2, delta.Len(), "second append lands in its own partition")
}

func TestRun_GoldAndPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	silver := filepath.Join(f.data, "silver", "revenues.parquet")
	b, err := records.New([]string{"title", "distributor", "date", "revenue", "theaters", ing},
		[]any{"Dune", "Warner Bros.", "2024-03-01", 1000, 4000, 100},
		[]any{"Heat", "Fox", "2024-03-01", 300, 200, 100},
	)
	require.NoError(t, err)
	require.NoError(t, dataset.WriteFile(ctx, silver, dataset.FormatParquet, b))

	dsn := filepath.Join(f.data, "warehouse.db")
	gold := filepath.Join(f.data, "gold")
	f.writeConfig(t, "gold_revenues", map[string]any{
		"kind": "gold",
		"gold": map[string]any{
			"revenues":          silver,
			"enrichment":        filepath.Join(f.data, "silver", "missing.parquet"),
			"fact_path":         filepath.Join(gold, "factRevenues.parquet"),
			"movies_path":       filepath.Join(gold, "dimMovies.parquet"),
			"distributors_path": filepath.Join(gold, "dimDistributor.parquet"),
			"publish":           map[string]any{"kind": "sqlite", "dsn": dsn},
		},
	})

	rep, err := f.run(t, "gold_revenues")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Gold["factRevenues"].Inserted)
	assert.Equal(t, map[string]int64{
		"fact_revenues":   2,
		"dim_movies":      2,
		"dim_distributor": 2,
	}, rep.Published)
}

func TestRun_GoldReadsPartitionedSilver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	silver := filepath.Join(f.data, "silver", "revenues")
	tbl, err := dataset.Open(silver, dataset.FormatParquet, []string{"date"})
	require.NoError(t, err)
	b, err := records.New([]string{"title", "distributor", "date", "revenue", "theaters", ing},
		[]any{"Dune", "Warner Bros.", "2024-03-01", 1000, 4000, 100},
		[]any{"Heat", "Fox", "2024-03-02", 300, 200, 100},
		[]any{"Heat", "Fox", "2024-03-03", 250, 180, 100},
	)
	require.NoError(t, err)
	require.NoError(t, tbl.Replace(ctx, b))

	gold := filepath.Join(f.data, "gold")
	f.writeConfig(t, "gold_revenues", map[string]any{
		"kind": "gold",
		"gold": map[string]any{
			"revenues":          silver,
			"fact_path":         filepath.Join(gold, "factRevenues.parquet"),
			"movies_path":       filepath.Join(gold, "dimMovies.parquet"),
			"distributors_path": filepath.Join(gold, "dimDistributor.parquet"),
		},
	})

	rep, err := f.run(t, "gold_revenues")
	require.NoError(t, err)
	assert.Equal(t, 3, rep.RowsRead)
	assert.Equal(t, 3, rep.Gold["factRevenues"].Inserted)
	assert.Equal(t, 2, rep.Gold["dimMovies"].Inserted)
}

func TestRunAll_InvalidConfigRunsNothing(t *testing.T) {
	f := newFixture(t)
	f.writeConfig(t, "silver_revenues", f.silverConfig())
	f.writeConfig(t, "broken", map[string]any{"kind": "merge"})

	reports, err := f.runner.RunAll(context.Background(), []string{"silver_revenues", "broken"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalid))
	assert.Empty(t, reports)

	_, ok, err := f.runner.Status.Get("silver_revenues")
	require.NoError(t, err)
	assert.False(t, ok, "no watermark written")
}

func TestRunAll_StopsAtFirstFailure(t *testing.T) {
	f := newFixture(t)
	f.writeConfig(t, "first", f.silverConfig())
	f.writeConfig(t, "second", f.silverConfig())

	reports, err := f.runner.RunAll(context.Background(), []string{"first", "second"})
	require.Error(t, err, "bronze does not exist")
	assert.Len(t, reports, 1)
}

func TestMetadataDir(t *testing.T) {
	t.Setenv("MEDALLION_METADATA", "/env/meta")
	assert.Equal(t, "/flag", MetadataDir("/flag"))
	assert.Equal(t, "/env/meta", MetadataDir(""))
	t.Setenv("MEDALLION_METADATA", "")
	assert.Equal(t, "metadata", MetadataDir(""))
}
