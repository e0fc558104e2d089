package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medallion/internal/dataset"
	"medallion/internal/pipeline"
	"medallion/internal/storage"
	_ "medallion/internal/storage/sqlite"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	RootCmd.SetArgs(args)
	return RootCmd.Execute()
}

func setupAppend(t *testing.T) (meta, target string) {
	t.Helper()
	t.Setenv("METRICS_BACKEND", "")
	root := t.TempDir()
	meta = filepath.Join(root, "metadata")
	src := filepath.Join(root, "landing.csv")
	target = filepath.Join(root, "bronze.parquet")
	require.NoError(t, os.WriteFile(src, []byte("title,revenue\nDune,100\n"), 0o644))

	cfg := `{"kind": "append",
 "source": {"path": "` + filepath.ToSlash(src) + `", "format": "csv"},
 "target": {"path": "` + filepath.ToSlash(target) + `"}}`
	require.NoError(t, os.MkdirAll(filepath.Join(meta, pipeline.ConfigDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(meta, pipeline.ConfigDir, "bronze.json"), []byte(cfg), 0o644))
	return meta, target
}

func TestRunThenStatus(t *testing.T) {
	meta, target := setupAppend(t)

	require.NoError(t, execute(t, "--metadata", meta, "run", "bronze"))
	b, err := dataset.ReadFile(context.Background(), target, dataset.FormatParquet)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())

	require.NoError(t, execute(t, "--metadata", meta, "status", "bronze"))

	repo, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", DSN: filepath.Join(meta, pipeline.RunLogDB)})
	require.NoError(t, err)
	defer repo.Close()
	runs, err := repo.RecentRuns(context.Background(), "bronze", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "success", runs[0].Status)
}

func TestValidate(t *testing.T) {
	meta, _ := setupAppend(t)
	assert.NoError(t, execute(t, "--metadata", meta, "validate", "bronze"))
}

func TestSummary_RejectsNonGoldPipeline(t *testing.T) {
	meta, _ := setupAppend(t)
	assert.Error(t, execute(t, "--metadata", meta, "summary", "bronze"))
}

func TestOpenRunLog_RequiresDSNForServerBackends(t *testing.T) {
	runLogKindFlag, runLogDSNFlag = "postgres", ""
	t.Cleanup(func() { runLogKindFlag = "sqlite" })
	_, err := openRunLog(context.Background())
	assert.Error(t, err)
}

func TestStartMetrics_NoneIsNop(t *testing.T) {
	metricsBackendFlag = "none"
	t.Cleanup(func() { metricsBackendFlag = "" })
	stop := startMetrics(context.Background(), "job")
	stop()
}
