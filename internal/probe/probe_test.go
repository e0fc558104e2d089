package probe

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medallion/internal/config"
	"medallion/internal/records"
)

func TestAnalyze_SingleKey(t *testing.T) {
	b, err := records.New([]string{"movie_id", "title", "genre"},
		[]any{1, "Dune", "Sci-Fi"},
		[]any{2, "Heat", "Crime"},
		[]any{3, "Alien", nil},
	)
	require.NoError(t, err)

	p, err := Analyze(b)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Rows)
	assert.Equal(t, []string{"movie_id"}, p.Keys)
	assert.Equal(t, records.KindInt, p.Columns[0].Kind)
	assert.Equal(t, 2, p.Columns[2].Values, "nil is not a value")
	assert.InDelta(t, 1.0, p.Columns[2].Ratio(), 1e-9)
}

func TestAnalyze_PairKey(t *testing.T) {
	b, err := records.New([]string{"title", "date", "revenue", config.DefaultIngestionColumn},
		[]any{"Dune", "2024-03-01", 10, 1},
		[]any{"Dune", "2024-03-02", 10, 1},
		[]any{"Heat", "2024-03-01", 5, 1},
	)
	require.NoError(t, err)

	p, err := Analyze(b)
	require.NoError(t, err)
	assert.Equal(t, []string{"title", "date"}, p.Keys)
	assert.Equal(t, "date", p.Ranked()[0].Name, "most unique first, ties by name")
}

func TestAnalyze_NoKey(t *testing.T) {
	b, err := records.New([]string{"a"}, []any{"x"}, []any{"x"})
	require.NoError(t, err)
	p, err := Analyze(b)
	require.NoError(t, err)
	assert.Nil(t, p.Keys)

	d := Draft(Options{Path: "in.csv", Format: "csv"}, p)
	assert.Equal(t, []string{}, d["primary_keys"])
}

func TestRun_DraftIsAValidConfig(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "Box Office-2024.csv")
	require.NoError(t, os.WriteFile(src, []byte("title,date,revenue\nDune,2024-03-01,10\nHeat,2024-03-01,5\nDune,2024-03-02,7\n"), 0o644))

	p, doc, err := Run(context.Background(), Options{Path: src, Format: "csv", SampleRows: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Rows, "sample is bounded")
	assert.Equal(t, "box_office_2024", doc["pipeline_id"])

	data, err := json.Marshal(doc)
	require.NoError(t, err)
	cfgDir := filepath.Join(dir, "config")
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "box_office_2024.json"), data, 0o644))

	cfg, err := config.NewStore(cfgDir).Read("box_office_2024")
	require.NoError(t, err)
	assert.Equal(t, config.KindMerge, cfg.Kind)
	assert.Equal(t, p.Keys, cfg.PrimaryKeys)
}

func TestDraft_Append(t *testing.T) {
	d := Draft(Options{Path: "landing.csv", Format: "csv", Kind: config.KindAppend}, &Profile{})
	assert.Equal(t, config.KindAppend, d["kind"])
	target := d["target"].(map[string]any)
	assert.Equal(t, []string{config.DefaultIngestionColumn}, target["partition_cols"])
}

func TestNormalizeName(t *testing.T) {
	cases := [][2]string{
		{"Box Office", "box_office"},
		{" -weird--name- ", "weird_name"},
		{"Revenue.2024/Q1", "revenue_2024_q1"},
		{"ünïcode", "ncode"},
	}
	for _, c := range cases {
		assert.Equal(t, c[1], NormalizeName(c[0]), c[0])
	}
}
