package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, id, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte(body), 0o644))
}

func TestRead_MergeConfigWithDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "Revenues-Silver", `{
		"kind": "merge",
		"source": {"path": "data/01_bronze/revenues", "incremental": true},
		"target": {"path": "data/02_silver/revenues.parquet"},
		"primary_keys": ["id", "date"],
		"order_by": ["_tf_ingestion_time", "revenue"],
		"hash_key": {"columns": ["title"]}
	}`)

	p, err := NewStore(dir).Read("Revenues-Silver")
	require.NoError(t, err)

	assert.Equal(t, "Revenues-Silver", p.PipelineID)
	assert.Equal(t, "parquet", p.Source.Format)
	assert.Equal(t, "parquet", p.Target.Format)
	assert.Equal(t, DefaultIngestionColumn, p.Source.PartitionCol)
	assert.Equal(t, []string{"id", "date"}, p.BusinessKeys)
	assert.Equal(t, "hash_key", p.HashKey.Column)
	assert.False(t, p.Ascending)
	assert.Nil(t, p.Gold)
}

func TestRead_MissingFile(t *testing.T) {
	_, err := NewStore(t.TempDir()).Read("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NotEmpty(t, errors.GetAllHints(err))
}

func TestRead_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "broken", `{"kind": "merge",`)

	_, err := NewStore(dir).Read("broken")
	require.Error(t, err)
}

func TestRead_UnknownKeyRejected(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "typo", `{
		"kind": "append",
		"source": {"path": "in.csv", "format": "csv"},
		"target": {"path": "out.parquet"},
		"primry_keys": ["id"]
	}`)

	_, err := NewStore(dir).Read("typo")
	require.Error(t, err)
}

func TestRead_ValidationFailure(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "bad", `{
		"kind": "merge",
		"source": {"path": "bronze"},
		"target": {"path": "silver", "format": "xlsx"}
	}`)

	_, err := NewStore(dir).Read("bad")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "primary_keys")
	assert.Contains(t, err.Error(), "target.format")
}

func TestRead_PipelineIDMismatch(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a", `{
		"pipeline_id": "b",
		"kind": "append",
		"source": {"path": "in.csv", "format": "csv"},
		"target": {"path": "out.parquet"}
	}`)

	_, err := NewStore(dir).Read("a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestRead_RejectsPathLikeIDs(t *testing.T) {
	_, err := NewStore(t.TempDir()).Read("../etc/passwd")
	require.Error(t, err)
}

func TestRead_GoldDefaultsAndEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GOLD_DB", "file:gold.db")
	writeConfig(t, dir, "Gold", `{
		"kind": "gold",
		"gold": {
			"revenues": "silver/revenues.parquet",
			"fact_path": "gold/factRevenues",
			"movies_path": "gold/dimMovies",
			"distributors_path": "gold/dimDistributor",
			"columns": {"title": "movie_title"},
			"publish": {"kind": "sqlite", "dsn": "${GOLD_DB}"}
		}
	}`)

	p, err := NewStore(dir).Read("Gold")
	require.NoError(t, err)
	assert.Equal(t, "movie_title", p.Gold.Columns.Title)
	assert.Equal(t, "distributor", p.Gold.Columns.Distributor)
	assert.Equal(t, "imdb_rating", p.Gold.Columns.Rating)
	assert.Equal(t, "file:gold.db", p.Gold.Publish.DSN)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       Pipeline
		wantErr bool
	}{
		{
			name: "valid_append",
			p: Pipeline{Kind: KindAppend, IngestionColumn: DefaultIngestionColumn,
				Source: Source{Path: "a.csv", Format: "csv"},
				Target: Target{Path: "b", Format: "parquet", PartitionCols: []string{DefaultIngestionColumn}}},
		},
		{
			name: "partitioned_csv",
			p: Pipeline{Kind: KindAppend, IngestionColumn: DefaultIngestionColumn,
				Source: Source{Path: "a.csv", Format: "csv"},
				Target: Target{Path: "b", Format: "csv", PartitionCols: []string{"x"}}},
			wantErr: true,
		},
		{
			name:    "unknown_kind",
			p:       Pipeline{Kind: "stream", IngestionColumn: DefaultIngestionColumn, Source: Source{Format: "parquet"}, Target: Target{Format: "parquet"}},
			wantErr: true,
		},
		{
			name: "duplicate_keys",
			p: Pipeline{Kind: KindMerge, IngestionColumn: DefaultIngestionColumn,
				Source: Source{Path: "a", Format: "parquet"}, Target: Target{Path: "b", Format: "parquet"},
				PrimaryKeys: []string{"id", "id"}, OrderBy: []string{"t"}},
			wantErr: true,
		},
		{
			name: "publish_without_table",
			p: Pipeline{Kind: KindAppend, IngestionColumn: DefaultIngestionColumn,
				Source: Source{Path: "a.csv", Format: "csv"}, Target: Target{Path: "b", Format: "parquet"},
				Publish: &Publish{Kind: "sqlite", DSN: "x.db"}},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.wantErr, HasErrors(Validate(tc.p)), "%v", Validate(tc.p))
		})
	}
}
