package dataset

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medallion/internal/records"
)

func mustBatch(t *testing.T, cols []string, rows ...[]any) *records.Batch {
	t.Helper()
	b, err := records.New(cols, rows...)
	require.NoError(t, err)
	return b
}

func sample(t *testing.T) *records.Batch {
	return mustBatch(t,
		[]string{"title", "revenue", "date", "imdb_rating", "is_enriched"},
		[]any{"Dune", int64(1000), "2024-01-01", 8.1, true},
		[]any{"Wish | Tale", int64(250), "2024-01-02", nil, false},
		[]any{nil, nil, "2024-01-03", 6.0, nil},
	)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" Parquet ")
	require.NoError(t, err)
	assert.Equal(t, FormatParquet, f)

	_, err = ParseFormat("xlsx")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestFileTable_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, f := range []Format{FormatParquet, FormatJSON} {
		t.Run(string(f), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "t."+string(f))
			tbl, err := Open(path, f, nil)
			require.NoError(t, err)

			ok, err := tbl.Exists()
			require.NoError(t, err)
			assert.False(t, ok)

			want := sample(t)
			require.NoError(t, tbl.Replace(ctx, want))

			got, err := tbl.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, want.Columns, got.Columns, "column order survives")
			assert.Equal(t, want.Rows, got.Rows)
		})
	}
}

func TestCSV_RoundTripTypesColumns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "t.csv")
	in := mustBatch(t, []string{"id", "score", "name"},
		[]any{int64(1), 1.5, "a,b"},
		[]any{int64(2), nil, "c"},
	)
	require.NoError(t, WriteFile(ctx, path, FormatCSV, in))

	got, err := ReadFile(ctx, path, FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, in.Columns, got.Columns)
	assert.Equal(t, in.Rows, got.Rows)
}

func TestCSV_HeaderCleanup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.csv")
	require.NoError(t, os.WriteFile(path, []byte("\uFEFF title , revenue\nDune, 10\n"), 0o644))

	got, err := ReadFile(context.Background(), path, FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, []string{"title", "revenue"}, got.Columns)
	assert.Equal(t, []any{"Dune", int64(10)}, got.Rows[0])
}

func TestJSONLines_UnionsKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.json")
	body := `{"b": 1, "a": "x"}
{"a": "y", "c": {"n": 2}, "b": 2.5}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	got, err := ReadFile(context.Background(), path, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, got.Columns)
	assert.Equal(t, []any{int64(1), "x", nil}, got.Rows[0])
	assert.Equal(t, []any{2.5, "y", `{"n":2}`}, got.Rows[1])
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(context.Background(), filepath.Join(t.TempDir(), "nope.parquet"), FormatParquet)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestOpen_Unsupported(t *testing.T) {
	_, err := Open("x", Format("orc"), nil)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	_, err = Open("x", FormatCSV, []string{"p"})
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestPartitionedTable_RoundTrip(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "bronze")
	tbl, err := Open(root, FormatParquet, []string{"_tf_ingestion_time"})
	require.NoError(t, err)

	in := mustBatch(t, []string{"id", "_tf_ingestion_time"},
		[]any{int64(1), int64(100)},
		[]any{int64(2), int64(200)},
		[]any{int64(3), int64(100)},
	)
	require.NoError(t, tbl.Replace(ctx, in))

	_, err = os.Stat(filepath.Join(root, "_tf_ingestion_time=100", "part-00000.parquet"))
	require.NoError(t, err)

	got, err := tbl.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "_tf_ingestion_time"}, got.Columns)
	assert.Equal(t, [][]any{
		{int64(1), int64(100)},
		{int64(3), int64(100)},
		{int64(2), int64(200)},
	}, got.Rows)
}

func TestPartitionValueEscaping(t *testing.T) {
	for _, s := range []string{"a/b", "x=y", "100%", "plain", "c:\\d"} {
		got, err := unescapePartitionValue(escapePartitionValue(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestPartitionedTable_NilPartition(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "t")
	tbl, err := Open(root, FormatParquet, []string{"region"})
	require.NoError(t, err)

	require.NoError(t, tbl.Replace(ctx, mustBatch(t, []string{"id", "region"},
		[]any{int64(1), "eu/west"},
		[]any{int64(2), nil},
	)))

	got, err := tbl.Load(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]any{{int64(1), "eu/west"}, {int64(2), nil}}, got.Rows)
}

func TestPartitionedTable_KeepsPartitionKinds(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "t")
	tbl, err := Open(root, FormatParquet, []string{"code", "score", "flag"})
	require.NoError(t, err)

	require.NoError(t, tbl.Replace(ctx, mustBatch(t, []string{"id", "code", "score", "flag"},
		[]any{int64(1), "007", 1.5, true},
		[]any{int64(2), "", int64(2), false},
		[]any{int64(3), nil, nil, nil},
	)))
	_, err = os.Stat(filepath.Join(root, "code=007"))
	require.NoError(t, err)

	got, err := tbl.Load(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]any{
		{int64(1), "007", 1.5, true},
		{int64(2), "", 2.0, false},
		{int64(3), nil, nil, nil},
	}, got.Rows)
}

func TestPartitionedTable_InfersKindsWithoutFooter(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "t")
	for _, dir := range []string{"day=7", "day=12"} {
		require.NoError(t, WriteFile(ctx, filepath.Join(root, dir, "part-00000.parquet"), FormatParquet,
			mustBatch(t, []string{"id"}, []any{int64(1)})))
	}

	got, err := LoadDelta(ctx, root, "", 0)
	require.NoError(t, err)
	col, err := got.Column("day")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(7), int64(12)}, col)
}

func writeBronze(t *testing.T, root string) {
	t.Helper()
	tbl, err := Open(root, FormatParquet, []string{"_tf_ingestion_time"})
	require.NoError(t, err)
	require.NoError(t, tbl.Replace(context.Background(), mustBatch(t,
		[]string{"movie_id", "revenue", "_tf_ingestion_time"},
		[]any{int64(1), int64(500), int64(100)},
		[]any{int64(1), int64(700), int64(200)},
		[]any{int64(2), int64(300), int64(50)},
	)))
}

func TestLoadDelta(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "bronze")
	writeBronze(t, root)

	tests := []struct {
		name      string
		watermark int64
		wantRows  int
	}{
		{"full_reload", 0, 3},
		{"after_50", 50, 2},
		{"after_100", 100, 1},
		{"caught_up", 200, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, err := LoadDelta(ctx, root, "_tf_ingestion_time", tc.watermark)
			require.NoError(t, err)
			assert.Equal(t, tc.wantRows, b.Len())
			col, err := b.Column("_tf_ingestion_time")
			if tc.wantRows == 0 {
				return
			}
			require.NoError(t, err)
			for _, v := range col {
				assert.Greater(t, v.(int64), tc.watermark)
			}
		})
	}
}

func TestLoadDelta_PrunesWithoutOpening(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "bronze")
	writeBronze(t, root)

	// A corrupt file in an old partition is never opened.
	require.NoError(t, os.WriteFile(filepath.Join(root, "_tf_ingestion_time=50", "part-00000.parquet"), []byte("junk"), 0o644))

	b, err := LoadDelta(ctx, root, "_tf_ingestion_time", 100)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())

	_, err = LoadDelta(ctx, root, "_tf_ingestion_time", 0)
	assert.Error(t, err)
}

func TestLoadDelta_SingleFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bronze.parquet")
	require.NoError(t, WriteFile(ctx, path, FormatParquet, mustBatch(t,
		[]string{"id", "ts"},
		[]any{int64(1), int64(10)},
		[]any{int64(2), int64(20)},
	)))

	b, err := LoadDelta(ctx, path, "ts", 10)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(2), int64(20)}}, b.Rows)

	_, err = LoadDelta(ctx, path, "missing", 10)
	assert.Error(t, err)
}

func TestLoadDelta_MissingPath(t *testing.T) {
	_, err := LoadDelta(context.Background(), filepath.Join(t.TempDir(), "none"), "ts", 0)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		format Format
		parts  []string
	}{
		{FormatParquet, nil},
		{FormatParquet, []string{"_tf_ingestion_time"}},
		{FormatCSV, nil},
		{FormatJSON, nil},
	} {
		t.Run(string(tc.format), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "silver")
			first := mustBatch(t, []string{"id", "_tf_ingestion_time"}, []any{int64(1), int64(100)})
			second := mustBatch(t, []string{"id", "_tf_ingestion_time"},
				[]any{int64(1), int64(200)},
				[]any{int64(2), int64(200)},
			)

			st, err := Append(ctx, first, path, tc.format, tc.parts)
			require.NoError(t, err)
			assert.True(t, st.Created)

			st, err = Append(ctx, second, path, tc.format, tc.parts)
			require.NoError(t, err)
			assert.Equal(t, AppendStats{Existing: 1, Appended: 2, Total: 3}, st)

			tbl, err := Open(path, tc.format, tc.parts)
			require.NoError(t, err)
			got, err := tbl.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, got.Len())
		})
	}
}

func TestAppend_UnsupportedFormat(t *testing.T) {
	_, err := Append(context.Background(), mustBatch(t, []string{"a"}), filepath.Join(t.TempDir(), "x"), Format("xml"), nil)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}
