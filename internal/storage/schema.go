package storage

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"

	"medallion/internal/records"
)

// RunsTable is the run log table created by EnsureSchema.
const RunsTable = "medallion_runs"

// RunColumns is the column order backends use for the run log.
var RunColumns = []string{
	"run_id", "pipeline_id", "kind", "status", "started_at", "finished_at",
	"rows_read", "rows_written", "inserted", "updated", "error",
}

// ColumnSpec is one column of a published table.
type ColumnSpec struct {
	Name string
	Kind records.Kind
}

// ColumnsOf derives published column specs from a batch. All-nil columns
// become text columns.
func ColumnsOf(b *records.Batch) ([]ColumnSpec, error) {
	if len(b.Columns) == 0 {
		return nil, errors.New("storage: batch has no columns")
	}
	kinds, err := b.Kinds()
	if err != nil {
		return nil, errors.Wrap(err, "storage: infer column types")
	}
	out := make([]ColumnSpec, len(b.Columns))
	for i, c := range b.Columns {
		k := kinds[i]
		if k == records.KindNull {
			k = records.KindString
		}
		out[i] = ColumnSpec{Name: c, Kind: k}
	}
	return out, nil
}

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidateTableName accepts "table" or "schema.table" made of identifier
// characters. Backends still quote identifiers.
func ValidateTableName(name string) error {
	if !tableNameRE.MatchString(strings.TrimSpace(name)) {
		return errors.WithHint(
			errors.Newf("storage: invalid table name %q", name),
			`use "table" or "schema.table" with letters, digits and underscores`,
		)
	}
	return nil
}

// ChunkRows splits rows so that no chunk binds more than maxParams
// placeholders for width columns. Every chunk holds at least one row.
func ChunkRows(rows [][]any, width, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	per := 1
	if width > 0 && maxParams > width {
		per = maxParams / width
	}
	out := make([][][]any, 0, (len(rows)+per-1)/per)
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
