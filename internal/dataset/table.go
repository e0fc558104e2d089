package dataset

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"

	"medallion/internal/records"
)

// Table is a whole-table store: load everything, transform in memory, then
// atomically replace. A row-level upsert engine could implement it too.
type Table interface {
	Path() string
	Format() Format
	// Exists reports whether a table has been written at Path.
	Exists() (bool, error)
	// Load reads the full table.
	Load(ctx context.Context) (*records.Batch, error)
	// Replace atomically swaps the table content for b.
	Replace(ctx context.Context, b *records.Batch) error
}

// Open returns the Table for path. With partition columns the table is a
// hive-partitioned parquet directory; otherwise a single file.
func Open(path string, format Format, partitionCols []string) (Table, error) {
	if _, _, err := codec(format); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, errors.New("dataset: empty table path")
	}
	if len(partitionCols) > 0 {
		if format != FormatParquet {
			return nil, errors.Wrapf(ErrUnsupportedFormat, "partitioned %s table", format)
		}
		return &partitionedTable{path: path, cols: append([]string(nil), partitionCols...)}, nil
	}
	return &fileTable{path: path, format: format}, nil
}

type fileTable struct {
	path   string
	format Format
}

func (t *fileTable) Path() string   { return t.path }
func (t *fileTable) Format() Format { return t.format }

func (t *fileTable) Exists() (bool, error) {
	return exists(t.path)
}

func (t *fileTable) Load(ctx context.Context) (*records.Batch, error) {
	return ReadFile(ctx, t.path, t.format)
}

func (t *fileTable) Replace(ctx context.Context, b *records.Batch) error {
	return WriteFile(ctx, t.path, t.format, b)
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "stat %s", path)
}
