package dataset

import (
	"context"
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"medallion/internal/logger"
	"medallion/internal/records"
)

// LoadDelta reads the rows of a parquet dataset whose partitionCol is strictly
// greater than lastSuccessUnix.
//
// For a hive-partitioned directory the predicate is pushed down to the
// directory level: partitions of partitionCol that cannot match are skipped
// without opening their files. Rows are then filtered again, so a dataset that
// stores partitionCol inside its files is handled the same way.
// lastSuccessUnix <= 0 loads everything, rows with a nil partition value
// included.
func LoadDelta(ctx context.Context, path, partitionCol string, lastSuccessUnix int64) (*records.Batch, error) {
	start := time.Now()
	if err := recoverTable(path); err != nil {
		return nil, err
	}
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "stat %s", path)
	}

	full := lastSuccessUnix <= 0
	after := func(v any) bool { return records.Compare(v, lastSuccessUnix) > 0 }

	var b *records.Batch
	pruned := 0
	if st.IsDir() {
		keep := func(col string, v any) bool {
			if full || col != partitionCol || after(v) {
				return true
			}
			pruned++
			return false
		}
		b, err = loadPartitioned(ctx, path, keep)
	} else {
		b, err = ReadFile(ctx, path, FormatParquet)
	}
	if err != nil {
		return nil, err
	}

	read := b.Len()
	if !full && read > 0 {
		ix := b.Index(partitionCol)
		if ix < 0 {
			return nil, errors.Newf("dataset: %s has no column %q to filter on", path, partitionCol)
		}
		b = b.Filter(func(r []any) bool { return after(r[ix]) })
	}

	logger.Logger.Infow("delta loaded",
		logger.FieldStage, "read",
		logger.FieldPath, path,
		"partition_col", partitionCol,
		"watermark", lastSuccessUnix,
		"pruned_partitions", pruned,
		"rows_read", read,
		logger.FieldRows, b.Len(),
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return b, nil
}
