package dataset

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"medallion/internal/logger"
	"medallion/internal/records"
)

// AppendStats reports the row counts of one Append.
type AppendStats struct {
	Existing int
	Appended int
	Total    int
	Created  bool
}

// Append adds b to the table at path. A missing table is created from b;
// otherwise the existing rows are loaded, b is concatenated after them and the
// whole table is rewritten. No keys are checked.
func Append(ctx context.Context, b *records.Batch, path string, format Format, partitionCols []string) (AppendStats, error) {
	start := time.Now()
	t, err := Open(path, format, partitionCols)
	if err != nil {
		return AppendStats{}, err
	}

	ok, err := t.Exists()
	if err != nil {
		return AppendStats{}, err
	}

	stats := AppendStats{Appended: b.Len(), Created: !ok}
	merged := b
	if ok {
		existing, err := t.Load(ctx)
		if err != nil {
			return AppendStats{}, errors.Wrapf(err, "load existing %s", path)
		}
		stats.Existing = existing.Len()
		merged = records.Concat(existing, b)
	}
	stats.Total = merged.Len()

	if err := t.Replace(ctx, merged); err != nil {
		return AppendStats{}, err
	}

	logger.Logger.Infow("append written",
		logger.FieldStage, "append",
		logger.FieldPath, path,
		logger.FieldFormat, string(format),
		"existing", stats.Existing,
		"appended", stats.Appended,
		logger.FieldRows, stats.Total,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return stats, nil
}
