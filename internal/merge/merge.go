// Package merge upserts a deduplicated batch into a durable table by primary
// key, keeping for every key the row with the greatest order-by tuple.
//
// The merge is a whole-table rewrite expressed through dataset.Table
// (load, transform in memory, atomically replace):
//
//	existing ∪ incoming → stable sort ascending by order_by → keep last per key
//
// Existing rows precede incoming rows before the sort, so on equal order-by
// tuples the incoming row wins.
package merge

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"medallion/internal/dataset"
	"medallion/internal/logger"
	"medallion/internal/records"
)

// Mode tells which path a merge took.
type Mode string

const (
	// ModeFirstLoad: no table existed, incoming was written verbatim.
	ModeFirstLoad Mode = "first_load"
	// ModeRecovered: the table existed but could not be read. It was moved
	// aside and incoming was written verbatim.
	ModeRecovered Mode = "recovered"
	// ModeMerge: existing and incoming rows were merged.
	ModeMerge Mode = "merge"
)

// ErrTargetUnreadable is returned in strict mode when the existing table
// cannot be loaded.
var ErrTargetUnreadable = errors.New("merge: target table unreadable")

// Result is the bookkeeping of one merge, computed from primary-key sets.
type Result struct {
	Mode Mode

	Existing int // rows in the table before the merge
	Incoming int // rows in the incoming batch
	Total    int // rows written

	Inserted int // keys absent from the existing table
	Updated  int // existing keys whose stored row now differs
	// Unchanged counts existing keys whose stored row is the same after the
	// merge, including keys where an identical incoming row won the tie.
	Unchanged int

	// IntraBatchDuplicates counts incoming rows sharing a key with an earlier
	// incoming row.
	IntraBatchDuplicates int

	// QuarantinedTo is where an unreadable table was moved (ModeRecovered).
	QuarantinedTo string
}

// Engine merges batches into tables.
type Engine struct {
	// Strict makes an unreadable existing table an error instead of a
	// quarantine-and-reload.
	Strict bool

	log *zap.SugaredLogger
	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to logger.Named("merge").
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock sets the clock used to name quarantined tables.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine returns an Engine.
func NewEngine(strict bool, opts ...Option) *Engine {
	e := &Engine{Strict: strict, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = logger.Named("merge")
	}
	return e
}

// Merge upserts incoming into target.
func (e *Engine) Merge(ctx context.Context, incoming *records.Batch, target dataset.Table, primaryKeys, orderBy []string) (Result, error) {
	start := time.Now()
	if len(primaryKeys) == 0 {
		return Result{}, errors.New("merge: no primary keys")
	}
	inKey, err := incoming.Indices(primaryKeys)
	if err != nil {
		return Result{}, errors.Wrap(err, "merge: incoming primary keys")
	}
	if _, err := incoming.Indices(orderBy); err != nil {
		return Result{}, errors.Wrap(err, "merge: incoming order by")
	}

	ok, err := target.Exists()
	if err != nil {
		return Result{}, err
	}

	var res Result
	if !ok {
		res, err = e.writeVerbatim(ctx, incoming, inKey, target, ModeFirstLoad)
	} else {
		var existing *records.Batch
		existing, err = target.Load(ctx)
		switch {
		case err == nil:
			res, err = e.merge(ctx, existing, incoming, target, primaryKeys, orderBy)
		case ctx.Err() != nil:
			return Result{}, ctx.Err()
		case e.Strict:
			return Result{}, errors.WithHint(
				errors.Mark(errors.Wrapf(err, "load %s", target.Path()), ErrTargetUnreadable),
				"restore the table from backup or disable strict_target to quarantine it",
			)
		default:
			res, err = e.recover(ctx, err, incoming, inKey, target)
		}
	}
	if err != nil {
		return Result{}, err
	}

	if res.IntraBatchDuplicates > 0 {
		e.log.Warnw("incoming batch has duplicate primary keys",
			logger.FieldPath, target.Path(),
			"duplicates", res.IntraBatchDuplicates,
			"primary_keys", primaryKeys,
		)
	}
	e.log.Infow("merge written",
		logger.FieldStage, "merge",
		logger.FieldPath, target.Path(),
		"mode", string(res.Mode),
		"existing", res.Existing,
		"incoming", res.Incoming,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		logger.FieldRows, res.Total,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (e *Engine) writeVerbatim(ctx context.Context, incoming *records.Batch, inKey []int, target dataset.Table, mode Mode) (Result, error) {
	if err := target.Replace(ctx, incoming); err != nil {
		return Result{}, errors.Wrapf(err, "write %s", target.Path())
	}
	distinct := distinctKeys(incoming.Rows, inKey)
	return Result{
		Mode:                 mode,
		Incoming:             incoming.Len(),
		Total:                incoming.Len(),
		Inserted:             distinct,
		IntraBatchDuplicates: incoming.Len() - distinct,
	}, nil
}

// recover moves an unreadable table aside so it can be inspected, then loads
// incoming as if this were the first run.
func (e *Engine) recover(ctx context.Context, loadErr error, incoming *records.Batch, inKey []int, target dataset.Table) (Result, error) {
	dst := fmt.Sprintf("%s.corrupt-%d", target.Path(), e.now().Unix())
	if err := os.Rename(target.Path(), dst); err != nil {
		return Result{}, errors.CombineErrors(
			errors.Wrapf(loadErr, "load %s", target.Path()),
			errors.Wrapf(err, "quarantine %s", target.Path()),
		)
	}
	e.log.Warnw("target table unreadable, quarantined and reloading from incoming",
		logger.FieldPath, target.Path(),
		"quarantined_to", dst,
		logger.FieldError, loadErr,
	)
	res, err := e.writeVerbatim(ctx, incoming, inKey, target, ModeRecovered)
	res.QuarantinedTo = dst
	return res, err
}

func (e *Engine) merge(ctx context.Context, existing, incoming *records.Batch, target dataset.Table, primaryKeys, orderBy []string) (Result, error) {
	all := records.Concat(existing, incoming)
	keyIdx, err := all.Indices(primaryKeys)
	if err != nil {
		return Result{}, errors.Wrap(err, "merge: existing primary keys")
	}
	ordIdx, err := all.Indices(orderBy)
	if err != nil {
		return Result{}, errors.Wrap(err, "merge: existing order by")
	}
	nExisting := existing.Len()

	order := make([]int, len(all.Rows))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return records.CompareAt(all.Rows[order[a]], all.Rows[order[b]], ordIdx) < 0
	})

	keys := make([]string, len(all.Rows))
	last := make(map[string]int, len(all.Rows))
	for pos, i := range order {
		keys[i] = records.KeyOf(all.Rows[i], keyIdx)
		last[keys[i]] = pos
	}

	allIdx := make([]int, len(all.Columns))
	for j := range allIdx {
		allIdx[j] = j
	}
	// Full-row identities of the existing rows, per key.
	existingRows := make(map[string][]string, nExisting)
	for i := 0; i < nExisting; i++ {
		existingRows[keys[i]] = append(existingRows[keys[i]], records.KeyOf(all.Rows[i], allIdx))
	}

	res := Result{Mode: ModeMerge, Existing: nExisting, Incoming: incoming.Len()}
	merged := &records.Batch{Columns: all.Columns, Rows: make([][]any, 0, len(last))}
	for pos, i := range order {
		k := keys[i]
		if last[k] != pos {
			continue
		}
		merged.Rows = append(merged.Rows, all.Rows[i])
		prev, wasExisting := existingRows[k]
		switch {
		case !wasExisting:
			res.Inserted++
		case i >= nExisting && !containsRow(prev, records.KeyOf(all.Rows[i], allIdx)):
			res.Updated++
		default:
			res.Unchanged++
		}
	}
	res.Total = merged.Len()

	inDistinct := map[string]struct{}{}
	for i := nExisting; i < len(all.Rows); i++ {
		inDistinct[keys[i]] = struct{}{}
	}
	res.IntraBatchDuplicates = res.Incoming - len(inDistinct)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := target.Replace(ctx, merged); err != nil {
		return Result{}, errors.Wrapf(err, "write %s", target.Path())
	}
	return res, nil
}

func containsRow(rows []string, row string) bool {
	for _, r := range rows {
		if r == row {
			return true
		}
	}
	return false
}

func distinctKeys(rows [][]any, idx []int) int {
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		seen[records.KeyOf(r, idx)] = struct{}{}
	}
	return len(seen)
}
