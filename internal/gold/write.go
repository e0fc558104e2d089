package gold

import (
	"context"

	"github.com/cockroachdb/errors"

	"medallion/internal/dataset"
	"medallion/internal/merge"
	"medallion/internal/records"
)

// Table names used in logs, metrics and SQL publication.
const (
	TableFact         = "factRevenues"
	TableMovies       = "dimMovies"
	TableDistributors = "dimDistributor"
)

var sqlNames = map[string]string{
	TableFact:         "fact_revenues",
	TableMovies:       "dim_movies",
	TableDistributors: "dim_distributor",
}

// SQLName is the published SQL table of a Gold table, optionally qualified
// by schema.
func SQLName(schema, table string) string {
	name := sqlNames[table]
	if name == "" {
		name = table
	}
	if schema == "" {
		return name
	}
	return schema + "." + name
}

// Targets are the durable locations of the Gold tables.
type Targets struct {
	Fact         dataset.Table
	Movies       dataset.Table
	Distributors dataset.Table
}

// OpenTargets opens the three Gold tables as single parquet files.
func OpenTargets(factPath, moviesPath, distributorsPath string) (Targets, error) {
	var t Targets
	var err error
	if t.Fact, err = dataset.Open(factPath, dataset.FormatParquet, nil); err != nil {
		return Targets{}, err
	}
	if t.Movies, err = dataset.Open(moviesPath, dataset.FormatParquet, nil); err != nil {
		return Targets{}, err
	}
	if t.Distributors, err = dataset.Open(distributorsPath, dataset.FormatParquet, nil); err != nil {
		return Targets{}, err
	}
	return t, nil
}

type step struct {
	name  string
	batch *records.Batch
	table dataset.Table
	keys  []string
}

func (t *Tables) steps(targets Targets) []step {
	return []step{
		{TableMovies, t.Movies, targets.Movies, []string{MovieKey}},
		{TableDistributors, t.Distributors, targets.Distributors, []string{DistributorKey}},
		{TableFact, t.Fact, targets.Fact, FactKeys},
	}
}

// Merge upserts each Gold table into its target, dimensions first so the
// fact never references a key its dimensions lack. orderBy is the ingestion
// column. Results are keyed by table name.
func Merge(ctx context.Context, e *merge.Engine, t *Tables, targets Targets, orderBy string) (map[string]merge.Result, error) {
	out := make(map[string]merge.Result, 3)
	for _, s := range t.steps(targets) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := e.Merge(ctx, s.batch, s.table, s.keys, []string{orderBy})
		if err != nil {
			return out, errors.Wrapf(err, "gold: merge %s", s.name)
		}
		out[s.name] = res
	}
	return out, nil
}

// Load reads the three Gold tables back, for Summarize.
func Load(ctx context.Context, targets Targets) (fact, movies, distributors *records.Batch, err error) {
	if fact, err = targets.Fact.Load(ctx); err != nil {
		return nil, nil, nil, errors.Wrap(err, "gold: load fact")
	}
	if movies, err = targets.Movies.Load(ctx); err != nil {
		return nil, nil, nil, errors.Wrap(err, "gold: load movies")
	}
	if distributors, err = targets.Distributors.Load(ctx); err != nil {
		return nil, nil, nil, errors.Wrap(err, "gold: load distributors")
	}
	return fact, movies, distributors, nil
}
