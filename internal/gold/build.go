// Package gold builds the star schema consumed by analytics: a revenue fact
// table and the movie and distributor dimensions it joins to through hashed
// surrogate keys.
package gold

import (
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"medallion/internal/config"
	"medallion/internal/logger"
	"medallion/internal/records"
	"medallion/internal/transformer"
)

// Surrogate key columns shared by the fact and the dimensions.
const (
	MovieKey       = "_sk_movie"
	DistributorKey = "_sk_distributor"
)

// Output column names of the Gold contract.
const (
	colTitle       = "title"
	colGenre       = "genre"
	colRating      = "imdb_rating"
	colEnriched    = "is_enriched"
	colDistributor = "distributor"
	colDate        = "date"
	colRevenue     = "revenue"
	colTheaters    = "theaters"
)

// Columns maps input column names onto the Gold contract.
//
// Title, Distributor, Date and Revenue must exist in the revenue table.
// Theaters and Ingestion are optional there; missing ones become nil
// columns. Genre and Rating are read from the enrichment table, which is
// matched to revenues on Title.
type Columns struct {
	Title       string
	Distributor string
	Date        string
	Revenue     string
	Theaters    string
	Genre       string
	Rating      string
	Ingestion   string
}

// Tables is one Gold build.
type Tables struct {
	Fact         *records.Batch
	Movies       *records.Batch
	Distributors *records.Batch

	// DroppedRows counts revenue rows without a title.
	DroppedRows int
	// EnrichedMovies counts movies matched to an enrichment row.
	EnrichedMovies int
}

// FactKeys is the primary key of the fact table.
var FactKeys = []string{MovieKey, colDate}

// Build derives the Gold tables from Silver revenues and optional
// enrichment (nil skips enrichment; every movie is then is_enriched=0).
//
// Keys hash the normalized title and distributor, so spelling variants that
// differ only in case, width or edge whitespace share a key. Every table is
// deduplicated on its key keeping the row with the latest ingestion value.
func Build(revenues, enrichment *records.Batch, c Columns) (*Tables, error) {
	if _, err := revenues.Indices([]string{c.Title, c.Distributor, c.Date, c.Revenue}); err != nil {
		return nil, errors.Wrap(err, "gold: revenues")
	}
	lookup, err := enrichmentIndex(enrichment, c)
	if err != nil {
		return nil, err
	}

	titleIdx := revenues.Index(c.Title)
	kept := revenues.Filter(func(r []any) bool {
		if s, ok := r[titleIdx].(string); ok {
			return strings.TrimSpace(s) != ""
		}
		return r[titleIdx] != nil
	})
	out := &Tables{DroppedRows: revenues.Len() - kept.Len()}
	if out.DroppedRows > 0 {
		logger.Named("gold").Warnw("revenue rows without title dropped", logger.FieldRows, out.DroppedRows)
	}

	keyed, err := transformer.HashKey{Columns: []string{c.Title}, TargetColumn: MovieKey, Normalize: true}.Apply(kept)
	if err != nil {
		return nil, errors.Wrap(err, "gold: movie key")
	}
	keyed, err = transformer.HashKey{Columns: []string{c.Distributor}, TargetColumn: DistributorKey, Normalize: true}.Apply(keyed)
	if err != nil {
		return nil, errors.Wrap(err, "gold: distributor key")
	}

	ing := c.Ingestion
	if ing == "" {
		ing = config.DefaultIngestionColumn
	}
	get := func(r []any, name string) any {
		if i := keyed.Index(name); i >= 0 {
			return r[i]
		}
		return nil
	}

	fact := records.Empty(MovieKey, DistributorKey, colDate, colRevenue, colTheaters, ing)
	movies := records.Empty(MovieKey, colTitle, colGenre, colRating, colEnriched, ing)
	dists := records.Empty(DistributorKey, colDistributor, ing)
	for _, r := range keyed.Rows {
		skm, skd, at := get(r, MovieKey), get(r, DistributorKey), get(r, ing)
		fact.Rows = append(fact.Rows, []any{
			skm, skd, get(r, c.Date), toNumber(get(r, c.Revenue)), toNumber(get(r, c.Theaters)), at,
		})

		title := get(r, c.Title)
		if s, ok := title.(string); ok {
			title = strings.TrimSpace(s)
		}
		var genre, rating any
		enriched := int64(0)
		if e, ok := lookup[transformer.NormalizeText(records.Canonical(title))]; ok {
			genre, rating, enriched = e.genre, e.rating, 1
		}
		movies.Rows = append(movies.Rows, []any{skm, title, genre, rating, enriched, at})

		dist := get(r, c.Distributor)
		if s, ok := dist.(string); ok {
			dist = strings.TrimSpace(s)
		}
		dists.Rows = append(dists.Rows, []any{skd, dist, at})
	}

	latest := []string{ing}
	if out.Fact, _, err = transformer.Deduplicate(fact, FactKeys, latest, false); err != nil {
		return nil, errors.Wrap(err, "gold: fact")
	}
	if out.Movies, _, err = transformer.Deduplicate(movies, []string{MovieKey}, latest, false); err != nil {
		return nil, errors.Wrap(err, "gold: movies")
	}
	if out.Distributors, _, err = transformer.Deduplicate(dists, []string{DistributorKey}, latest, false); err != nil {
		return nil, errors.Wrap(err, "gold: distributors")
	}
	for _, r := range out.Movies.Rows {
		if r[4] == int64(1) {
			out.EnrichedMovies++
		}
	}
	return out, nil
}

type enrichmentRow struct {
	genre  any
	rating any
}

// enrichmentIndex maps normalized titles to their first enrichment row.
func enrichmentIndex(b *records.Batch, c Columns) (map[string]enrichmentRow, error) {
	out := map[string]enrichmentRow{}
	if b == nil {
		return out, nil
	}
	ti := b.Index(c.Title)
	if ti < 0 {
		return nil, errors.Newf("gold: enrichment has no %q column", c.Title)
	}
	gi, ri := b.Index(c.Genre), b.Index(c.Rating)
	for _, r := range b.Rows {
		if r[ti] == nil {
			continue
		}
		k := transformer.NormalizeText(records.Canonical(r[ti]))
		if _, dup := out[k]; dup {
			continue
		}
		var e enrichmentRow
		if gi >= 0 {
			e.genre = r[gi]
		}
		if ri >= 0 {
			e.rating = toNumber(r[ri])
		}
		out[k] = e
	}
	return out, nil
}

// toNumber coerces box-office style values ("$1,234", "7.9", "N/A") to
// int64/float64, or nil when they are not numeric.
func toNumber(v any) any {
	switch t := v.(type) {
	case int64, float64:
		return t
	case bool:
		return nil
	case string:
		s := strings.NewReplacer("$", "", ",", "", " ", "").Replace(strings.TrimSpace(t))
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f
		}
	}
	return nil
}
