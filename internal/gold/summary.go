package gold

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"medallion/internal/records"
)

// Summary is the analytics view over one Gold build: KPIs, rankings and a
// daily series computed on the fact left-joined to both dimensions.
type Summary struct {
	Records      int
	Movies       int // rows in the movie dimension
	Distributors int // rows in the distributor dimension

	TotalRevenue float64
	UniqueMovies int // distinct movies referenced by the fact
	AvgTheaters  float64
	AvgRating    float64 // over fact rows with a rating; 0 when none
	HasRating    bool

	EnrichedRecords int
	EnrichmentRate  float64 // EnrichedRecords / Records, in [0, 1]

	MissingRevenue     int
	MissingTheaters    int
	MissingDistributor int

	TopDistributors []DistributorStat
	TopMovies       []MovieStat
	TopGenres       []GenreStat
	DailyRevenue    []DailyStat
}

// DistributorStat is one distributor's share of revenue.
type DistributorStat struct {
	Distributor string
	Revenue     float64
	Movies      int
}

// MovieStat is one movie's total revenue.
type MovieStat struct {
	Title       string
	Distributor string
	Revenue     float64
	AvgTheaters float64
	Rating      any
}

// GenreStat is revenue attributed to one genre. Movies listing several
// comma-separated genres count toward each of them.
type GenreStat struct {
	Genre   string
	Revenue float64
}

// DailyStat is total revenue for one date.
type DailyStat struct {
	Date    any
	Revenue float64
}

// Summarize joins fact to the dimensions on their surrogate keys and
// computes the Summary. Rankings are limited to topN entries (topN <= 0
// means unlimited) and ties are broken by name.
func Summarize(fact, movies, distributors *records.Batch, topN int) (*Summary, error) {
	fi, err := fact.Indices([]string{MovieKey, DistributorKey, colDate, colRevenue, colTheaters})
	if err != nil {
		return nil, errors.Wrap(err, "summary: fact")
	}
	mi, err := movies.Indices([]string{MovieKey, colTitle, colGenre, colRating, colEnriched})
	if err != nil {
		return nil, errors.Wrap(err, "summary: movies")
	}
	di, err := distributors.Indices([]string{DistributorKey, colDistributor})
	if err != nil {
		return nil, errors.Wrap(err, "summary: distributors")
	}

	movieByKey := make(map[any][]any, movies.Len())
	for _, r := range movies.Rows {
		movieByKey[r[mi[0]]] = r
	}
	distByKey := make(map[any]any, distributors.Len())
	for _, r := range distributors.Rows {
		distByKey[r[di[0]]] = r[di[1]]
	}

	s := &Summary{Records: fact.Len(), Movies: movies.Len(), Distributors: distributors.Len()}

	type movieAgg struct {
		MovieStat
		theaters, theaterRows float64
	}
	var (
		theaterSum, theaterN float64
		ratingSum, ratingN   float64
		uniq                 = map[any]struct{}{}
		byMovie              = map[any]*movieAgg{}
		byDist               = map[string]*DistributorStat{}
		distMovies           = map[string]map[any]struct{}{}
		byGenre              = map[string]float64{}
		byDate               = map[string]*DailyStat{}
	)

	for _, r := range fact.Rows {
		skm := r[fi[0]]
		uniq[skm] = struct{}{}
		rev, hasRev := asFloat(r[fi[3]])
		if !hasRev {
			s.MissingRevenue++
		}
		s.TotalRevenue += rev
		th, hasTh := asFloat(r[fi[4]])
		if hasTh {
			theaterSum += th
			theaterN++
		} else {
			s.MissingTheaters++
		}

		var title, genre, rating any
		if m := movieByKey[skm]; m != nil {
			title, genre, rating = m[mi[1]], m[mi[2]], m[mi[3]]
			if m[mi[4]] == int64(1) {
				s.EnrichedRecords++
			}
		}
		if v, ok := asFloat(rating); ok {
			ratingSum += v
			ratingN++
		}

		dist := distByKey[r[fi[1]]]
		distName := ""
		if dist == nil {
			s.MissingDistributor++
		} else {
			distName = records.Canonical(dist)
			d := byDist[distName]
			if d == nil {
				d = &DistributorStat{Distributor: distName}
				byDist[distName] = d
				distMovies[distName] = map[any]struct{}{}
			}
			d.Revenue += rev
			distMovies[distName][skm] = struct{}{}
		}

		ma := byMovie[skm]
		if ma == nil {
			ma = &movieAgg{MovieStat: MovieStat{Title: records.Canonical(title), Distributor: distName, Rating: rating}}
			byMovie[skm] = ma
		}
		ma.Revenue += rev
		if hasTh {
			ma.theaters += th
			ma.theaterRows++
		}

		if g, ok := genre.(string); ok {
			for _, part := range strings.Split(g, ",") {
				if part = strings.TrimSpace(part); part != "" {
					byGenre[part] += rev
				}
			}
		}

		date := r[fi[2]]
		dk := records.KeyOf([]any{date}, []int{0})
		if byDate[dk] == nil {
			byDate[dk] = &DailyStat{Date: date}
		}
		byDate[dk].Revenue += rev
	}

	s.UniqueMovies = len(uniq)
	if theaterN > 0 {
		s.AvgTheaters = theaterSum / theaterN
	}
	if ratingN > 0 {
		s.AvgRating, s.HasRating = ratingSum/ratingN, true
	}
	if s.Records > 0 {
		s.EnrichmentRate = float64(s.EnrichedRecords) / float64(s.Records)
	}

	for name, d := range byDist {
		d.Movies = len(distMovies[name])
		s.TopDistributors = append(s.TopDistributors, *d)
	}
	sort.Slice(s.TopDistributors, func(i, j int) bool {
		a, b := s.TopDistributors[i], s.TopDistributors[j]
		if a.Revenue != b.Revenue {
			return a.Revenue > b.Revenue
		}
		return a.Distributor < b.Distributor
	})
	s.TopDistributors = limit(s.TopDistributors, topN)

	for _, m := range byMovie {
		if m.theaterRows > 0 {
			m.AvgTheaters = m.theaters / m.theaterRows
		}
		s.TopMovies = append(s.TopMovies, m.MovieStat)
	}
	sort.Slice(s.TopMovies, func(i, j int) bool {
		a, b := s.TopMovies[i], s.TopMovies[j]
		if a.Revenue != b.Revenue {
			return a.Revenue > b.Revenue
		}
		return a.Title < b.Title
	})
	s.TopMovies = limit(s.TopMovies, topN)

	for g, rev := range byGenre {
		s.TopGenres = append(s.TopGenres, GenreStat{Genre: g, Revenue: rev})
	}
	sort.Slice(s.TopGenres, func(i, j int) bool {
		a, b := s.TopGenres[i], s.TopGenres[j]
		if a.Revenue != b.Revenue {
			return a.Revenue > b.Revenue
		}
		return a.Genre < b.Genre
	})
	s.TopGenres = limit(s.TopGenres, topN)

	for _, d := range byDate {
		s.DailyRevenue = append(s.DailyRevenue, *d)
	}
	sort.Slice(s.DailyRevenue, func(i, j int) bool {
		return records.Compare(s.DailyRevenue[i].Date, s.DailyRevenue[j].Date) < 0
	})
	return s, nil
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

func limit[T any](s []T, n int) []T {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}
