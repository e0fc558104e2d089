package commands

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"medallion/internal/config"
	"medallion/internal/gold"
	"medallion/internal/pipeline"
	"medallion/internal/records"
)

// SummaryCmd prints analytics over the Gold tables of a gold pipeline.
var SummaryCmd = &cobra.Command{
	Use:   "summary <gold_pipeline_id>",
	Short: "Print KPIs and rankings from a gold pipeline's tables",
	Args:  cobra.ExactArgs(1),
	RunE:  runSummary,
}

var summaryTopFlag int

func init() {
	SummaryCmd.Flags().IntVar(&summaryTopFlag, "top", 10, "entries per ranking (0 for all)")
}

func runSummary(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	r := pipeline.NewRunner(metadataDir(), nil)
	p := r.Configs.MustRead(args[0])
	if p.Kind != config.KindGold {
		return errors.WithHint(
			errors.Newf("pipeline %s is a %s pipeline", p.PipelineID, p.Kind),
			"summary reads the tables written by a gold pipeline")
	}

	targets, err := gold.OpenTargets(p.Gold.FactPath, p.Gold.MoviesPath, p.Gold.DistributorsPath)
	if err != nil {
		return err
	}
	fact, movies, dists, err := gold.Load(ctx, targets)
	if err != nil {
		return err
	}
	s, err := gold.Summarize(fact, movies, dists, summaryTopFlag)
	if err != nil {
		return err
	}
	return renderSummary(s)
}

func renderSummary(s *gold.Summary) error {
	rating := "n/a"
	if s.HasRating {
		rating = fmtFloat(s.AvgRating)
	}
	kpis := pterm.TableData{
		{"Metric", "Value"},
		{"Records", strconv.Itoa(s.Records)},
		{"Total revenue", fmtFloat(s.TotalRevenue)},
		{"Unique movies", strconv.Itoa(s.UniqueMovies)},
		{"Distributors", strconv.Itoa(s.Distributors)},
		{"Avg theaters", fmtFloat(s.AvgTheaters)},
		{"Avg rating", rating},
		{"Enrichment rate", fmt.Sprintf("%.1f%%", s.EnrichmentRate*100)},
		{"Missing revenue", strconv.Itoa(s.MissingRevenue)},
		{"Missing theaters", strconv.Itoa(s.MissingTheaters)},
		{"Missing distributor", strconv.Itoa(s.MissingDistributor)},
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(kpis).Render(); err != nil {
		return err
	}

	dists := pterm.TableData{{"Distributor", "Revenue", "Movies"}}
	for _, d := range s.TopDistributors {
		dists = append(dists, []string{d.Distributor, fmtFloat(d.Revenue), strconv.Itoa(d.Movies)})
	}
	movies := pterm.TableData{{"Movie", "Distributor", "Revenue", "Avg theaters", "Rating"}}
	for _, m := range s.TopMovies {
		rating := "n/a"
		if m.Rating != nil {
			rating = records.Canonical(m.Rating)
		}
		movies = append(movies, []string{m.Title, m.Distributor, fmtFloat(m.Revenue), fmtFloat(m.AvgTheaters), rating})
	}
	genres := pterm.TableData{{"Genre", "Revenue"}}
	for _, g := range s.TopGenres {
		genres = append(genres, []string{g.Genre, fmtFloat(g.Revenue)})
	}
	daily := pterm.TableData{{"Date", "Revenue"}}
	for _, d := range s.DailyRevenue {
		daily = append(daily, []string{records.Canonical(d.Date), fmtFloat(d.Revenue)})
	}

	for _, section := range []struct {
		title string
		data  pterm.TableData
	}{
		{"Top distributors", dists},
		{"Top movies", movies},
		{"Top genres", genres},
		{"Daily revenue", daily},
	} {
		if len(section.data) == 1 {
			continue
		}
		pterm.DefaultSection.Println(section.title)
		if err := pterm.DefaultTable.WithHasHeader().WithData(section.data).Render(); err != nil {
			return err
		}
	}
	return nil
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
