package commands

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"medallion/internal/config"
	"medallion/internal/logger"
	"medallion/internal/pipeline"
	"medallion/internal/watermark"
)

// RunCmd runs one or more pipelines in order.
var RunCmd = &cobra.Command{
	Use:   "run <pipeline_id>...",
	Short: "Run pipelines in order, stopping at the first failure",
	Long: `Run executes each named pipeline in the order given.

Every config is loaded and validated before anything runs; a missing or
invalid config exits with status 1 without touching any table. A failed
pipeline keeps its previous watermark so the next run re-reads the window.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPipelines,
}

func runPipelines(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logger.Named("cli")
	meta := metadataDir()

	r := pipeline.NewRunner(meta, nil)

	// Config errors are fatal before any run log or metrics are opened.
	cfgs := make([]*config.Pipeline, 0, len(args))
	for _, id := range args {
		cfgs = append(cfgs, r.Configs.MustRead(id))
	}

	if repo, err := openRunLog(ctx); err != nil {
		log.Warnw("run log unavailable, continuing without it", logger.FieldError, err)
	} else {
		r.RunLog = repo
		defer repo.Close()
	}

	job := "medallion"
	if len(args) == 1 {
		job = args[0]
	}
	stopMetrics := startMetrics(ctx, job)
	defer stopMetrics()

	for _, p := range cfgs {
		rep, err := r.Run(ctx, p)
		printReport(rep)
		if err != nil {
			return errors.Wrapf(err, "pipeline %s", p.PipelineID)
		}
	}
	return nil
}

func printReport(rep *pipeline.Report) {
	if rep == nil {
		return
	}
	d := rep.FinishedAt.Sub(rep.StartedAt).Truncate(time.Millisecond)
	if rep.Status != watermark.StatusSuccess {
		pterm.Error.Printf("%s (%s) %s after %s\n", rep.PipelineID, rep.Kind, rep.Status, d)
		return
	}
	pterm.Success.Printf("%s (%s) finished in %s: read %d, wrote %d, inserted %d, updated %d\n",
		rep.PipelineID, rep.Kind, d, rep.RowsRead, rep.RowsWritten, rep.Inserted, rep.Updated)
	if rep.Dedup != nil && rep.Dedup.Removed > 0 {
		pterm.Info.Printf("  dedup removed %d of %d rows\n", rep.Dedup.Removed, rep.Dedup.Input)
	}
	if rep.Merge != nil && rep.Merge.QuarantinedTo != "" {
		pterm.Warning.Printf("  unreadable target moved to %s\n", rep.Merge.QuarantinedTo)
	}
	for table, n := range rep.Published {
		fmt.Printf("  published %s: %d rows\n", table, n)
	}
}
