// Package commands implements the medallion command line.
package commands

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"medallion/internal/logger"
	"medallion/internal/metrics"
	"medallion/internal/metrics/datadog"
	"medallion/internal/pipeline"
	"medallion/internal/storage"
)

var (
	metadataFlag       string
	logJSONFlag        bool
	verboseFlag        bool
	metricsBackendFlag string
	runLogKindFlag     string
	runLogDSNFlag      string
)

// RootCmd is the medallion command.
var RootCmd = &cobra.Command{
	Use:   "medallion",
	Short: "Bronze/Silver/Gold pipelines for box-office data",
	Long: `medallion runs configured pipelines over a Bronze/Silver/Gold lake.

Each pipeline is a JSON file under <metadata>/config/<pipeline_id>.json and
keeps its watermark in <metadata>/status/<pipeline_id>.json.

Examples:
  medallion run bronze_revenues silver_revenues gold_revenues
  medallion status silver_revenues
  medallion summary gold_revenues --top 5`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(logJSONFlag, verboseFlag); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
}

func init() {
	pf := RootCmd.PersistentFlags()
	pf.StringVar(&metadataFlag, "metadata", "", "metadata directory (default $MEDALLION_METADATA, then ./metadata)")
	pf.BoolVar(&logJSONFlag, "log-json", false, "emit JSON logs")
	pf.BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logs")
	pf.StringVar(&metricsBackendFlag, "metrics-backend", "", "metrics backend: none or datadog (default $METRICS_BACKEND, then none)")
	pf.StringVar(&runLogKindFlag, "runlog-kind", "sqlite", "run log backend: sqlite, postgres or mssql")
	pf.StringVar(&runLogDSNFlag, "runlog-dsn", "", "run log DSN (default <metadata>/runs.db for sqlite)")

	RootCmd.AddCommand(RunCmd)
	RootCmd.AddCommand(StatusCmd)
	RootCmd.AddCommand(SummaryCmd)
	RootCmd.AddCommand(ValidateCmd)
	RootCmd.AddCommand(ProbeCmd)
}

func metadataDir() string {
	return pipeline.MetadataDir(metadataFlag)
}

// openRunLog opens the run log and makes sure its table exists.
func openRunLog(ctx context.Context) (storage.Repository, error) {
	dsn := runLogDSNFlag
	if dsn == "" {
		if runLogKindFlag != "sqlite" {
			return nil, errors.WithHint(
				errors.Newf("--runlog-dsn is required for %s", runLogKindFlag),
				"only the sqlite run log has a default location")
		}
		dsn = filepath.Join(metadataDir(), pipeline.RunLogDB)
	}
	repo, err := storage.New(ctx, storage.Config{Kind: runLogKindFlag, DSN: dsn})
	if err != nil {
		return nil, errors.Wrap(err, "open run log")
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "prepare run log")
	}
	return repo, nil
}

// startMetrics installs the selected metrics backend and returns its
// shutdown function. Backend failures leave the nop backend in place.
func startMetrics(ctx context.Context, jobName string) func() {
	log := logger.Named("metrics")
	name := metricsBackendFlag
	if name == "" {
		name = os.Getenv("METRICS_BACKEND")
	}

	switch name {
	case "datadog":
		tags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			log.Warnw("failed to init datadog backend, metrics disabled", logger.FieldError, err)
			return func() {}
		}
		log.Infow("metrics enabled", "backend", name, "job", jobName, "tags", tags)
		metrics.SetBackend(b)
		return func() {
			// Close stops the flush loop and submits what is still buffered.
			if err := b.Close(); err != nil {
				log.Warnw("datadog close/flush failed", logger.FieldError, err)
			}
		}

	case "", "none":
		log.Debugw("metrics disabled")

	default:
		log.Warnw("unknown metrics backend, metrics disabled", "backend", name)
	}
	return func() {}
}
