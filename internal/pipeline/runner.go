// Package pipeline runs one configured pipeline end to end: it brackets the
// work with watermark status updates, executes the kind-specific stages and
// records the outcome in the run log and metrics.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"medallion/internal/config"
	"medallion/internal/dataset"
	"medallion/internal/gold"
	"medallion/internal/logger"
	"medallion/internal/merge"
	"medallion/internal/metrics"
	"medallion/internal/records"
	"medallion/internal/storage"
	"medallion/internal/transformer"
	"medallion/internal/watermark"
)

// Layout of the metadata directory.
const (
	ConfigDir = "config"
	StatusDir = "status"
	RunLogDB  = "runs.db"
)

// Report is the outcome of one run.
type Report struct {
	RunID      string
	PipelineID string
	Kind       string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time

	// Watermark is the last-success time the delta was read after (0: full).
	Watermark int64

	RowsRead    int
	RowsWritten int
	Inserted    int
	Updated     int

	Dedup     *transformer.DedupStats
	Merge     *merge.Result
	Append    *dataset.AppendStats
	Gold      map[string]merge.Result
	Published map[string]int64
}

// Runner executes pipelines.
type Runner struct {
	Configs *config.Store
	Status  *watermark.Store

	// RunLog is optional; run log failures are logged and never fail a run.
	RunLog storage.Repository

	// NewRepository opens publish targets. Defaults to storage.New.
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

	Now      func() time.Time
	NewRunID func() string

	log *zap.SugaredLogger
}

// NewRunner returns a Runner reading configs from <metadataDir>/config and
// keeping watermarks in <metadataDir>/status.
func NewRunner(metadataDir string, runLog storage.Repository) *Runner {
	return &Runner{
		Configs:       config.NewStore(filepath.Join(metadataDir, ConfigDir)),
		Status:        watermark.NewStore(filepath.Join(metadataDir, StatusDir)),
		RunLog:        runLog,
		NewRepository: storage.New,
		Now:           time.Now,
		NewRunID:      uuid.NewString,
	}
}

func (r *Runner) logger() *zap.SugaredLogger {
	if r.log == nil {
		r.log = logger.Named("pipeline")
	}
	return r.log
}

// RunAll loads every config first (an invalid one aborts before anything
// runs), then runs the pipelines in order, stopping at the first failure.
func (r *Runner) RunAll(ctx context.Context, pipelineIDs []string) ([]*Report, error) {
	cfgs := make([]*config.Pipeline, 0, len(pipelineIDs))
	for _, id := range pipelineIDs {
		p, err := r.Configs.Read(id)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, p)
	}
	reports := make([]*Report, 0, len(cfgs))
	for _, p := range cfgs {
		rep, err := r.Run(ctx, p)
		reports = append(reports, rep)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// Run executes p. The watermark is marked running first, then success or
// failed; only success advances it, so a failed window is re-read next time.
func (r *Runner) Run(ctx context.Context, p *config.Pipeline) (*Report, error) {
	rep := &Report{
		RunID:      r.NewRunID(),
		PipelineID: p.PipelineID,
		Kind:       p.Kind,
		Status:     watermark.StatusRunning,
		StartedAt:  r.Now().UTC(),
	}
	log := r.logger().With(logger.FieldPipelineID, p.PipelineID, logger.FieldRunID, rep.RunID)

	if _, err := r.Status.UpdatePipelineStatus(p.PipelineID, watermark.StatusRunning); err != nil {
		return rep, errors.Wrap(err, "mark running")
	}
	r.record(ctx, log, rep, nil)
	log.Infow("pipeline started", "kind", p.Kind)

	var err error
	switch p.Kind {
	case config.KindMerge:
		err = r.runMerge(ctx, log, p, rep)
	case config.KindAppend:
		err = r.runAppend(ctx, log, p, rep)
	case config.KindGold:
		err = r.runGold(ctx, log, p, rep)
	default:
		err = errors.Newf("unsupported pipeline kind %q", p.Kind)
	}

	rep.FinishedAt = r.Now().UTC()
	rep.Status = watermark.StatusSuccess
	if err != nil {
		rep.Status = watermark.StatusFailed
	}
	if _, serr := r.Status.UpdatePipelineStatus(p.PipelineID, rep.Status); serr != nil {
		err = errors.CombineErrors(err, errors.Wrapf(serr, "mark %s", rep.Status))
	}
	r.record(ctx, log, rep, err)

	d := rep.FinishedAt.Sub(rep.StartedAt)
	metrics.RecordStep("pipeline", rep.Status, d)
	if err != nil {
		log.Errorw("pipeline failed", logger.FieldError, err, logger.FieldDurationMS, d.Milliseconds())
		return rep, err
	}
	log.Infow("pipeline finished",
		logger.FieldStatus, rep.Status,
		"rows_read", rep.RowsRead,
		"rows_written", rep.RowsWritten,
		"inserted", rep.Inserted,
		"updated", rep.Updated,
		logger.FieldDurationMS, d.Milliseconds(),
	)
	return rep, nil
}

// step times fn and reports it as one pipeline step.
func step(log *zap.SugaredLogger, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	status := watermark.StatusSuccess
	if err != nil {
		status = watermark.StatusFailed
	}
	metrics.RecordStep(name, status, d)
	log.Debugw("step done", logger.FieldStage, name, logger.FieldStatus, status, logger.FieldDurationMS, d.Milliseconds())
	return err
}

func (r *Runner) record(ctx context.Context, log *zap.SugaredLogger, rep *Report, runErr error) {
	if r.RunLog == nil {
		return
	}
	rec := storage.RunRecord{
		RunID:       rep.RunID,
		PipelineID:  rep.PipelineID,
		Kind:        rep.Kind,
		Status:      rep.Status,
		StartedAt:   rep.StartedAt,
		FinishedAt:  rep.FinishedAt,
		RowsRead:    int64(rep.RowsRead),
		RowsWritten: int64(rep.RowsWritten),
		Inserted:    int64(rep.Inserted),
		Updated:     int64(rep.Updated),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	// The run log outlives a cancelled run.
	if err := r.RunLog.RecordRun(context.WithoutCancel(ctx), rec); err != nil {
		log.Warnw("run log write failed", logger.FieldError, err)
	}
}

// readSource loads the pipeline input. Parquet sources go through LoadDelta
// so that partition directories work and incremental reads are pruned.
func (r *Runner) readSource(ctx context.Context, p *config.Pipeline, rep *Report) (*records.Batch, error) {
	format, err := dataset.ParseFormat(p.Source.Format)
	if err != nil {
		return nil, err
	}
	if p.Source.Incremental {
		rep.Watermark = r.Status.GetLastSuccessUnix(p.PipelineID)
	}
	if format == dataset.FormatParquet {
		return dataset.LoadDelta(ctx, p.Source.Path, p.Source.PartitionCol, rep.Watermark)
	}
	return dataset.ReadFile(ctx, p.Source.Path, format)
}

func (r *Runner) runMerge(ctx context.Context, log *zap.SugaredLogger, p *config.Pipeline, rep *Report) error {
	var delta *records.Batch
	if err := step(log, "read", func() (err error) {
		delta, err = r.readSource(ctx, p, rep)
		return err
	}); err != nil {
		return err
	}
	rep.RowsRead = delta.Len()
	metrics.RecordRows("read", delta.Len())

	if delta.Len() == 0 {
		log.Infow("empty delta, nothing to merge", "watermark", rep.Watermark)
		return nil
	}

	if h := p.HashKey; h != nil {
		var err error
		delta, err = transformer.HashKey{Columns: h.Columns, TargetColumn: h.Column, Normalize: h.Normalize}.Apply(delta)
		if err != nil {
			return err
		}
	}

	if err := step(log, "dedup", func() error {
		out, stats, err := transformer.Deduplicate(delta, p.BusinessKeys, p.OrderBy, p.Ascending)
		if err != nil {
			return err
		}
		delta, rep.Dedup = out, &stats
		return nil
	}); err != nil {
		return err
	}
	metrics.RecordRows("deduplicated", rep.Dedup.Removed)

	format, err := dataset.ParseFormat(p.Target.Format)
	if err != nil {
		return err
	}
	target, err := dataset.Open(p.Target.Path, format, p.Target.PartitionCols)
	if err != nil {
		return err
	}
	engine := merge.NewEngine(p.StrictTarget, merge.WithLogger(log.Named("merge")))
	if err := step(log, "merge", func() error {
		res, err := engine.Merge(ctx, delta, target, p.PrimaryKeys, p.OrderBy)
		if err != nil {
			return err
		}
		rep.Merge = &res
		rep.RowsWritten, rep.Inserted, rep.Updated = res.Total, res.Inserted, res.Updated
		return nil
	}); err != nil {
		return err
	}
	metrics.RecordRows("inserted", rep.Inserted)
	metrics.RecordRows("updated", rep.Updated)

	if p.Publish == nil {
		return nil
	}
	return r.publish(ctx, log, p.Publish, rep, map[string]dataset.Table{p.Publish.Table: target})
}

func (r *Runner) runAppend(ctx context.Context, log *zap.SugaredLogger, p *config.Pipeline, rep *Report) error {
	var in *records.Batch
	if err := step(log, "read", func() (err error) {
		in, err = r.readSource(ctx, p, rep)
		return err
	}); err != nil {
		return err
	}
	rep.RowsRead = in.Len()
	metrics.RecordRows("read", in.Len())
	if in.Len() == 0 {
		log.Infow("empty input, nothing to append")
		return nil
	}

	stamp := make([]any, in.Len())
	for i := range stamp {
		stamp[i] = rep.StartedAt.Unix()
	}
	in = in.Clone()
	if err := in.SetColumn(p.IngestionColumn, stamp); err != nil {
		return err
	}

	format, err := dataset.ParseFormat(p.Target.Format)
	if err != nil {
		return err
	}
	if err := step(log, "append", func() error {
		stats, err := dataset.Append(ctx, in, p.Target.Path, format, p.Target.PartitionCols)
		if err != nil {
			return err
		}
		rep.Append = &stats
		rep.RowsWritten, rep.Inserted = stats.Total, stats.Appended
		return nil
	}); err != nil {
		return err
	}
	metrics.RecordRows("appended", rep.Inserted)

	if p.Publish == nil {
		return nil
	}
	target, err := dataset.Open(p.Target.Path, format, p.Target.PartitionCols)
	if err != nil {
		return err
	}
	return r.publish(ctx, log, p.Publish, rep, map[string]dataset.Table{p.Publish.Table: target})
}

func (r *Runner) runGold(ctx context.Context, log *zap.SugaredLogger, p *config.Pipeline, rep *Report) error {
	g := p.Gold
	var revenues, enrichment *records.Batch
	// Full loads, so Silver may be a single file or a partitioned directory.
	if err := step(log, "read", func() (err error) {
		if revenues, err = dataset.LoadDelta(ctx, g.Revenues, "", 0); err != nil {
			return err
		}
		if g.Enrichment == "" {
			return nil
		}
		enrichment, err = dataset.LoadDelta(ctx, g.Enrichment, "", 0)
		if errors.Is(err, dataset.ErrNotFound) {
			log.Warnw("enrichment table missing, building without it", logger.FieldPath, g.Enrichment)
			enrichment, err = nil, nil
		}
		return err
	}); err != nil {
		return err
	}
	rep.RowsRead = revenues.Len()
	metrics.RecordRows("read", revenues.Len())

	c := g.Columns
	var tables *gold.Tables
	if err := step(log, "gold_build", func() (err error) {
		tables, err = gold.Build(revenues, enrichment, gold.Columns{
			Title:       c.Title,
			Distributor: c.Distributor,
			Date:        c.Date,
			Revenue:     c.Revenue,
			Theaters:    c.Theaters,
			Genre:       c.Genre,
			Rating:      c.Rating,
			Ingestion:   p.IngestionColumn,
		})
		return err
	}); err != nil {
		return err
	}

	targets, err := gold.OpenTargets(g.FactPath, g.MoviesPath, g.DistributorsPath)
	if err != nil {
		return err
	}
	engine := merge.NewEngine(p.StrictTarget, merge.WithLogger(log.Named("merge")))
	if err := step(log, "gold_merge", func() (err error) {
		rep.Gold, err = gold.Merge(ctx, engine, tables, targets, p.IngestionColumn)
		return err
	}); err != nil {
		return err
	}
	for _, res := range rep.Gold {
		rep.RowsWritten += res.Total
		rep.Inserted += res.Inserted
		rep.Updated += res.Updated
	}
	metrics.RecordRows("inserted", rep.Inserted)
	metrics.RecordRows("updated", rep.Updated)

	if g.Publish == nil {
		return nil
	}
	return r.publish(ctx, log, g.Publish, rep, map[string]dataset.Table{
		gold.SQLName(g.Publish.Table, gold.TableFact):         targets.Fact,
		gold.SQLName(g.Publish.Table, gold.TableMovies):       targets.Movies,
		gold.SQLName(g.Publish.Table, gold.TableDistributors): targets.Distributors,
	})
}

// publish copies each table into the SQL backend named by pub, replacing
// the SQL table wholesale.
func (r *Runner) publish(ctx context.Context, log *zap.SugaredLogger, pub *config.Publish, rep *Report, tables map[string]dataset.Table) error {
	return step(log, "publish", func() error {
		repo, err := r.NewRepository(ctx, storage.Config{Kind: pub.Kind, DSN: pub.DSN})
		if err != nil {
			return errors.Wrapf(err, "open %s publish target", pub.Kind)
		}
		defer repo.Close()

		rep.Published = make(map[string]int64, len(tables))
		for name, t := range tables {
			b, err := t.Load(ctx)
			if err != nil {
				return errors.Wrapf(err, "load %s for publish", t.Path())
			}
			n, err := repo.ReplaceTable(ctx, name, b)
			if err != nil {
				return errors.Wrapf(err, "publish %s", name)
			}
			rep.Published[name] = n
			metrics.RecordRows("published", int(n))
			log.Infow("table published", "backend", pub.Kind, "table", name, logger.FieldRows, n)
		}
		return nil
	})
}

// MetadataDir resolves the metadata directory: flag value, then
// $MEDALLION_METADATA, then ./metadata.
func MetadataDir(flag string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv("MEDALLION_METADATA"); v != "" {
		return v
	}
	return "metadata"
}
