// Package config loads per-pipeline configuration files.
//
// Each pipeline has one JSON file, <dir>/<pipeline_id>.json, decoded into the
// explicit Pipeline schema. Loading is all-or-nothing: a missing file, a parse
// error, an unknown key or a failed validation rule returns an error and never
// a partially filled Pipeline.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"medallion/internal/logger"
)

// Pipeline kinds.
const (
	KindMerge  = "merge"
	KindAppend = "append"
	KindGold   = "gold"
)

// DefaultIngestionColumn is the ingestion-time partition column written by
// Bronze producers and append pipelines.
const DefaultIngestionColumn = "_tf_ingestion_time"

var (
	// ErrNotFound is returned when a pipeline has no config file.
	ErrNotFound = errors.New("config: pipeline config not found")
	// ErrInvalid is returned when a config file parses but fails validation.
	ErrInvalid = errors.New("config: invalid pipeline config")
)

// Pipeline is the schema of one pipeline config file.
type Pipeline struct {
	PipelineID string `mapstructure:"pipeline_id"`
	Kind       string `mapstructure:"kind"`

	Source Source `mapstructure:"source"`
	Target Target `mapstructure:"target"`

	// BusinessKeys drive deduplication of the incoming delta; they default to
	// PrimaryKeys.
	BusinessKeys []string `mapstructure:"business_keys"`
	// PrimaryKeys identify a row of the target table during merge.
	PrimaryKeys []string `mapstructure:"primary_keys"`
	// OrderBy breaks ties between rows sharing a key.
	OrderBy []string `mapstructure:"order_by"`
	// Ascending flips dedup to keep the minimum OrderBy tuple.
	Ascending bool `mapstructure:"ascending"`

	HashKey *HashKey `mapstructure:"hash_key"`

	// StrictTarget makes an unreadable merge target fail the run instead of
	// being quarantined and reloaded.
	StrictTarget bool `mapstructure:"strict_target"`

	IngestionColumn string `mapstructure:"ingestion_column"`

	Gold    *Gold    `mapstructure:"gold"`
	Publish *Publish `mapstructure:"publish"`
}

// Source describes where a pipeline reads from.
type Source struct {
	Path         string `mapstructure:"path"`
	Format       string `mapstructure:"format"`
	PartitionCol string `mapstructure:"partition_col"`
	// Incremental enables watermark filtering on PartitionCol.
	Incremental bool `mapstructure:"incremental"`
}

// Target describes where a pipeline writes.
type Target struct {
	Path          string   `mapstructure:"path"`
	Format        string   `mapstructure:"format"`
	PartitionCols []string `mapstructure:"partition_cols"`
}

// HashKey derives a surrogate key column before dedup/merge.
type HashKey struct {
	Columns   []string `mapstructure:"columns"`
	Column    string   `mapstructure:"column"`
	Normalize bool     `mapstructure:"normalize"`
}

// Publish copies the target table into a SQL backend after a successful run.
type Publish struct {
	Kind  string `mapstructure:"kind"`
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// Gold configures the Gold builder.
type Gold struct {
	Revenues   string `mapstructure:"revenues"`
	Enrichment string `mapstructure:"enrichment"`

	FactPath         string `mapstructure:"fact_path"`
	MoviesPath       string `mapstructure:"movies_path"`
	DistributorsPath string `mapstructure:"distributors_path"`

	Columns GoldColumns `mapstructure:"columns"`
	Publish *Publish    `mapstructure:"publish"`
}

// GoldColumns maps Silver column names onto the Gold contract.
type GoldColumns struct {
	Title       string `mapstructure:"title"`
	Distributor string `mapstructure:"distributor"`
	Date        string `mapstructure:"date"`
	Revenue     string `mapstructure:"revenue"`
	Theaters    string `mapstructure:"theaters"`
	Genre       string `mapstructure:"genre"`
	Rating      string `mapstructure:"rating"`
}

// Store resolves and loads pipeline configs from a directory.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the config file location for a pipeline.
func (s *Store) Path(pipelineID string) string {
	return filepath.Join(s.dir, pipelineID+".json")
}

// Read loads, defaults and validates the config for pipelineID.
func (s *Store) Read(pipelineID string) (*Pipeline, error) {
	if strings.TrimSpace(pipelineID) == "" {
		return nil, errors.Wrap(ErrInvalid, "empty pipeline id")
	}
	if strings.ContainsAny(pipelineID, `/\`) {
		return nil, errors.Wrapf(ErrInvalid, "pipeline id %q must not contain path separators", pipelineID)
	}

	path := s.Path(pipelineID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WithHintf(
				errors.Wrapf(ErrNotFound, "%s", path),
				"expected location: %s", path,
			)
		}
		return nil, errors.Wrapf(err, "stat config %s", path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v, pipelineID)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	var p Pipeline
	if err := v.UnmarshalExact(&p); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}
	applyDefaults(&p)

	if p.PipelineID != pipelineID {
		return nil, errors.Wrapf(ErrInvalid, "%s: pipeline_id %q does not match file name %q", path, p.PipelineID, pipelineID)
	}

	if issues := Validate(p); HasErrors(issues) {
		return nil, errors.Wrapf(ErrInvalid, "%s: %s", path, FormatIssues(issues))
	}

	if p.Publish != nil {
		p.Publish.DSN = os.ExpandEnv(p.Publish.DSN)
	}
	if p.Gold != nil && p.Gold.Publish != nil {
		p.Gold.Publish.DSN = os.ExpandEnv(p.Gold.Publish.DSN)
	}

	logger.Logger.Debugw("config loaded", logger.FieldPipelineID, pipelineID, logger.FieldPath, path)
	return &p, nil
}

// MustRead is Read for process entry points: any failure is logged and the
// process exits with status 1. No default config is ever substituted.
func (s *Store) MustRead(pipelineID string) *Pipeline {
	p, err := s.Read(pipelineID)
	if err != nil {
		logger.Logger.Errorw("config load failed",
			logger.FieldPipelineID, pipelineID,
			logger.FieldPath, s.Path(pipelineID),
			logger.FieldError, err,
			"hint", strings.Join(errors.GetAllHints(err), "; "),
		)
		logger.Sync()
		os.Exit(1)
	}
	return p
}

func setDefaults(v *viper.Viper, pipelineID string) {
	v.SetDefault("pipeline_id", pipelineID)
	v.SetDefault("kind", KindMerge)
	v.SetDefault("source.format", "parquet")
	v.SetDefault("target.format", "parquet")
	v.SetDefault("ascending", false)
	v.SetDefault("ingestion_column", DefaultIngestionColumn)
}

// applyDefaults fills defaults inside optional blocks, which viper defaults
// cannot express without materializing the block.
func applyDefaults(p *Pipeline) {
	if len(p.BusinessKeys) == 0 {
		p.BusinessKeys = append([]string(nil), p.PrimaryKeys...)
	}
	if p.HashKey != nil && p.HashKey.Column == "" {
		p.HashKey.Column = "hash_key"
	}
	if p.Source.Incremental && p.Source.PartitionCol == "" {
		p.Source.PartitionCol = p.IngestionColumn
	}
	if g := p.Gold; g != nil {
		c := &g.Columns
		setIfEmpty(&c.Title, "title")
		setIfEmpty(&c.Distributor, "distributor")
		setIfEmpty(&c.Date, "date")
		setIfEmpty(&c.Revenue, "revenue")
		setIfEmpty(&c.Theaters, "theaters")
		setIfEmpty(&c.Genre, "genre")
		setIfEmpty(&c.Rating, "imdb_rating")
	}
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}
