// Package probe profiles a sample of a table and drafts a pipeline config
// for it.
//
// Profiling is best-effort: cells are counted per column, distinct values
// are tracked up to a cap, and key candidates are the columns (or column
// pairs) that are fully populated and unique within the sample. The draft is
// a starting point meant to be edited by hand.
package probe

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"medallion/internal/config"
	"medallion/internal/dataset"
	"medallion/internal/records"
)

// distinctCapPerColumn bounds the distinct set kept for one column.
const distinctCapPerColumn = 10000

// DefaultSampleRows is used when Options.SampleRows is not positive.
const DefaultSampleRows = 10000

// Options control sampling and the drafted config.
type Options struct {
	Path   string
	Format string

	// PipelineID names the draft. Defaults to the normalized file name.
	PipelineID string
	// Kind of the drafted pipeline: merge (default) or append.
	Kind string
	// Target path of the draft. Defaults under data/bronze or data/silver.
	Target string

	SampleRows int
}

// Column is the profile of one column.
type Column struct {
	Name     string
	Kind     records.Kind
	Values   int // sampled rows with a non-empty value
	Distinct int
	Capped   bool
}

// Ratio is Distinct over Values; 0 for an empty column.
func (c Column) Ratio() float64 {
	if c.Values == 0 {
		return 0
	}
	return float64(c.Distinct) / float64(c.Values)
}

// Profile summarizes a sample.
type Profile struct {
	Rows    int
	Columns []Column
	// Keys is the first column set unique in the sample, nil when none is.
	Keys []string
}

// Run samples opt.Path and returns its profile and a draft config.
func Run(ctx context.Context, opt Options) (*Profile, map[string]any, error) {
	f, err := dataset.ParseFormat(opt.Format)
	if err != nil {
		return nil, nil, err
	}
	var b *records.Batch
	if f == dataset.FormatParquet {
		// Full load, so partitioned directories work too.
		b, err = dataset.LoadDelta(ctx, opt.Path, "", 0)
	} else {
		b, err = dataset.ReadFile(ctx, opt.Path, f)
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "probe %s", opt.Path)
	}
	n := opt.SampleRows
	if n <= 0 {
		n = DefaultSampleRows
	}
	if b.Len() > n {
		b = &records.Batch{Columns: b.Columns, Rows: b.Rows[:n]}
	}
	p, err := Analyze(b)
	if err != nil {
		return nil, nil, err
	}
	return p, Draft(opt, p), nil
}

// Analyze profiles b.
func Analyze(b *records.Batch) (*Profile, error) {
	kinds, err := b.Kinds()
	if err != nil {
		return nil, err
	}
	p := &Profile{Rows: b.Len(), Columns: make([]Column, len(b.Columns))}
	sets := make([]map[string]struct{}, len(b.Columns))
	for j, name := range b.Columns {
		p.Columns[j] = Column{Name: name, Kind: kinds[j]}
		sets[j] = make(map[string]struct{})
	}

	for _, r := range b.Rows {
		for j, v := range r {
			s := strings.TrimSpace(records.Canonical(v))
			if v == nil || s == "" {
				continue
			}
			c := &p.Columns[j]
			c.Values++
			if c.Capped {
				continue
			}
			sets[j][s] = struct{}{}
			if len(sets[j]) >= distinctCapPerColumn {
				c.Capped = true
				sets[j] = nil
			}
		}
	}
	for j := range p.Columns {
		if p.Columns[j].Capped {
			p.Columns[j].Distinct = distinctCapPerColumn
			continue
		}
		p.Columns[j].Distinct = len(sets[j])
	}

	p.Keys = candidateKeys(b, p)
	return p, nil
}

// candidateKeys prefers a single unique column, then a unique pair, in
// column order. Ingestion columns are never keys.
func candidateKeys(b *records.Batch, p *Profile) []string {
	if p.Rows == 0 {
		return nil
	}
	var full []int
	for j, c := range p.Columns {
		if c.Values != p.Rows || c.Name == config.DefaultIngestionColumn {
			continue
		}
		full = append(full, j)
		if !c.Capped && c.Distinct == p.Rows {
			return []string{c.Name}
		}
	}
	for x := 0; x < len(full); x++ {
		for y := x + 1; y < len(full); y++ {
			if uniqueOn(b, []int{full[x], full[y]}) {
				return []string{b.Columns[full[x]], b.Columns[full[y]]}
			}
		}
	}
	return nil
}

func uniqueOn(b *records.Batch, idx []int) bool {
	seen := make(map[string]struct{}, b.Len())
	for _, r := range b.Rows {
		k := records.KeyOf(r, idx)
		if _, dup := seen[k]; dup {
			return false
		}
		seen[k] = struct{}{}
	}
	return true
}

// Draft builds a config document for the sampled table. Merge drafts
// without key candidates leave primary_keys empty, which Read rejects until
// it is filled in.
func Draft(opt Options, p *Profile) map[string]any {
	id := opt.PipelineID
	if id == "" {
		base := filepath.Base(opt.Path)
		id = NormalizeName(strings.TrimSuffix(base, filepath.Ext(base)))
	}
	ing := config.DefaultIngestionColumn
	hasIngestion := false
	for _, c := range p.Columns {
		if c.Name == ing {
			hasIngestion = true
		}
	}

	source := map[string]any{"path": opt.Path, "format": opt.Format}
	doc := map[string]any{"pipeline_id": id, "source": source}

	if opt.Kind == config.KindAppend {
		target := opt.Target
		if target == "" {
			target = filepath.Join("data", "bronze", id)
		}
		doc["kind"] = config.KindAppend
		doc["target"] = map[string]any{"path": target, "format": "parquet", "partition_cols": []string{ing}}
		return doc
	}

	target := opt.Target
	if target == "" {
		target = filepath.Join("data", "silver", id+".parquet")
	}
	if f, err := dataset.ParseFormat(opt.Format); err == nil && f == dataset.FormatParquet && hasIngestion {
		source["partition_col"] = ing
		source["incremental"] = true
	}
	keys := p.Keys
	if keys == nil {
		keys = []string{}
	}
	doc["kind"] = config.KindMerge
	doc["target"] = map[string]any{"path": target, "format": "parquet"}
	doc["primary_keys"] = keys
	doc["order_by"] = []string{ing}
	return doc
}

// NormalizeName turns a file or dataset name into a lowercase identifier.
func NormalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		if r == ' ' || r == '-' || r == '.' || r == '/' || r == '\\' || r == ':' || r == ';' {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
			lastUnderscore = r == '_'
		}
	}
	return strings.Trim(b.String(), "_")
}

// Ranked returns the columns most unique first, ties by name.
func (p *Profile) Ranked() []Column {
	out := append([]Column(nil), p.Columns...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Ratio() == out[j].Ratio() {
			return out[i].Name < out[j].Name
		}
		return out[i].Ratio() > out[j].Ratio()
	})
	return out
}
