package dataset

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"medallion/internal/atomicfile"
	"medallion/internal/logger"
	"medallion/internal/records"
)

// DefaultPartition is the directory value used for nil partition values.
const DefaultPartition = "__HIVE_DEFAULT_PARTITION__"

type partitionedTable struct {
	path string
	cols []string
}

func (t *partitionedTable) Path() string   { return t.path }
func (t *partitionedTable) Format() Format { return FormatParquet }

// Exists first restores a directory left aside by an interrupted Replace, so
// a crash mid-swap is never mistaken for a missing table.
func (t *partitionedTable) Exists() (bool, error) {
	if err := recoverTable(t.path); err != nil {
		return false, err
	}
	return exists(t.path)
}

func (t *partitionedTable) Load(ctx context.Context) (*records.Batch, error) {
	if err := recoverTable(t.path); err != nil {
		return nil, err
	}
	return loadPartitioned(ctx, t.path, nil)
}

func recoverTable(path string) error {
	restored, err := atomicfile.RecoverDir(path)
	if err != nil {
		return errors.Wrapf(err, "recover %s", path)
	}
	if restored {
		logger.Logger.Warnw("restored table left aside by an interrupted write",
			logger.FieldStage, "recover",
			logger.FieldPath, path,
		)
	}
	return nil
}

// Replace writes one parquet file per distinct partition tuple into a staging
// directory and swaps it into place.
func (t *partitionedTable) Replace(ctx context.Context, b *records.Batch) error {
	pidx, err := b.Indices(t.cols)
	if err != nil {
		return errors.Wrap(err, "partition columns")
	}
	data := b.Without(t.cols...)
	if len(data.Columns) == 0 && b.Len() > 0 {
		return errors.Newf("dataset: %s has no columns besides partition columns %v", t.path, t.cols)
	}
	kinds, err := b.Kinds()
	if err != nil {
		return err
	}
	partKinds := make(map[string]records.Kind, len(t.cols))
	for i, c := range t.cols {
		partKinds[c] = kinds[pidx[i]]
	}

	staged, err := atomicfile.StageDir(t.path)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staged)
		}
	}()

	type group struct {
		dir  string
		rows [][]any
	}
	var groups []*group
	byKey := map[string]*group{}
	for i, r := range b.Rows {
		k := records.KeyOf(r, pidx)
		g, ok := byKey[k]
		if !ok {
			g = &group{dir: partitionDir(t.cols, r, pidx)}
			byKey[k] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, data.Rows[i])
	}

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		file := filepath.Join(staged, g.dir, "part-00000.parquet")
		part := &records.Batch{Columns: data.Columns, Rows: g.rows}
		if err := atomicfile.Write(file, 0o644, func(w io.Writer) error {
			return writeParquet(w, part, partKinds)
		}); err != nil {
			return errors.Wrapf(err, "write partition %s", g.dir)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := atomicfile.ReplaceDir(staged, t.path); err != nil {
		return err
	}
	committed = true
	return nil
}

func partitionDir(cols []string, row []any, idx []int) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		v := row[idx[i]]
		s := DefaultPartition
		if v != nil {
			s = escapePartitionValue(records.Canonical(v))
		}
		parts[i] = c + "=" + s
	}
	return filepath.Join(parts...)
}

// escapePartitionValue percent-encodes the characters that would break a
// key=value path segment.
func escapePartitionValue(s string) string {
	if s == "" {
		return "%00"
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c < 0x20, c == '/', c == '\\', c == '=', c == '%', c == ':', c == 0x7f:
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescapePartitionValue(s string) (string, error) {
	if s == "%00" {
		return "", nil
	}
	return url.PathUnescape(s)
}

// partitionFilter decides whether a partition directory col=value is read.
type partitionFilter func(col string, value any) bool

type partitionFile struct {
	path     string
	keys     []string
	values   []string // raw text; "" for the default partition
	defaults []bool   // true where the directory is the default partition
}

// listPartitionFiles walks a hive layout and returns its parquet files in
// partition-value order. Directories rejected by keep are not descended.
func listPartitionFiles(root string, keep partitionFilter) ([]partitionFile, error) {
	var out []partitionFile
	var walk func(dir string, keys, values []string, defaults []bool) error
	walk = func(dir string, keys, values []string, defaults []bool) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return errors.Wrapf(err, "read dir %s", dir)
		}

		type sub struct {
			name  string
			key   string
			raw   string
			null  bool
			typed any
		}
		var subs []sub
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			if !e.IsDir() {
				if strings.HasSuffix(name, ".parquet") && !strings.HasPrefix(name, "_") {
					out = append(out, partitionFile{
						path:     filepath.Join(dir, name),
						keys:     append([]string(nil), keys...),
						values:   append([]string(nil), values...),
						defaults: append([]bool(nil), defaults...),
					})
				}
				continue
			}
			k, v, ok := strings.Cut(name, "=")
			if !ok {
				continue
			}
			raw := ""
			if v != DefaultPartition {
				if raw, err = unescapePartitionValue(v); err != nil {
					return errors.Wrapf(err, "partition %s", filepath.Join(dir, name))
				}
			}
			s := sub{name: name, key: k, raw: raw, null: v == DefaultPartition}
			if !s.null {
				s.typed = records.ParseScalar(raw)
			}
			subs = append(subs, s)
		}

		sort.SliceStable(subs, func(i, j int) bool {
			return records.Compare(subs[i].typed, subs[j].typed) < 0
		})
		for _, s := range subs {
			if keep != nil && !keep(s.key, s.typed) {
				continue
			}
			next := filepath.Join(dir, s.name)
			if err := walk(next, append(keys, s.key), append(values, s.raw), append(defaults, s.null)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, nil, nil, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// partitionColumn accumulates the directory values of one partition column.
type partitionColumn struct {
	raw  []string
	null []bool
	kind records.Kind
}

func (pc *partitionColumn) pad(n int) {
	for len(pc.raw) < n {
		pc.raw = append(pc.raw, "")
		pc.null = append(pc.null, true)
	}
}

// values types the collected cells with the kind stored at write time. Files
// written without one fall back to inference over the whole column.
func (pc *partitionColumn) values(col string) ([]any, error) {
	out := make([]any, len(pc.raw))
	if pc.kind == records.KindNull {
		for i, v := range records.InferStrings(pc.raw) {
			if !pc.null[i] {
				out[i] = v
			}
		}
		return out, nil
	}
	for i, s := range pc.raw {
		if pc.null[i] {
			continue
		}
		v, err := parseKind(s, pc.kind)
		if err != nil {
			return nil, errors.Wrapf(err, "partition %s=%s", col, s)
		}
		out[i] = v
	}
	return out, nil
}

func parseKind(s string, k records.Kind) (any, error) {
	switch k {
	case records.KindInt:
		return strconv.ParseInt(s, 10, 64)
	case records.KindFloat:
		return strconv.ParseFloat(s, 64)
	case records.KindBool:
		return strconv.ParseBool(s)
	default:
		return s, nil
	}
}

func readPartFile(ctx context.Context, path string) (*records.Batch, map[string]records.Kind, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	b, kinds, err := readParquet(f)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "decode parquet %s", path)
	}
	return b, kinds, nil
}

// loadPartitioned reads every kept file and re-attaches partition values as
// columns, typed with the kinds recorded in the part files.
func loadPartitioned(ctx context.Context, root string, keep partitionFilter) (*records.Batch, error) {
	files, err := listPartitionFiles(root, keep)
	if err != nil {
		if ok, _ := exists(root); !ok {
			return nil, errors.Wrapf(ErrNotFound, "%s", root)
		}
		return nil, err
	}

	var (
		out      *records.Batch
		partCols []string
		parts    = map[string]*partitionColumn{}
	)
	for _, pf := range files {
		b, kinds, err := readPartFile(ctx, pf.path)
		if err != nil {
			return nil, err
		}
		before := out.Len()
		for i, k := range pf.keys {
			if b.Index(k) >= 0 {
				return nil, errors.Newf("dataset: %s stores partition column %q inside the file", pf.path, k)
			}
			pc, ok := parts[k]
			if !ok {
				pc = &partitionColumn{}
				parts[k] = pc
				partCols = append(partCols, k)
			}
			pc.pad(before)
			if kind := kinds[k]; kind != records.KindNull {
				pc.kind = kind
			}
			for r := 0; r < b.Len(); r++ {
				pc.raw = append(pc.raw, pf.values[i])
				pc.null = append(pc.null, pf.defaults[i])
			}
			if err := b.SetColumn(k, make([]any, b.Len())); err != nil {
				return nil, err
			}
		}
		out = records.Concat(out, b)
	}
	if out == nil {
		return &records.Batch{}, nil
	}

	for _, k := range partCols {
		pc := parts[k]
		pc.pad(out.Len())
		vals, err := pc.values(k)
		if err != nil {
			return nil, err
		}
		if err := out.SetColumn(k, vals); err != nil {
			return nil, err
		}
	}
	return out, nil
}
