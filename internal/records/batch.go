// Package records defines the record batch, the unit of I/O for every
// pipeline stage: an ordered list of named columns plus positional rows.
package records

import (
	"fmt"
	"sort"
)

// Batch is an ordered, homogeneous table of rows.
//
// Every row has exactly len(Columns) cells, and every cell holds a normalized
// value (see Normalize). Stages never rename or drop columns implicitly.
type Batch struct {
	Columns []string
	Rows    [][]any
}

// New builds a batch, normalizing every cell.
//
// Errors:
//   - duplicate or empty column names
//   - a row whose width differs from len(columns)
//   - a cell whose type cannot be normalized
func New(columns []string, rows ...[]any) (*Batch, error) {
	if err := checkColumns(columns); err != nil {
		return nil, err
	}
	b := &Batch{
		Columns: append([]string(nil), columns...),
		Rows:    make([][]any, 0, len(rows)),
	}
	for i, r := range rows {
		if len(r) != len(columns) {
			return nil, fmt.Errorf("records: row %d has %d values, want %d", i, len(r), len(columns))
		}
		row := make([]any, len(r))
		for j, v := range r {
			nv, err := Normalize(v)
			if err != nil {
				return nil, fmt.Errorf("records: row %d column %q: %w", i, columns[j], err)
			}
			row[j] = nv
		}
		b.Rows = append(b.Rows, row)
	}
	return b, nil
}

// Empty returns a batch with the given columns and no rows.
func Empty(columns ...string) *Batch {
	return &Batch{Columns: append([]string(nil), columns...)}
}

// FromMaps builds a batch from map-shaped records. Columns listed in order come
// first; any other keys found in the records are appended in sorted order.
func FromMaps(order []string, maps []map[string]any) (*Batch, error) {
	seen := make(map[string]bool, len(order))
	cols := make([]string, 0, len(order))
	for _, c := range order {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	var extra []string
	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				extra = append(extra, k)
			}
		}
	}
	sort.Strings(extra)
	cols = append(cols, extra...)

	rows := make([][]any, len(maps))
	for i, m := range maps {
		row := make([]any, len(cols))
		for j, c := range cols {
			row[j] = m[c]
		}
		rows[i] = row
	}
	return New(cols, rows...)
}

func checkColumns(columns []string) error {
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		if c == "" {
			return fmt.Errorf("records: empty column name")
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("records: duplicate column %q", c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// Len returns the number of rows. A nil batch has zero rows.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Index returns the position of a column, or -1.
func (b *Batch) Index(name string) int {
	for i, c := range b.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Indices resolves column names to positions. A missing column is an error;
// key and ordering columns are never synthesized.
func (b *Batch) Indices(names []string) ([]int, error) {
	out := make([]int, len(names))
	for i, n := range names {
		ix := b.Index(n)
		if ix < 0 {
			return nil, fmt.Errorf("records: column %q not found (have %v)", n, b.Columns)
		}
		out[i] = ix
	}
	return out, nil
}

// Value returns the cell at (row, column name); nil if the column is absent.
func (b *Batch) Value(row int, column string) any {
	ix := b.Index(column)
	if ix < 0 {
		return nil
	}
	return b.Rows[row][ix]
}

// Column returns a copy of one column's values.
func (b *Batch) Column(name string) ([]any, error) {
	ix := b.Index(name)
	if ix < 0 {
		return nil, fmt.Errorf("records: column %q not found", name)
	}
	out := make([]any, len(b.Rows))
	for i, r := range b.Rows {
		out[i] = r[ix]
	}
	return out, nil
}

// Clone deep-copies the row slices (cell values are immutable scalars).
func (b *Batch) Clone() *Batch {
	out := &Batch{
		Columns: append([]string(nil), b.Columns...),
		Rows:    make([][]any, len(b.Rows)),
	}
	for i, r := range b.Rows {
		out.Rows[i] = append([]any(nil), r...)
	}
	return out
}

// SetColumn overwrites an existing column or appends a new one.
// values must be normalized and have one entry per row.
func (b *Batch) SetColumn(name string, values []any) error {
	if name == "" {
		return fmt.Errorf("records: empty column name")
	}
	if len(values) != len(b.Rows) {
		return fmt.Errorf("records: column %q has %d values, batch has %d rows", name, len(values), len(b.Rows))
	}
	ix := b.Index(name)
	if ix < 0 {
		b.Columns = append(b.Columns, name)
		for i := range b.Rows {
			b.Rows[i] = append(b.Rows[i], values[i])
		}
		return nil
	}
	for i := range b.Rows {
		b.Rows[i][ix] = values[i]
	}
	return nil
}

// Project returns a new batch holding only the named columns, in that order.
func (b *Batch) Project(names ...string) (*Batch, error) {
	idx, err := b.Indices(names)
	if err != nil {
		return nil, err
	}
	out := &Batch{Columns: append([]string(nil), names...), Rows: make([][]any, len(b.Rows))}
	for i, r := range b.Rows {
		row := make([]any, len(idx))
		for j, ix := range idx {
			row[j] = r[ix]
		}
		out.Rows[i] = row
	}
	return out, nil
}

// Without returns a new batch with the named columns removed. Names that are
// not present are ignored.
func (b *Batch) Without(names ...string) *Batch {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	keep := make([]string, 0, len(b.Columns))
	for _, c := range b.Columns {
		if !drop[c] {
			keep = append(keep, c)
		}
	}
	out, _ := b.Project(keep...)
	return out
}

// Filter returns a new batch with the rows for which keep returns true.
// Row slices are shared with b.
func (b *Batch) Filter(keep func(row []any) bool) *Batch {
	out := &Batch{Columns: append([]string(nil), b.Columns...)}
	for _, r := range b.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// Concat stacks a on top of b.
//
// Columns are unioned by name: a's columns first, then b's new columns in b's
// order. Cells for columns a row's source batch did not have are nil.
// Either argument may be nil.
func Concat(a, b *Batch) *Batch {
	switch {
	case a == nil && b == nil:
		return &Batch{}
	case a == nil:
		return b.Clone()
	case b == nil:
		return a.Clone()
	}

	cols := append([]string(nil), a.Columns...)
	for _, c := range b.Columns {
		if a.Index(c) < 0 {
			cols = append(cols, c)
		}
	}

	out := &Batch{Columns: cols, Rows: make([][]any, 0, len(a.Rows)+len(b.Rows))}
	appendAligned := func(src *Batch) {
		pos := make([]int, len(cols))
		for i, c := range cols {
			pos[i] = src.Index(c)
		}
		for _, r := range src.Rows {
			row := make([]any, len(cols))
			for i, p := range pos {
				if p >= 0 {
					row[i] = r[p]
				}
			}
			out.Rows = append(out.Rows, row)
		}
	}
	appendAligned(a)
	appendAligned(b)
	return out
}

// Kinds returns the kind of each column, taken from its non-nil cells.
//
// All-nil columns report KindNull. Mixing int and float in one column widens
// to KindFloat; any other mix is an error because columnar formats need one
// physical type per column.
func (b *Batch) Kinds() ([]Kind, error) {
	kinds := make([]Kind, len(b.Columns))
	for _, r := range b.Rows {
		for j, v := range r {
			k := KindOf(v)
			if k == KindNull {
				continue
			}
			switch cur := kinds[j]; {
			case cur == KindNull, cur == k:
				kinds[j] = k
			case isNumber(cur) && isNumber(k):
				kinds[j] = KindFloat
			default:
				return nil, fmt.Errorf("records: column %q mixes %s and %s values", b.Columns[j], cur, k)
			}
		}
	}
	return kinds, nil
}
