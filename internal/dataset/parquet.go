package dataset

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"
	"github.com/parquet-go/parquet-go"

	"medallion/internal/records"
)

// columnsMetadataKey stores the batch column order in the file footer.
// parquet groups sort their fields by name, so the physical order differs.
const columnsMetadataKey = "medallion.columns"

// partitionKindsMetadataKey stores, in each part file of a partitioned table,
// the kind of every partition column as a JSON object of kind names. Directory
// names are text, so the kind cannot be recovered from them.
const partitionKindsMetadataKey = "medallion.partition_kinds"

const readBatchSize = 256

// parquetNode maps a column kind onto an optional parquet leaf. All-null
// columns are written as optional strings.
func parquetNode(k records.Kind) parquet.Node {
	switch k {
	case records.KindBool:
		return parquet.Optional(parquet.Leaf(parquet.BooleanType))
	case records.KindInt:
		return parquet.Optional(parquet.Int(64))
	case records.KindFloat:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType))
	default:
		return parquet.Optional(parquet.String())
	}
}

func encodeParquet(w io.Writer, b *records.Batch) error {
	return writeParquet(w, b, nil)
}

func writeParquet(w io.Writer, b *records.Batch, partKinds map[string]records.Kind) error {
	if len(b.Columns) == 0 {
		return errors.New("parquet: batch has no columns")
	}
	kinds, err := b.Kinds()
	if err != nil {
		return err
	}

	group := parquet.Group{}
	for i, c := range b.Columns {
		group[c] = parquetNode(kinds[i])
	}
	schema := parquet.NewSchema("record", group)

	// Leaf index of each batch column in the sorted physical layout.
	leaf := make([]int, len(b.Columns))
	for li, path := range schema.Columns() {
		if ix := b.Index(path[0]); ix >= 0 {
			leaf[ix] = li
		}
	}

	order, err := json.Marshal(b.Columns)
	if err != nil {
		return err
	}

	opts := []parquet.WriterOption{parquet.KeyValueMetadata(columnsMetadataKey, string(order))}
	if len(partKinds) > 0 {
		names := make(map[string]string, len(partKinds))
		for c, k := range partKinds {
			names[c] = k.String()
		}
		raw, err := json.Marshal(names)
		if err != nil {
			return err
		}
		opts = append(opts, parquet.KeyValueMetadata(partitionKindsMetadataKey, string(raw)))
	}
	pw := parquet.NewWriter(w, append([]parquet.WriterOption{schema}, opts...)...)

	rows := make([]parquet.Row, 0, readBatchSize)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if _, err := pw.WriteRows(rows); err != nil {
			return err
		}
		rows = rows[:0]
		return nil
	}

	for _, r := range b.Rows {
		row := make(parquet.Row, len(b.Columns))
		for j, v := range r {
			col := leaf[j]
			if v == nil {
				row[col] = parquet.NullValue().Level(0, 0, col)
				continue
			}
			row[col] = parquetValue(v, kinds[j]).Level(0, 1, col)
		}
		rows = append(rows, row)
		if len(rows) == cap(rows) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return pw.Close()
}

// parquetValue converts a cell to the physical type of its column. Ints in a
// float column are widened.
func parquetValue(v any, k records.Kind) parquet.Value {
	if k == records.KindFloat {
		switch t := v.(type) {
		case int64:
			return parquet.DoubleValue(float64(t))
		case float64:
			return parquet.DoubleValue(t)
		}
	}
	return parquet.ValueOf(v)
}

func decodeParquet(f *os.File) (*records.Batch, error) {
	b, _, err := readParquet(f)
	return b, err
}

// readParquet decodes f and returns the partition kinds stored in its footer,
// nil when there are none.
func readParquet(f *os.File) (*records.Batch, map[string]records.Kind, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, nil, err
	}

	leaves := pf.Schema().Columns()
	physical := make([]string, len(leaves))
	for i, path := range leaves {
		physical[i] = joinPath(path)
	}

	columns := physical
	if raw, ok := pf.Lookup(columnsMetadataKey); ok {
		var logical []string
		if err := json.Unmarshal([]byte(raw), &logical); err == nil && sameSet(logical, physical) {
			columns = logical
		}
	}

	pos := make(map[string]int, len(columns))
	for i, c := range columns {
		pos[c] = i
	}
	target := make([]int, len(physical))
	for i, c := range physical {
		target[i] = pos[c]
	}

	out := records.Empty(columns...)
	out.Rows = make([][]any, 0, pf.NumRows())

	buf := make([]parquet.Row, readBatchSize)
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for _, pr := range buf[:n] {
				row := make([]any, len(columns))
				for _, v := range pr {
					col := v.Column()
					if col < 0 || col >= len(target) {
						continue
					}
					row[target[col]] = fromParquet(v)
				}
				out.Rows = append(out.Rows, row)
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = rows.Close()
				return nil, nil, err
			}
		}
		if err := rows.Close(); err != nil {
			return nil, nil, err
		}
	}
	return out, partitionKinds(pf), nil
}

func partitionKinds(pf *parquet.File) map[string]records.Kind {
	raw, ok := pf.Lookup(partitionKindsMetadataKey)
	if !ok {
		return nil
	}
	var names map[string]string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil
	}
	out := make(map[string]records.Kind, len(names))
	for c, n := range names {
		if k, ok := kindByName(n); ok {
			out[c] = k
		}
	}
	return out
}

func kindByName(name string) (records.Kind, bool) {
	for _, k := range []records.Kind{records.KindNull, records.KindBool, records.KindInt, records.KindFloat, records.KindString} {
		if k.String() == name {
			return k, true
		}
	}
	return records.KindNull, false
}

func fromParquet(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}

func joinPath(path []string) string {
	s := path[0]
	for _, p := range path[1:] {
		s += "." + p
	}
	return s
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			return false
		}
	}
	return len(seen) == len(b)
}
