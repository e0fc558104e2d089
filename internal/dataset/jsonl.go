package dataset

import (
	"bufio"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"

	"medallion/internal/records"
)

// encodeJSONLines writes one object per line with keys in column order.
func encodeJSONLines(w io.Writer, b *records.Batch) error {
	bw := bufio.NewWriter(w)
	keys := make([][]byte, len(b.Columns))
	for i, c := range b.Columns {
		k, err := json.Marshal(c)
		if err != nil {
			return err
		}
		keys[i] = k
	}
	for _, r := range b.Rows {
		bw.WriteByte('{')
		for j, v := range r {
			if j > 0 {
				bw.WriteByte(',')
			}
			bw.Write(keys[j])
			bw.WriteByte(':')
			enc, err := encodeJSONValue(v)
			if err != nil {
				return errors.Wrapf(err, "column %q", b.Columns[j])
			}
			bw.Write(enc)
		}
		if _, err := bw.WriteString("}\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// encodeJSONValue keeps integral floats distinguishable from ints (6.0, not 6).
func encodeJSONValue(v any) ([]byte, error) {
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return []byte(strconv.FormatFloat(f, 'f', 1, 64)), nil
	}
	return json.Marshal(v)
}

// decodeJSONLines reads a stream of objects. Columns appear in first-seen key
// order; keys missing from a row are nil. Nested values are kept as compact
// JSON strings.
func decodeJSONLines(f *os.File) (*records.Batch, error) {
	dec := json.NewDecoder(bufio.NewReader(f))
	dec.UseNumber()

	var (
		order []string
		seen  = map[string]bool{}
		maps  []map[string]any
	)
	for n := 1; ; n++ {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", n)
		}
		if d, ok := tok.(json.Delim); !ok || d != '{' {
			return nil, errors.Newf("record %d: expected object, got %v", n, tok)
		}

		m := map[string]any{}
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, errors.Wrapf(err, "record %d", n)
			}
			key, ok := kt.(string)
			if !ok {
				return nil, errors.Newf("record %d: expected key, got %v", n, kt)
			}
			var v any
			if err := dec.Decode(&v); err != nil {
				return nil, errors.Wrapf(err, "record %d key %q", n, key)
			}
			cell, err := fromJSON(v)
			if err != nil {
				return nil, errors.Wrapf(err, "record %d key %q", n, key)
			}
			m[key] = cell
			if !seen[key] {
				seen[key] = true
				order = append(order, key)
			}
		}
		if _, err := dec.Token(); err != nil {
			return nil, errors.Wrapf(err, "record %d", n)
		}
		maps = append(maps, m)
	}
	return records.FromMaps(order, maps)
}

func fromJSON(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return n, nil
		}
		return strconv.ParseFloat(string(t), 64)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return t, nil
	}
}
