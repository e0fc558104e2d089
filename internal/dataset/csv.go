package dataset

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"

	"medallion/internal/records"
)

// encodeCSV writes a header row and one record per row. nil is written as an
// empty cell, so nil and "" do not survive a round trip as distinct values.
func encodeCSV(w io.Writer, b *records.Batch) error {
	bw := bufio.NewWriter(w)
	cw := csv.NewWriter(bw)
	if err := cw.Write(b.Columns); err != nil {
		return err
	}
	rec := make([]string, len(b.Columns))
	for _, r := range b.Rows {
		for j, v := range r {
			rec[j] = records.Canonical(v)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

// decodeCSV reads a headered CSV file. Header names are trimmed (and a
// leading BOM dropped); cells are typed per column with records.InferStrings.
func decodeCSV(f *os.File) (*records.Batch, error) {
	cr := csv.NewReader(bufio.NewReader(f))
	cr.FieldsPerRecord = -1

	hdr, err := cr.Read()
	if err == io.EOF {
		return &records.Batch{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	columns := make([]string, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		columns[i] = strings.TrimSpace(h)
	}

	var raw [][]string
	line := 1
	for {
		rec, err := cr.Read()
		line++
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		if len(rec) > len(columns) {
			return nil, errors.Newf("line %d: %d fields, header has %d", line, len(rec), len(columns))
		}
		raw = append(raw, rec)
	}

	rows := make([][]any, len(raw))
	for i := range rows {
		rows[i] = make([]any, len(columns))
	}
	cells := make([]string, len(raw))
	for j := range columns {
		for i, rec := range raw {
			cells[i] = ""
			if j < len(rec) {
				cells[i] = strings.TrimSpace(rec[j])
			}
		}
		for i, v := range records.InferStrings(cells) {
			rows[i][j] = v
		}
	}
	return records.New(columns, rows...)
}
