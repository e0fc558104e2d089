// Package dataset reads and writes record batches as files or hive-style
// partitioned parquet directories.
//
// Every write goes through a temp file or staging directory and a rename, so
// a reader sees the previous table or the new one and never a torn mix.
package dataset

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"

	"medallion/internal/atomicfile"
	"medallion/internal/records"
)

// Format selects a table encoding. It is always explicit; nothing is inferred
// from file extensions.
type Format string

const (
	FormatParquet Format = "parquet"
	FormatCSV     Format = "csv"
	// FormatJSON is JSON-lines: one object per row.
	FormatJSON Format = "json"
)

var (
	// ErrUnsupportedFormat is returned for any format outside Format's constants.
	ErrUnsupportedFormat = errors.New("dataset: unsupported format")
	// ErrNotFound is returned when a source path does not exist.
	ErrNotFound = errors.New("dataset: path not found")
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatParquet, FormatCSV, FormatJSON:
		return f, nil
	default:
		return "", errors.WithHintf(
			errors.Wrapf(ErrUnsupportedFormat, "%q", s),
			"supported formats: parquet, csv, json",
		)
	}
}

type encodeFunc func(w io.Writer, b *records.Batch) error
type decodeFunc func(f *os.File) (*records.Batch, error)

func codec(f Format) (encodeFunc, decodeFunc, error) {
	switch f {
	case FormatParquet:
		return encodeParquet, decodeParquet, nil
	case FormatCSV:
		return encodeCSV, decodeCSV, nil
	case FormatJSON:
		return encodeJSONLines, decodeJSONLines, nil
	default:
		return nil, nil, errors.Wrapf(ErrUnsupportedFormat, "%q", string(f))
	}
}

// ReadFile decodes one file.
func ReadFile(ctx context.Context, path string, format Format) (*records.Batch, error) {
	_, decode, err := codec(format)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	b, err := decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s %s", format, path)
	}
	return b, nil
}

// WriteFile atomically replaces path with the encoded batch.
func WriteFile(ctx context.Context, path string, format Format, b *records.Batch) error {
	encode, _, err := codec(format)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return atomicfile.Write(path, 0o644, func(w io.Writer) error {
		if err := encode(w, b); err != nil {
			return errors.Wrapf(err, "encode %s %s", format, path)
		}
		return ctx.Err()
	})
}
