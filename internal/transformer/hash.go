package transformer

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"medallion/internal/records"
)

// DefaultHashColumn is the column HashKey writes when TargetColumn is empty.
const DefaultHashColumn = "hash_key"

// HashKey derives a deterministic surrogate key from selected columns and
// writes it into TargetColumn on every row.
//
// Canonicalization rules:
//   - Values are joined in Columns order with '|'.
//   - Inside a value '\' is written as `\\` and '|' as `\|`, so no two value
//     tuples share a joined string.
//   - nil is written as `\N`, which no escaped value can produce.
//   - Other values use records.Canonical (int64 1 and string "1" both render
//     as "1" and therefore hash alike).
//   - The digest is MD5, rendered as 32 lowercase hex characters.
type HashKey struct {
	// Columns is the ordered list of input columns.
	Columns []string

	// TargetColumn is created or overwritten. Defaults to DefaultHashColumn.
	TargetColumn string

	// Normalize trims edge whitespace, applies Unicode NFKC and folds case on
	// string values before hashing, so "Warner Bros." and " WARNER BROS. "
	// share a key.
	Normalize bool
}

// Apply returns a copy of b with the hash column set.
func (h HashKey) Apply(b *records.Batch) (*records.Batch, error) {
	if len(h.Columns) == 0 {
		return nil, errors.New("hash key: no columns")
	}
	target := h.TargetColumn
	if target == "" {
		target = DefaultHashColumn
	}
	idx, err := b.Indices(h.Columns)
	if err != nil {
		return nil, errors.Wrap(err, "hash key")
	}

	fold := cases.Fold()
	var sb strings.Builder
	out := make([]any, len(b.Rows))
	for i, r := range b.Rows {
		sb.Reset()
		for j, ix := range idx {
			if j > 0 {
				sb.WriteByte('|')
			}
			v := r[ix]
			if v == nil {
				sb.WriteString(`\N`)
				continue
			}
			s := records.Canonical(v)
			if h.Normalize {
				if _, ok := v.(string); ok {
					s = fold.String(norm.NFKC.String(strings.TrimSpace(s)))
				}
			}
			appendEscaped(&sb, s)
		}
		out[i] = Digest(sb.String())
	}

	res := b.Clone()
	if err := res.SetColumn(target, out); err != nil {
		return nil, err
	}
	return res, nil
}

// Digest returns the lowercase hex MD5 of s.
func Digest(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// NormalizeText is the string normalization HashKey applies when Normalize
// is set.
func NormalizeText(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}

func appendEscaped(sb *strings.Builder, s string) {
	if !strings.ContainsAny(s, `\|`) {
		sb.WriteString(s)
		return
	}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\', '|':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
}
