package records

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the normalized type of a cell value.
//
// The declaration order is also the cross-kind sort order used by Compare:
// nil sorts before everything, strings after everything.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// KindOf reports the kind of an already normalized value.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case string:
		return KindString
	default:
		return KindString
	}
}

// Normalize converts v to one of the cell types a Batch stores:
// nil, bool, int64, float64 or string.
//
// Edge cases:
//   - NaN floats become nil (missing), matching how tabular tools treat them.
//   - time.Time values become RFC3339Nano strings in UTC.
//   - []byte becomes string.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, int64, string:
		return t, nil
	case float64:
		if math.IsNaN(t) {
			return nil, nil
		}
		return t, nil
	case float32:
		if math.IsNaN(float64(t)) {
			return nil, nil
		}
		return float64(t), nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint:
		if uint64(t) > math.MaxInt64 {
			return nil, fmt.Errorf("records: uint value %d overflows int64", t)
		}
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return nil, fmt.Errorf("records: uint64 value %d overflows int64", t)
		}
		return int64(t), nil
	case []byte:
		return string(t), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return t.String(), nil
	default:
		return nil, fmt.Errorf("records: unsupported value type %T", v)
	}
}

// Compare orders two normalized values.
//
// nil is the minimum of every column. Numbers compare numerically across
// int64/float64, strings bytewise and false < true. Values of different
// kinds compare by Kind.
func Compare(a, b any) int {
	ka, kb := KindOf(a), KindOf(b)
	if isNumber(ka) && isNumber(kb) {
		return compareNumbers(a, b)
	}
	if ka != kb {
		if ka < kb {
			return -1
		}
		return 1
	}
	switch ka {
	case KindNull:
		return 0
	case KindBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	default:
		return strings.Compare(Canonical(a), Canonical(b))
	}
}

func isNumber(k Kind) bool { return k == KindInt || k == KindFloat }

func compareNumbers(a, b any) int {
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	af, bf := toFloat(a), toFloat(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	default:
		return 0
	}
}

// CompareAt compares two rows lexicographically over the columns at idx.
func CompareAt(a, b []any, idx []int) int {
	for _, i := range idx {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

// Canonical returns the canonical string form of a normalized value.
// nil renders as the empty string; callers that must distinguish nil from ""
// (hashing, keys) handle nil themselves.
func Canonical(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(t)
	}
}

// KeyOf builds an identity key for the columns at idx.
//
// Each component is tagged with its Kind and length-prefixed, so int64(1) and
// "1" produce different keys and no value can spill into its neighbour.
func KeyOf(row []any, idx []int) string {
	var b strings.Builder
	b.Grow(len(idx) * 16)
	for _, i := range idx {
		v := row[i]
		k := KindOf(v)
		// Numbers share one tag so 1 and 1.0 identify the same entity.
		if k == KindFloat {
			if f := v.(float64); f == math.Trunc(f) && math.Abs(f) < 1<<53 {
				v, k = int64(f), KindInt
			}
		}
		s := Canonical(v)
		b.WriteByte(byte('0' + k))
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
	}
	return b.String()
}

// InferStrings converts a column of raw text cells into typed values.
//
// Type inference is per column: if every non-empty cell parses as an integer
// the column becomes int64, else if every non-empty cell parses as a float it
// becomes float64, otherwise the cells stay strings. Empty cells become nil.
func InferStrings(cells []string) []any {
	allInt, allFloat := true, true
	for _, c := range cells {
		if c == "" {
			continue
		}
		if allInt {
			if _, err := strconv.ParseInt(c, 10, 64); err != nil {
				allInt = false
			}
		}
		if allFloat {
			if _, err := strconv.ParseFloat(c, 64); err != nil {
				allFloat = false
			}
		}
		if !allInt && !allFloat {
			break
		}
	}

	out := make([]any, len(cells))
	for i, c := range cells {
		switch {
		case c == "":
			out[i] = nil
		case allInt:
			n, _ := strconv.ParseInt(c, 10, 64)
			out[i] = n
		case allFloat:
			f, _ := strconv.ParseFloat(c, 64)
			out[i] = f
		default:
			out[i] = c
		}
	}
	return out
}

// ParseScalar types a single text value (e.g. a hive partition directory value)
// the same way InferStrings would type a one-cell column.
func ParseScalar(s string) any {
	return InferStrings([]string{s})[0]
}
