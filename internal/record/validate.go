package record

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/electwix/dbrm/internal/schema"
)

const (
	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02 15:04:05"
	// Lengths used when a binary column declares none.
	blobMax     = 1 << 16
	longblobMax = 1<<32 - 1
)

var (
	dateRe     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	datetimeRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}(:\d{2}(\.\d+)?)?$`)
	timeRe     = regexp.MustCompile(`^\d{2}:\d{2}(:\d{2})?$`)
)

// intBits is the storage width of each integer type.
var intBits = map[string]uint{
	schema.TypeTinyint:   8,
	schema.TypeSmallint:  16,
	schema.TypeMediumint: 24,
	schema.TypeInteger:   32,
	schema.TypeBigint:    64,
}

// isEmpty reports whether v carries no value. Zero numbers and "0" are
// values.
func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []byte:
		return len(val) == 0
	}
	return false
}

// convert checks v against the column definition and returns the value to
// store.
func convert(f *schema.Field, v any) (any, string) {
	switch f.Type {
	case schema.TypeVarchar, schema.TypeChar, schema.TypeText, schema.TypeTinytext,
		schema.TypeMediumtext, schema.TypeLongtext:
		s := strings.TrimSpace(text(v))
		if f.Length > 0 && utf8.RuneCountInString(s) > f.Length {
			return nil, fmt.Sprintf("longer than %d characters", f.Length)
		}
		return s, ""

	case schema.TypeVarbinary, schema.TypeBlob, schema.TypeLongblob:
		b := binary(v)
		limit := f.Length
		if limit <= 0 {
			limit = blobMax
			if f.Type == schema.TypeLongblob {
				limit = longblobMax
			}
		}
		if len(b) > limit {
			return nil, fmt.Sprintf("longer than %d bytes", limit)
		}
		return b, ""

	case schema.TypeEnum:
		s := strings.TrimSpace(text(v))
		if !slices.Contains(f.Enum, s) {
			return nil, fmt.Sprintf("not one of %s", strings.Join(f.Enum, ", "))
		}
		return s, ""

	case schema.TypeTinyint, schema.TypeSmallint, schema.TypeMediumint, schema.TypeInteger, schema.TypeBigint:
		n, ok := integer(v)
		if !ok {
			return nil, "not an integer"
		}
		lo, hi := intRange(intBits[f.Type], f.Unsigned)
		if n < lo || n > hi {
			return nil, fmt.Sprintf("out of range [%d, %d]", lo, hi)
		}
		return n, ""

	case schema.TypeDecimal:
		d, err := toDecimal(v)
		if err != nil {
			return nil, "not a number"
		}
		if f.Precision <= 0 {
			return d.String(), ""
		}
		d = d.Round(int32(f.Scale))
		limit := decimal.New(1, int32(f.Precision-f.Scale)).Sub(decimal.New(1, -int32(f.Scale)))
		if d.Abs().GreaterThan(limit) {
			return nil, fmt.Sprintf("out of range [-%s, %s]", limit, limit)
		}
		if f.Unsigned && d.IsNegative() {
			return nil, "negative value for unsigned column"
		}
		return d.StringFixed(int32(f.Scale)), ""

	case schema.TypeFloat, schema.TypeDouble:
		d, err := toDecimal(v)
		if err != nil {
			return nil, "not a number"
		}
		x, _ := d.Float64()
		if f.Type == schema.TypeFloat && math.Abs(x) > math.MaxFloat32 {
			return nil, "out of range for FLOAT"
		}
		return x, ""

	case schema.TypeBoolean, schema.TypeBit:
		if b, ok := v.(bool); ok {
			return b, ""
		}
		n, ok := integer(v)
		if !ok || (n != 0 && n != 1) {
			return nil, "not a boolean"
		}
		return n == 1, ""

	case schema.TypeDate:
		if t, ok := v.(time.Time); ok {
			return t.Format(dateLayout), ""
		}
		s := strings.TrimSpace(text(v))
		if s == "0000-00-00" {
			return s, ""
		}
		if !dateRe.MatchString(s) {
			return nil, "not a date (YYYY-MM-DD)"
		}
		if _, err := time.Parse(dateLayout, s); err != nil {
			return nil, "not a valid calendar date"
		}
		return s, ""

	case schema.TypeDatetime, schema.TypeTimestamp:
		if t, ok := v.(time.Time); ok {
			return t.Format(datetimeLayout), ""
		}
		s := strings.TrimSpace(text(v))
		if s == "0000-00-00 00:00:00" {
			return s, ""
		}
		if !datetimeRe.MatchString(s) {
			return nil, "not a datetime (YYYY-MM-DD HH:MM[:SS])"
		}
		norm := strings.Replace(s, "T", " ", 1)
		if len(norm) == len("2006-01-02 15:04") {
			norm += ":00"
		}
		if _, err := time.Parse(datetimeLayout, norm); err != nil {
			return nil, "not a valid datetime"
		}
		return norm, ""

	case schema.TypeTime:
		if t, ok := v.(time.Time); ok {
			return t.Format(time.TimeOnly), ""
		}
		s := strings.TrimSpace(text(v))
		if !timeRe.MatchString(s) {
			return nil, "not a time (HH:MM[:SS])"
		}
		return s, ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s), ""
	}
	return v, ""
}

func intRange(bits uint, unsigned bool) (int64, int64) {
	if bits == 0 || bits > 64 {
		bits = 64
	}
	if unsigned {
		if bits >= 64 {
			return 0, math.MaxInt64
		}
		return 0, int64(1)<<bits - 1
	}
	if bits >= 64 {
		return math.MinInt64, math.MaxInt64
	}
	return -(int64(1) << (bits - 1)), int64(1)<<(bits-1) - 1
}

func text(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func binary(v any) []byte {
	switch val := v.(type) {
	case []byte:
		return val
	case string:
		return []byte(val)
	default:
		return []byte(fmt.Sprint(val))
	}
}

func integer(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint:
		return int64(val), val <= math.MaxInt64
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		return int64(val), val <= math.MaxInt64
	case float32:
		return integer(float64(val))
	case float64:
		if val != math.Trunc(val) || math.Abs(val) >= math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case decimal.Decimal:
		return val, nil
	case float64:
		return decimal.NewFromFloat(val), nil
	case float32:
		return decimal.NewFromFloat32(val), nil
	case string:
		return decimal.NewFromString(strings.Replace(strings.TrimSpace(val), ",", ".", 1))
	}
	if n, ok := integer(v); ok {
		return decimal.NewFromInt(n), nil
	}
	return decimal.Decimal{}, fmt.Errorf("not a number: %v", v)
}
