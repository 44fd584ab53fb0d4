package datanorm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ignite/ecomm-report-extractor/internal/catalog"
	"github.com/ignite/ecomm-report-extractor/internal/domain"
)

// DateLayout is the canonical rendering of date fields.
const DateLayout = "2006-01-02"

// dateLayouts are tried in order when a field has no explicit format.
var dateLayouts = []string{
	DateLayout,
	"20060102",
	"2006/01/02",
	"01/02/2006",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.000Z0700",
	DateLayout,
}

// convert turns a raw cell into the canonical Go value for the field type.
// Blank cells become nil except for strings.
func convert(raw string, f catalog.FieldSpec) (any, error) {
	v := strings.TrimSpace(raw)
	if f.Type == domain.TypeString {
		return v, nil
	}
	if v == "" || strings.EqualFold(v, "null") {
		return nil, nil
	}

	switch f.Type {
	case domain.TypeInt:
		n, err := strconv.ParseInt(cleanNumber(v), 10, 64)
		if err == nil {
			return n, nil
		}
		// "12.0" from spreadsheet exports. Values outside int64 are rejected
		// rather than wrapped.
		d, derr := decimal.NewFromString(cleanNumber(v))
		if derr == nil && d.IsInteger() {
			if b := d.BigInt(); b.IsInt64() {
				return b.Int64(), nil
			}
		}
		return nil, err
	case domain.TypeFloat:
		return strconv.ParseFloat(cleanNumber(v), 64)
	case domain.TypeDecimal:
		return decimal.NewFromString(cleanNumber(v))
	case domain.TypeBool:
		return parseBool(v)
	case domain.TypeDate:
		t, err := parseTime(v, f.Format, dateLayouts)
		if err != nil {
			return nil, err
		}
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case domain.TypeDateTime:
		t, err := parseTime(v, f.Format, dateTimeLayouts)
		if err != nil {
			return nil, err
		}
		return t.UTC(), nil
	}
	return nil, fmt.Errorf("unsupported field type %q", f.Type)
}

// cleanNumber strips thousands separators, currency symbols and percent
// signs.
func cleanNumber(v string) string {
	return strings.NewReplacer(",", "", "$", "", "%", "", " ", "").Replace(v)
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "y", "t":
		return true, nil
	case "false", "0", "no", "n", "f":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", raw)
}

func parseTime(v, format string, fallbacks []string) (time.Time, error) {
	if format != "" {
		return time.Parse(format, v)
	}
	for _, layout := range fallbacks {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", v)
}

// FormatValue renders a canonical value for text output.
func FormatValue(v any, t domain.FieldType) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case decimal.Decimal:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if t == domain.TypeDate {
			return x.Format(DateLayout)
		}
		return x.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}
