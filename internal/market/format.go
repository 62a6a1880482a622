package market

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// MissingValue is shown wherever a number cannot be formatted.
const MissingValue = "-"

var moneyUnits = []struct {
	threshold decimal.Decimal
	suffix    string
}{
	{decimal.New(1, 12), "T"},
	{decimal.New(1, 9), "B"},
	{decimal.New(1, 6), "M"},
	{decimal.New(1, 3), "K"},
}

// FormatMoney abbreviates x as "$<value><unit>" with two decimals, e.g.
// 2e12 -> "$2.00T". Thresholds are inclusive. Nil, non-numeric, NaN and
// infinite inputs return MissingValue.
func FormatMoney(x any) string {
	d, ok := ToDecimal(x)
	if !ok {
		return MissingValue
	}
	for _, u := range moneyUnits {
		if d.GreaterThanOrEqual(u.threshold) {
			return "$" + d.Div(u.threshold).StringFixed(2) + u.suffix
		}
	}
	return "$" + d.StringFixed(2)
}

// ToDecimal converts the numeric shapes the dashboard handles. ok is false
// for nil, null and anything that does not parse as a finite number.
func ToDecimal(x any) (decimal.Decimal, bool) {
	switch v := x.(type) {
	case nil:
		return decimal.Decimal{}, false
	case decimal.Decimal:
		return v, true
	case *decimal.Decimal:
		if v == nil {
			return decimal.Decimal{}, false
		}
		return *v, true
	case decimal.NullDecimal:
		return v.Decimal, v.Valid
	case *decimal.NullDecimal:
		if v == nil || !v.Valid {
			return decimal.Decimal{}, false
		}
		return v.Decimal, true
	case float64:
		return fromFloat(v)
	case *float64:
		if v == nil {
			return decimal.Decimal{}, false
		}
		return fromFloat(*v)
	case float32:
		return fromFloat(float64(v))
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case int32:
		return decimal.NewFromInt(int64(v)), true
	case int16:
		return decimal.NewFromInt(int64(v)), true
	case int8:
		return decimal.NewFromInt(int64(v)), true
	case uint:
		return decimal.NewFromUint64(uint64(v)), true
	case uint64:
		return decimal.NewFromUint64(v), true
	case uint32:
		return decimal.NewFromInt(int64(v)), true
	case uint16:
		return decimal.NewFromInt(int64(v)), true
	case uint8:
		return decimal.NewFromInt(int64(v)), true
	case json.Number:
		return parseDecimal(string(v))
	case string:
		return parseDecimal(v)
	default:
		return decimal.Decimal{}, false
	}
}

func fromFloat(f float64) (decimal.Decimal, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Decimal{}, false
	}
	return decimal.NewFromFloat(f), true
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
