package market

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFormatMoneyThresholds(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{0.0, "$0.00"},
		{12.345, "$12.35"},
		{999.99, "$999.99"},
		{999.999, "$1000.00"},
		{1000.0, "$1.00K"},
		{999_990.0, "$999.99K"},
		{1e6, "$1.00M"},
		{999_990_000.0, "$999.99M"},
		{1e9, "$1.00B"},
		{999_990_000_000.0, "$999.99B"},
		{1e12, "$1.00T"},
		{2e12, "$2.00T"},
		{5e9, "$5.00B"},
		{800e6, "$800.00M"},
		{1234.5, "$1.23K"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatMoney(tc.in), "input %v", tc.in)
	}
}

func TestFormatMoneyBelowThousandHasNoSuffix(t *testing.T) {
	for _, x := range []float64{0, 0.004, 1, 42.1, 500, 998.5, 999.98} {
		got := FormatMoney(x)
		assert.Regexp(t, `^\$-?\d+\.\d{2}$`, got, "input %v", x)
	}
}

func TestFormatMoneyInputShapes(t *testing.T) {
	f := 1500.0
	d := decimal.RequireFromString("2500000")
	assert.Equal(t, "$1.50K", FormatMoney(&f))
	assert.Equal(t, "$2.50M", FormatMoney(d))
	assert.Equal(t, "$2.50M", FormatMoney(&d))
	assert.Equal(t, "$2.50M", FormatMoney(decimal.NewNullDecimal(d)))
	assert.Equal(t, "$3.00K", FormatMoney(3000))
	assert.Equal(t, "$3.00K", FormatMoney(int64(3000)))
	assert.Equal(t, "$1.00B", FormatMoney("1e9"))
	assert.Equal(t, "$7.00K", FormatMoney(json.Number("7000")))
}

func TestFormatMoneyIntegerKinds(t *testing.T) {
	assert.Equal(t, "$5.00B", FormatMoney(uint64(5e9)))
	assert.Equal(t, "$18446744.07T", FormatMoney(uint64(18446744073709551615)))
	assert.Equal(t, "$1.50K", FormatMoney(uint(1500)))
	assert.Equal(t, "$4.00M", FormatMoney(uint32(4e6)))
	assert.Equal(t, "$2.00K", FormatMoney(uint16(2000)))
	assert.Equal(t, "$200.00", FormatMoney(uint8(200)))
	assert.Equal(t, "$-1200.00", FormatMoney(int16(-1200)))
	assert.Equal(t, "$100.00", FormatMoney(int8(100)))
}

func TestFormatMoneySentinel(t *testing.T) {
	var nilFloat *float64
	var nilDecimal *decimal.NullDecimal
	for _, in := range []any{
		nil,
		nilFloat,
		nilDecimal,
		decimal.NullDecimal{},
		"abc",
		"",
		math.NaN(),
		math.Inf(1),
		math.Inf(-1),
		struct{}{},
		[]int{1},
	} {
		assert.NotPanics(t, func() {
			assert.Equal(t, MissingValue, FormatMoney(in), "input %#v", in)
		})
	}
}

func TestFormatMoneyNegativeHasNoSuffix(t *testing.T) {
	assert.Equal(t, "$-5000.00", FormatMoney(-5000.0))
}
