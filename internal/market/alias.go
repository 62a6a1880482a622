package market

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// FieldAlias maps a canonical field to the provider names it may appear
// under, in order of preference.
type FieldAlias struct {
	Canonical  string
	Candidates []string
}

// Resolve returns the first candidate present in rec. JSON null counts as
// absent so the next candidate is consulted.
func (a FieldAlias) Resolve(rec gjson.Result) (gjson.Result, bool) {
	for _, name := range a.Candidates {
		v := rec.Get(name)
		if v.Exists() && v.Type != gjson.Null {
			return v, true
		}
	}
	return gjson.Result{}, false
}

func (a FieldAlias) String(rec gjson.Result) string {
	v, ok := a.Resolve(rec)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v.String())
}

func (a FieldAlias) Decimal(rec gjson.Result) decimal.NullDecimal {
	v, ok := a.Resolve(rec)
	if !ok {
		return decimal.NullDecimal{}
	}
	return decimalFromJSON(v)
}

func decimalFromJSON(v gjson.Result) decimal.NullDecimal {
	var raw string
	switch v.Type {
	case gjson.Number:
		raw = v.Raw
	case gjson.String:
		raw = strings.TrimSpace(v.Str)
	default:
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// CoinGecko /coins/markets field names. The 24h change appears with the
// _in_currency suffix only when price_change_percentage is requested.
var (
	aliasID        = FieldAlias{Canonical: "id", Candidates: []string{"id"}}
	aliasSymbol    = FieldAlias{Canonical: "symbol", Candidates: []string{"symbol"}}
	aliasName      = FieldAlias{Canonical: "name", Candidates: []string{"name"}}
	aliasPrice     = FieldAlias{Canonical: "price", Candidates: []string{"current_price"}}
	aliasMarketCap = FieldAlias{Canonical: "market_cap", Candidates: []string{"market_cap"}}
	aliasVolume    = FieldAlias{Canonical: "volume", Candidates: []string{"total_volume"}}
	aliasChg24     = FieldAlias{Canonical: "chg24", Candidates: []string{
		"price_change_percentage_24h_in_currency",
		"price_change_percentage_24h",
	}}
)
