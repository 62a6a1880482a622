package market

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// ParseMarkets decodes a markets response body into its records. A JSON null
// or empty array yields zero records and no error.
func ParseMarkets(body []byte) ([]gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid json body")
	}
	res := gjson.ParseBytes(body)
	if res.Type == gjson.Null {
		return nil, nil
	}
	if !res.IsArray() {
		return nil, fmt.Errorf("expected json array, got %s", res.Type)
	}
	records := res.Array()
	for i, rec := range records {
		if !rec.IsObject() {
			return nil, fmt.Errorf("record %d: expected json object, got %s", i, rec.Type)
		}
	}
	return records, nil
}

// NormalizeRecord maps one provider record onto the canonical row. Missing
// fields become empty strings or null decimals; it never fails.
func NormalizeRecord(rec gjson.Result) AssetSnapshot {
	return AssetSnapshot{
		ID:        aliasID.String(rec),
		Symbol:    strings.ToUpper(aliasSymbol.String(rec)),
		Name:      aliasName.String(rec),
		Price:     aliasPrice.Decimal(rec),
		MarketCap: aliasMarketCap.Decimal(rec),
		Volume:    aliasVolume.Decimal(rec),
		Chg24:     aliasChg24.Decimal(rec),
	}
}

func NormalizeRecords(records []gjson.Result) []AssetSnapshot {
	out := make([]AssetSnapshot, 0, len(records))
	for _, rec := range records {
		out = append(out, NormalizeRecord(rec))
	}
	return out
}

// SortAndTruncate stable-sorts by market cap descending with null caps last
// and keeps the first count rows. The input slice is sorted in place.
func SortAndTruncate(assets []AssetSnapshot, count int) []AssetSnapshot {
	sort.SliceStable(assets, func(i, j int) bool {
		a, b := assets[i].MarketCap, assets[j].MarketCap
		if !a.Valid || !b.Valid {
			return a.Valid && !b.Valid
		}
		return a.Decimal.GreaterThan(b.Decimal)
	})
	if count < 0 {
		count = 0
	}
	if len(assets) > count {
		assets = assets[:count]
	}
	return assets
}
