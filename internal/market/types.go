package market

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PageCap is the largest page the markets endpoint serves in one request.
const PageCap = 250

// AssetSnapshot is one row of a snapshot. Numeric fields are nullable so an
// asset the provider did not report stays distinguishable from a zero.
type AssetSnapshot struct {
	ID        string              `json:"id"`
	Symbol    string              `json:"symbol"`
	Name      string              `json:"name"`
	Price     decimal.NullDecimal `json:"price"`
	MarketCap decimal.NullDecimal `json:"market_cap"`
	Volume    decimal.NullDecimal `json:"volume"`
	Chg24     decimal.NullDecimal `json:"chg24"`
}

// Params identifies one snapshot request and doubles as the cache key.
type Params struct {
	Count        int    `json:"count"`
	BaseCurrency string `json:"vs_currency"`
}

// Normalize lower-cases the currency and clamps Count into [1, PageCap].
func (p Params) Normalize() Params {
	p.BaseCurrency = strings.ToLower(strings.TrimSpace(p.BaseCurrency))
	if p.Count < 1 {
		p.Count = 1
	}
	if p.Count > PageCap {
		p.Count = PageCap
	}
	return p
}

// Snapshot is a fetched, normalized and sorted table of assets. It is built
// once per provider call and never mutated afterwards.
type Snapshot struct {
	ID        string          `json:"id"`
	Params    Params          `json:"params"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
	Assets    []AssetSnapshot `json:"assets"`
}

func (s Snapshot) Empty() bool {
	return len(s.Assets) == 0
}

// Clone returns a copy of s that shares no Assets backing array with it.
func (s Snapshot) Clone() Snapshot {
	if s.Assets != nil {
		s.Assets = append(make([]AssetSnapshot, 0, len(s.Assets)), s.Assets...)
	}
	return s
}

// SnapshotProvider fetches one snapshot from a remote market data source.
type SnapshotProvider interface {
	FetchSnapshot(ctx context.Context, params Params) (Snapshot, error)
}

// Recorder persists fresh snapshots.
type Recorder interface {
	SaveSnapshot(s Snapshot) error
}

// Observer is notified of every fresh snapshot, after it has been recorded.
type Observer interface {
	OnSnapshot(s Snapshot)
}
