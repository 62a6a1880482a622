// Package heatmap turns a market snapshot into a treemap dataset: tile area
// is market cap, tile color is the 24h change on a diverging scale centered
// at zero. Labels and hover text are derived here and never stored.
package heatmap

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"tradex-dashboard/internal/market"
)

type Status string

const (
	StatusOK    Status = "ok"
	StatusEmpty Status = "empty"
	StatusError Status = "error"
)

const (
	DefaultTitle      = "TRADEx • Crypto Heatmap"
	DefaultRefreshSec = 60
	updatedAtLayout   = "02/01/2006 15:04:05"
	minColorBound     = 1.0
	emptyMessage      = "No data right now. Try again in a moment."
)

type Tile struct {
	ID           string  `json:"id"`
	Label        string  `json:"label"`
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	ColorValue   float64 `json:"color_value"`
	Chg24Missing bool    `json:"chg24_missing"`
	Color        string  `json:"color"`
	Hover        Hover   `json:"hover"`
}

type Hover struct {
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	MarketCap string `json:"market_cap"`
	Volume    string `json:"volume"`
	Chg24     string `json:"chg24"`
}

type Heatmap struct {
	Status     Status     `json:"status"`
	Message    string     `json:"message,omitempty"`
	Title      string     `json:"title"`
	UpdatedAt  string     `json:"updated_at"`
	RefreshSec int        `json:"refresh_sec"`
	Source     string     `json:"source,omitempty"`
	Footer     string     `json:"footer,omitempty"`
	Cached     bool       `json:"cached"`
	Stale      bool       `json:"stale"`
	ColorScale []string   `json:"color_scale"`
	ColorRange [2]float64 `json:"color_range"`
	Tiles      []Tile     `json:"tiles"`
}

type Options struct {
	Title      string
	RefreshSec int
	Location   *time.Location
}

func (o Options) withDefaults() Options {
	if o.Title == "" {
		o.Title = DefaultTitle
	}
	if o.RefreshSec <= 0 {
		o.RefreshSec = DefaultRefreshSec
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

// Build renders a fetched snapshot. An empty snapshot yields StatusEmpty with
// a notice and no tiles.
func Build(res market.Result, opts Options) Heatmap {
	opts = opts.withDefaults()
	snap := res.Snapshot
	h := Heatmap{
		Status:     StatusOK,
		Title:      opts.Title,
		UpdatedAt:  snap.FetchedAt.In(opts.Location).Format(updatedAtLayout),
		RefreshSec: opts.RefreshSec,
		Source:     snap.Source,
		Footer:     footer(snap.Source, opts.RefreshSec),
		Cached:     res.Cached,
		Stale:      res.Stale,
		ColorScale: DivergingScale,
		Tiles:      []Tile{},
	}
	if snap.Empty() {
		h.Status = StatusEmpty
		h.Message = emptyMessage
		return h
	}

	changes := make([]float64, 0, len(snap.Assets))
	for _, a := range snap.Assets {
		changes = append(changes, ChangeForColor(a))
	}
	bound := ColorRange(changes, minColorBound)
	h.ColorRange = [2]float64{-bound, bound}

	for i, a := range snap.Assets {
		h.Tiles = append(h.Tiles, Tile{
			ID:           a.ID,
			Label:        Label(a),
			Symbol:       a.Symbol,
			Name:         a.Name,
			Value:        floatOrZero(a.MarketCap),
			ColorValue:   changes[i],
			Chg24Missing: !a.Chg24.Valid,
			Color:        ColorFor(changes[i], bound, DivergingScale),
			Hover:        hoverFor(a),
		})
	}
	return h
}

// Failed renders the notice shown instead of a chart after a fetch failure.
func Failed(err error, opts Options, now time.Time) Heatmap {
	opts = opts.withDefaults()
	return Heatmap{
		Status:     StatusError,
		Message:    fmt.Sprintf("Failed to load market data: %v", err),
		Title:      opts.Title,
		UpdatedAt:  now.In(opts.Location).Format(updatedAtLayout),
		RefreshSec: opts.RefreshSec,
		ColorScale: DivergingScale,
		Tiles:      []Tile{},
	}
}

// ChangeForColor is the 24h change used for the color scale and label; a
// missing change counts as 0 here without touching the asset.
func ChangeForColor(a market.AssetSnapshot) float64 {
	if !a.Chg24.Valid {
		return 0
	}
	return a.Chg24.Decimal.InexactFloat64()
}

// Label is "SYMBOL\n$<cap>\n<+chg>%".
func Label(a market.AssetSnapshot) string {
	return fmt.Sprintf("%s\n%s\n%+.2f%%", a.Symbol, market.FormatMoney(a.MarketCap), ChangeForColor(a))
}

func hoverFor(a market.AssetSnapshot) Hover {
	chg := market.MissingValue
	if a.Chg24.Valid {
		chg = fmt.Sprintf("%+.2f%%", a.Chg24.Decimal.InexactFloat64())
	}
	price := market.MissingValue
	if a.Price.Valid {
		price = "$" + a.Price.Decimal.StringFixed(4)
	}
	return Hover{
		Name:      a.Name,
		Symbol:    a.Symbol,
		Price:     price,
		MarketCap: wholeDollars(a.MarketCap),
		Volume:    wholeDollars(a.Volume),
		Chg24:     chg,
	}
}

func wholeDollars(d decimal.NullDecimal) string {
	if !d.Valid {
		return market.MissingValue
	}
	f := d.Decimal.Round(0).InexactFloat64()
	if math.Abs(f) >= math.MaxInt64 {
		return "$" + humanize.Commaf(f)
	}
	return "$" + humanize.Comma(int64(f))
}

func floatOrZero(d decimal.NullDecimal) float64 {
	if !d.Valid {
		return 0
	}
	return d.Decimal.InexactFloat64()
}

func footer(source string, refreshSec int) string {
	if source == "" {
		source = "market data provider"
	}
	return fmt.Sprintf("Source: %s API. Refreshes every %d seconds. Informational only, not investment advice.", source, refreshSec)
}
