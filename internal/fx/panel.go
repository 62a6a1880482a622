package fx

import "strings"

var DefaultPairs = []string{
	"OANDA:EURUSD", "OANDA:USDJPY", "OANDA:GBPUSD",
	"OANDA:AUDUSD", "OANDA:USDCAD", "OANDA:USDCHF", "OANDA:NZDUSD",
}

const panelColumns = 3

// Widget carries the settings the page passes to the embedded chart widget.
type Widget struct {
	Symbol      string `json:"symbol"`
	Title       string `json:"title"`
	ContainerID string `json:"container_id"`
	Interval    string `json:"interval"`
	Timezone    string `json:"timezone"`
	Theme       string `json:"theme"`
	Style       string `json:"style"`
	Locale      string `json:"locale"`
	ToolbarBg   string `json:"toolbar_bg"`
	Height      int    `json:"height"`
}

type Panel struct {
	Title string     `json:"title"`
	Rows  [][]Widget `json:"rows"`
}

// DisplayName strips the exchange prefix: "OANDA:EURUSD" -> "EURUSD".
func DisplayName(pair string) string {
	if i := strings.LastIndex(pair, ":"); i >= 0 {
		return pair[i+1:]
	}
	return pair
}

// NewPanel lays pairs out in rows of three.
func NewPanel(pairs []string) Panel {
	if len(pairs) == 0 {
		pairs = DefaultPairs
	}
	p := Panel{Title: "Painel Forex - TRADEX", Rows: [][]Widget{}}
	for i := 0; i < len(pairs); i += panelColumns {
		end := i + panelColumns
		if end > len(pairs) {
			end = len(pairs)
		}
		row := make([]Widget, 0, end-i)
		for _, pair := range pairs[i:end] {
			row = append(row, newWidget(pair))
		}
		p.Rows = append(p.Rows, row)
	}
	return p
}

func newWidget(pair string) Widget {
	return Widget{
		Symbol:      pair,
		Title:       DisplayName(pair),
		ContainerID: "tradingview_" + strings.ReplaceAll(pair, ":", ""),
		Interval:    "60",
		Timezone:    "Etc/UTC",
		Theme:       "dark",
		Style:       "1",
		Locale:      "br",
		ToolbarBg:   "#000000",
		Height:      350,
	}
}
