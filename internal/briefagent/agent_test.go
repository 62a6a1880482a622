package briefagent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradex-dashboard/internal/logger"
	"tradex-dashboard/internal/market"
)

type fakeModel struct {
	content string
	err     error
	calls   int
}

func (f *fakeModel) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.content, nil), nil
}

func nd(f float64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromFloat(f))
}

func testSnapshot() market.Snapshot {
	return market.Snapshot{
		ID:        "snap-1",
		Params:    market.Params{Count: 5, BaseCurrency: "usd"},
		FetchedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Assets: []market.AssetSnapshot{
			{ID: "bitcoin", Symbol: "BTC", Name: "Bitcoin", MarketCap: nd(2e12), Chg24: nd(2.5)},
			{ID: "ethereum", Symbol: "ETH", Name: "Ethereum", MarketCap: nd(4e11), Chg24: nd(-1.2)},
			{ID: "solana", Symbol: "SOL", Name: "Solana", MarketCap: nd(8e10), Chg24: nd(7.1)},
			{ID: "tether", Symbol: "USDT", Name: "Tether", MarketCap: nd(1e11), Chg24: nd(0.01)},
			{ID: "ghost", Symbol: "GHO", Name: "Ghost"},
		},
	}
}

func TestBuildInput(t *testing.T) {
	in := BuildInput(testSnapshot(), 2)
	assert.Equal(t, Breadth{Up: 2, Down: 1, Flat: 1, Missing: 1}, in.Breadth)
	require.Len(t, in.TopGainers, 2)
	assert.Equal(t, "SOL", in.TopGainers[0].Symbol)
	assert.Equal(t, "BTC", in.TopGainers[1].Symbol)
	require.Len(t, in.TopLosers, 1)
	assert.Equal(t, "ETH", in.TopLosers[0].Symbol)
	require.Len(t, in.Assets, 5)
	assert.Equal(t, "$2.00T", in.Assets[0].MarketCap)
	assert.Nil(t, in.Assets[4].Chg24)
	assert.Equal(t, "usd", in.VsCurrency)
}

func TestFallbackBrief(t *testing.T) {
	b := FallbackBrief("snap-1", BuildInput(testSnapshot(), 5))
	assert.Equal(t, ModeFallback, b.Mode)
	assert.Equal(t, "neutral", b.Bias)
	assert.Equal(t, "2 of 4 assets up over 24h, 1 down.", b.OneLiner)
	assert.Equal(t, []string{"Top gainer SOL +7.10%", "Top loser ETH -1.20%"}, b.Highlights)

	empty := FallbackBrief("x", BuildInput(market.Snapshot{}, 5))
	assert.Equal(t, "neutral", empty.Bias)
	assert.Empty(t, empty.TopGainers)
	assert.NotNil(t, empty.TopGainers)
}

func TestFallbackBiasFromBreadth(t *testing.T) {
	b := FallbackBrief("", Input{Breadth: Breadth{Up: 7, Down: 3}})
	assert.Equal(t, "risk_on", b.Bias)
	b = FallbackBrief("", Input{Breadth: Breadth{Up: 1, Down: 9}})
	assert.Equal(t, "risk_off", b.Bias)
}

func TestSummarizeDisabledUsesFallback(t *testing.T) {
	a := New(Config{Enabled: false})
	b, err := a.Summarize(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, ModeFallback, b.Mode)
	assert.Equal(t, "snap-1", b.SnapshotID)

	res, err := a.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "disabled by config", res["reason"])
}

func TestSummarizeWithModel(t *testing.T) {
	fm := &fakeModel{content: "Sure:\n```json\n{\"bias\":\"RISK_ON\",\"one_liner\":\"Majors firm, SOL leads.\",\"highlights\":[\"SOL +7%\",\" \",\"BTC holds\"]}\n```"}
	a := &Agent{enabled: true, model: fm, modelName: "m", topMovers: 3, log: logger.Component("test")}

	b, err := a.Summarize(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, ModeLLM, b.Mode)
	assert.Equal(t, "risk_on", b.Bias)
	assert.Equal(t, "Majors firm, SOL leads.", b.OneLiner)
	assert.Equal(t, []string{"SOL +7%", "BTC holds"}, b.Highlights)
	assert.Equal(t, 2, b.Breadth.Up)
	assert.Equal(t, 1, fm.calls)
}

func TestSummarizeModelFailureFallsBack(t *testing.T) {
	a := &Agent{enabled: true, model: &fakeModel{err: errors.New("503")}, topMovers: 3, log: logger.Component("test")}
	b, err := a.Summarize(context.Background(), testSnapshot())
	require.Error(t, err)
	assert.Equal(t, ModeFallback, b.Mode)

	a.model = &fakeModel{content: "no json here"}
	b, err = a.Summarize(context.Background(), testSnapshot())
	require.Error(t, err)
	assert.Equal(t, ModeFallback, b.Mode)
}

func TestExtractFirstJSONObject(t *testing.T) {
	assert.Equal(t, `{"a":{"b":1}}`, extractFirstJSONObject(`x {"a":{"b":1}} y {"c":2}`))
	assert.Equal(t, "", extractFirstJSONObject("{unclosed"))
	assert.Equal(t, "", extractFirstJSONObject("none"))
}

func TestFormatMarkdown(t *testing.T) {
	md := FormatMarkdown(Brief{Bias: "neutral", Mode: ModeFallback, OneLiner: "flat day", Highlights: []string{"x"}})
	assert.Contains(t, md, "### Market Brief")
	assert.Contains(t, md, "**flat day** (bias=neutral, mode=fallback)")
	assert.Contains(t, md, "- x")
}
