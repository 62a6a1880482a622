package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"tradex-dashboard/internal/fx"
	"tradex-dashboard/internal/market"
	"tradex-dashboard/internal/push/webhook"
	"tradex-dashboard/internal/store"
)

type stubProvider struct {
	n      int
	err    error
	assets []market.AssetSnapshot
}

func (p *stubProvider) FetchSnapshot(_ context.Context, params market.Params) (market.Snapshot, error) {
	p.n++
	if p.err != nil {
		return market.Snapshot{}, p.err
	}
	return market.Snapshot{
		ID:        fmt.Sprintf("snap-%d", p.n),
		Params:    params,
		Source:    "coingecko",
		FetchedAt: time.Date(2024, 5, 1, 12, 0, p.n, 0, time.UTC),
		Assets:    p.assets,
	}, nil
}

type stubSender struct {
	titles []string
	resp   *webhook.Response
}

func (s *stubSender) SendMarkdown(_ context.Context, title, _ string) (*webhook.Response, error) {
	s.titles = append(s.titles, title)
	if s.resp != nil {
		return s.resp, nil
	}
	return &webhook.Response{}, nil
}

func nd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func threeAssets() []market.AssetSnapshot {
	return []market.AssetSnapshot{
		{ID: "bitcoin", Symbol: "BTC", Name: "Bitcoin", Price: nd("65000"), MarketCap: nd("2000000000000"), Chg24: nd("1.5")},
		{ID: "solana", Symbol: "SOL", Name: "Solana", Price: nd("150"), MarketCap: nd("5000000000"), Chg24: nd("-3.25")},
		{ID: "pepe", Symbol: "PEPE", Name: "Pepe", Price: nd("0.00001"), MarketCap: nd("800000000")},
	}
}

func newTestServer(t *testing.T, p market.SnapshotProvider, withStore bool) (*server.Hertz, *store.Store, *stubSender) {
	t.Helper()
	var st *store.Store
	var rec market.Recorder
	if withStore {
		var err error
		st, err = store.Open(filepath.Join(t.TempDir(), "api.db"), time.UTC)
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		rec = st
	}
	sender := &stubSender{}
	svc := market.NewService(p, market.NewSnapshotCache(time.Minute), market.ServiceConfig{}, rec)
	h := server.New()
	RegisterRoutes(h, Deps{
		Market:       svc,
		Defaults:     market.Params{Count: 50, BaseCurrency: "usd"},
		FXPanel:      fx.NewPanel(nil),
		FXSim:        fx.NewSimulator(nil, 7, 2),
		FXRefreshSec: 60,
		Store:        st,
		Sender:       sender,
		Now:          func() time.Time { return time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC) },
	})
	return h, st, sender
}

func get(h *server.Hertz, url string) (int, []byte) {
	w := ut.PerformRequest(h.Engine, http.MethodGet, url, nil)
	resp := w.Result()
	return resp.StatusCode(), resp.Body()
}

func TestHealthz(t *testing.T) {
	h, _, _ := newTestServer(t, &stubProvider{}, false)
	code, body := get(h, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, gjson.GetBytes(body, "ok").Bool())
}

func TestHeatmapOrdersAndLabels(t *testing.T) {
	h, _, _ := newTestServer(t, &stubProvider{assets: threeAssets()}, false)
	code, body := get(h, "/api/v1/heatmap?count=3&vs=USD")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", gjson.GetBytes(body, "status").String())
	assert.Equal(t, "BTC\n$2.00T\n+1.50%", gjson.GetBytes(body, "tiles.0.label").String())
	assert.Equal(t, "SOL\n$5.00B\n-3.25%", gjson.GetBytes(body, "tiles.1.label").String())
	assert.Equal(t, "PEPE\n$800.00M\n+0.00%", gjson.GetBytes(body, "tiles.2.label").String())
	assert.True(t, gjson.GetBytes(body, "tiles.2.chg24_missing").Bool())
	assert.False(t, gjson.GetBytes(body, "cached").Bool())

	_, body = get(h, "/api/v1/heatmap?count=3&vs=usd")
	assert.True(t, gjson.GetBytes(body, "cached").Bool())
}

func TestHeatmapProviderError(t *testing.T) {
	pe := &market.ProviderError{Kind: market.KindHTTP, Provider: "coingecko", StatusCode: 429, Err: errors.New("too many requests")}
	h, _, _ := newTestServer(t, &stubProvider{err: pe}, false)
	code, body := get(h, "/api/v1/heatmap")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "error", gjson.GetBytes(body, "status").String())
	assert.Contains(t, gjson.GetBytes(body, "message").String(), "429")
	assert.Empty(t, gjson.GetBytes(body, "tiles").Array())

	code, body = get(h, "/api/v1/snapshot")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "http", gjson.GetBytes(body, "kind").String())
}

func TestHeatmapEmptySnapshot(t *testing.T) {
	h, _, _ := newTestServer(t, &stubProvider{assets: []market.AssetSnapshot{}}, false)
	code, body := get(h, "/api/v1/heatmap")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "empty", gjson.GetBytes(body, "status").String())
	assert.NotEmpty(t, gjson.GetBytes(body, "message").String())
}

func TestSnapshotRejectsBadCount(t *testing.T) {
	h, _, _ := newTestServer(t, &stubProvider{}, false)
	code, _ := get(h, "/api/v1/snapshot?count=abc")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = get(h, "/api/v1/snapshot?count=-1")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSnapshotClampsCount(t *testing.T) {
	h, _, _ := newTestServer(t, &stubProvider{assets: threeAssets()}, false)
	code, body := get(h, "/api/v1/snapshot?count=1000")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(250), gjson.GetBytes(body, "snapshot.params.count").Int())
	assert.Equal(t, "bitcoin", gjson.GetBytes(body, "snapshot.assets.0.id").String())
}

func TestHistoryRoutes(t *testing.T) {
	h, _, _ := newTestServer(t, &stubProvider{assets: threeAssets()}, true)
	code, _ := get(h, "/api/v1/snapshot?count=3")
	require.Equal(t, http.StatusOK, code)

	code, body := get(h, "/api/v1/history")
	require.Equal(t, http.StatusOK, code)
	items := gjson.GetBytes(body, "items").Array()
	require.Len(t, items, 1)
	id := items[0].Get("id").String()
	assert.Equal(t, int64(3), items[0].Get("row_count").Int())

	code, body = get(h, "/api/v1/history/"+id)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "PEPE", gjson.GetBytes(body, "snapshot.assets.2.symbol").String())
	assert.Nil(t, gjson.GetBytes(body, "snapshot.assets.2.chg24").Value())
	assert.Equal(t, "ok", gjson.GetBytes(body, "heatmap.status").String())

	code, _ = get(h, "/api/v1/history/missing")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get(h, "/api/v1/assets/BITCOIN/history")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, gjson.GetBytes(body, "items").Array(), 1)
	assert.Equal(t, "usd", gjson.GetBytes(body, "items.0.vs_currency").String())

	code, _ = get(h, "/api/v1/snapshot?count=3&vs=eur")
	require.Equal(t, http.StatusOK, code)
	code, body = get(h, "/api/v1/assets/bitcoin/history")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, gjson.GetBytes(body, "items").Array(), 2)
	code, body = get(h, "/api/v1/assets/bitcoin/history?vs=EUR")
	require.Equal(t, http.StatusOK, code)
	eur := gjson.GetBytes(body, "items").Array()
	require.Len(t, eur, 1)
	assert.Equal(t, "eur", eur[0].Get("vs_currency").String())

	code, _ = get(h, "/api/v1/history?limit=zero")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEmptyHistoryListsAreArrays(t *testing.T) {
	h, _, _ := newTestServer(t, &stubProvider{}, true)
	for _, url := range []string{"/api/v1/history", "/api/v1/assets/bitcoin/history", "/api/v1/events", "/api/v1/alerts"} {
		code, body := get(h, url)
		require.Equal(t, http.StatusOK, code, url)
		items := gjson.GetBytes(body, "items")
		assert.True(t, items.IsArray(), url)
		assert.Empty(t, items.Array(), url)
	}
}

func TestStoreRoutesWithoutStore(t *testing.T) {
	h, _, _ := newTestServer(t, &stubProvider{}, false)
	code, body := get(h, "/api/v1/history")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "store not configured", gjson.GetBytes(body, "error").String())
}

func TestEventsAndAlerts(t *testing.T) {
	h, st, _ := newTestServer(t, &stubProvider{}, true)
	ts := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC).Unix()
	_, err := st.InsertEventReturnID(store.EventRecord{TS: ts, Type: "BIG_MOVE", Title: "BTC BIG_MOVE"})
	require.NoError(t, err)
	require.NoError(t, st.InsertAlert(store.AlertRecord{TS: ts, Status: "sent", Title: "BTC BIG_MOVE"}))

	code, body := get(h, "/api/v1/events")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, gjson.GetBytes(body, "items").Array(), 1)

	code, body = get(h, "/api/v1/alerts?date=2024-05-01&status=sent")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, gjson.GetBytes(body, "items").Array(), 1)

	code, _ = get(h, "/api/v1/events?date=yesterday")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestFXRoutes(t *testing.T) {
	h, _, _ := newTestServer(t, &stubProvider{}, false)
	code, body := get(h, "/api/v1/fx/pairs")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, gjson.GetBytes(body, "panel.rows").Array(), 3)
	assert.Equal(t, "EURUSD", gjson.GetBytes(body, "panel.rows.0.0.title").String())

	code, body = get(h, "/api/v1/fx/heatmap")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, gjson.GetBytes(body, "tiles").Array(), 7)
}

func TestBriefFallback(t *testing.T) {
	h, st, _ := newTestServer(t, &stubProvider{assets: threeAssets()}, true)
	code, body := get(h, "/api/v1/brief?count=3")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "fallback", gjson.GetBytes(body, "brief.mode").String())
	assert.Equal(t, "SOL", gjson.GetBytes(body, "brief.top_losers.0.symbol").String())

	rec, err := st.GetBrief(gjson.GetBytes(body, "brief.snapshot_id").String())
	require.NoError(t, err)
	assert.Equal(t, "fallback", rec.Mode)
}

func TestTestPush(t *testing.T) {
	h, _, sender := newTestServer(t, &stubProvider{}, false)
	body := &ut.Body{Body: bytes.NewBufferString(`{"title":"hi","markdown":"**x**"}`), Len: len(`{"title":"hi","markdown":"**x**"}`)}
	w := ut.PerformRequest(h.Engine, http.MethodPost, "/api/v1/test/push", body, ut.Header{Key: "Content-Type", Value: "application/json"})
	assert.Equal(t, http.StatusOK, w.Result().StatusCode())
	assert.Equal(t, []string{"hi"}, sender.titles)

	sender.resp = &webhook.Response{ErrCode: 300001, ErrMsg: "bad token"}
	body = &ut.Body{Body: bytes.NewBufferString(`{"title":"again"}`), Len: len(`{"title":"again"}`)}
	w = ut.PerformRequest(h.Engine, http.MethodPost, "/api/v1/test/push", body, ut.Header{Key: "Content-Type", Value: "application/json"})
	assert.Equal(t, http.StatusBadGateway, w.Result().StatusCode())
	assert.Equal(t, int64(300001), gjson.GetBytes(w.Result().Body(), "push_errcode").Int())
}
