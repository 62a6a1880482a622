package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const threeRecords = `[
	{"id":"solana","symbol":"sol","name":"Solana","current_price":150,"market_cap":5e9,"total_volume":1e9,"price_change_percentage_24h_in_currency":4.2},
	{"id":"bitcoin","symbol":"btc","name":"Bitcoin","current_price":65000,"market_cap":2e12,"total_volume":3e10,"price_change_percentage_24h_in_currency":-1.5},
	{"id":"tiny","symbol":"tny","name":"Tiny","current_price":0.01,"market_cap":800e6,"total_volume":5e5}
]`

func newTestServer(t *testing.T, handler http.HandlerFunc) *CoinGeckoProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewCoinGeckoProvider(srv.URL, 2*time.Second, "")
}

func TestCoinGeckoRequestParameters(t *testing.T) {
	var got *http.Request
	p := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = w.Write([]byte(`[]`))
	})
	_, err := p.FetchSnapshot(context.Background(), Params{Count: 400, BaseCurrency: "USD"})
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/coins/markets", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "usd", q.Get("vs_currency"))
	assert.Equal(t, "market_cap_desc", q.Get("order"))
	assert.Equal(t, "250", q.Get("per_page"))
	assert.Equal(t, "1", q.Get("page"))
	assert.Equal(t, "1h,24h,7d", q.Get("price_change_percentage"))
	assert.Equal(t, "en", q.Get("locale"))
}

func TestCoinGeckoAPIKeyHeader(t *testing.T) {
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("x-cg-demo-api-key")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()
	p := NewCoinGeckoProvider(srv.URL, time.Second, "demo-key")
	_, err := p.FetchSnapshot(context.Background(), Params{Count: 10, BaseCurrency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, "demo-key", key)
}

func TestCoinGeckoEndToEndOrderingAndLabels(t *testing.T) {
	p := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(threeRecords))
	})
	snap, err := p.FetchSnapshot(context.Background(), Params{Count: 120, BaseCurrency: "usd"})
	require.NoError(t, err)

	require.Len(t, snap.Assets, 3)
	assert.Equal(t, []string{"bitcoin", "solana", "tiny"}, ids(snap.Assets))
	labels := make([]string, 0, 3)
	for _, a := range snap.Assets {
		labels = append(labels, FormatMoney(a.MarketCap))
	}
	assert.Equal(t, []string{"$2.00T", "$5.00B", "$800.00M"}, labels)
	assert.Equal(t, "coingecko", snap.Source)
	assert.NotEmpty(t, snap.ID)
	assert.False(t, snap.FetchedAt.IsZero())

	tiny := snap.Assets[2]
	assert.False(t, tiny.Chg24.Valid)
	assert.Equal(t, "TNY", tiny.Symbol)
}

func TestCoinGeckoTruncatesToCount(t *testing.T) {
	p := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(threeRecords))
	})
	snap, err := p.FetchSnapshot(context.Background(), Params{Count: 2, BaseCurrency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bitcoin", "solana"}, ids(snap.Assets))
}

func TestCoinGeckoEmptyIsNotAnError(t *testing.T) {
	p := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	snap, err := p.FetchSnapshot(context.Background(), Params{Count: 5, BaseCurrency: "usd"})
	require.NoError(t, err)
	assert.True(t, snap.Empty())
}

func TestCoinGeckoHTTPError(t *testing.T) {
	p := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"status":{"error_code":429}}`))
	})
	_, err := p.FetchSnapshot(context.Background(), Params{Count: 5, BaseCurrency: "usd"})
	require.Error(t, err)

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindHTTP, pe.Kind)
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
	assert.Contains(t, err.Error(), "429")
}

func TestCoinGeckoDecodeError(t *testing.T) {
	p := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	})
	_, err := p.FetchSnapshot(context.Background(), Params{Count: 5, BaseCurrency: "usd"})
	assert.Equal(t, KindDecode, ErrorKindOf(err))
}

func TestCoinGeckoTimeoutIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	p := NewCoinGeckoProvider(srv.URL, 50*time.Millisecond, "")
	_, err := p.FetchSnapshot(context.Background(), Params{Count: 5, BaseCurrency: "usd"})
	assert.Equal(t, KindNetwork, ErrorKindOf(err))
}

func TestCoinGeckoConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	p := NewCoinGeckoProvider(url, time.Second, "")
	_, err := p.FetchSnapshot(context.Background(), Params{Count: 5, BaseCurrency: "usd"})
	assert.Equal(t, KindNetwork, ErrorKindOf(err))
	assert.True(t, strings.HasPrefix(err.Error(), "coingecko: network error"))
}

func TestCoinGeckoRejectsEmptyCurrency(t *testing.T) {
	p := NewCoinGeckoProvider("http://127.0.0.1:1", time.Second, "")
	_, err := p.FetchSnapshot(context.Background(), Params{Count: 5, BaseCurrency: " "})
	require.Error(t, err)
	assert.Empty(t, ErrorKindOf(err))
}
