package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradex-dashboard/internal/metrics"
)

const (
	DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"
	coinGeckoSource     = "coingecko"
	maxErrorBody        = 512
)

// CoinGeckoProvider reads the /coins/markets listing. Every call is a single
// GET; there is no retry.
type CoinGeckoProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	now     func() time.Time
}

func NewCoinGeckoProvider(baseURL string, timeout time.Duration, apiKey string) *CoinGeckoProvider {
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &CoinGeckoProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

func (p *CoinGeckoProvider) FetchSnapshot(ctx context.Context, params Params) (Snapshot, error) {
	params = params.Normalize()
	if params.BaseCurrency == "" {
		return Snapshot{}, fmt.Errorf("vs_currency is empty")
	}

	start := time.Now()
	snap, err := p.fetch(ctx, params)
	outcome := "ok"
	if err != nil {
		outcome = string(ErrorKindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	metrics.ObserveFetch(coinGeckoSource, outcome, time.Since(start))
	return snap, err
}

func (p *CoinGeckoProvider) fetch(ctx context.Context, params Params) (Snapshot, error) {
	u, err := url.Parse(p.baseURL + "/coins/markets")
	if err != nil {
		return Snapshot{}, fmt.Errorf("invalid base url: %w", err)
	}
	q := u.Query()
	q.Set("vs_currency", params.BaseCurrency)
	q.Set("order", "market_cap_desc")
	q.Set("per_page", strconv.Itoa(params.Count))
	q.Set("page", "1")
	q.Set("price_change_percentage", "1h,24h,7d")
	q.Set("locale", "en")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Snapshot{}, p.fail(KindNetwork, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Snapshot{}, p.fail(KindHTTP, resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(snippet))))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, p.fail(KindNetwork, 0, fmt.Errorf("read body: %w", err))
	}
	records, err := ParseMarkets(body)
	if err != nil {
		return Snapshot{}, p.fail(KindDecode, 0, err)
	}

	assets := SortAndTruncate(NormalizeRecords(records), params.Count)
	return Snapshot{
		ID:        uuid.NewString(),
		Params:    params,
		Source:    coinGeckoSource,
		FetchedAt: p.now(),
		Assets:    assets,
	}, nil
}

func (p *CoinGeckoProvider) fail(kind ErrorKind, status int, err error) error {
	return &ProviderError{Kind: kind, Provider: coinGeckoSource, StatusCode: status, Err: err}
}
