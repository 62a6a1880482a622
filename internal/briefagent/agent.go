// Package briefagent writes a short market brief for a snapshot. Breadth and
// top movers are always computed locally; an OpenAI compatible chat model,
// when configured, adds the bias call and the narrative lines.
package briefagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"

	"tradex-dashboard/internal/logger"
	"tradex-dashboard/internal/market"
)

const (
	ModeLLM      = "llm"
	ModeFallback = "fallback"

	// flatBand is the absolute 24h change, in percent, counted as flat.
	flatBand = 0.1
)

type Config struct {
	Enabled    bool
	Model      string
	APIKey     string
	BaseURL    string
	ByAzure    bool
	APIVersion string
	TimeoutMs  int
	TopMovers  int
}

type Breadth struct {
	Up      int `json:"up"`
	Down    int `json:"down"`
	Flat    int `json:"flat"`
	Missing int `json:"missing"`
}

type Mover struct {
	Symbol string  `json:"symbol"`
	Name   string  `json:"name"`
	Chg24  float64 `json:"chg24"`
}

type Brief struct {
	SnapshotID string   `json:"snapshot_id"`
	Mode       string   `json:"mode"`
	Bias       string   `json:"bias"`
	OneLiner   string   `json:"one_liner"`
	Highlights []string `json:"highlights"`
	Breadth    Breadth  `json:"breadth"`
	TopGainers []Mover  `json:"top_gainers"`
	TopLosers  []Mover  `json:"top_losers"`
}

// Input is what the model sees: the computed statistics plus a compact
// table of the largest assets.
type Input struct {
	FetchedAt  string      `json:"fetched_at"`
	VsCurrency string      `json:"vs_currency"`
	Breadth    Breadth     `json:"breadth"`
	TopGainers []Mover     `json:"top_gainers"`
	TopLosers  []Mover     `json:"top_losers"`
	Assets     []assetLine `json:"assets"`
}

type assetLine struct {
	Symbol    string   `json:"symbol"`
	MarketCap string   `json:"market_cap"`
	Chg24     *float64 `json:"chg24"`
}

type llmOutput struct {
	Bias       string   `json:"bias"`
	OneLiner   string   `json:"one_liner"`
	Highlights []string `json:"highlights"`
}

type generator interface {
	Generate(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

type Agent struct {
	enabled        bool
	model          generator
	modelName      string
	disabledReason string
	topMovers      int
	log            *logrus.Entry

	errMu      sync.Mutex
	lastErrLog time.Time
}

func New(cfg Config) *Agent {
	log := logger.Component("briefagent")
	topMovers := cfg.TopMovers
	if topMovers <= 0 {
		topMovers = 5
	}
	disabled := func(reason string) *Agent {
		return &Agent{disabledReason: reason, topMovers: topMovers, log: log}
	}
	if !cfg.Enabled {
		return disabled("disabled by config")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = os.Getenv("OPENAI_MODEL")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if cfg.APIKey == "" || cfg.Model == "" {
		log.Warn("brief agent disabled: missing api key or model")
		return disabled("api_key or model missing")
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cm, err := openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		BaseURL:    cfg.BaseURL,
		ByAzure:    cfg.ByAzure,
		APIVersion: cfg.APIVersion,
		Timeout:    timeout,
	})
	if err != nil {
		log.WithError(err).Error("brief agent init failed")
		return disabled("init failed")
	}

	return &Agent{enabled: true, model: cm, modelName: cfg.Model, topMovers: topMovers, log: log}
}

// Summarize always returns a usable brief. The error reports why the model
// output was not used, if it was not.
func (a *Agent) Summarize(ctx context.Context, s market.Snapshot) (Brief, error) {
	in := BuildInput(s, a.movers())
	base := FallbackBrief(s.ID, in)
	if a == nil || !a.enabled || a.model == nil {
		return base, nil
	}

	payload, _ := json.Marshal(in)
	system := `You are a crypto market desk assistant. Output ONLY valid JSON.
Keys: bias (one of risk_on|risk_off|neutral), one_liner (one sentence), highlights (1-3 short strings).
Describe what the numbers show. Do not give buy or sell advice and do not predict prices.`

	messages := []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(fmt.Sprintf("Snapshot: %s", string(payload))),
	}

	resp, err := a.model.Generate(ctx, messages)
	if err != nil {
		a.logLLMErrorOnce(err)
		return base, err
	}
	out, err := parseOutput(strings.TrimSpace(resp.Content))
	if err != nil {
		return base, err
	}
	return merge(base, out), nil
}

func (a *Agent) Ping(ctx context.Context) (map[string]any, error) {
	if a == nil || !a.enabled || a.model == nil {
		reason := "not configured"
		if a != nil && a.disabledReason != "" {
			reason = a.disabledReason
		}
		return map[string]any{"ok": true, "mode": ModeFallback, "reason": reason}, nil
	}
	start := time.Now()
	messages := []*schema.Message{
		schema.SystemMessage("Return ONLY valid JSON: {\"ok\":true}. No other text."),
		schema.UserMessage("ping"),
	}
	_, err := a.model.Generate(ctx, messages)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		a.logLLMError(err)
		return map[string]any{"ok": true, "mode": ModeFallback, "reason": "llm error"}, err
	}
	return map[string]any{"ok": true, "mode": ModeLLM, "model": a.modelName, "latency_ms": latency}, nil
}

func (a *Agent) movers() int {
	if a == nil || a.topMovers <= 0 {
		return 5
	}
	return a.topMovers
}

// BuildInput computes breadth over every asset and the top n gainers and
// losers among assets with a reported 24h change.
func BuildInput(s market.Snapshot, n int) Input {
	in := Input{
		FetchedAt:  s.FetchedAt.UTC().Format(time.RFC3339),
		VsCurrency: s.Params.BaseCurrency,
		TopGainers: []Mover{},
		TopLosers:  []Mover{},
	}
	var moves []Mover
	for _, a := range s.Assets {
		line := assetLine{Symbol: a.Symbol, MarketCap: market.FormatMoney(a.MarketCap)}
		if !a.Chg24.Valid {
			in.Breadth.Missing++
			in.Assets = append(in.Assets, line)
			continue
		}
		chg := a.Chg24.Decimal.InexactFloat64()
		line.Chg24 = &chg
		in.Assets = append(in.Assets, line)
		switch {
		case chg > flatBand:
			in.Breadth.Up++
		case chg < -flatBand:
			in.Breadth.Down++
		default:
			in.Breadth.Flat++
		}
		moves = append(moves, Mover{Symbol: a.Symbol, Name: a.Name, Chg24: chg})
	}

	sort.SliceStable(moves, func(i, j int) bool { return moves[i].Chg24 > moves[j].Chg24 })
	for i := 0; i < len(moves) && len(in.TopGainers) < n; i++ {
		if moves[i].Chg24 > 0 {
			in.TopGainers = append(in.TopGainers, moves[i])
		}
	}
	for i := len(moves) - 1; i >= 0 && len(in.TopLosers) < n; i-- {
		if moves[i].Chg24 < 0 {
			in.TopLosers = append(in.TopLosers, moves[i])
		}
	}
	return in
}

// FallbackBrief derives the bias from breadth alone.
func FallbackBrief(snapshotID string, in Input) Brief {
	b := Brief{
		SnapshotID: snapshotID,
		Mode:       ModeFallback,
		Breadth:    in.Breadth,
		TopGainers: in.TopGainers,
		TopLosers:  in.TopLosers,
		Highlights: []string{},
	}
	total := in.Breadth.Up + in.Breadth.Down + in.Breadth.Flat
	switch {
	case total == 0:
		b.Bias = "neutral"
		b.OneLiner = "No 24h change data available."
		return b
	case float64(in.Breadth.Up) >= 0.65*float64(total):
		b.Bias = "risk_on"
	case float64(in.Breadth.Down) >= 0.65*float64(total):
		b.Bias = "risk_off"
	default:
		b.Bias = "neutral"
	}
	b.OneLiner = fmt.Sprintf("%d of %d assets up over 24h, %d down.", in.Breadth.Up, total, in.Breadth.Down)
	if len(in.TopGainers) > 0 {
		g := in.TopGainers[0]
		b.Highlights = append(b.Highlights, fmt.Sprintf("Top gainer %s %+.2f%%", g.Symbol, g.Chg24))
	}
	if len(in.TopLosers) > 0 {
		l := in.TopLosers[0]
		b.Highlights = append(b.Highlights, fmt.Sprintf("Top loser %s %+.2f%%", l.Symbol, l.Chg24))
	}
	return b
}

// FormatMarkdown renders a brief for the push channel.
func FormatMarkdown(b Brief) string {
	lines := []string{
		"### Market Brief",
		fmt.Sprintf("**%s** (bias=%s, mode=%s)", b.OneLiner, b.Bias, b.Mode),
		"",
		fmt.Sprintf("- breadth: up %d / down %d / flat %d / n.a. %d", b.Breadth.Up, b.Breadth.Down, b.Breadth.Flat, b.Breadth.Missing),
	}
	for _, h := range b.Highlights {
		lines = append(lines, "- "+h)
	}
	return strings.Join(lines, "\n")
}

func merge(base Brief, out llmOutput) Brief {
	b := base
	b.Mode = ModeLLM
	switch strings.ToLower(strings.TrimSpace(out.Bias)) {
	case "risk_on", "risk_off", "neutral":
		b.Bias = strings.ToLower(strings.TrimSpace(out.Bias))
	}
	if s := strings.TrimSpace(out.OneLiner); s != "" {
		b.OneLiner = s
	}
	var hl []string
	for _, h := range out.Highlights {
		if h = strings.TrimSpace(h); h != "" {
			hl = append(hl, h)
		}
	}
	if len(hl) > 3 {
		hl = hl[:3]
	}
	if len(hl) > 0 {
		b.Highlights = hl
	}
	return b
}

func parseOutput(text string) (llmOutput, error) {
	var out llmOutput
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out, nil
	}
	jsonStr := extractFirstJSONObject(text)
	if jsonStr == "" {
		return llmOutput{}, fmt.Errorf("no json object found")
	}
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return llmOutput{}, fmt.Errorf("parse brief: %w", err)
	}
	return out, nil
}

func extractFirstJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func (a *Agent) logLLMError(err error) {
	apiErr := &openai.APIError{}
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if len(msg) > 300 {
			msg = msg[:300] + "..."
		}
		a.log.WithField("status", apiErr.HTTPStatusCode).Error("llm api error: " + msg)
		return
	}
	a.log.WithError(err).Error("llm error")
}

func (a *Agent) logLLMErrorOnce(err error) {
	a.errMu.Lock()
	if time.Since(a.lastErrLog) < 5*time.Second {
		a.errMu.Unlock()
		return
	}
	a.lastErrLog = time.Now()
	a.errMu.Unlock()
	a.logLLMError(err)
}
