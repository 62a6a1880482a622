// Package engine watches consecutive snapshots for unusual movers and turns
// rule hits into stored events and alerts.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradex-dashboard/internal/alert"
	"tradex-dashboard/internal/logger"
	"tradex-dashboard/internal/market"
	"tradex-dashboard/internal/store"
)

const (
	RuleBigMove     = "BIG_MOVE"
	RulePanicDrop   = "PANIC_DROP"
	RuleVolumeSpike = "VOLUME_SPIKE"
)

type Config struct {
	TopN          int
	BigMove       BigMoveConfig
	PanicDrop     PanicDropConfig
	VolumeSpike   VolumeSpikeConfig
	WindowMaxKeep int
	CooldownSec   CooldownConfig
}

type BigMoveConfig struct {
	MedPct  float64
	HighPct float64
}

type PanicDropConfig struct {
	WindowSec int
	MedPct    float64
	HighPct   float64
}

type VolumeSpikeConfig struct {
	MaPoints int
	Ratio    float64
}

type CooldownConfig struct {
	BigMove     int
	PanicDrop   int
	VolumeSpike int
}

// EventStore persists rule hits. *store.Store implements it.
type EventStore interface {
	InsertEventReturnID(rec store.EventRecord) (int64, error)
}

// Alerter receives alerts for rule hits. *alert.Service implements it.
type Alerter interface {
	Handle(ctx context.Context, req alert.AlertRequest) alert.Result
}

// point is what the rules need from one asset in one snapshot.
type point struct {
	TS       int64
	Symbol   string
	Name     string
	Currency string
	Price    float64
	Volume   float64
	Chg24    decimal.NullDecimal
}

type Engine struct {
	cfg      Config
	store    EventStore
	alertSvc Alerter
	log      *logrus.Entry

	mu       sync.Mutex
	windows  map[string][]point
	cooldown map[string]int64
}

func New(cfg Config, st EventStore, alertSvc Alerter) *Engine {
	if cfg.TopN <= 0 {
		cfg.TopN = 20
	}
	if cfg.BigMove.MedPct <= 0 {
		cfg.BigMove.MedPct = 8
	}
	if cfg.BigMove.HighPct <= 0 {
		cfg.BigMove.HighPct = 15
	}
	if cfg.PanicDrop.WindowSec <= 0 {
		cfg.PanicDrop.WindowSec = 3600
	}
	if cfg.PanicDrop.MedPct <= 0 {
		cfg.PanicDrop.MedPct = 3
	}
	if cfg.PanicDrop.HighPct <= 0 {
		cfg.PanicDrop.HighPct = 6
	}
	if cfg.VolumeSpike.MaPoints <= 1 {
		cfg.VolumeSpike.MaPoints = 5
	}
	if cfg.VolumeSpike.Ratio <= 0 {
		cfg.VolumeSpike.Ratio = 3.0
	}
	if cfg.WindowMaxKeep <= 0 {
		cfg.WindowMaxKeep = 200
	}
	if cfg.CooldownSec.BigMove <= 0 {
		cfg.CooldownSec.BigMove = 3600
	}
	if cfg.CooldownSec.PanicDrop <= 0 {
		cfg.CooldownSec.PanicDrop = 900
	}
	if cfg.CooldownSec.VolumeSpike <= 0 {
		cfg.CooldownSec.VolumeSpike = 900
	}

	return &Engine{
		cfg:      cfg,
		store:    st,
		alertSvc: alertSvc,
		log:      logger.Component("engine"),
		windows:  make(map[string][]point),
		cooldown: make(map[string]int64),
	}
}

// OnSnapshot runs every rule against the top assets of s. Snapshot order is
// market cap descending, so the first TopN rows are the largest assets.
// Windows and cooldowns are kept per asset and base currency.
func (e *Engine) OnSnapshot(s market.Snapshot) {
	ts := s.FetchedAt.Unix()
	currency := strings.ToLower(strings.TrimSpace(s.Params.BaseCurrency))
	n := len(s.Assets)
	if n > e.cfg.TopN {
		n = e.cfg.TopN
	}
	for _, a := range s.Assets[:n] {
		id := strings.ToLower(strings.TrimSpace(a.ID))
		if id == "" {
			continue
		}
		key := windowKey(id, currency)
		p := point{
			TS:       ts,
			Symbol:   a.Symbol,
			Name:     a.Name,
			Currency: currency,
			Price:    floatOf(a.Price),
			Volume:   floatOf(a.Volume),
			Chg24:    a.Chg24,
		}

		e.mu.Lock()
		window := append(e.windows[key], p)
		window = e.trimWindow(window)
		e.windows[key] = window
		snapshot := append([]point(nil), window...)
		e.mu.Unlock()

		e.runRules(key, p, snapshot)
	}
}

func windowKey(id, currency string) string {
	if currency == "" {
		return id
	}
	return id + "|" + currency
}

func floatOf(d decimal.NullDecimal) float64 {
	if !d.Valid {
		return 0
	}
	return d.Decimal.InexactFloat64()
}

func (e *Engine) trimWindow(window []point) []point {
	maxKeep := e.cfg.WindowMaxKeep
	if maxKeep > 0 && len(window) > maxKeep {
		window = window[len(window)-maxKeep:]
	}
	return window
}

func (e *Engine) runRules(id string, p point, window []point) {
	e.ruleBigMove(id, p)
	e.rulePanicDrop(id, p, window)
	e.ruleVolumeSpike(id, p, window)
}

// ruleBigMove only fires when the provider reported a 24h change.
func (e *Engine) ruleBigMove(id string, p point) {
	if !p.Chg24.Valid {
		return
	}
	chg := p.Chg24.Decimal.InexactFloat64()
	abs := chg
	if abs < 0 {
		abs = -abs
	}
	var severity string
	var threshold float64
	switch {
	case abs >= e.cfg.BigMove.HighPct:
		severity, threshold = "high", e.cfg.BigMove.HighPct
	case abs >= e.cfg.BigMove.MedPct:
		severity, threshold = "med", e.cfg.BigMove.MedPct
	default:
		return
	}
	if !e.checkCooldown(RuleBigMove, id, severity, p.TS, e.cfg.CooldownSec.BigMove) {
		return
	}
	e.emit(RuleBigMove, severity, id, p, map[string]any{"chg24_pct": chg, "threshold": threshold})
}

func (e *Engine) rulePanicDrop(id string, p point, window []point) {
	if e.cfg.PanicDrop.WindowSec <= 0 || len(window) < 2 || p.Price <= 0 {
		return
	}
	cutoff := p.TS - int64(e.cfg.PanicDrop.WindowSec)
	maxPrice := 0.0
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].TS < cutoff {
			break
		}
		if window[i].Price > maxPrice {
			maxPrice = window[i].Price
		}
	}
	if maxPrice <= 0 {
		return
	}
	drawdownPct := (p.Price - maxPrice) / maxPrice * 100
	var severity string
	var threshold float64
	switch {
	case drawdownPct <= -e.cfg.PanicDrop.HighPct:
		severity, threshold = "high", e.cfg.PanicDrop.HighPct
	case drawdownPct <= -e.cfg.PanicDrop.MedPct:
		severity, threshold = "med", e.cfg.PanicDrop.MedPct
	default:
		return
	}
	if !e.checkCooldown(RulePanicDrop, id, severity, p.TS, e.cfg.CooldownSec.PanicDrop) {
		return
	}
	e.emit(RulePanicDrop, severity, id, p, map[string]any{
		"drawdown_pct": drawdownPct,
		"window_sec":   e.cfg.PanicDrop.WindowSec,
		"threshold":    threshold,
	})
}

func (e *Engine) ruleVolumeSpike(id string, p point, window []point) {
	if len(window) < e.cfg.VolumeSpike.MaPoints || p.Volume <= 0 {
		return
	}
	start := len(window) - e.cfg.VolumeSpike.MaPoints
	var sum float64
	var count int
	for i := start; i < len(window)-1; i++ {
		if window[i].Volume > 0 {
			sum += window[i].Volume
			count++
		}
	}
	if count == 0 {
		return
	}
	avg := sum / float64(count)
	ratio := p.Volume / avg
	if ratio < e.cfg.VolumeSpike.Ratio {
		return
	}
	if !e.checkCooldown(RuleVolumeSpike, id, "med", p.TS, e.cfg.CooldownSec.VolumeSpike) {
		return
	}
	e.emit(RuleVolumeSpike, "med", id, p, map[string]any{"ratio": ratio, "avg": avg})
}

func (e *Engine) emit(eventType, severity, id string, p point, evidence map[string]any) {
	title := buildEventTitle(eventType, p, evidence)
	dedupKey := fmt.Sprintf("%s:%s:%s", eventType, id, severity)
	mergeKey := "movers"

	evidenceJSON, _ := json.Marshal(evidence)
	evt := store.EventRecord{
		TS:           p.TS,
		Type:         eventType,
		Severity:     severity,
		GroupName:    "movers",
		Title:        title,
		DedupKey:     dedupKey,
		MergeKey:     mergeKey,
		EvidenceJSON: string(evidenceJSON),
	}
	if e.store != nil {
		if _, err := e.store.InsertEventReturnID(evt); err != nil {
			e.log.WithError(err).WithField("type", eventType).Error("insert event failed")
		}
	}
	e.log.WithFields(logrus.Fields{"type": eventType, "asset": id, "severity": severity}).Info(title)

	if e.alertSvc == nil {
		return
	}
	res := e.alertSvc.Handle(context.Background(), alert.AlertRequest{
		Priority: alert.Priority(severity),
		Group:    "movers",
		Title:    title,
		Markdown: buildMarkdown(eventType, p, evidence),
		DedupKey: dedupKey,
		MergeKey: mergeKey,
	})
	if res.Error != nil {
		e.log.WithError(res.Error).Warn("alert handle failed")
	}
}

func buildEventTitle(eventType string, p point, evidence map[string]any) string {
	switch eventType {
	case RuleBigMove:
		return fmt.Sprintf("%s %s 24h %+.2f%%", p.Symbol, eventType, evidence["chg24_pct"])
	case RulePanicDrop:
		return fmt.Sprintf("%s %s drawdown %.2f%% in %ds", p.Symbol, eventType, evidence["drawdown_pct"], evidence["window_sec"])
	case RuleVolumeSpike:
		return fmt.Sprintf("%s %s volume x%.1f", p.Symbol, eventType, evidence["ratio"])
	}
	return fmt.Sprintf("%s %s", p.Symbol, eventType)
}

func buildMarkdown(eventType string, p point, evidence map[string]any) string {
	chg := market.MissingValue
	if p.Chg24.Valid {
		chg = p.Chg24.Decimal.StringFixed(2) + "%"
	}
	lines := []string{
		fmt.Sprintf("**%s**", eventType),
		fmt.Sprintf("- asset: %s (%s)", p.Name, p.Symbol),
		fmt.Sprintf("- price: %.4f %s", p.Price, strings.ToUpper(p.Currency)),
		fmt.Sprintf("- chg24: %s", chg),
		fmt.Sprintf("- volume: %s", market.FormatMoney(p.Volume)),
	}
	keys := make([]string, 0, len(evidence))
	for k := range evidence {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %v", k, evidence[k]))
	}
	return strings.Join(lines, "\n")
}

// checkCooldown measures cooldowns in snapshot time, not wall time.
func (e *Engine) checkCooldown(ruleType, id, severity string, now int64, cooldownSec int) bool {
	if cooldownSec <= 0 {
		return true
	}
	key := fmt.Sprintf("%s:%s:%s", ruleType, id, severity)
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.cooldown[key]; ok && now-last < int64(cooldownSec) {
		return false
	}
	e.cooldown[key] = now
	return true
}
