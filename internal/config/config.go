package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tradex-dashboard/internal/logger"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        logger.Config    `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Market     MarketConfig     `yaml:"market"`
	Heatmap    HeatmapConfig    `yaml:"heatmap"`
	FX         FXConfig         `yaml:"fx"`
	Push       PushConfig       `yaml:"push"`
	Alert      AlertConfig      `yaml:"alert"`
	Store      StoreConfig      `yaml:"store"`
	Movers     MoversConfig     `yaml:"movers"`
	BriefAgent BriefAgentConfig `yaml:"brief_agent"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type MarketConfig struct {
	BaseURL           string `yaml:"base_url"`
	APIKey            string `yaml:"api_key"`
	Count             int    `yaml:"count"`
	VsCurrency        string `yaml:"vs_currency"`
	TTLSec            int    `yaml:"ttl_sec"`
	TimeoutSec        int    `yaml:"timeout_sec"`
	RefreshSec        int    `yaml:"refresh_sec"`
	ServeStaleOnError bool   `yaml:"serve_stale_on_error"`
}

type HeatmapConfig struct {
	Title      string `yaml:"title"`
	RefreshSec int    `yaml:"refresh_sec"`
	Timezone   string `yaml:"timezone"`
}

type FXConfig struct {
	Pairs        []string `yaml:"pairs"`
	Seed         int64    `yaml:"seed"`
	MaxChangePct float64  `yaml:"max_change_pct"`
	RefreshSec   int      `yaml:"refresh_sec"`
}

type PushConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
}

type WebhookConfig struct {
	URL       string `yaml:"url"`
	Secret    string `yaml:"secret"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type AlertConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Merge     MergeConfig     `yaml:"merge"`
	Digest    DigestConfig    `yaml:"digest"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

type DedupConfig struct {
	WindowSec int `yaml:"window_sec"`
}

type MergeConfig struct {
	WindowSec int `yaml:"window_sec"`
}

type DigestConfig struct {
	LowIntervalSec int `yaml:"low_interval_sec"`
}

type StoreConfig struct {
	Sqlite SqliteConfig `yaml:"sqlite"`
}

type SqliteConfig struct {
	Path string `yaml:"path"`
}

type MoversConfig struct {
	Enabled       bool                    `yaml:"enabled"`
	TopN          int                     `yaml:"top_n"`
	BigMove       MoversBigMoveConfig     `yaml:"big_move"`
	PanicDrop     MoversPanicDropConfig   `yaml:"panic_drop"`
	VolumeSpike   MoversVolumeSpikeConfig `yaml:"volume_spike"`
	WindowMaxKeep int                     `yaml:"window_max_keep"`
	CooldownSec   MoversCooldownConfig    `yaml:"cooldown_sec"`
}

type MoversBigMoveConfig struct {
	MedPct  float64 `yaml:"med_pct"`
	HighPct float64 `yaml:"high_pct"`
}

type MoversPanicDropConfig struct {
	WindowSec int     `yaml:"window_sec"`
	MedPct    float64 `yaml:"med_pct"`
	HighPct   float64 `yaml:"high_pct"`
}

type MoversVolumeSpikeConfig struct {
	MaPoints int     `yaml:"ma_points"`
	Ratio    float64 `yaml:"ratio"`
}

type MoversCooldownConfig struct {
	BigMove     int `yaml:"big_move"`
	PanicDrop   int `yaml:"panic_drop"`
	VolumeSpike int `yaml:"volume_spike"`
}

type BriefAgentConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	ByAzure    bool   `yaml:"by_azure"`
	APIVersion string `yaml:"api_version"`
	TimeoutMs  int    `yaml:"timeout_ms"`
	TopMovers  int    `yaml:"top_movers"`
}

func Default() Config {
	return Config{
		Server:  ServerConfig{Port: 8080},
		Log:     logger.Config{Level: "info", Format: "json", Output: "stdout"},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9090"},
		Market: MarketConfig{
			BaseURL:    "https://api.coingecko.com/api/v3",
			Count:      120,
			VsCurrency: "usd",
			TTLSec:     90,
			TimeoutSec: 15,
			RefreshSec: 0,
		},
		Heatmap: HeatmapConfig{
			Title:      "TRADEx • Crypto Heatmap",
			RefreshSec: 60,
			Timezone:   "UTC",
		},
		FX: FXConfig{
			Pairs: []string{
				"OANDA:EURUSD", "OANDA:USDJPY", "OANDA:GBPUSD", "OANDA:AUDUSD",
				"OANDA:USDCAD", "OANDA:USDCHF", "OANDA:NZDUSD",
			},
			Seed:         0,
			MaxChangePct: 2,
			RefreshSec:   60,
		},
		Push: PushConfig{
			Webhook: WebhookConfig{TimeoutMs: 5000},
		},
		Alert: AlertConfig{
			RateLimit: RateLimitConfig{PerMinute: 20, Burst: 5},
			Dedup:     DedupConfig{WindowSec: 600},
			Merge:     MergeConfig{WindowSec: 30},
			Digest:    DigestConfig{LowIntervalSec: 300},
		},
		Store: StoreConfig{
			Sqlite: SqliteConfig{Path: "data/tradex.db"},
		},
		Movers: MoversConfig{
			Enabled: true,
			TopN:    20,
			BigMove: MoversBigMoveConfig{MedPct: 8, HighPct: 15},
			PanicDrop: MoversPanicDropConfig{
				WindowSec: 3600,
				MedPct:    3,
				HighPct:   6,
			},
			VolumeSpike:   MoversVolumeSpikeConfig{MaPoints: 5, Ratio: 3},
			WindowMaxKeep: 200,
			CooldownSec: MoversCooldownConfig{
				BigMove:     3600,
				PanicDrop:   900,
				VolumeSpike: 900,
			},
		},
		BriefAgent: BriefAgentConfig{
			Enabled:   false,
			Model:     "gpt-4.1-mini",
			TimeoutMs: 10000,
			TopMovers: 5,
		},
	}
}

// Load reads .env (when present), then the YAML file over Default(), then
// environment overrides. A missing YAML file leaves the defaults in place.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT: %q", v)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		cfg.Market.APIKey = v
	}
	if v := os.Getenv("COINGECKO_BASE_URL"); v != "" {
		cfg.Market.BaseURL = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.Push.Webhook.URL = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Push.Webhook.Secret = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Store.Sqlite.Path = v
	}
	if v := os.Getenv("BRIEF_AGENT_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid BRIEF_AGENT_ENABLED: %q", v)
		}
		cfg.BriefAgent.Enabled = b
	}
	return nil
}

func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port out of range: %d", c.Server.Port))
	}
	if c.Market.Count < 1 || c.Market.Count > 250 {
		problems = append(problems, fmt.Sprintf("market.count must be 1..250: %d", c.Market.Count))
	}
	if strings.TrimSpace(c.Market.VsCurrency) == "" {
		problems = append(problems, "market.vs_currency is empty")
	}
	if c.Market.TTLSec <= 0 {
		problems = append(problems, fmt.Sprintf("market.ttl_sec must be positive: %d", c.Market.TTLSec))
	}
	if c.Market.TimeoutSec <= 0 {
		problems = append(problems, fmt.Sprintf("market.timeout_sec must be positive: %d", c.Market.TimeoutSec))
	}
	if c.Market.RefreshSec < 0 {
		problems = append(problems, fmt.Sprintf("market.refresh_sec must not be negative: %d", c.Market.RefreshSec))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		problems = append(problems, "metrics.addr is empty")
	}
	if _, err := time.LoadLocation(c.Heatmap.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("heatmap.timezone: %v", err))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Location returns the configured heatmap timezone, UTC if it cannot load.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Heatmap.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) MarketTTL() time.Duration {
	return time.Duration(c.Market.TTLSec) * time.Second
}

func (c *Config) MarketTimeout() time.Duration {
	return time.Duration(c.Market.TimeoutSec) * time.Second
}
