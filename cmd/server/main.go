package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/sirupsen/logrus"

	"tradex-dashboard/internal/alert"
	"tradex-dashboard/internal/api"
	"tradex-dashboard/internal/briefagent"
	"tradex-dashboard/internal/config"
	"tradex-dashboard/internal/engine"
	"tradex-dashboard/internal/fx"
	"tradex-dashboard/internal/heatmap"
	"tradex-dashboard/internal/logger"
	"tradex-dashboard/internal/market"
	"tradex-dashboard/internal/metrics"
	"tradex-dashboard/internal/push/webhook"
	"tradex-dashboard/internal/store"
)

func main() {
	configPath := "configs/app.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		configPath = v
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Get().Fatalf("config error: %v", err)
	}
	if err := logger.Get().Configure(cfg.Log); err != nil {
		logger.Get().Fatalf("logger error: %v", err)
	}
	log := logger.Component("main")

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Addr)
		log.WithField("addr", cfg.Metrics.Addr).Info("metrics listener started")
	}

	loc := cfg.Location()
	st, err := store.Open(cfg.Store.Sqlite.Path, loc)
	if err != nil {
		log.WithError(err).Fatal("store error")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Error("store close error")
		}
	}()

	var sender alert.Sender
	wh := webhook.NewClient(
		cfg.Push.Webhook.URL,
		cfg.Push.Webhook.Secret,
		time.Duration(cfg.Push.Webhook.TimeoutMs)*time.Millisecond,
	)
	if wh.Configured() {
		sender = wh
	} else {
		log.Warn("webhook url not set, alerts are recorded but not pushed")
	}

	alertSvc := alert.NewService(sender, st, alert.Config{
		RateLimit: alert.RateLimitConfig{
			PerMinute: cfg.Alert.RateLimit.PerMinute,
			Burst:     cfg.Alert.RateLimit.Burst,
		},
		DedupWindow:       time.Duration(cfg.Alert.Dedup.WindowSec) * time.Second,
		MergeWindow:       time.Duration(cfg.Alert.Merge.WindowSec) * time.Second,
		LowDigestInterval: time.Duration(cfg.Alert.Digest.LowIntervalSec) * time.Second,
	})
	defer alertSvc.Close()

	brief := briefagent.New(briefagent.Config{
		Enabled:    cfg.BriefAgent.Enabled,
		Model:      cfg.BriefAgent.Model,
		APIKey:     cfg.BriefAgent.APIKey,
		BaseURL:    cfg.BriefAgent.BaseURL,
		ByAzure:    cfg.BriefAgent.ByAzure,
		APIVersion: cfg.BriefAgent.APIVersion,
		TimeoutMs:  cfg.BriefAgent.TimeoutMs,
		TopMovers:  cfg.BriefAgent.TopMovers,
	})

	var observers []market.Observer
	if cfg.Movers.Enabled {
		observers = append(observers, engine.New(engine.Config{
			TopN: cfg.Movers.TopN,
			BigMove: engine.BigMoveConfig{
				MedPct:  cfg.Movers.BigMove.MedPct,
				HighPct: cfg.Movers.BigMove.HighPct,
			},
			PanicDrop: engine.PanicDropConfig{
				WindowSec: cfg.Movers.PanicDrop.WindowSec,
				MedPct:    cfg.Movers.PanicDrop.MedPct,
				HighPct:   cfg.Movers.PanicDrop.HighPct,
			},
			VolumeSpike: engine.VolumeSpikeConfig{
				MaPoints: cfg.Movers.VolumeSpike.MaPoints,
				Ratio:    cfg.Movers.VolumeSpike.Ratio,
			},
			WindowMaxKeep: cfg.Movers.WindowMaxKeep,
			CooldownSec: engine.CooldownConfig{
				BigMove:     cfg.Movers.CooldownSec.BigMove,
				PanicDrop:   cfg.Movers.CooldownSec.PanicDrop,
				VolumeSpike: cfg.Movers.CooldownSec.VolumeSpike,
			},
		}, st, alertSvc))
	}

	provider := market.NewCoinGeckoProvider(cfg.Market.BaseURL, cfg.MarketTimeout(), cfg.Market.APIKey)
	cache := market.NewSnapshotCache(cfg.MarketTTL())
	mktSvc := market.NewService(provider, cache, market.ServiceConfig{
		ServeStaleOnError: cfg.Market.ServeStaleOnError,
	}, st, observers...)

	defaults := market.Params{Count: cfg.Market.Count, BaseCurrency: cfg.Market.VsCurrency}.Normalize()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Market.RefreshSec > 0 {
		go mktSvc.PollLoop(ctx, defaults, time.Duration(cfg.Market.RefreshSec)*time.Second)
		log.WithFields(logrus.Fields{
			"refresh_sec": cfg.Market.RefreshSec,
			"count":       defaults.Count,
			"vs_currency": defaults.BaseCurrency,
		}).Info("market poll loop started")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	h := server.Default(server.WithHostPorts(addr))

	api.RegisterRoutes(h, api.Deps{
		Market:   mktSvc,
		Defaults: defaults,
		Heatmap: heatmap.Options{
			Title:      cfg.Heatmap.Title,
			RefreshSec: cfg.Heatmap.RefreshSec,
			Location:   loc,
		},
		FXPanel:      fx.NewPanel(cfg.FX.Pairs),
		FXSim:        fx.NewSimulator(cfg.FX.Pairs, cfg.FX.Seed, cfg.FX.MaxChangePct),
		FXRefreshSec: cfg.FX.RefreshSec,
		Store:        st,
		Sender:       sender,
		Alerts:       alertSvc,
		Brief:        brief,
		Location:     loc,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("server shutdown error")
		}
	}()

	log.WithFields(logrus.Fields{
		"addr":      addr,
		"log_level": cfg.Log.Level,
	}).Info("server starting")
	if err := h.Run(); err != nil {
		log.WithError(err).Error("server run error")
	}
}
