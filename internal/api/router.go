package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"

	"tradex-dashboard/internal/alert"
	"tradex-dashboard/internal/briefagent"
	"tradex-dashboard/internal/fx"
	"tradex-dashboard/internal/heatmap"
	"tradex-dashboard/internal/logger"
	"tradex-dashboard/internal/market"
	"tradex-dashboard/internal/store"
)

type TestPushRequest struct {
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
}

type AlertResponse struct {
	OK          bool   `json:"ok"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	PushErrCode int    `json:"push_errcode,omitempty"`
	PushErrMsg  string `json:"push_errmsg,omitempty"`
}

// Deps is everything the routes read from. Nil members turn the routes that
// need them into 500 "not configured" responses.
type Deps struct {
	Market   *market.Service
	Defaults market.Params
	Heatmap  heatmap.Options

	FXPanel      fx.Panel
	FXSim        *fx.Simulator
	FXRefreshSec int

	Store  *store.Store
	Sender alert.Sender
	Alerts *alert.Service
	Brief  *briefagent.Agent

	// Location decides what "today" means for date queries.
	Location *time.Location
	Now      func() time.Time
}

func RegisterRoutes(h *server.Hertz, d Deps) {
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	log := logger.Component("api")

	h.GET("/healthz", func(_ context.Context, c *app.RequestContext) {
		c.JSON(http.StatusOK, map[string]bool{"ok": true})
	})

	h.GET("/api/v1/snapshot", func(ctx context.Context, c *app.RequestContext) {
		if d.Market == nil {
			notConfigured(c, "market service")
			return
		}
		params, err := parseParams(c, d.Defaults)
		if err != nil {
			badRequest(c, err)
			return
		}
		res, err := d.Market.GetSnapshot(ctx, params)
		if err != nil {
			c.JSON(providerStatus(err), map[string]any{
				"ok":    false,
				"kind":  market.ErrorKindOf(err),
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":        true,
			"empty":     res.Snapshot.Empty(),
			"cached":    res.Cached,
			"stale":     res.Stale,
			"cached_at": res.CachedAt,
			"warnings":  res.Warnings,
			"snapshot":  res.Snapshot,
		})
	})

	h.GET("/api/v1/heatmap", func(ctx context.Context, c *app.RequestContext) {
		if d.Market == nil {
			notConfigured(c, "market service")
			return
		}
		params, err := parseParams(c, d.Defaults)
		if err != nil {
			badRequest(c, err)
			return
		}
		res, err := d.Market.GetSnapshot(ctx, params)
		if err != nil {
			c.JSON(providerStatus(err), heatmap.Failed(err, d.Heatmap, d.Now()))
			return
		}
		c.JSON(http.StatusOK, heatmap.Build(res, d.Heatmap))
	})

	h.GET("/api/v1/fx/pairs", func(_ context.Context, c *app.RequestContext) {
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"panel": d.FXPanel,
		})
	})

	h.GET("/api/v1/fx/heatmap", func(_ context.Context, c *app.RequestContext) {
		if d.FXSim == nil {
			notConfigured(c, "fx simulator")
			return
		}
		c.JSON(http.StatusOK, d.FXSim.Generate(d.Now(), d.FXRefreshSec))
	})

	h.GET("/api/v1/history", func(_ context.Context, c *app.RequestContext) {
		if d.Store == nil {
			notConfigured(c, "store")
			return
		}
		limit, offset, err := parsePage(c)
		if err != nil {
			badRequest(c, err)
			return
		}
		items, err := d.Store.ListSnapshots(limit, offset)
		if err != nil {
			serverError(c, err)
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"items": items,
		})
	})

	h.GET("/api/v1/history/:id", func(_ context.Context, c *app.RequestContext) {
		if d.Store == nil {
			notConfigured(c, "store")
			return
		}
		rec, assets, err := d.Store.GetSnapshot(c.Param("id"))
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, map[string]any{
				"ok":    false,
				"error": "snapshot not found",
			})
			return
		}
		if err != nil {
			serverError(c, err)
			return
		}
		snap := storedSnapshot(rec, assets)
		c.JSON(http.StatusOK, map[string]any{
			"ok":       true,
			"snapshot": snap,
			"heatmap":  heatmap.Build(market.Result{Snapshot: snap, Cached: true, CachedAt: snap.FetchedAt}, d.Heatmap),
		})
	})

	h.GET("/api/v1/assets/:id/history", func(_ context.Context, c *app.RequestContext) {
		if d.Store == nil {
			notConfigured(c, "store")
			return
		}
		limit, offset, err := parsePage(c)
		if err != nil {
			badRequest(c, err)
			return
		}
		vs := strings.ToLower(strings.TrimSpace(c.Query("vs")))
		items, err := d.Store.QueryAssetHistory(strings.ToLower(c.Param("id")), vs, limit, offset)
		if err != nil {
			serverError(c, err)
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"items": items,
		})
	})

	h.GET("/api/v1/events", func(_ context.Context, c *app.RequestContext) {
		if d.Store == nil {
			notConfigured(c, "store")
			return
		}
		limit, offset, err := parsePage(c)
		if err != nil {
			badRequest(c, err)
			return
		}
		date := c.Query("date")
		if date == "" {
			date = today(d)
		}
		items, err := d.Store.QueryEventsByDate(date, c.Query("type"), limit, offset)
		if err != nil {
			badRequest(c, err)
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"items": items,
		})
	})

	h.GET("/api/v1/alerts", func(_ context.Context, c *app.RequestContext) {
		if d.Store == nil {
			notConfigured(c, "store")
			return
		}
		limit, offset, err := parsePage(c)
		if err != nil {
			badRequest(c, err)
			return
		}
		date := c.Query("date")
		if date == "" {
			date = today(d)
		}
		items, err := d.Store.QueryAlertsByDate(date, c.Query("status"), limit, offset)
		if err != nil {
			badRequest(c, err)
			return
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":    true,
			"items": items,
		})
	})

	h.GET("/api/v1/brief", func(ctx context.Context, c *app.RequestContext) {
		if d.Market == nil {
			notConfigured(c, "market service")
			return
		}
		params, err := parseParams(c, d.Defaults)
		if err != nil {
			badRequest(c, err)
			return
		}
		res, err := d.Market.GetSnapshot(ctx, params)
		if err != nil {
			c.JSON(providerStatus(err), map[string]any{
				"ok":    false,
				"kind":  market.ErrorKindOf(err),
				"error": err.Error(),
			})
			return
		}
		brief, agentErr := d.Brief.Summarize(ctx, res.Snapshot)
		var warnings []string
		if agentErr != nil {
			warnings = append(warnings, fmt.Sprintf("brief agent fell back: %v", agentErr))
		}
		if d.Store != nil {
			content, _ := json.Marshal(brief)
			if err := d.Store.UpsertBrief(store.BriefRecord{
				SnapshotID:  brief.SnapshotID,
				Mode:        brief.Mode,
				ContentJSON: string(content),
			}); err != nil {
				log.WithError(err).Error("save brief failed")
			}
		}
		if c.Query("push") == "1" && d.Alerts != nil {
			r := d.Alerts.Handle(ctx, alert.AlertRequest{
				Priority: alert.PriorityMed,
				Group:    "brief",
				Title:    "Market Brief",
				Markdown: briefagent.FormatMarkdown(brief),
				DedupKey: "brief:" + brief.SnapshotID,
			})
			if r.Error != nil {
				warnings = append(warnings, fmt.Sprintf("brief push failed: %v", r.Error))
			}
		}
		c.JSON(http.StatusOK, map[string]any{
			"ok":       true,
			"brief":    brief,
			"warnings": warnings,
		})
	})

	h.POST("/api/v1/test/brief/ping", func(ctx context.Context, c *app.RequestContext) {
		res, err := d.Brief.Ping(ctx)
		if err != nil {
			res["error"] = err.Error()
		}
		c.JSON(http.StatusOK, res)
	})

	h.POST("/api/v1/test/push", func(ctx context.Context, c *app.RequestContext) {
		if d.Sender == nil {
			notConfigured(c, "push client")
			return
		}
		var req TestPushRequest
		if err := c.BindJSON(&req); err != nil {
			badRequest(c, fmt.Errorf("invalid json body"))
			return
		}
		resp, err := d.Sender.SendMarkdown(ctx, req.Title, req.Markdown)
		if err != nil {
			log.WithError(err).Warn("test push failed")
			c.JSON(http.StatusBadGateway, map[string]any{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		if resp != nil && resp.ErrCode != 0 {
			c.JSON(http.StatusBadGateway, map[string]any{
				"ok":           false,
				"error":        "webhook returned error",
				"push_errcode": resp.ErrCode,
				"push_errmsg":  resp.ErrMsg,
			})
			return
		}
		c.JSON(http.StatusOK, map[string]any{"ok": true})
	})

	h.POST("/api/v1/test/alert", func(ctx context.Context, c *app.RequestContext) {
		if d.Alerts == nil {
			notConfigured(c, "alert service")
			return
		}
		var req alert.AlertRequest
		if err := c.BindJSON(&req); err != nil {
			badRequest(c, fmt.Errorf("invalid json body"))
			return
		}
		res := d.Alerts.Handle(ctx, req)
		resp := AlertResponse{
			OK:          res.Error == nil,
			Status:      string(res.Status),
			PushErrCode: res.ErrCode,
			PushErrMsg:  res.ErrMsg,
		}
		if res.Error != nil {
			resp.Error = res.Error.Error()
		}
		c.JSON(http.StatusOK, resp)
	})
}

// providerStatus maps pipeline failures to 502 and anything else, such as a
// missing currency, to 400.
func providerStatus(err error) int {
	if market.ErrorKindOf(err) != "" {
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

func parseParams(c *app.RequestContext, defaults market.Params) (market.Params, error) {
	p := defaults
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return market.Params{}, fmt.Errorf("invalid count")
		}
		p.Count = n
	}
	if raw := strings.TrimSpace(c.Query("vs")); raw != "" {
		p.BaseCurrency = raw
	}
	return p.Normalize(), nil
}

func parsePage(c *app.RequestContext) (int, int, error) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		return 0, 0, err
	}
	offset, err := parseOffset(c.Query("offset"))
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 200, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if v > 1000 {
		return 1000, nil
	}
	return v, nil
}

func parseOffset(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid offset")
	}
	return v, nil
}

func today(d Deps) string {
	return d.Now().In(d.Location).Format("2006-01-02")
}

func storedSnapshot(rec *store.SnapshotRecord, assets []market.AssetSnapshot) market.Snapshot {
	if assets == nil {
		assets = []market.AssetSnapshot{}
	}
	return market.Snapshot{
		ID:        rec.ID,
		Params:    market.Params{Count: rec.RequestCount, BaseCurrency: rec.VsCurrency},
		Source:    rec.Source,
		FetchedAt: time.Unix(rec.TS, 0).UTC(),
		Assets:    assets,
	}
}

func notConfigured(c *app.RequestContext, what string) {
	c.JSON(http.StatusInternalServerError, map[string]any{
		"ok":    false,
		"error": what + " not configured",
	})
}

func badRequest(c *app.RequestContext, err error) {
	c.JSON(http.StatusBadRequest, map[string]any{
		"ok":    false,
		"error": err.Error(),
	})
}

func serverError(c *app.RequestContext, err error) {
	c.JSON(http.StatusInternalServerError, map[string]any{
		"ok":    false,
		"error": err.Error(),
	})
}
