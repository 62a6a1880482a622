// Package metrics registers the dashboard's Prometheus collectors:
//
//	tradex_provider_fetch_total{provider,outcome}
//	tradex_provider_fetch_seconds{provider}
//	tradex_snapshot_cache_total{result}
//	tradex_alerts_total{status}
//
// Collectors stay nil until Init is called, so the helpers are no-ops in tests.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradex-dashboard/internal/logger"
)

var (
	once         sync.Once
	fetchTotal   *prometheus.CounterVec
	fetchSeconds *prometheus.HistogramVec
	cacheTotal   *prometheus.CounterVec
	alertsTotal  *prometheus.CounterVec
)

// Init registers collectors on a private registry and, when addr is not
// empty, serves them on addr/metrics.
func Init(addr string) {
	once.Do(func() {
		reg := prometheus.NewRegistry()
		fetchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradex_provider_fetch_total",
				Help: "Market data provider calls by outcome",
			},
			[]string{"provider", "outcome"},
		)
		fetchSeconds = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradex_provider_fetch_seconds",
				Help:    "Market data provider call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		)
		cacheTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradex_snapshot_cache_total",
				Help: "Snapshot cache lookups by result",
			},
			[]string{"result"},
		)
		alertsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradex_alerts_total",
				Help: "Alerts handled by final status",
			},
			[]string{"status"},
		)
		reg.MustRegister(fetchTotal, fetchSeconds, cacheTotal, alertsTotal)
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if addr == "" {
			return
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Component("metrics").WithError(err).Error("metrics server stopped")
			}
		}()
	})
}

// ObserveFetch records one provider call. outcome is "ok" or an error kind.
func ObserveFetch(provider, outcome string, elapsed time.Duration) {
	if fetchTotal == nil {
		return
	}
	fetchTotal.WithLabelValues(provider, outcome).Inc()
	fetchSeconds.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func CacheLookup(hit bool) {
	if cacheTotal == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheTotal.WithLabelValues(result).Inc()
}

func AlertHandled(status string) {
	if alertsTotal == nil {
		return
	}
	alertsTotal.WithLabelValues(status).Inc()
}
