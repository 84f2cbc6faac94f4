package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector は、ダッシュボードが公開するメトリクスをまとめたものです。
// nil の Collector に対する呼び出しは何もしないため、計測は任意です。
type Collector struct {
	registry *prometheus.Registry

	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	CacheLookups       *prometheus.CounterVec
	CachePatches       prometheus.Counter
	StaleResponses     prometheus.Counter
	LiveEvents         *prometheus.CounterVec
	LiveReconnects     prometheus.Counter
	LiveConnected      prometheus.Gauge
}

// New は専用のレジストリにメトリクスを登録します。
// グローバルレジストリを使わないため、テストやセッションごとに何度でも生成できます。
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		APIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawldash_api_requests_total",
				Help: "Total number of requests sent to the crawler API.",
			},
			[]string{"operation", "status"},
		),
		APIRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawldash_api_request_duration_seconds",
				Help:    "Duration of requests sent to the crawler API.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawldash_cache_lookups_total",
				Help: "Query cache lookups by result (hit, miss).",
			},
			[]string{"result"},
		),
		CachePatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawldash_cache_patches_total",
			Help: "Cached pages patched in place by live updates.",
		}),
		StaleResponses: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawldash_stale_responses_total",
			Help: "List responses discarded because a newer request superseded them.",
		}),
		LiveEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawldash_live_events_total",
				Help: "Live channel messages by outcome (accepted, malformed).",
			},
			[]string{"outcome"},
		),
		LiveReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "crawldash_live_reconnects_total",
			Help: "Reconnection attempts of the live channel.",
		}),
		LiveConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crawldash_live_connected",
			Help: "1 while the live channel has an open socket.",
		}),
	}
}

// Registry は Gatherer として使えるレジストリを返します。
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler は /metrics 用の HTTP ハンドラを返します。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest は API 呼び出し1回分を記録します。status が 0 の場合は通信エラーとして扱います。
func (c *Collector) ObserveRequest(operation string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	label := "transport_error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	c.APIRequestsTotal.WithLabelValues(operation, label).Inc()
	c.APIRequestDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (c *Collector) CacheHit() {
	if c != nil {
		c.CacheLookups.WithLabelValues("hit").Inc()
	}
}

func (c *Collector) CacheMiss() {
	if c != nil {
		c.CacheLookups.WithLabelValues("miss").Inc()
	}
}

func (c *Collector) Patched(pages int) {
	if c != nil && pages > 0 {
		c.CachePatches.Add(float64(pages))
	}
}

func (c *Collector) StaleDiscarded() {
	if c != nil {
		c.StaleResponses.Inc()
	}
}

func (c *Collector) LiveEvent(outcome string) {
	if c != nil {
		c.LiveEvents.WithLabelValues(outcome).Inc()
	}
}

func (c *Collector) Reconnect() {
	if c != nil {
		c.LiveReconnects.Inc()
	}
}

func (c *Collector) SetConnected(open bool) {
	if c == nil {
		return
	}
	if open {
		c.LiveConnected.Set(1)
	} else {
		c.LiveConnected.Set(0)
	}
}
