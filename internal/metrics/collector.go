package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector 持有引擎内部的运行指标，挂在注入的 Registerer 上，
// 进程内采集, 不自带对外暴露端口。
type Collector struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheSize      prometheus.Gauge
	CacheEntries   prometheus.Gauge

	SyncRuns     *prometheus.CounterVec
	SyncBytes    *prometheus.CounterVec
	SyncFailures *prometheus.CounterVec

	HealthStatus *prometheus.GaugeVec

	PrewarmOutcomes *prometheus.CounterVec
}

// New 构建全部指标并注册到 reg，reg 为 nil 时只建不注册。
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mirrorhub", Subsystem: "cache", Name: "hits_total",
			Help: "Cache lookups served from disk.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mirrorhub", Subsystem: "cache", Name: "misses_total",
			Help: "Cache lookups that went upstream.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mirrorhub", Subsystem: "cache", Name: "evictions_total",
			Help: "Entries evicted to stay within the size limit.",
		}),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mirrorhub", Subsystem: "cache", Name: "size_bytes",
			Help: "Current total size of cached content.",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mirrorhub", Subsystem: "cache", Name: "entries",
			Help: "Current number of cached entries.",
		}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirrorhub", Subsystem: "sync", Name: "runs_total",
			Help: "Completed sync passes by source and outcome.",
		}, []string{"source", "status"}),
		SyncBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirrorhub", Subsystem: "sync", Name: "bytes_total",
			Help: "Bytes transferred by sync passes.",
		}, []string{"source"}),
		SyncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirrorhub", Subsystem: "sync", Name: "entry_failures_total",
			Help: "Entry-level fetch failures by source.",
		}, []string{"source"}),
		HealthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mirrorhub", Subsystem: "health", Name: "status",
			Help: "Source health: 0 unhealthy, 1 degraded, 2 healthy.",
		}, []string{"source"}),
		PrewarmOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirrorhub", Subsystem: "prewarm", Name: "items_total",
			Help: "Prewarm items by terminal status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(
			c.CacheHits, c.CacheMisses, c.CacheEvictions, c.CacheSize, c.CacheEntries,
			c.SyncRuns, c.SyncBytes, c.SyncFailures,
			c.HealthStatus, c.PrewarmOutcomes,
		)
	}
	return c
}

// ObserveHealth 把健康状态折算成仪表值。
func (c *Collector) ObserveHealth(source, status string) {
	var v float64
	switch status {
	case "healthy":
		v = 2
	case "degraded":
		v = 1
	}
	c.HealthStatus.WithLabelValues(source).Set(v)
}
