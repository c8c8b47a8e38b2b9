// Package metrics exposes Prometheus collectors for the proxy. A nil *Recorder
// is valid and records nothing, so components can take one unconditionally and
// callers decide at startup whether metrics are enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder 汇总请求、拉取与校验相关的指标。
type Recorder struct {
	requests      *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchBytes    *prometheus.CounterVec
	inFlight      *prometheus.GaugeVec
	subscribers   *prometheus.GaugeVec
	servedBytes   *prometheus.CounterVec
}

// NewRegistry 创建独立的注册表，并挂上 Go 运行时与进程采集器。
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// New 在 reg 上注册全部指标。reg 为 nil 时返回 nil，表示关闭指标。
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		return nil
	}
	return &Recorder{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "lfs_cache_requests_total",
				Help: "Object requests by namespace and how they were served",
			},
			[]string{"namespace", "result"}, // hit, miss, join, error
		),
		fetches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "lfs_cache_fetches_total",
				Help: "Completed upstream fetches by namespace and outcome",
			},
			[]string{"namespace", "outcome"}, // cached, upstream_error, integrity_mismatch, cache_io
		),
		fetchDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lfs_cache_fetch_duration_seconds",
				Help:    "Duration of upstream fetches from first request to commit or failure",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"namespace"},
		),
		fetchBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "lfs_cache_fetch_bytes_total",
				Help: "Bytes received from upstream",
			},
			[]string{"namespace"},
		),
		inFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lfs_cache_fetches_in_flight",
				Help: "Upstream fetches currently in progress",
			},
			[]string{"namespace"},
		),
		subscribers: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lfs_cache_stream_subscribers",
				Help: "Clients currently reading from an in-progress fetch",
			},
			[]string{"namespace"},
		),
		servedBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "lfs_cache_served_bytes_total",
				Help: "Bytes sent to clients by source",
			},
			[]string{"namespace", "source"}, // cache, stream
		),
	}
}

// ObserveRequest 记录一次对象请求的服务方式。
func (r *Recorder) ObserveRequest(namespace, result string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(namespace, result).Inc()
}

// FetchStarted 在拉取开始时调用。
func (r *Recorder) FetchStarted(namespace string) {
	if r == nil {
		return
	}
	r.inFlight.WithLabelValues(namespace).Inc()
}

// FetchFinished 在拉取提交或失败后调用。
func (r *Recorder) FetchFinished(namespace, outcome string, received int64, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.inFlight.WithLabelValues(namespace).Dec()
	r.fetches.WithLabelValues(namespace, outcome).Inc()
	r.fetchDuration.WithLabelValues(namespace).Observe(elapsed.Seconds())
	if received > 0 {
		r.fetchBytes.WithLabelValues(namespace).Add(float64(received))
	}
}

// SubscriberJoined / SubscriberLeft 跟踪正在读取进行中拉取的客户端数量。
func (r *Recorder) SubscriberJoined(namespace string) {
	if r == nil {
		return
	}
	r.subscribers.WithLabelValues(namespace).Inc()
}

func (r *Recorder) SubscriberLeft(namespace string) {
	if r == nil {
		return
	}
	r.subscribers.WithLabelValues(namespace).Dec()
}

// ObserveServed 累计发送给客户端的字节数。
func (r *Recorder) ObserveServed(namespace, source string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.servedBytes.WithLabelValues(namespace, source).Add(float64(n))
}
