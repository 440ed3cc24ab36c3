package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink fans this library's structured event table out to
// Prometheus metrics. One gauge/counter/histogram family is registered per
// event at construction time; Emit looks the family up by event name and
// applies whichever measurement/label keys are present.
type PrometheusSink struct {
	registry *prometheus.Registry

	rateLimiterConsume  *prometheus.CounterVec
	rateLimiterRefill   *prometheus.GaugeVec
	rateLimiterQueue    *prometheus.GaugeVec
	rateLimiterQueueFul *prometheus.CounterVec
	rateLimiterPressure *prometheus.GaugeVec
	requestStart        *prometheus.CounterVec
	requestComplete     *prometheus.HistogramVec
	requestTimeout      *prometheus.CounterVec
	subscriptionAdd     *prometheus.CounterVec
	subscriptionRemove  *prometheus.CounterVec
	heartbeatSend       *prometheus.CounterVec
	heartbeatPong       *prometheus.HistogramVec
	poolFailover        *prometheus.CounterVec
}

// NewPrometheusSink builds a sink with its own private registry (so embedding
// applications can merge it into their own registry via Registry()).
func NewPrometheusSink(namespace string) *PrometheusSink {
	registry := prometheus.NewRegistry()

	s := &PrometheusSink{
		registry: registry,

		rateLimiterConsume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limiter_consume_total", Help: "Token bucket consume calls",
		}, []string{"name"}),
		rateLimiterRefill: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rate_limiter_tokens", Help: "Tokens remaining after last refill",
		}, []string{"name"}),
		rateLimiterQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rate_limiter_queue_size", Help: "Current queue depth",
		}, []string{"name"}),
		rateLimiterQueueFul: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limiter_queue_full_total", Help: "consume() rejections due to full queue",
		}, []string{"name"}),
		rateLimiterPressure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rate_limiter_pressure_ratio", Help: "queue_size / max_queue_size at last transition",
		}, []string{"name", "level"}),
		requestStart: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_started_total", Help: "Correlated requests registered",
		}, []string{"method"}),
		requestComplete: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_duration_ms", Help: "Request round-trip latency",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms .. ~8s
		}, []string{"method", "result"}),
		requestTimeout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "request_timeouts_total", Help: "Correlated requests that timed out",
		}, []string{"method"}),
		subscriptionAdd: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "subscriptions_added_total", Help: "Channels subscribed",
		}, []string{"channel"}),
		subscriptionRemove: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "subscriptions_removed_total", Help: "Channels unsubscribed",
		}, []string{"channel"}),
		heartbeatSend: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeats_sent_total", Help: "Heartbeat probes sent",
		}, []string{"type"}),
		heartbeatPong: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "heartbeat_rtt_ms", Help: "Heartbeat round-trip time",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"type"}),
		poolFailover: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pool_failovers_total", Help: "send_balanced failover events",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		s.rateLimiterConsume, s.rateLimiterRefill, s.rateLimiterQueue, s.rateLimiterQueueFul, s.rateLimiterPressure,
		s.requestStart, s.requestComplete, s.requestTimeout,
		s.subscriptionAdd, s.subscriptionRemove,
		s.heartbeatSend, s.heartbeatPong,
		s.poolFailover,
	)

	return s
}

// Registry returns the private Prometheus registry so it can be exposed via
// promhttp.HandlerFor or merged into an application registry.
func (s *PrometheusSink) Registry() *prometheus.Registry { return s.registry }

// Emit implements Sink by routing each event name this module's internals
// emit to its metric family. Unrecognized event names are silently dropped;
// telemetry errors must never affect the data path.
func (s *PrometheusSink) Emit(event string, m map[string]float64, meta map[string]string) {
	switch event {
	case "ratelimiter.consume":
		s.rateLimiterConsume.WithLabelValues(meta["name"]).Inc()
		if v, ok := m["tokens_left"]; ok {
			s.rateLimiterRefill.WithLabelValues(meta["name"]).Set(v)
		}
	case "ratelimiter.refill":
		if v, ok := m["tokens_left"]; ok {
			s.rateLimiterRefill.WithLabelValues(meta["name"]).Set(v)
		}
	case "ratelimiter.queue":
		if v, ok := m["queue_len"]; ok {
			s.rateLimiterQueue.WithLabelValues(meta["name"]).Set(v)
		}
	case "ratelimiter.queue_full":
		s.rateLimiterQueueFul.WithLabelValues(meta["name"]).Inc()
	case "ratelimiter.pressure":
		if v, ok := m["ratio"]; ok {
			s.rateLimiterPressure.WithLabelValues(meta["name"], meta["level"]).Set(v)
		}
	case "request.start":
		s.requestStart.WithLabelValues(meta["method"]).Inc()
	case "request.complete":
		if v, ok := m["duration_ms"]; ok {
			s.requestComplete.WithLabelValues(meta["method"], meta["result"]).Observe(v)
		}
	case "request.timeout":
		s.requestTimeout.WithLabelValues(meta["method"]).Inc()
	case "subscription.add":
		s.subscriptionAdd.WithLabelValues(meta["channel"]).Inc()
	case "subscription.remove":
		s.subscriptionRemove.WithLabelValues(meta["channel"]).Inc()
	case "heartbeat.send":
		s.heartbeatSend.WithLabelValues(meta["type"]).Inc()
	case "heartbeat.pong":
		if v, ok := m["rtt_ms"]; ok {
			s.heartbeatPong.WithLabelValues(meta["type"]).Observe(v)
		}
	case "pool.failover":
		s.poolFailover.WithLabelValues(meta["reason"]).Inc()
	}
}
