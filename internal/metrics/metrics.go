package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the creditgate gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// JSON-RPC metrics.
	RPCRequestsTotal *prometheus.CounterVec
	ActiveStreams    prometheus.Gauge

	// Authorization metrics.
	AuthorizationsTotal *prometheus.CounterVec

	// Settlement metrics.
	RedemptionsTotal     *prometheus.CounterVec
	CreditsRedeemedTotal *prometheus.CounterVec
	RedemptionDuration   *prometheus.HistogramVec

	// Task metrics.
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	ActiveTasks  prometheus.Gauge

	RateLimitRejectionsTotal *prometheus.CounterVec

	// Upstream agent metrics.
	UpstreamRequestsTotal *prometheus.CounterVec
	UpstreamDuration      *prometheus.HistogramVec

	// Journal collector metrics.
	CollectorBufferSize       prometheus.Gauge
	CollectorFlushesTotal     *prometheus.CounterVec
	CollectorFlushDuration    prometheus.Histogram
	CollectorRedemptionsTotal prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "creditgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		RPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_rpc_requests_total",
			Help: "Total number of JSON-RPC calls by method and error code (0 on success).",
		}, []string{"method", "code"}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditgate_rpc_active_streams",
			Help: "Number of open server-sent event streams.",
		}),

		AuthorizationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_authorizations_total",
			Help: "Total number of ledger authorizations by result.",
		}, []string{"result"}),

		RedemptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_redemptions_total",
			Help: "Total number of redemption attempts.",
		}, []string{"kind", "policy", "status"}),

		CreditsRedeemedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_credits_redeemed_total",
			Help: "Total credits burned by successful redemptions.",
		}, []string{"kind", "policy"}),

		RedemptionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "creditgate_redemption_duration_seconds",
			Help:    "Ledger redemption latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),

		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_tasks_total",
			Help: "Total number of finished tasks by terminal state.",
		}, []string{"state"}),

		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "creditgate_task_duration_seconds",
			Help:    "Task duration from submission to terminal state in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"state"}),

		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditgate_active_tasks",
			Help: "Number of tasks not yet in a terminal state.",
		}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"scope"}),

		UpstreamRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_upstream_requests_total",
			Help: "Total number of calls forwarded to upstream agents by outcome.",
		}, []string{"agent_id", "outcome"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "creditgate_upstream_duration_seconds",
			Help:    "Upstream agent response time in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent_id"}),

		CollectorBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditgate_collector_buffer_size",
			Help: "Current number of buffered journal records.",
		}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_collector_flushes_total",
			Help: "Total number of journal flushes.",
		}, []string{"status"}),

		CollectorFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "creditgate_collector_flush_duration_seconds",
			Help:    "Duration of journal flush operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		CollectorRedemptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creditgate_collector_redemptions_total",
			Help: "Total number of redemption records written to the journal.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditgate_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RPCRequestsTotal,
		m.ActiveStreams,
		m.AuthorizationsTotal,
		m.RedemptionsTotal,
		m.CreditsRedeemedTotal,
		m.RedemptionDuration,
		m.TasksTotal,
		m.TaskDuration,
		m.ActiveTasks,
		m.RateLimitRejectionsTotal,
		m.UpstreamRequestsTotal,
		m.UpstreamDuration,
		m.CollectorBufferSize,
		m.CollectorFlushesTotal,
		m.CollectorFlushDuration,
		m.CollectorRedemptionsTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTPRequest records one served HTTP request. kind separates capability
// traffic ("rpc") from everything else ("management").
func (m *Metrics) ObserveHTTPRequest(kind, method, pattern string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, pattern).Observe(d.Seconds())
}

// IncRPCRequests counts a JSON-RPC call. code is 0 for a successful call.
func (m *Metrics) IncRPCRequests(method string, code int) {
	m.RPCRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func (m *Metrics) IncActiveStreams() { m.ActiveStreams.Inc() }

func (m *Metrics) DecActiveStreams() { m.ActiveStreams.Dec() }

// IncAuthorization counts one ledger authorization by result.
func (m *Metrics) IncAuthorization(result string) {
	m.AuthorizationsTotal.WithLabelValues(result).Inc()
}

// RecordRedemption records a redemption attempt and, on success, the credits
// it burned.
func (m *Metrics) RecordRedemption(kind, policy string, success bool, amount int64, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RedemptionsTotal.WithLabelValues(kind, policy, status).Inc()
	if success {
		m.CreditsRedeemedTotal.WithLabelValues(kind, policy).Add(float64(amount))
	}
	m.RedemptionDuration.WithLabelValues(kind).Observe(latency.Seconds())
}

// RecordTask records a task reaching a terminal state.
func (m *Metrics) RecordTask(state string, d time.Duration) {
	m.TasksTotal.WithLabelValues(state).Inc()
	m.TaskDuration.WithLabelValues(state).Observe(d.Seconds())
}

func (m *Metrics) SetActiveTasks(n int) { m.ActiveTasks.Set(float64(n)) }

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// ObserveUpstream records one forwarded call. Outcome is "ok", an HTTP
// status class such as "5xx", or a transport error class.
func (m *Metrics) ObserveUpstream(agentID, outcome string, d time.Duration) {
	m.UpstreamRequestsTotal.WithLabelValues(agentID, outcome).Inc()
	m.UpstreamDuration.WithLabelValues(agentID).Observe(d.Seconds())
}

// SetCollectorBuffer reports the journal collector's buffer length.
func (m *Metrics) SetCollectorBuffer(n int) { m.CollectorBufferSize.Set(float64(n)) }

// RecordFlush records one journal flush of n records.
func (m *Metrics) RecordFlush(n int, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	} else {
		m.CollectorRedemptionsTotal.Add(float64(n))
	}
	m.CollectorFlushesTotal.WithLabelValues(status).Inc()
	m.CollectorFlushDuration.Observe(d.Seconds())
}
