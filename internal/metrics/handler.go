package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics endpoint.
type Summary struct {
	Mode       string         `json:"mode"`
	RPC        httpSummary    `json:"rpc"`
	Management httpSummary    `json:"management"`
	Streams    streamInfo     `json:"streams"`
	Auth       authInfo       `json:"authorizations"`
	Settlement settlementInfo `json:"settlement"`
	Tasks      taskInfo       `json:"tasks"`
	RateLimit  rateLimitInfo  `json:"rateLimit"`
	Collector  collectorInfo  `json:"collector"`
	DB         dbInfo         `json:"db"`
	Server     serverInfo     `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type streamInfo struct {
	Active float64 `json:"active"`
}

type authInfo struct {
	Authorized      float64 `json:"authorized"`
	Unauthorized    float64 `json:"unauthorized"`
	PaymentRequired float64 `json:"paymentRequired"`
	Errors          float64 `json:"errors"`
}

type settlementInfo struct {
	Redemptions   float64 `json:"redemptions"`
	Failures      float64 `json:"failures"`
	CreditsBurned float64 `json:"creditsBurned"`
	P95Latency    float64 `json:"p95Latency"`
}

type taskInfo struct {
	Active    float64 `json:"active"`
	Completed float64 `json:"completed"`
	Failed    float64 `json:"failed"`
	Canceled  float64 `json:"canceled"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type collectorInfo struct {
	BufferSize   float64 `json:"bufferSize"`
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Redemptions  float64 `json:"redemptions"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.handleLive(w)
	}
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	traffic := func(kind string) httpSummary {
		reqs, dur := fam["creditgate_http_requests_total"], fam["creditgate_http_request_duration_seconds"]
		return httpSummary{
			TotalRequests: sumCounter(reqs, "kind", kind),
			ErrorRate:     errorRate(reqs, "kind", kind),
			P50Latency:    histogramPercentile(dur, 0.50, "kind", kind),
			P95Latency:    histogramPercentile(dur, 0.95, "kind", kind),
			P99Latency:    histogramPercentile(dur, 0.99, "kind", kind),
		}
	}
	auths := fam["creditgate_authorizations_total"]
	redemptions := fam["creditgate_redemptions_total"]
	tasks := fam["creditgate_tasks_total"]
	start := gaugeValue(fam["creditgate_server_start_time_seconds"])

	return &Summary{
		Mode:       "live",
		RPC:        traffic("rpc"),
		Management: traffic("management"),
		Streams:    streamInfo{Active: gaugeValue(fam["creditgate_rpc_active_streams"])},
		Auth: authInfo{
			Authorized:      sumCounter(auths, "result", "authorized"),
			Unauthorized:    sumCounter(auths, "result", "unauthorized"),
			PaymentRequired: sumCounter(auths, "result", "payment_required"),
			Errors:          sumCounter(auths, "result", "error"),
		},
		Settlement: settlementInfo{
			Redemptions:   sumCounter(redemptions, "", ""),
			Failures:      sumCounter(redemptions, "status", "error"),
			CreditsBurned: sumCounter(fam["creditgate_credits_redeemed_total"], "", ""),
			P95Latency:    histogramPercentile(fam["creditgate_redemption_duration_seconds"], 0.95, "", ""),
		},
		Tasks: taskInfo{
			Active:    gaugeValue(fam["creditgate_active_tasks"]),
			Completed: sumCounter(tasks, "state", "completed"),
			Failed:    sumCounter(tasks, "state", "failed"),
			Canceled:  sumCounter(tasks, "state", "canceled"),
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["creditgate_ratelimit_rejections_total"], "", ""),
		},
		Collector: collectorInfo{
			BufferSize:   gaugeValue(fam["creditgate_collector_buffer_size"]),
			TotalFlushes: sumCounter(fam["creditgate_collector_flushes_total"], "", ""),
			FlushErrors:  sumCounter(fam["creditgate_collector_flushes_total"], "status", "error"),
			Redemptions:  sumCounter(fam["creditgate_collector_redemptions_total"], "", ""),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["creditgate_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["creditgate_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["creditgate_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

func (m *Metrics) handleLive(w http.ResponseWriter) {
	summary, err := m.Summarize()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

// --- Prometheus metric helpers ---

// hasLabel reports whether m carries name=value. An empty name matches every
// metric.
func hasLabel(m *dto.Metric, name, value string) bool {
	if name == "" {
		return true
	}
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func sumCounter(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetGauge() != nil {
			total += m.GetGauge().GetValue()
		}
	}
	return total
}

// errorRate is the share of requests answered with a 4xx or 5xx status.
func errorRate(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

// histogramPercentile computes a percentile from the aggregated buckets of
// the matching histograms using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil || !hasLabel(m, labelName, labelValue) {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		if math.IsInf(ub, 1) {
			continue
		}
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// Beyond the last finite bucket.
	if len(buckets) > 0 {
		return buckets[len(buckets)-1].upperBound
	}
	return 0
}
