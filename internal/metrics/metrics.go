// ============================================================================
// reqexec Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集請求執行核心的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 請求計數器 (Counter):
//      - reqexec_requests_total{outcome}: 完成的請求數 (success / error / timeout)
//      - reqexec_attempts_total: 寫出到節點的嘗試次數
//      - reqexec_speculative_executions_total: 推測執行啟動次數
//      - reqexec_retries_total{decision}: 重試次數 (same_host / next_host)
//      - reqexec_reprepares_total: 因 UNPREPARED 觸發的重新準備次數
//
//   2. 性能指標 (Histogram):
//      - reqexec_request_latency_seconds: 從 Execute 到 future 完成的延遲
//
//   3. 狀態指標 (Gauge):
//      - reqexec_executions_running: 當前執行中的 execution 數
//
// Prometheus 查詢示例:
//
//   # 推測執行比例
//   rate(reqexec_speculative_executions_total[5m]) / rate(reqexec_requests_total[5m])
//
//   # 99 分位延遲
//   histogram_quantile(0.99, reqexec_request_latency_seconds_bucket)
//
// 所有 Record 方法對 nil *Collector 安全，未啟用監控時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Retry decisions
const (
	RetrySameHost = "same_host"
	RetryNextHost = "next_host"
)

// Collector Prometheus 指標收集器
type Collector struct {
	requests   *prometheus.CounterVec
	attempts   prometheus.Counter
	specExecs  prometheus.Counter
	retries    *prometheus.CounterVec
	reprepares prometheus.Counter

	latency prometheus.Histogram
	running prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到默認 registry
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith 創建指標收集器並註冊到 reg
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reqexec_requests_total",
			Help: "Total number of completed requests by outcome",
		}, []string{"outcome"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqexec_attempts_total",
			Help: "Total number of requests written to a host",
		}),
		specExecs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqexec_speculative_executions_total",
			Help: "Total number of speculative executions started",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reqexec_retries_total",
			Help: "Total number of retries by decision",
		}, []string{"decision"}),
		reprepares: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqexec_reprepares_total",
			Help: "Total number of statements re-prepared after an UNPREPARED error",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reqexec_request_latency_seconds",
			Help:    "Request latency from execute to completion in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reqexec_executions_running",
			Help: "Current number of running executions",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(c.requests, c.attempts, c.specExecs, c.retries, c.reprepares, c.latency, c.running)

	return c
}

// RecordRequest 記錄請求完成
func (c *Collector) RecordRequest(outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(outcome).Inc()
	c.latency.Observe(latency.Seconds())
}

// RecordAttempt 記錄一次寫出
func (c *Collector) RecordAttempt() {
	if c == nil {
		return
	}
	c.attempts.Inc()
}

// RecordSpeculativeExecution 記錄推測執行
func (c *Collector) RecordSpeculativeExecution() {
	if c == nil {
		return
	}
	c.specExecs.Inc()
}

// RecordRetry 記錄重試
func (c *Collector) RecordRetry(decision string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(decision).Inc()
}

// RecordReprepare 記錄重新準備
func (c *Collector) RecordReprepare() {
	if c == nil {
		return
	}
	c.reprepares.Inc()
}

// ExecutionStarted 執行中 execution 數加一
func (c *Collector) ExecutionStarted() {
	if c == nil {
		return
	}
	c.running.Inc()
}

// ExecutionFinished 執行中 execution 數減一
func (c *Collector) ExecutionFinished() {
	if c == nil {
		return
	}
	c.running.Dec()
}

// Handler 返回 /metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
