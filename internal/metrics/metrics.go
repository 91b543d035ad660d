// ============================================================================
// dockq Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 docking 任務與外部工具的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - dockq_jobs_submitted_total: 通過驗證並建立的任務數
//      - dockq_jobs_completed_total: 完成的任務數
//      - dockq_jobs_failed_total: 任務層級失敗數（受體準備失敗、重啟中斷）
//      - dockq_ligands_total{outcome}: 每個配體的結果（succeeded / failed）
//
//   2. 外部工具 (CounterVec / HistogramVec):
//      - dockq_tool_invocations_total{tool,outcome}
//      - dockq_tool_duration_seconds{tool}
//        * outcome: ok / failed / timeout / cancelled
//
//   3. 狀態指標 (Gauge):
//      - dockq_jobs_pending / dockq_jobs_processing
//      - dockq_engine_in_flight: 目前執行中的 docking engine 行程
//      - dockq_recovery_time_seconds: 最近一次啟動恢復耗時
//
// Prometheus 查詢示例:
//
//   # 配體失敗率
//   rate(dockq_ligands_total{outcome="failed"}[5m]) / rate(dockq_ligands_total[5m])
//
//   # engine 95 分位耗時
//   histogram_quantile(0.95, rate(dockq_tool_duration_seconds_bucket{tool="engine"}[5m]))
//
// 所有方法對 nil *Collector 安全，沒有設定監控時直接略過。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tool labels.
const (
	ToolReceptorPrep = "receptor_prep"
	ToolLigandPrep   = "ligand_prep"
	ToolEngine       = "engine"
)

// Tool outcome labels.
const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	ligands       *prometheus.CounterVec

	// 工具指標
	toolInvocations *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	jobDuration     prometheus.Histogram

	// 狀態指標
	jobsPending    prometheus.Gauge
	jobsProcessing prometheus.Gauge
	engineInFlight prometheus.Gauge
	recoveryTime   prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector 創建並註冊指標。reg 為 nil 時使用 prometheus.DefaultRegisterer。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockq_jobs_submitted_total",
			Help: "Total number of docking jobs accepted at intake",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockq_jobs_completed_total",
			Help: "Total number of docking jobs that completed",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockq_jobs_failed_total",
			Help: "Total number of docking jobs that failed at job level",
		}),
		ligands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dockq_ligands_total",
			Help: "Ligand results recorded, by outcome",
		}, []string{"outcome"}),
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dockq_tool_invocations_total",
			Help: "External tool invocations, by tool and outcome",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dockq_tool_duration_seconds",
			Help:    "External tool wall time in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"tool"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dockq_job_duration_seconds",
			Help:    "Docking job processing time in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dockq_jobs_pending",
			Help: "Current number of pending jobs",
		}),
		jobsProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dockq_jobs_processing",
			Help: "Current number of processing jobs",
		}),
		engineInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dockq_engine_in_flight",
			Help: "Docking engine processes currently running",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dockq_recovery_time_seconds",
			Help: "Time taken to restore the job store at startup",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsCompleted,
		c.jobsFailed,
		c.ligands,
		c.toolInvocations,
		c.toolDuration,
		c.jobDuration,
		c.jobsPending,
		c.jobsProcessing,
		c.engineInFlight,
		c.recoveryTime,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordSubmitted 記錄任務通過 intake
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(seconds float64) {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(seconds)
}

// RecordFailed 記錄任務層級失敗
func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
}

// RecordLigand 記錄單一配體結果
func (c *Collector) RecordLigand(succeeded bool) {
	if c == nil {
		return
	}
	outcome := OutcomeFailed
	if succeeded {
		outcome = "succeeded"
	}
	c.ligands.WithLabelValues(outcome).Inc()
}

// ObserveTool 記錄一次外部工具呼叫
func (c *Collector) ObserveTool(tool, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.toolInvocations.WithLabelValues(tool, outcome).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// EngineStarted / EngineFinished 追蹤執行中的 engine 行程
func (c *Collector) EngineStarted() {
	if c == nil {
		return
	}
	c.engineInFlight.Inc()
}

func (c *Collector) EngineFinished() {
	if c == nil {
		return
	}
	c.engineInFlight.Dec()
}

// UpdateJobStats 更新任務狀態統計
func (c *Collector) UpdateJobStats(pending, processing int) {
	if c == nil {
		return
	}
	c.jobsPending.Set(float64(pending))
	c.jobsProcessing.Set(float64(processing))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve 在 addr 上提供 /metrics，ctx 結束時關閉
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
